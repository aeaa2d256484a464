package ai

import (
	"encoding/base64"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ImageReader loads the bytes of an image referenced by a storage-relative path
type ImageReader interface {
	ReadImage(relPath string) ([]byte, error)
}

// LocalImages reads images below a storage root
type LocalImages struct {
	Root string
}

// ReadImage rejects paths that leave the root
func (l LocalImages) ReadImage(relPath string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if !filepath.IsLocal(clean) {
		return nil, NewError(CodeImagePathInvalid, http.StatusBadRequest, "Invalid image path: %s.", relPath)
	}
	data, err := os.ReadFile(filepath.Join(l.Root, clean))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ServiceError{
				Code:       CodeImageNotFound,
				Message:    "Image file not found: " + relPath + ".",
				HTTPStatus: http.StatusNotFound,
				Cause:      err,
			}
		}
		return nil, &ServiceError{
			Code:       CodeImagePathInvalid,
			Message:    "Invalid image path: " + relPath + ".",
			HTTPStatus: http.StatusBadRequest,
			Cause:      err,
		}
	}
	return data, nil
}

// imageDataURL reads the image and encodes it as a base64 data URL
func imageDataURL(images ImageReader, relPath string) (string, error) {
	data, err := images.ReadImage(relPath)
	if err != nil {
		return "", err
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(relPath)))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
