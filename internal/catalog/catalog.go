// Package catalog owns stored products: the uploaded image, the validated
// product document and its index row.
//
// Products are ingested in two steps sharing one id, which is also the
// artifact trace id. Stage 1 stores the image and runs vision OCR; its
// output is kept as the "stage1_context" artifact. Stage 2 resumes from
// that artifact, structures the text into a product document, validates it
// and indexes it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/artifacts"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/storage"
	"github.com/carepick/carepick/internal/types"
	"github.com/google/uuid"
)

// Storage layout below the storage dir
const (
	ImagesDir   = "images"
	ProductsDir = "products"
)

// Error codes owned by the catalog
const (
	CodeProductNotFound  = "product_not_found"
	CodeTraceNotFound    = "upload_trace_not_found"
	CodeImageTypeInvalid = "image_type_invalid"
)

// Runner executes one capability synchronously and returns its output
type Runner interface {
	RunCapabilityNow(ctx context.Context, capability string, input map[string]any, traceID string, progress events.ProgressFunc) (map[string]any, error)
}

// Catalog stores and indexes products
type Catalog struct {
	root      string
	products  storage.ProductStore
	artifacts artifacts.Store
	runner    Runner
	validator *validator
	now       func() time.Time
	newID     func() string
}

// New creates a catalog rooted at storageDir
func New(storageDir string, products storage.ProductStore, store artifacts.Store, runner Runner) (*Catalog, error) {
	if storageDir == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if products == nil || store == nil || runner == nil {
		return nil, fmt.Errorf("product store, artifact store and runner are required")
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	return &Catalog{
		root:      storageDir,
		products:  products,
		artifacts: store,
		runner:    runner,
		validator: v,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}, nil
}

// Card is the list view of a product
type Card struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Brand       string    `json:"brand,omitempty"`
	Name        string    `json:"name,omitempty"`
	OneSentence string    `json:"one_sentence,omitempty"`
	Tags        []string  `json:"tags"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ImageURL maps a storage-relative image path to its public URL
func ImageURL(imagePath string) string {
	if imagePath == "" {
		return ""
	}
	return "/" + filepath.ToSlash(imagePath)
}

// List returns product cards, newest first
func (c *Catalog) List(ctx context.Context, filter types.ProductFilter) ([]Card, error) {
	records, err := c.products.ListProducts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	cards := make([]Card, 0, len(records))
	for _, r := range records {
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		cards = append(cards, Card{
			ID:          r.ID,
			Category:    r.Category,
			Brand:       r.Brand,
			Name:        r.Name,
			OneSentence: r.OneSentence,
			Tags:        tags,
			ImageURL:    ImageURL(r.ImagePath),
			CreatedAt:   r.CreatedAt,
		})
	}
	return cards, nil
}

// ListProducts returns index rows
func (c *Catalog) ListProducts(ctx context.Context, filter types.ProductFilter) ([]*types.ProductRecord, error) {
	return c.products.ListProducts(ctx, filter)
}

// LoadDoc reads the stored document of a product
func (c *Catalog) LoadDoc(ctx context.Context, id string) (*types.ProductDoc, error) {
	rec, err := c.products.GetProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}
	if rec == nil {
		return nil, ai.NewError(CodeProductNotFound, http.StatusNotFound, "Not found")
	}
	path, err := c.abs(rec.JSONPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ai.NewError(CodeProductNotFound, http.StatusNotFound, "Not found")
		}
		return nil, fmt.Errorf("failed to read product %s: %w", id, err)
	}
	var doc types.ProductDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode product %s: %w", id, err)
	}
	doc.Normalize()
	return &doc, nil
}

// abs resolves a storage-relative path, rejecting paths outside the root
func (c *Catalog) abs(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("invalid storage path %q", rel)
	}
	return filepath.Join(c.root, clean), nil
}

// writeFile writes data atomically (temp file + rename)
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store file: %w", err)
	}
	return nil
}

// removeFile deletes a storage-relative file, reporting whether it existed
func (c *Catalog) removeFile(rel string) (bool, error) {
	if rel == "" {
		return false, nil
	}
	path, err := c.abs(rel)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
