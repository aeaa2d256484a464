package ai

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/carepick/carepick/internal/config"
	"golang.org/x/mod/semver"
)

//go:embed prompts
var embeddedPrompts embed.FS

// DefaultPromptVersions is used when no version is requested or pinned
var DefaultPromptVersions = map[string]string{
	"doubao.stage1_vision":          "v1",
	"doubao.stage2_struct":          "v1",
	"doubao.ingredient_enrich":      "v1",
	"doubao.image_json_consistency": "v1",
	"doubao.product_dedup_decision": "v1",
	"doubao.product_dedup_group":    "v1",
}

var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Prompt is a loaded template
type Prompt struct {
	Key     string
	Version string
	Text    string
}

// PromptCatalog resolves prompt keys to versioned templates. Templates live
// at <key split on "."> / <version>.md (or .txt).
type PromptCatalog struct {
	fsys fs.FS
	pins map[string]string
}

// NewPromptCatalog returns a catalog over the embedded templates, or over
// cfg.Dir when it is set.
func NewPromptCatalog(cfg config.PromptConfig) (*PromptCatalog, error) {
	var fsys fs.FS
	if cfg.Dir != "" {
		info, err := os.Stat(cfg.Dir)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, &fs.PathError{Op: "open", Path: cfg.Dir, Err: errors.New("not a directory")}
		}
		fsys = os.DirFS(cfg.Dir)
	} else {
		sub, err := fs.Sub(embeddedPrompts, "prompts")
		if err != nil {
			return nil, err
		}
		fsys = sub
	}
	return NewPromptCatalogFS(fsys, cfg.Versions), nil
}

// NewPromptCatalogFS returns a catalog over an arbitrary filesystem
func NewPromptCatalogFS(fsys fs.FS, pins map[string]string) *PromptCatalog {
	p := make(map[string]string, len(pins))
	for k, v := range pins {
		p[k] = v
	}
	return &PromptCatalog{fsys: fsys, pins: p}
}

// Load reads a template. An empty version resolves through the pins, then
// the defaults, then the highest vN version present for the key.
func (c *PromptCatalog) Load(key, version string) (Prompt, error) {
	if version == "" {
		version = c.resolveVersion(key)
	}
	if version == "" {
		return Prompt{}, NewError(CodePromptVersionMissing, http.StatusInternalServerError,
			"Prompt version is missing for key '%s'.", key)
	}

	dir := keyDir(key)
	for _, ext := range []string{".md", ".txt"} {
		data, err := fs.ReadFile(c.fsys, path.Join(dir, version+ext))
		if err == nil {
			return Prompt{Key: key, Version: version, Text: strings.TrimSpace(string(data))}, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Prompt{}, NewError(CodePromptNotFound, http.StatusInternalServerError,
				"Prompt unreadable: key=%s, version=%s: %v", key, version, err)
		}
	}
	return Prompt{}, NewError(CodePromptNotFound, http.StatusInternalServerError,
		"Prompt not found: key=%s, version=%s.", key, version)
}

func (c *PromptCatalog) resolveVersion(key string) string {
	if v := c.pins[key]; v != "" {
		return v
	}
	if v := DefaultPromptVersions[key]; v != "" {
		return v
	}
	versions := c.Versions(key)
	if len(versions) == 0 {
		return ""
	}
	return versions[len(versions)-1]
}

// Versions lists the semver-style versions available for key, ascending
func (c *PromptCatalog) Versions(key string) []string {
	entries, err := fs.ReadDir(c.fsys, keyDir(key))
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := path.Ext(name)
		if ext != ".md" && ext != ".txt" {
			continue
		}
		v := strings.TrimSuffix(name, ext)
		if !semver.IsValid(v) || seen[v] {
			continue
		}
		seen[v] = true
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return semver.Compare(versions[i], versions[j]) < 0
	})
	return versions
}

func keyDir(key string) string {
	return path.Join(strings.Split(key, ".")...)
}

// RenderPrompt substitutes {{ name }} placeholders from params. A placeholder
// without a matching param fails with prompt_param_missing, and any
// placeholder still present after substitution fails with
// prompt_param_unresolved.
func RenderPrompt(template string, params map[string]string) (string, error) {
	var missing string
	rendered := placeholderRegex.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRegex.FindStringSubmatch(m)[1]
		value, ok := params[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return value
	})
	if missing != "" {
		return "", NewError(CodePromptParamMissing, http.StatusInternalServerError,
			"Prompt parameter '%s' is missing.", missing)
	}

	if leftovers := placeholderRegex.FindAllStringSubmatch(rendered, -1); len(leftovers) > 0 {
		names := map[string]bool{}
		for _, l := range leftovers {
			names[l[1]] = true
		}
		sorted := make([]string, 0, len(names))
		for n := range names {
			sorted = append(sorted, n)
		}
		sort.Strings(sorted)
		return "", NewError(CodePromptParamUnresolved, http.StatusInternalServerError,
			"Unresolved prompt parameters: %s.", strings.Join(sorted, ", "))
	}
	return rendered, nil
}
