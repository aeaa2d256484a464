package ai

import (
	"testing"
	"testing/fstest"

	"github.com/carepick/carepick/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPrompt(t *testing.T) {
	out, err := RenderPrompt("Ingredient: {{ingredient}}\nContext: {{  context  }}", map[string]string{
		"ingredient": "Niacinamide",
		"context":    "",
		"unused":     "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ingredient: Niacinamide\nContext: ", out)
}

func TestRenderPromptMissingParam(t *testing.T) {
	_, err := RenderPrompt("{{ vision_text }} and {{ json_text }}", map[string]string{"vision_text": "x"})
	require.Error(t, err)
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, CodePromptParamMissing, se.Code)
	assert.Equal(t, 500, se.HTTPStatus)
	assert.Contains(t, se.Message, "json_text")
}

func TestRenderPromptUnresolvedAfterSubstitution(t *testing.T) {
	// a value that itself looks like a placeholder survives substitution
	_, err := RenderPrompt("{{ a }}", map[string]string{"a": "{{ b }}"})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodePromptParamUnresolved))
	assert.Contains(t, err.Error(), "b")
}

func TestPromptCatalogEmbedded(t *testing.T) {
	catalog, err := NewPromptCatalog(config.PromptConfig{})
	require.NoError(t, err)

	for key := range DefaultPromptVersions {
		p, err := catalog.Load(key, "")
		require.NoError(t, err, key)
		assert.Equal(t, "v1", p.Version)
		assert.NotEmpty(t, p.Text)
	}
}

func TestPromptCatalogVersionResolution(t *testing.T) {
	fsys := fstest.MapFS{
		"doubao/stage1_vision/v1.md":  {Data: []byte("one")},
		"doubao/stage1_vision/v2.md":  {Data: []byte("two")},
		"custom/thing/v1.txt":         {Data: []byte("t1")},
		"custom/thing/v1.10.txt":      {Data: []byte("t110")},
		"custom/thing/v1.9.md":        {Data: []byte("t19")},
		"custom/thing/notes.md":       {Data: []byte("ignored")},
		"custom/empty/readme.unknown": {Data: []byte("")},
	}

	t.Run("default version wins without a pin", func(t *testing.T) {
		p, err := NewPromptCatalogFS(fsys, nil).Load("doubao.stage1_vision", "")
		require.NoError(t, err)
		assert.Equal(t, "one", p.Text)
	})

	t.Run("pin overrides default", func(t *testing.T) {
		c := NewPromptCatalogFS(fsys, map[string]string{"doubao.stage1_vision": "v2"})
		p, err := c.Load("doubao.stage1_vision", "")
		require.NoError(t, err)
		assert.Equal(t, "two", p.Text)
		assert.Equal(t, "v2", p.Version)
	})

	t.Run("explicit version overrides pin", func(t *testing.T) {
		c := NewPromptCatalogFS(fsys, map[string]string{"doubao.stage1_vision": "v2"})
		p, err := c.Load("doubao.stage1_vision", "v1")
		require.NoError(t, err)
		assert.Equal(t, "one", p.Text)
	})

	t.Run("highest semver for unknown keys", func(t *testing.T) {
		c := NewPromptCatalogFS(fsys, nil)
		assert.Equal(t, []string{"v1", "v1.9", "v1.10"}, c.Versions("custom.thing"))
		p, err := c.Load("custom.thing", "")
		require.NoError(t, err)
		assert.Equal(t, "t110", p.Text)
	})

	t.Run("no versions", func(t *testing.T) {
		_, err := NewPromptCatalogFS(fsys, nil).Load("custom.empty", "")
		assert.True(t, IsCode(err, CodePromptVersionMissing))
	})

	t.Run("missing version file", func(t *testing.T) {
		_, err := NewPromptCatalogFS(fsys, nil).Load("doubao.stage1_vision", "v9")
		assert.True(t, IsCode(err, CodePromptNotFound))
	})
}
