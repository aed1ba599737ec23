package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")

	c, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", c.Addr())
	assert.Equal(t, filepath.Join("models", "plant_disease_prediction_model.onnx"), c.ModelPath())
	assert.True(t, c.EagerLoad)
	assert.Equal(t, 1, c.PoolSize)
	assert.Equal(t, int64(16<<20), c.MaxBodyBytes())
}

func TestLoadTomlThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
port = "9000"
model_dir = "/srv/models"
pool_size = 4
token = "from-file"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	t.Setenv("PORT", "")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, "/srv/models", c.ModelDir)
	assert.Equal(t, 4, c.PoolSize)
	assert.Equal(t, "from-file", c.Token)

	t.Setenv("PORT", "8123")
	t.Setenv("API_TOKEN", "from-env")
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8123", c.Port)
	assert.Equal(t, "from-env", c.Token)
	assert.Equal(t, 4, c.PoolSize)
}

func TestLoadRejectsBadToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("port = = 1"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadClampsPoolSize(t *testing.T) {
	t.Setenv("POOL_SIZE", "0")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1, c.PoolSize)
}

func TestLabelsPathEmptyWhenUnset(t *testing.T) {
	c := Default()
	c.ModelLabelsName = ""
	assert.Empty(t, c.LabelsPath())
}

func TestLoadInferenceGuards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_pixels = 1000000\noutput_activation = \"logits\"\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), c.MaxPixels)
	assert.Equal(t, "logits", c.OutputActivation)

	t.Setenv("OUTPUT_ACTIVATION", "sigmoid")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestDefaultInferenceGuards(t *testing.T) {
	c := Default()
	assert.Equal(t, int64(178_956_970), c.MaxPixels)
	assert.Equal(t, "auto", c.OutputActivation)
}
