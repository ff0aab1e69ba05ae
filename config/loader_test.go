package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
llm:
  base_url: https://api.example.com
  model: internlm2-chat-7b
store:
  work_dir: /data/kb
  reject_throttle: 0.42
pipeline:
  is_question_threshold: 7
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 4, cfg.Store.CacheSize)
	assert.Equal(t, 6, cfg.Pipeline.IsQuestionThreshold)
	assert.True(t, cfg.Store.EnableKG)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, sampleYAML)).Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.LLM.BaseURL)
	assert.Equal(t, "/data/kb", cfg.Store.WorkDir)
	assert.InDelta(t, 0.42, float64(cfg.Store.RejectThrottle), 1e-6)
	assert.Equal(t, 7, cfg.Pipeline.IsQuestionThreshold)
	// 文件没写的字段保持默认
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, "workdir", cfg.Store.WorkDir)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("HUIXIANGDOU_LLM_API_KEY", "sk-from-env")
	t.Setenv("HUIXIANGDOU_STORE_REJECT_THROTTLE", "0.5")
	t.Setenv("HUIXIANGDOU_STORE_ENABLE_KG", "false")

	cfg, err := NewLoader().WithConfigPath(writeConfig(t, sampleYAML)).Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey)
	assert.InDelta(t, 0.5, float64(cfg.Store.RejectThrottle), 1e-6)
	assert.False(t, cfg.Store.EnableKG)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Store.WorkDir = ""
	cfg.Server.HTTPPort = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "work_dir")
	assert.Contains(t, err.Error(), "HTTP port")
}

func TestValidatorHook(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return assert.AnError }).
		Load()
	require.Error(t, err)
}
