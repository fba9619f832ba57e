package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/retina-grader/pkg/enhance"
	"github.com/menta2k/retina-grader/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	pc, err := cfg.PipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, types.DefaultPipelineConfig(), pc)

	params, err := cfg.EnhanceParams()
	require.NoError(t, err)
	assert.Equal(t, enhance.DefaultParams(), params)

	assert.Equal(t, 24*time.Hour, cfg.CacheTTL())
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"sigma", func(c *Config) { c.Preprocess.SharpenSigma = 15 }},
		{"clip", func(c *Config) { c.Preprocess.ClipLimit = 0 }},
		{"space", func(c *Config) { c.Preprocess.ContrastSpace = "hsv" }},
		{"enhancer backend", func(c *Config) { c.Preprocess.Backend = "cuda" }},
		{"kernel", func(c *Config) { c.Preprocess.Kernel = "cubic" }},
		{"std", func(c *Config) { c.Preprocess.Std[1] = 0 }},
		{"model backend", func(c *Config) { c.Model.Backend = "tflite" }},
		{"model path", func(c *Config) { c.Model.Path = "" }},
		{"vision model", func(c *Config) { c.Model.Backend = BackendOllama; c.Model.VisionModel = "" }},
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"upload", func(c *Config) { c.Server.MaxUploadMB = 0 }},
		{"ttl", func(c *Config) { c.Server.CacheTTL = "forever" }},
		{"quality", func(c *Config) { c.Output.Quality = 101 }},
		{"format", func(c *Config) { c.Output.Format = "gif" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.Model.Backend = BackendGONNX
	cfg.Preprocess.SharpenSigma = 20
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Model.Path, cfg.Model.Path)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"RETINA_MODEL_PATH": "s3://bucket/dr.onnx",
		"ORT_LIBRARY_PATH":  "/opt/ort/libonnxruntime.so",
		"REDIS_ADDR":        "redis:6379",
		"JWT_SECRET":        "s3cret",
		"PORT":              "9090",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "s3://bucket/dr.onnx", cfg.Model.Path)
	assert.Equal(t, "/opt/ort/libonnxruntime.so", cfg.Model.LibraryPath)
	assert.Equal(t, "redis:6379", cfg.Server.RedisAddr)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, 9090, cfg.Server.Port)

	env["PORT"] = "http"
	assert.Error(t, Default().ApplyEnv(func(k string) string { return env[k] }))
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "config.json", filepath.Base(GetConfigPath()))
}
