package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/menta2k/retina-grader/pkg/enhance"
	"github.com/menta2k/retina-grader/pkg/resize"
	"github.com/menta2k/retina-grader/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the application configuration
type Config struct {
	Preprocess PreprocessConfig `json:"preprocess"`
	Model      ModelConfig      `json:"model"`
	Server     ServerConfig     `json:"server"`
	Output     OutputConfig     `json:"output"`
}

// PreprocessConfig holds the enhancement defaults
type PreprocessConfig struct {
	EnhanceContrast bool       `json:"enhance_contrast"`
	Sharpen         bool       `json:"sharpen"`
	SharpenSigma    int        `json:"sharpen_sigma"`
	GrayTolerance   uint8      `json:"gray_tolerance"`
	ClipLimit       float64    `json:"clip_limit"`
	TileGridSize    int        `json:"tile_grid_size"`
	ContrastSpace   string     `json:"contrast_space"`
	Backend         string     `json:"backend"`
	Kernel          string     `json:"kernel"`
	Mean            [3]float32 `json:"mean"`
	Std             [3]float32 `json:"std"`
}

// ModelConfig selects and configures the classifier backend
type ModelConfig struct {
	Backend        string `json:"backend"` // onnx, gonnx, ollama, llamacpp
	Path           string `json:"path"`
	InputName      string `json:"input_name"`
	OutputName     string `json:"output_name"`
	LibraryPath    string `json:"library_path"`
	IntraOpThreads int    `json:"intra_op_threads"`
	VisionURL      string `json:"vision_url"`
	VisionModel    string `json:"vision_model"`
}

// ServerConfig holds the HTTP service settings
type ServerConfig struct {
	Port          int    `json:"port"`
	MaxUploadMB   int    `json:"max_upload_mb"`
	RedisAddr     string `json:"redis_addr"`
	CacheTTL      string `json:"cache_ttl"`
	DatabaseDSN   string `json:"database_dsn"`
	JWTSecret     string `json:"jwt_secret,omitempty"`
	JWTAudience   string `json:"jwt_audience,omitempty"`
	ShutdownGrace string `json:"shutdown_grace"`
}

// OutputConfig holds configuration for snapshot output
type OutputConfig struct {
	Format       string `json:"format"`
	Quality      int    `json:"quality"`
	OutputDir    string `json:"output_dir"`
	ContactSheet bool   `json:"contact_sheet"`
}

// Backends understood by ModelConfig.Backend
const (
	BackendONNX     = "onnx"
	BackendGONNX    = "gonnx"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Preprocess: PreprocessConfig{
			EnhanceContrast: true,
			Sharpen:         true,
			SharpenSigma:    int(types.Sigma10),
			GrayTolerance:   7,
			ClipLimit:       2.0,
			TileGridSize:    8,
			ContrastSpace:   "lab",
			Backend:         "native",
			Kernel:          "linear",
			Mean:            [3]float32{0.485, 0.456, 0.406},
			Std:             [3]float32{0.229, 0.224, 0.225},
		},
		Model: ModelConfig{
			Backend:        BackendONNX,
			Path:           "model.onnx",
			InputName:      "input",
			OutputName:     "output",
			IntraOpThreads: 1,
			VisionURL:      "http://localhost:11434",
			VisionModel:    "llava",
		},
		Server: ServerConfig{
			Port:          8080,
			MaxUploadMB:   10,
			CacheTTL:      "24h",
			ShutdownGrace: "10s",
		},
		Output: OutputConfig{
			Format:       "png",
			Quality:      95,
			OutputDir:    "./output",
			ContactSheet: true,
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep
// their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists, falls back to Default otherwise, and
// applies environment overrides.
func Load(filename string) (*Config, error) {
	config := Default()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			config, err = LoadFromFile(filename)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}
	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return config, config.Validate()
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from environment variables read through getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set("RETINA_MODEL_PATH", &c.Model.Path)
	set("RETINA_MODEL_BACKEND", &c.Model.Backend)
	set("ORT_LIBRARY_PATH", &c.Model.LibraryPath)
	set("VISION_URL", &c.Model.VisionURL)
	set("VISION_MODEL", &c.Model.VisionModel)
	set("REDIS_ADDR", &c.Server.RedisAddr)
	set("DATABASE_DSN", &c.Server.DatabaseDSN)
	set("JWT_SECRET", &c.Server.JWTSecret)
	set("JWT_AUDIENCE", &c.Server.JWTAudience)

	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// PipelineConfig returns the default per-request toggles
func (c *Config) PipelineConfig() (types.PipelineConfig, error) {
	return types.NewPipelineConfig(c.Preprocess.EnhanceContrast, c.Preprocess.Sharpen, c.Preprocess.SharpenSigma)
}

// EnhanceParams converts the preprocess section into enhancer parameters
func (c *Config) EnhanceParams() (enhance.Params, error) {
	space, err := enhance.ParseContrastSpace(c.Preprocess.ContrastSpace)
	if err != nil {
		return enhance.Params{}, err
	}
	backend, err := enhance.ParseBackend(c.Preprocess.Backend)
	if err != nil {
		return enhance.Params{}, err
	}
	p := enhance.Params{
		ClipLimit:     c.Preprocess.ClipLimit,
		TileGridSize:  c.Preprocess.TileGridSize,
		ContrastSpace: space,
		Backend:       backend,
	}
	return p, p.Validate()
}

// ResizeKernel returns the configured interpolation kernel
func (c *Config) ResizeKernel() resize.Kernel {
	k, _ := resize.ParseKernel(c.Preprocess.Kernel)
	return k
}

// CacheTTL parses Server.CacheTTL
func (c *Config) CacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Server.CacheTTL)
	if err != nil {
		return 0
	}
	return d
}

// ShutdownGrace parses Server.ShutdownGrace, defaulting to 10s
func (c *Config) ShutdownGrace() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownGrace)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !types.SharpenSigma(c.Preprocess.SharpenSigma).Valid() {
		return fmt.Errorf("preprocess.sharpen_sigma must be 10 or 20")
	}

	if c.Preprocess.ClipLimit <= 0 {
		return fmt.Errorf("preprocess.clip_limit must be positive")
	}

	if c.Preprocess.TileGridSize < 1 {
		return fmt.Errorf("preprocess.tile_grid_size must be positive")
	}

	if _, err := c.EnhanceParams(); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}

	if _, err := resize.ParseKernel(c.Preprocess.Kernel); err != nil {
		return fmt.Errorf("preprocess.kernel: %w", err)
	}

	for i, s := range c.Preprocess.Std {
		if s <= 0 {
			return fmt.Errorf("preprocess.std[%d] must be positive", i)
		}
	}

	switch c.Model.Backend {
	case BackendONNX, BackendGONNX:
		if c.Model.Path == "" {
			return fmt.Errorf("model.path is required for the %s backend", c.Model.Backend)
		}
	case BackendOllama, BackendLlamaCpp:
		if c.Model.VisionURL == "" || c.Model.VisionModel == "" {
			return fmt.Errorf("model.vision_url and model.vision_model are required for the %s backend", c.Model.Backend)
		}
	default:
		return fmt.Errorf("model.backend must be one of onnx, gonnx, ollama, llamacpp")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	if c.Server.CacheTTL != "" {
		if _, err := time.ParseDuration(c.Server.CacheTTL); err != nil {
			return fmt.Errorf("server.cache_ttl: %w", err)
		}
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	switch c.Output.Format {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.format must be png, jpg or webp")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "retina-grader", "config.json")
}
