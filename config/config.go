package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token     string `toml:"token" env:"API_TOKEN"`
	Host      string `toml:"host" env:"HOST"`
	Port      string `toml:"port" env:"PORT"`
	Libonnx   string `toml:"libonnx" env:"ONNXRUNTIME_LIB"`
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`

	ModelUrl         string `toml:"model_url" env:"MODEL_URL"`
	ModelDir         string `toml:"model_dir" env:"MODEL_DIR"`
	ModelFileName    string `toml:"model_file_name" env:"MODEL_FILE_NAME"`
	ModelLabelsName  string `toml:"model_labels_name" env:"MODEL_LABELS_NAME"`
	EagerLoad        bool   `toml:"eager_load" env:"EAGER_LOAD"`
	PoolSize         int    `toml:"pool_size" env:"POOL_SIZE"`
	IntraOpThreads   int    `toml:"intra_op_threads" env:"INTRA_OP_THREADS"`
	OutputActivation string `toml:"output_activation" env:"OUTPUT_ACTIVATION"` // auto, probabilities or logits

	MaxBodyMB       int   `toml:"max_body_mb" env:"MAX_BODY_MB"`
	MaxPixels       int64 `toml:"max_pixels" env:"MAX_PIXELS"`
	RequestTimeout  int   `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	ShutdownTimeout int   `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Metrics         bool  `toml:"metrics" env:"METRICS_ENABLED"`

	RedisAddr string `toml:"redis_addr" env:"REDIS_ADDR"`
	CacheTTL  int    `toml:"cache_ttl" env:"CACHE_TTL"`
}

// Default returns the built-in settings used when neither config.toml nor the
// environment says otherwise.
func Default() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             "8000",
		LogLevel:         "info",
		LogFormat:        "text",
		ModelDir:         "models",
		ModelFileName:    "plant_disease_prediction_model.onnx",
		ModelLabelsName:  "labels.txt",
		EagerLoad:        true,
		PoolSize:         1,
		OutputActivation: "auto",
		MaxBodyMB:        16,
		MaxPixels:        178_956_970,
		RequestTimeout:   60,
		ShutdownTimeout:  15,
		Metrics:          true,
		CacheTTL:         3600,
	}
}

var (
	cfg      Config
	loadOnce sync.Once
)

// C returns the process configuration, loading it on first use from
// config.toml, .env and the environment, in increasing precedence.
func C() Config {
	loadOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			panic(err)
		}
		c, err := Load("config.toml")
		if err != nil {
			panic(err)
		}
		cfg = c
	})
	return cfg
}

// Load builds a Config from defaults, the optional TOML file at path and the
// process environment.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return c, fmt.Errorf("read %s: %w", path, err)
			}
			if err := toml.Unmarshal(data, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse environment: %w", err)
	}
	if c.PoolSize < 1 {
		c.PoolSize = 1
	}
	switch c.OutputActivation {
	case "", "auto", "probabilities", "logits":
	default:
		return c, fmt.Errorf("output_activation must be auto, probabilities or logits, got %q", c.OutputActivation)
	}
	return c, nil
}

func (c Config) ModelPath() string {
	return filepath.Join(c.ModelDir, c.ModelFileName)
}

// LabelsPath is empty when no labels file is configured.
func (c Config) LabelsPath() string {
	if c.ModelLabelsName == "" {
		return ""
	}
	return filepath.Join(c.ModelDir, c.ModelLabelsName)
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func (c Config) MaxBodyBytes() int64 {
	return int64(c.MaxBodyMB) << 20
}

func (c Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

func (c Config) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}
