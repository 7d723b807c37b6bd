package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Segment  SegmentConfig  `mapstructure:"segment"`
	Database DatabaseConfig `mapstructure:"database"`
	Upload   UploadConfig   `mapstructure:"upload"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BackendConfig selects and configures the segmentation backend. Mode is
// explicit: "mock" or "onnx"; a missing model never silently degrades to the
// mock.
type BackendConfig struct {
	Mode               string `mapstructure:"mode"`
	OnnxRuntimeLibPath string `mapstructure:"onnxruntime_lib_path"`
	EncoderModelPath   string `mapstructure:"encoder_model_path"`
	DecoderModelPath   string `mapstructure:"decoder_model_path"`
	UseCuda            bool   `mapstructure:"use_cuda"`
	NumThreads         int    `mapstructure:"num_threads"`
}

type SegmentConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	SimplifyTolerance   float64 `mapstructure:"simplify_tolerance"`
}

type DatabaseConfig struct {
	Type        string `mapstructure:"type"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// Load reads a YAML config file over the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// New loads config.yaml, falling back to pure defaults when the file is
// absent.
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		cfg = defaultConfig()
		applyEnv(cfg)
	}
	return cfg
}

// applyEnv keeps the teacher-style PORT override working in containers.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = ":" + port
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("backend.mode", "mock")
	v.SetDefault("backend.onnxruntime_lib_path", "")
	v.SetDefault("backend.encoder_model_path", "./sam_weights/vision_encoder.onnx")
	v.SetDefault("backend.decoder_model_path", "./sam_weights/prompt_encoder_mask_decoder.onnx")
	v.SetDefault("backend.use_cuda", false)
	v.SetDefault("backend.num_threads", 0)

	v.SetDefault("segment.confidence_threshold", 0.5)
	v.SetDefault("segment.simplify_tolerance", 2.0)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite_path", "")
	v.SetDefault("database.postgres_dsn", "")

	v.SetDefault("upload.max_size", 20*1024*1024)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff"})
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Backend: BackendConfig{
			Mode:             "mock",
			EncoderModelPath: "./sam_weights/vision_encoder.onnx",
			DecoderModelPath: "./sam_weights/prompt_encoder_mask_decoder.onnx",
		},
		Segment: SegmentConfig{
			ConfidenceThreshold: 0.5,
			SimplifyTolerance:   2.0,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
		},
		Upload: UploadConfig{
			MaxSize:      20 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff"},
		},
	}
}
