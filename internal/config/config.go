// Package config loads the service configuration from the environment and an optional .env file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultCaptionModels is the caption model fallback list, highest priority first
var DefaultCaptionModels = []string{
	"Salesforce/blip-image-captioning-large",
	"Salesforce/blip-image-captioning-base",
	"nlpconnect/vit-gpt2-image-captioning",
}

const (
	DefaultRegion           = "ap-south-1"
	DefaultInferenceBaseURL = "https://api-inference.huggingface.co"
	DefaultPort             = "8080"
	DefaultMaxUploadBytes   = 32 << 20
	DefaultStorageTimeout   = 30 * time.Second
	DefaultInferenceTimeout = 60 * time.Second
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Inference InferenceConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string
	MaxUploadBytes int64
	MetricsEnabled bool
}

// StorageConfig holds S3 destination settings
type StorageConfig struct {
	// BucketName is required; it is left empty when unset so the upload handler can reject requests
	BucketName string
	Region     string
	RoleARN    string
	Timeout    time.Duration
}

// InferenceConfig holds caption provider settings
type InferenceConfig struct {
	// Token is required; an empty token fails every caption request
	Token   string
	BaseURL string
	Models  []string
	Timeout time.Duration
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Format string
	Level  string
}

// Load reads configuration from the environment, falling back to a .env file in the working directory
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read .env file: %w", err)
		}
	}

	v.SetDefault("PORT", DefaultPort)
	v.SetDefault("AWS_REGION", DefaultRegion)
	v.SetDefault("HF_API_BASE_URL", DefaultInferenceBaseURL)
	v.SetDefault("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)
	v.SetDefault("STORAGE_TIMEOUT", DefaultStorageTimeout.String())
	v.SetDefault("INFERENCE_TIMEOUT", DefaultInferenceTimeout.String())
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_LEVEL", "info")

	v.AutomaticEnv()

	storageTimeout, err := getDuration(v, "STORAGE_TIMEOUT")
	if err != nil {
		return nil, err
	}
	inferenceTimeout, err := getDuration(v, "INFERENCE_TIMEOUT")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("PORT"),
			MaxUploadBytes: v.GetInt64("MAX_UPLOAD_BYTES"),
			MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		},
		Storage: StorageConfig{
			BucketName: strings.TrimSpace(v.GetString("S3_BUCKET_NAME")),
			Region:     v.GetString("AWS_REGION"),
			RoleARN:    v.GetString("S3_ROLE_ARN"),
			Timeout:    storageTimeout,
		},
		Inference: InferenceConfig{
			Token:   strings.TrimSpace(v.GetString("HF_TOKEN")),
			BaseURL: strings.TrimRight(v.GetString("HF_API_BASE_URL"), "/"),
			Models:  parseModels(v.GetString("CAPTION_MODELS")),
			Timeout: inferenceTimeout,
		},
		Logging: LoggingConfig{
			Format: v.GetString("LOG_FORMAT"),
			Level:  v.GetString("LOG_LEVEL"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects malformed values. Missing bucket and token are not errors here.
func (c *Config) validate() error {
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be greater than zero")
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be greater than zero")
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must be greater than zero")
	}
	if c.Storage.Region == "" {
		return fmt.Errorf("AWS_REGION cannot be empty")
	}
	return nil
}

// getDuration reads key as a Go duration. A bare integer means seconds, so "30" is 30s and
// not 30ns.
func getDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseModels(raw string) []string {
	var models []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	if len(models) == 0 {
		return append([]string(nil), DefaultCaptionModels...)
	}
	return models
}
