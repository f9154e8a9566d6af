// Package config loads service settings from an optional YAML file, an
// optional .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const configPathEnv = "CXR_CONFIG"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Audit    AuditConfig    `yaml:"audit"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port             int      `yaml:"port"`
	DefaultThreshold float64  `yaml:"defaultThreshold"`
	MaxUploadBytes   int64    `yaml:"maxUploadBytes"`
	AllowedOrigins   []string `yaml:"allowedOrigins"`
}

type ModelConfig struct {
	ModelPath         string `yaml:"modelPath"`
	MetadataPath      string `yaml:"metadataPath"`
	CAMModelPath      string `yaml:"camModelPath"`
	SharedLibraryPath string `yaml:"sharedLibraryPath"`
	Workers           int    `yaml:"workers"`
	CAMWorkers        int    `yaml:"camWorkers"`
}

type AuditConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DBPath            string `yaml:"dbPath"`
	ImageDirectory    string `yaml:"imageDirectory"`
	Workers           int    `yaml:"workers"`
	QueueSize         int    `yaml:"queueSize"`
	RetentionDays     int    `yaml:"retentionDays"`
	RetentionSchedule string `yaml:"retentionSchedule"`
}

type RegistryConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load never fails: unreadable files fall back to defaults with a warning.
func Load() *Config {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(configPathEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			log.Printf("config: %v (falling back to defaults)", err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg
}

func Default() *Config {
	models := filepath.Join(".", "models")
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			DefaultThreshold: 0.3,
			MaxUploadBytes:   10 << 20,
			AllowedOrigins:   []string{"*"},
		},
		Model: ModelConfig{
			ModelPath:    filepath.Join(models, "best_model.onnx"),
			MetadataPath: filepath.Join(models, "model_metadata.json"),
			Workers:      2,
			CAMWorkers:   1,
		},
		Audit: AuditConfig{
			Enabled:           true,
			DBPath:            filepath.Join(".", "data", "audit.db"),
			ImageDirectory:    filepath.Join(".", "data", "images"),
			Workers:           2,
			QueueSize:         256,
			RetentionDays:     90,
			RetentionSchedule: "@daily",
		},
		Registry: RegistryConfig{CacheTTL: time.Minute},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	// Decoding into the defaults keeps every key the file omits.
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.DefaultThreshold = getEnvFloat("DEFAULT_THRESHOLD", c.Server.DefaultThreshold)
	c.Server.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", c.Server.MaxUploadBytes)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	c.Model.ModelPath = getEnv("MODEL_PATH", c.Model.ModelPath)
	c.Model.MetadataPath = getEnv("METADATA_PATH", c.Model.MetadataPath)
	c.Model.CAMModelPath = getEnv("CAM_MODEL_PATH", c.Model.CAMModelPath)
	c.Model.SharedLibraryPath = getEnv("ORT_LIBRARY_PATH", c.Model.SharedLibraryPath)
	c.Model.Workers = getEnvInt("INFERENCE_WORKERS", c.Model.Workers)
	c.Model.CAMWorkers = getEnvInt("CAM_WORKERS", c.Model.CAMWorkers)

	c.Audit.Enabled = getEnvBool("AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.DBPath = getEnv("DB_PATH", c.Audit.DBPath)
	c.Audit.ImageDirectory = getEnv("IMAGE_DIR", c.Audit.ImageDirectory)
	c.Audit.Workers = getEnvInt("AUDIT_WORKERS", c.Audit.Workers)
	c.Audit.QueueSize = getEnvInt("AUDIT_QUEUE_SIZE", c.Audit.QueueSize)
	c.Audit.RetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", c.Audit.RetentionDays)
	c.Audit.RetentionSchedule = getEnv("AUDIT_RETENTION_SCHEDULE", c.Audit.RetentionSchedule)

	c.Registry.CacheTTL = getEnvDuration("REGISTRY_TTL", c.Registry.CacheTTL)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Server.Port))
	}
	if c.Server.DefaultThreshold < 0 || c.Server.DefaultThreshold > 1 {
		errs = append(errs, fmt.Errorf("default threshold %v must be within [0, 1]", c.Server.DefaultThreshold))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if c.Model.Workers <= 0 {
		errs = append(errs, errors.New("inference workers must be positive"))
	}
	if c.Model.CAMWorkers <= 0 {
		errs = append(errs, errors.New("grad-cam workers must be positive"))
	}
	if c.Audit.Enabled {
		if c.Audit.Workers <= 0 || c.Audit.QueueSize <= 0 {
			errs = append(errs, errors.New("audit workers and queue size must be positive"))
		}
		if c.Audit.RetentionDays < 0 {
			errs = append(errs, errors.New("audit retention days cannot be negative"))
		}
	}
	if c.Registry.CacheTTL < 0 {
		errs = append(errs, errors.New("registry ttl cannot be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "":
		return defaultValue
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
