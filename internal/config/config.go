package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// Delay before a sent temporary attachment is removed from disk.
	TempFileGrace = 2 * time.Second

	// How long shutdown waits for an in-flight response to wind down.
	StopGrace = 2 * time.Second
)

type Config struct {
	DBPath   string `env:"LUMEN_DB_PATH"`
	LogFile  string `env:"LUMEN_LOG_FILE"`
	LogLevel string `env:"LUMEN_LOG_LEVEL" envDefault:"info"`

	// Provider
	Model          string        `env:"LUMEN_MODEL" envDefault:"gemini-2.5-pro-exp-03-25"`
	BaseURL        string        `env:"LUMEN_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta/openai/"`
	Temperature    float64       `env:"LUMEN_TEMPERATURE" envDefault:"0.1"`
	TopP           float64       `env:"LUMEN_TOP_P" envDefault:"1.0"`
	RequestTimeout time.Duration `env:"LUMEN_REQUEST_TIMEOUT" envDefault:"5m"`

	// Credential file
	EnvFile string `env:"LUMEN_ENV_FILE" envDefault:".env"`
	KeyVar  string `env:"LUMEN_KEY_VAR" envDefault:"GOOGLE_API_KEY"`
}

// LoadFrom parses the configuration from an explicit environment instead of
// the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.fillPaths()
}

// LoadWithEnvFile parses the process environment overlaid on the values of a
// dotenv file. Variables already set in the process win. The process
// environment itself is not modified, so a key later removed from the file
// does not linger there.
func LoadWithEnvFile(path string) (*Config, error) {
	environ := map[string]string{}
	if values, err := godotenv.Read(path); err == nil {
		for k, v := range values {
			environ[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	return LoadFrom(environ)
}

func (c *Config) fillPaths() error {
	if c.DBPath != "" && c.LogFile != "" {
		return nil
	}
	dir, err := DataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dir, "lumen.db")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(dir, "lumen.log")
	}
	return nil
}

// DataDir returns the per-user directory holding the database and logs.
func DataDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "lumen"), nil
}
