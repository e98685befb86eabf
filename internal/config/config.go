package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Defaults for a local development backend.
const (
	DefaultAPIURL       = "http://localhost:3000"
	DefaultWSURL        = "ws://localhost:3000/ws"
	DefaultUploadPrefix = "http://localhost:3000/uploads/fotos-perfil/"
)

// Config represents the global ~/.unibus/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	APIURL         string `toml:"api_url"`
	WSURL          string `toml:"ws_url"`
	UploadPrefix   string `toml:"upload_prefix"`
}

// Load reads config from the given path and applies environment overrides.
// A missing file yields the defaults; a present but unparsable file is an error.
// Environment variables win over the file: UNIBUS_API_URL, UNIBUS_WS_URL,
// UNIBUS_UPLOAD_PREFIX. A .env in the working directory is honored if present.
func Load(path string) (*Config, error) {
	cfg := &Config{
		APIURL:       DefaultAPIURL,
		WSURL:        DefaultWSURL,
		UploadPrefix: DefaultUploadPrefix,
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// Optional .env for local development; ignore if absent.
	_ = godotenv.Load()

	if v := os.Getenv("UNIBUS_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("UNIBUS_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv("UNIBUS_UPLOAD_PREFIX"); v != "" {
		cfg.UploadPrefix = v
	}

	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
