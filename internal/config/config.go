// Package config loads the application configuration from a yaml file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is the registered client identity and flow settings for
// one mail provider.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
}

// Config is the full application configuration.
type Config struct {
	Host      string                    `yaml:"host"`
	Port      string                    `yaml:"port"`
	DBPath    string                    `yaml:"db_path"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Load reads the config file at path (missing file is fine, defaults apply)
// and applies environment overrides: HOST, PORT, MAILFOLD_DB, and
// GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET for the Gmail provider.
func Load(path string) (Config, error) {
	cfg := Config{
		Host:      "127.0.0.1",
		Port:      "8080",
		DBPath:    "mailfold.db",
		Providers: map[string]ProviderConfig{},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}

	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("MAILFOLD_DB"); v != "" {
		cfg.DBPath = v
	}

	gmail := cfg.Providers["Gmail"]
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		gmail.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		gmail.ClientSecret = v
	}
	cfg.Providers["Gmail"] = gmail

	return cfg, nil
}
