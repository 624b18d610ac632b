package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the preferences file.
const (
	EnvConfigDir = "MINECHAT_CONFIG_DIR"
	EnvEndpoint  = "MINECHAT_ENDPOINT"
	EnvModel     = "MINECHAT_MODEL"
	EnvAPIKey    = "MINECHAT_API_KEY"
	EnvOllamaURL = "OLLAMA_HOST"
)

// configDirOverride is set by tests to redirect ConfigDir.
var configDirOverride string

// ConfigDir returns the config directory for minechat.
func ConfigDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if dir := strings.TrimSpace(os.Getenv(EnvConfigDir)); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "minechat")
}

// DataDir returns ~/.local/share/minechat, creating it if needed.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "share", "minechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// LoadEnv reads KEY=VALUE pairs from the given .env files into the process
// environment. Variables already set win. Missing files are ignored.
func LoadEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// envOverrides returns a copy of p with the environment applied on top.
// The result is never saved, so secrets from the environment stay out of
// config.toml.
func (p Preferences) envOverrides() Preferences {
	explicitEndpoint := false
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		p.Endpoint.URL = v
		explicitEndpoint = true
	}
	if v := strings.TrimSpace(os.Getenv(EnvModel)); v != "" {
		p.Model.Name = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		p.Endpoint.APIKey = v
	}
	if host := strings.TrimSpace(os.Getenv(EnvOllamaURL)); host != "" && !explicitEndpoint &&
		p.Endpoint.URL == DefaultPreferences().Endpoint.URL {
		p.Endpoint.URL = ollamaChatURL(host)
		p.Endpoint.Dialect = "ollama"
	}
	return p
}

// ollamaChatURL turns an OLLAMA_HOST value ("127.0.0.1:11434",
// "http://box:11434/") into the native chat endpoint.
func ollamaChatURL(host string) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return strings.TrimRight(host, "/") + "/api/chat"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/chat"
	return u.String()
}

// APIKeySource returns where the effective API key comes from: "env",
// "config", or "" when none is set.
func APIKeySource(p Preferences) string {
	if strings.TrimSpace(os.Getenv(EnvAPIKey)) != "" {
		return "env"
	}
	if p.Endpoint.APIKey != "" {
		return "config"
	}
	return ""
}
