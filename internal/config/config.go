package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the typed service settings, populated from the environment
// with sane development defaults.
type Config struct {
	// HTTP front end
	Port int
	Host string

	// SSH front end
	SSHHost        string
	SSHPort        int
	SSHHostKeyPath string

	// Tunnel port range [TunnelBasePort, TunnelMaxPort) and admission limit
	TunnelBasePort    int
	TunnelMaxPort     int
	MaxTunnelsPerUser int

	// PublicDomain is the host viewers use, e.g. "share.example.com".
	PublicDomain string

	// BackendURL is the account backend receiving lifecycle webhooks.
	BackendURL string

	// TunnelSecretKey is the shared secret creators present at SSH auth.
	TunnelSecretKey string

	// Logging
	LogLevel  string
	LogFormat string

	Version string
}

// Load reads configuration from the environment. A .env file is applied
// first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnvAsInt("PORT", 8001),
		Host:              getEnv("HOST", "0.0.0.0"),
		SSHHost:           getEnv("SSH_HOST", "0.0.0.0"),
		SSHPort:           getEnvAsInt("SSH_PORT", 2222),
		SSHHostKeyPath:    getEnv("SSH_HOST_KEY_PATH", "./ssh_host_key"),
		TunnelBasePort:    getEnvAsInt("TUNNEL_BASE_PORT", 10000),
		TunnelMaxPort:     getEnvAsInt("TUNNEL_MAX_PORT", 20000),
		MaxTunnelsPerUser: getEnvAsInt("MAX_TUNNELS_PER_USER", 5),
		PublicDomain:      getEnv("PUBLIC_DOMAIN", "localhost:8001"),
		BackendURL:        getEnv("NODEJS_BACKEND_URL", "http://localhost:5003"),
		TunnelSecretKey:   getEnv("TUNNEL_SECRET_KEY", "your-secret-key-change-in-production"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		Version:           getEnv("VERSION", "1.0.0"),
	}

	if cfg.TunnelBasePort <= 0 || cfg.TunnelMaxPort > 65536 || cfg.TunnelBasePort >= cfg.TunnelMaxPort {
		return nil, fmt.Errorf("config: invalid tunnel port range [%d, %d)", cfg.TunnelBasePort, cfg.TunnelMaxPort)
	}

	return cfg, nil
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SSHAddr returns the SSH listen address.
func (c *Config) SSHAddr() string {
	return fmt.Sprintf("%s:%d", c.SSHHost, c.SSHPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
