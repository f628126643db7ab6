package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ServerURL      string `env:"CHAT_SERVER_URL" envDefault:"ws://localhost:3001"`
	APIBaseURL     string `env:"CHAT_API_URL" envDefault:"http://localhost:3001"`
	Namespace      string `env:"CHAT_NAMESPACE" envDefault:"/private"`
	AuthToken      string `env:"CHAT_AUTH_TOKEN"`
	UserID         string `env:"CHAT_USER_ID"`
	CacheDir       string `env:"CHAT_CACHE_DIR" envDefault:".chatlink/cache"`
	ObsHTTPAddr    string `env:"HTTP_ADDR" envDefault:":8093"`
	ServiceName    string `env:"SERVICE_NAME" envDefault:"chatlink"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`

	DialTimeout          time.Duration `env:"CHAT_DIAL_TIMEOUT" envDefault:"20s"`
	ReconnectDelay       time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"1s"`
	ReconnectDelayMax    time.Duration `env:"CHAT_RECONNECT_DELAY_MAX" envDefault:"10s"`
	ReconnectAttemptsMax int           `env:"CHAT_RECONNECT_ATTEMPTS" envDefault:"5"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ObsHTTPAddr = fixPort(cfg.ObsHTTPAddr)
	return cfg, nil
}

func fixPort(port string) string {
	if port != "" && !strings.HasPrefix(port, ":") && !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}
