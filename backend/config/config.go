package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

var (
	ErrInvalidTimeout  = errors.New("timeouts must be positive")
	ErrInvalidPongWait = errors.New("pong wait must be greater than ping interval")
	ErrInvalidRounds   = errors.New("default rounds must be positive")
)

// Config holds app settings. Environment provides defaults, command line
// flags override them.
type Config struct {
	APIListenAddr  string        `env:"SONGGUESS_API_LISTEN_ADDR" envDefault:":8000"`
	WSListenAddr   string        `env:"SONGGUESS_WS_LISTEN_ADDR" envDefault:":8001"`
	LogLevel       string        `env:"SONGGUESS_LOG_LEVEL" envDefault:"debug"`
	AllowedOrigins []string      `env:"SONGGUESS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://localhost:3000"`
	DefaultRounds  int           `env:"SONGGUESS_DEFAULT_ROUNDS" envDefault:"3"`
	SendTimeout    time.Duration `env:"SONGGUESS_SEND_TIMEOUT" envDefault:"1s"`
	PingInterval   time.Duration `env:"SONGGUESS_PING_INTERVAL" envDefault:"5s"`
	PongWait       time.Duration `env:"SONGGUESS_PONG_WAIT" envDefault:"7s"`
}

// Load parses environment and then args.
func Load(args []string) (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "allowed CORS origins, * allows any")
	fs.IntVar(&cfg.DefaultRounds, "default-rounds", cfg.DefaultRounds, "rounds used when create request omits them")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "how long to wait for a slow connection to take an event")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "websocket ping interval")
	fs.DurationVar(&cfg.PongWait, "pong-wait", cfg.PongWait, "websocket pong wait")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.SendTimeout <= 0 || cfg.PingInterval <= 0 || cfg.PongWait <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.PongWait <= cfg.PingInterval {
		return ErrInvalidPongWait
	}
	if cfg.DefaultRounds <= 0 {
		return ErrInvalidRounds
	}
	return nil
}
