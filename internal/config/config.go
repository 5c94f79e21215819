package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Signaling struct {
	URL              string        `mapstructure:"url" validate:"required"`
	Enabled          bool          `mapstructure:"enabled"`
	Attempts         int           `mapstructure:"attempts" validate:"gte=0"`
	Delay            time.Duration `mapstructure:"delay" validate:"gt=0"`
	MaxDelay         time.Duration `mapstructure:"max_delay" validate:"gtefield=Delay"`
	BackoffFactor    float64       `mapstructure:"backoff_factor" validate:"gte=1"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
}

type Transport struct {
	URL                  string        `mapstructure:"url" validate:"required"`
	ConnectionDelay      time.Duration `mapstructure:"connection_delay" validate:"gt=0"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay" validate:"gtefield=ReconnectDelay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"gte=1"`
	ICEServers           []string      `mapstructure:"ice_servers"`
}

type Media struct {
	FramesPerSecond int `mapstructure:"frames_per_second" validate:"gte=1,lte=60"`
	Width           int `mapstructure:"width" validate:"gte=16"`
	Height          int `mapstructure:"height" validate:"gte=16"`
}

type Log struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
}

type Relay struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release"`
	Port       int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"gt=0"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"gt=0"`
}

type Config struct {
	Log       Log       `mapstructure:"log"`
	Signaling Signaling `mapstructure:"signaling"`
	Transport Transport `mapstructure:"transport"`
	Media     Media     `mapstructure:"media"`
	Relay     Relay     `mapstructure:"relay"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("log.level", "info")

	v.SetDefault("signaling.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("signaling.enabled", true)
	v.SetDefault("signaling.attempts", 0)
	v.SetDefault("signaling.delay", "1s")
	v.SetDefault("signaling.max_delay", "5s")
	v.SetDefault("signaling.backoff_factor", 1.5)
	v.SetDefault("signaling.handshake_timeout", "10s")

	v.SetDefault("transport.url", "ws://localhost:8080/api/ws/peer")
	v.SetDefault("transport.connection_delay", "15s")
	v.SetDefault("transport.reconnect_delay", "1s")
	v.SetDefault("transport.max_reconnect_delay", "10s")
	v.SetDefault("transport.max_reconnect_attempts", 5)
	v.SetDefault("transport.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("media.frames_per_second", 24)
	v.SetDefault("media.width", 640)
	v.SetDefault("media.height", 480)

	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 32768)
	v.SetDefault("relay.ping_period", "54s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}
