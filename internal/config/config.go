package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Relay  RelayConfig  `mapstructure:"relay"`
	Client ClientConfig `mapstructure:"client"`
	Media  MediaConfig  `mapstructure:"media"`
}

type RelayConfig struct {
	MaxParticipants int `mapstructure:"max_participants"`
	SendBuffer      int `mapstructure:"send_buffer"`
	// BackpressureStrikes is how many overflows in a row a member survives.
	BackpressureStrikes int           `mapstructure:"backpressure_strikes"`
	JoinRateLimit       int           `mapstructure:"join_rate_limit"`
	JoinRateInterval    time.Duration `mapstructure:"join_rate_interval"`
	// RedisAddr enables the presence mirror when set.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

type ClientConfig struct {
	SignalURL  string   `mapstructure:"signal_url"`
	ICEServers []string `mapstructure:"ice_servers"`
	// ConnectTimeout bounds each peer link negotiation.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxPeers       int           `mapstructure:"max_peers"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

type MediaConfig struct {
	VideoSource      string  `mapstructure:"video_source"`
	AudioSource      string  `mapstructure:"audio_source"`
	Width            int     `mapstructure:"width"`
	Height           int     `mapstructure:"height"`
	FrameRate        float64 `mapstructure:"frame_rate"`
	EchoCancellation bool    `mapstructure:"echo_cancellation"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.max_participants", 6)
	v.SetDefault("relay.send_buffer", 64)
	v.SetDefault("relay.backpressure_strikes", 3)
	v.SetDefault("relay.join_rate_limit", 5)
	v.SetDefault("relay.join_rate_interval", "10s")
	v.SetDefault("relay.redis_addr", "")
	v.SetDefault("relay.redis_password", "")
	v.SetDefault("relay.redis_db", 0)

	v.SetDefault("client.signal_url", "ws://localhost:8080/ws")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.connect_timeout", "20s")
	v.SetDefault("client.max_peers", 6)
	v.SetDefault("client.event_buffer", 64)

	v.SetDefault("media.video_source", "")
	v.SetDefault("media.audio_source", "")
	v.SetDefault("media.width", 1280)
	v.SetDefault("media.height", 720)
	v.SetDefault("media.frame_rate", 30)
	v.SetDefault("media.echo_cancellation", true)
}

// Load reads path, or config/config.<CONFIG_ENV>.yaml when path is empty.
// Without an explicit path a missing file is not an error: defaults and
// LIVEROOM_* variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := path
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("LIVEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		notFound := errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)
		if path != "" || !notFound {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PingPeriod <= 0 {
		return fmt.Errorf("ping_period must be positive")
	}
	if c.Relay.MaxParticipants < 2 {
		return fmt.Errorf("relay.max_participants must be at least 2")
	}
	if c.Client.MaxPeers < 2 {
		return fmt.Errorf("client.max_peers must be at least 2")
	}
	if c.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("client.connect_timeout must be positive")
	}
	return nil
}
