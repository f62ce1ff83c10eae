package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	StaticPath      string        `mapstructure:"static_path"`
	Secret          string        `mapstructure:"secret"`
	LogLevel        string        `mapstructure:"log_level"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	OfferRate       float64       `mapstructure:"offer_rate"`
	OfferBurst      int           `mapstructure:"offer_burst"`

	Signal  SignalConfig  `mapstructure:"signal"`
	Capture CaptureConfig `mapstructure:"capture"`
	WebRTC  WebRTCConfig  `mapstructure:"webrtc"`
}

type SignalConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

type CaptureConfig struct {
	FFmpegPath     string        `mapstructure:"ffmpeg_path"`
	Width          int           `mapstructure:"width"`
	Height         int           `mapstructure:"height"`
	FrameRate      int           `mapstructure:"framerate"`
	Mode           string        `mapstructure:"mode"`
	QueueSize      int           `mapstructure:"queue_size"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

type WebRTCConfig struct {
	ICEServers    []string      `mapstructure:"ice_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
	UDPPortMin    uint16        `mapstructure:"udp_port_min"`
	UDPPortMax    uint16        `mapstructure:"udp_port_max"`
	NAT1To1IPs    []string      `mapstructure:"nat_1to1_ips"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "camcast-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("offer_rate", 1.0)
	v.SetDefault("offer_burst", 5)

	v.SetDefault("signal.read_limit", 65536)
	v.SetDefault("signal.ping_period", "54s")

	v.SetDefault("capture.ffmpeg_path", "ffmpeg")
	v.SetDefault("capture.width", 1280)
	v.SetDefault("capture.height", 720)
	v.SetDefault("capture.framerate", 30)
	v.SetDefault("capture.mode", "encode")
	v.SetDefault("capture.queue_size", 8)
	v.SetDefault("capture.startup_timeout", "10s")

	v.SetDefault("webrtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("webrtc.gather_timeout", "5s")
	v.SetDefault("webrtc.answer_timeout", "30s")
	v.SetDefault("webrtc.udp_port_min", 0)
	v.SetDefault("webrtc.udp_port_max", 0)
	v.SetDefault("webrtc.nat_1to1_ips", []string{})
}

func newFlagSet() *pflag.FlagSet {
	set := pflag.NewFlagSet("camcast", pflag.ContinueOnError)
	set.String("config", "", "path to a yaml config file")
	set.String("mode", "", "gin mode: debug or release")
	set.Int("port", 0, "http listen port")
	set.String("static_path", "", "directory with the web client")
	set.String("log_level", "", "trace, debug, info, warn or error")
	set.String("capture.ffmpeg_path", "", "ffmpeg binary")
	set.String("capture.mode", "", "encode or h264")
	return set
}

// Load reads defaults, an optional .env, the yaml file for CONFIG_ENV (or
// --config), CAMCAST_* environment variables and finally args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	fileName, _ := flags.GetString("config")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	v.SetEnvPrefix("CAMCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || !f.Changed {
			return
		}
		_ = v.BindPFlag(f.Name, f)
	})

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.WebRTC.UDPPortMin > c.WebRTC.UDPPortMax {
		return fmt.Errorf("webrtc.udp_port_min %d above udp_port_max %d", c.WebRTC.UDPPortMin, c.WebRTC.UDPPortMax)
	}
	if c.Capture.QueueSize < 1 {
		return fmt.Errorf("capture.queue_size must be positive, got %d", c.Capture.QueueSize)
	}
	return nil
}
