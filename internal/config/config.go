package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/huddle/internal/domain"
)

var (
	ErrMissingSignalURL = errors.New("signal_url is required")
	ErrMissingSfuURL    = errors.New("sfu_url is required")
	ErrMissingRoom      = errors.New("room_id is required")
)

type Config struct {
	Mode        string `mapstructure:"mode"`
	LogLevel    string `mapstructure:"log_level"`
	SignalURL   string `mapstructure:"signal_url"`
	SfuURL      string `mapstructure:"sfu_url"`
	RoomID      string `mapstructure:"room_id"`
	PeerID      string `mapstructure:"peer_id"`
	DisplayName string `mapstructure:"display_name"`
	ControlAddr string `mapstructure:"control_addr"`

	PingPeriod            time.Duration `mapstructure:"ping_period"`
	StateResendDelay      time.Duration `mapstructure:"state_resend_delay"`
	ReactionTTL           time.Duration `mapstructure:"reaction_ttl"`
	ChatHistory           int           `mapstructure:"chat_history"`
	CameraRestoreDebounce time.Duration `mapstructure:"camera_restore_debounce"`
	JoinWindow            time.Duration `mapstructure:"join_window"`
	ReconnectDebounce     time.Duration `mapstructure:"reconnect_debounce"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`

	STUNURLs       []string `mapstructure:"stun_urls"`
	PrefsDir       string   `mapstructure:"prefs_dir"`
	StartMuted     bool     `mapstructure:"start_muted"`
	StartCameraOff bool     `mapstructure:"start_camera_off"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("display_name", "guest")
	v.SetDefault("control_addr", "127.0.0.1:7070")
	v.SetDefault("ping_period", "25s")
	v.SetDefault("state_resend_delay", "100ms")
	v.SetDefault("reaction_ttl", "2500ms")
	v.SetDefault("chat_history", 200)
	v.SetDefault("camera_restore_debounce", "250ms")
	v.SetDefault("join_window", "1500ms")
	v.SetDefault("reconnect_debounce", "1s")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("huddle", pflag.ContinueOnError)
	fs.StringP("signal-url", "s", "", "signaling websocket url")
	fs.String("sfu-url", "", "sfu websocket url")
	fs.StringP("room", "r", "", "room id")
	fs.String("peer-id", "", "peer id (random when empty)")
	fs.StringP("name", "n", "", "display name")
	fs.StringP("control-addr", "a", "", "control api listen address")
	fs.StringP("log-level", "l", "", "log level")
	fs.String("prefs-dir", "", "directory for persisted preferences")
	fs.Bool("muted", false, "start with the microphone muted")
	fs.Bool("camera-off", false, "start with the camera off")
	return fs
}

var flagKeys = map[string]string{
	"signal-url":   "signal_url",
	"sfu-url":      "sfu_url",
	"room":         "room_id",
	"peer-id":      "peer_id",
	"name":         "display_name",
	"control-addr": "control_addr",
	"log-level":    "log_level",
	"prefs-dir":    "prefs_dir",
	"muted":        "start_muted",
	"camera-off":   "start_camera_off",
}

// Load reads defaults, then config/config.<CONFIG_ENV>.yaml, then HUDDLE_*
// environment variables, then args.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range flagKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	fs := flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	for flag, key := range flagKeys {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects a config the client cannot join with.
func (c *Config) Validate() error {
	var errs []error
	if c.SignalURL == "" {
		errs = append(errs, ErrMissingSignalURL)
	}
	if c.SfuURL == "" {
		errs = append(errs, ErrMissingSfuURL)
	}
	if c.RoomID == "" {
		errs = append(errs, ErrMissingRoom)
	}
	if utf8.RuneCountInString(strings.TrimSpace(c.DisplayName)) > domain.MaxDisplayNameLen {
		errs = append(errs, domain.ErrDisplayNameTooLong)
	}
	if len(c.PeerID) > domain.MaxPeerIDLen {
		errs = append(errs, domain.ErrPeerIDTooLong)
	}
	return errors.Join(errs...)
}

// Intent is the starting intent when none was persisted.
func (c *Config) Intent() domain.Intent {
	return domain.Intent{Muted: c.StartMuted, CameraOff: c.StartCameraOff}
}
