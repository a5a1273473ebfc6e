// Package config loads feedsync settings.
//
// Settings are layered, later sources winning: built-in defaults, the
// config.yaml file in the config directory, a .env file in the same
// directory, then FEEDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gauthierbraillon/feedsync/internal/engine"
	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/internal/reconcile"
	"github.com/gauthierbraillon/feedsync/internal/supervisor"
)

// FileName is the YAML settings file inside the config directory.
const FileName = "config.yaml"

const envPrefix = "FEEDSYNC_"

// Push channel transports.
const (
	TransportWebSocket = "websocket"
	TransportSocketIO  = "socketio"
)

// Duration is a time.Duration written as a string ("20s") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds every feedsync setting.
type Config struct {
	// Dir is the directory the settings were loaded from.
	Dir string `yaml:"-"`

	ServerURL  string `yaml:"server_url"`
	ChannelURL string `yaml:"channel_url"`
	Transport  string `yaml:"transport"`
	Token      string `yaml:"token,omitempty"`
	ViewerID   string `yaml:"viewer_id"`
	Filter     string `yaml:"filter"`

	PageSize       int      `yaml:"page_size"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	TombstoneTTL   Duration `yaml:"tombstone_ttl"`
	LikeBufferTTL  Duration `yaml:"like_buffer_ttl"`
	LikeBufferSize int      `yaml:"like_buffer_size"`

	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffMax      Duration `yaml:"backoff_max"`
	BackoffAttempts int      `yaml:"backoff_attempts"`

	// Development server settings.
	ListenAddr string `yaml:"listen_addr"`
	JWTSecret  string `yaml:"jwt_secret,omitempty"`

	Debug bool `yaml:"debug"`
}

// Default returns the built-in settings.
func Default() Config {
	rc := reconcile.DefaultConfig()
	bp := supervisor.DefaultPolicy()
	return Config{
		ServerURL:       "http://localhost:8080",
		ChannelURL:      "ws://localhost:8080/ws",
		Transport:       TransportWebSocket,
		Filter:          string(feed.DefaultFilter),
		PageSize:        20,
		ConfirmTimeout:  Duration(20 * time.Second),
		TombstoneTTL:    Duration(rc.TombstoneTTL),
		LikeBufferTTL:   Duration(rc.LikeBufferTTL),
		LikeBufferSize:  rc.LikeBufferSize,
		BackoffBase:     Duration(bp.Base),
		BackoffMax:      Duration(bp.Max),
		BackoffAttempts: bp.MaxAttempts,
		ListenAddr:      ":8080",
	}
}

// Dir returns the configuration directory: FEEDSYNC_CONFIG_DIR, or
// ~/.config/feedsync.
func Dir() string {
	if dir := os.Getenv(envPrefix + "CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "feedsync")
}

// Load reads the settings for dir. Missing files are not an error.
func Load(dir string) (Config, error) {
	cfg := Default()
	cfg.Dir = dir

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", FileName, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Config{}, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	dotenv, err := godotenv.Read(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			return v, true
		}
		v, ok := dotenv[envPrefix+key]
		return v, ok
	}
	if err := cfg.override(lookup); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) override(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_URL":  &c.ServerURL,
		"CHANNEL_URL": &c.ChannelURL,
		"TRANSPORT":   &c.Transport,
		"TOKEN":       &c.Token,
		"VIEWER_ID":   &c.ViewerID,
		"FILTER":      &c.Filter,
		"LISTEN_ADDR": &c.ListenAddr,
		"JWT_SECRET":  &c.JWTSecret,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PAGE_SIZE":        &c.PageSize,
		"LIKE_BUFFER_SIZE": &c.LikeBufferSize,
		"BACKOFF_ATTEMPTS": &c.BackoffAttempts,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, v, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"CONFIRM_TIMEOUT": &c.ConfirmTimeout,
		"TOMBSTONE_TTL":   &c.TombstoneTTL,
		"LIKE_BUFFER_TTL": &c.LikeBufferTTL,
		"BACKOFF_BASE":    &c.BackoffBase,
		"BACKOFF_MAX":     &c.BackoffMax,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, v, err)
			}
			*dst = Duration(d)
		}
	}

	if v, ok := lookup("DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sDEBUG %q: %w", envPrefix, v, err)
		}
		c.Debug = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := feed.ParseFilter(c.Filter); err != nil {
		return err
	}
	switch c.Transport {
	case TransportWebSocket, TransportSocketIO:
	default:
		return fmt.Errorf("invalid transport %q: must be '%s' or '%s'", c.Transport, TransportWebSocket, TransportSocketIO)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.LikeBufferSize < 0 {
		return fmt.Errorf("like_buffer_size must not be negative, got %d", c.LikeBufferSize)
	}
	for _, d := range []struct {
		key string
		val Duration
	}{
		{"confirm_timeout", c.ConfirmTimeout},
		{"tombstone_ttl", c.TombstoneTTL},
		{"like_buffer_ttl", c.LikeBufferTTL},
	} {
		if d.val < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.key, time.Duration(d.val))
		}
	}
	if c.BackoffAttempts < 0 {
		return fmt.Errorf("backoff_attempts must not be negative, got %d", c.BackoffAttempts)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_max (%s) must be at least backoff_base (%s)", time.Duration(c.BackoffMax), time.Duration(c.BackoffBase))
	}
	return nil
}

// Save writes the settings to config.yaml in c.Dir.
func (c Config) Save() error {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return os.WriteFile(filepath.Join(c.Dir, FileName), data, 0600)
}

// Engine returns the session settings for the engine.
func (c Config) Engine(viewerID, token string) engine.Config {
	filter, _ := feed.ParseFilter(c.Filter)
	return engine.Config{
		ViewerID:       viewerID,
		Filter:         filter,
		ChannelURL:     c.ChannelURL,
		Token:          token,
		PageSize:       c.PageSize,
		ConfirmTimeout: time.Duration(c.ConfirmTimeout),
		Reconcile: reconcile.Config{
			TombstoneTTL:   time.Duration(c.TombstoneTTL),
			LikeBufferTTL:  time.Duration(c.LikeBufferTTL),
			LikeBufferSize: c.LikeBufferSize,
		},
		Backoff: supervisor.Policy{
			Base:        time.Duration(c.BackoffBase),
			Max:         time.Duration(c.BackoffMax),
			MaxAttempts: c.BackoffAttempts,
		},
	}
}

// Redacted returns the settings as YAML with secrets masked.
func (c Config) Redacted() string {
	if c.Token != "" {
		c.Token = mask(c.Token)
	}
	if c.JWTSecret != "" {
		c.JWTSecret = mask(c.JWTSecret)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("error: %v\n", err)
	}
	return string(data)
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 8)
}
