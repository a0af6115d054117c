// Package config loads server settings. Values are layered: built-in
// defaults, then an optional YAML file, then HUDDLE_* environment variables.
// Command-line flags are applied last by the caller.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"huddle/internal/quest"
	"huddle/internal/ratelimit"
	"huddle/internal/room"
	"huddle/internal/ws"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. HUDDLE_LISTEN.
const EnvPrefix = "huddle"

type ctxKey string

const configContextKey ctxKey = "huddle.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Auth modes.
const (
	AuthJWT    = "jwt"
	AuthHeader = "header"
)

// Log formats.
const (
	LogText = "text"
	LogJSON = "json"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// StatsInterval is how often relay load is logged. Zero disables it.
	StatsInterval time.Duration `yaml:"statsInterval" split_words:"true"`
}

type DatabaseConfig struct {
	// Path of the SQLite ban ledger. Empty disables persistence.
	Path string `yaml:"path"`
}

type TLSConfig struct {
	// SelfSigned serves HTTPS with a certificate generated at startup.
	SelfSigned bool          `yaml:"selfSigned" split_words:"true"`
	Hostname   string        `yaml:"hostname"`
	Validity   time.Duration `yaml:"validity"`
	CertFile   string        `yaml:"certFile"   split_words:"true"`
	KeyFile    string        `yaml:"keyFile"    split_words:"true"`
}

// Enabled reports whether the server should serve HTTPS.
func (t TLSConfig) Enabled() bool {
	return t.SelfSigned || t.CertFile != ""
}

type AuthConfig struct {
	Mode       string `yaml:"mode"`
	JWTSecret  string `yaml:"jwtSecret"  split_words:"true"`
	JWTIssuer  string `yaml:"jwtIssuer"  split_words:"true"`
	AdminToken string `yaml:"adminToken" split_words:"true"`
}

type ChatConfig struct {
	Backend string `yaml:"backend"`
}

type WSConfig struct {
	ReadLimit      int64         `yaml:"readLimit"      split_words:"true"`
	PongWait       time.Duration `yaml:"pongWait"       split_words:"true"`
	PingInterval   time.Duration `yaml:"pingInterval"   split_words:"true"`
	FrameRate      float64       `yaml:"frameRate"      split_words:"true"`
	FrameBurst     int           `yaml:"frameBurst"     split_words:"true"`
	SendBuffer     int           `yaml:"sendBuffer"     split_words:"true"`
	AllowedOrigins []string      `yaml:"allowedOrigins" split_words:"true"`
}

// Options converts the transport settings.
func (w WSConfig) Options() ws.Options {
	return ws.Options{
		ReadLimit:      w.ReadLimit,
		PongWait:       w.PongWait,
		PingInterval:   w.PingInterval,
		FrameRate:      w.FrameRate,
		FrameBurst:     w.FrameBurst,
		AllowedOrigins: w.AllowedOrigins,
	}
}

type QuestConfig struct {
	// WebhookURL receives signed quest events. Empty logs them instead.
	WebhookURL    string        `yaml:"webhookUrl"    envconfig:"WEBHOOK_URL"`
	WebhookSecret string        `yaml:"webhookSecret" split_words:"true"`
	QueueSize     int           `yaml:"queueSize"     split_words:"true"`
	Workers       int           `yaml:"workers"`
	Timeout       time.Duration `yaml:"timeout"`
}

// NotifierConfig converts the queue settings.
func (q QuestConfig) NotifierConfig() quest.NotifierConfig {
	return quest.NotifierConfig{QueueSize: q.QueueSize, Workers: q.Workers, Timeout: q.Timeout}
}

type RoomsConfig struct {
	// Seed rooms exist from startup and are never deleted when empty.
	Seed []room.Spec `yaml:"seed" ignored:"true"`
	// PruneInterval controls the sweep that removes empty rooms left behind.
	PruneInterval time.Duration `yaml:"pruneInterval" split_words:"true"`
	BcryptCost    int           `yaml:"bcryptCost"    split_words:"true"`
}

// Config is the complete server configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	Debug     bool             `yaml:"debug"`
	Log       LogConfig        `yaml:"log"`
	Database  DatabaseConfig   `yaml:"database"`
	TLS       TLSConfig        `yaml:"tls"`
	Auth      AuthConfig       `yaml:"auth"`
	Chat      ChatConfig       `yaml:"chat"`
	RateLimit ratelimit.Policy `yaml:"rateLimit" envconfig:"RATELIMIT"`
	WS        WSConfig         `yaml:"ws"`
	Quest     QuestConfig      `yaml:"quest"`
	Rooms     RoomsConfig      `yaml:"rooms"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		Log:       LogConfig{Level: "info", Format: LogText, StatsInterval: time.Minute},
		Database:  DatabaseConfig{Path: "huddle.db"},
		TLS:       TLSConfig{Validity: 24 * time.Hour},
		Auth:      AuthConfig{Mode: AuthJWT},
		RateLimit: ratelimit.DefaultPolicy(),
		WS: WSConfig{
			ReadLimit:  256 << 10,
			PongWait:   45 * time.Second,
			FrameRate:  50,
			FrameBurst: 100,
			SendBuffer: 64,
		},
		Quest: QuestConfig{QueueSize: 1024, Workers: 4, Timeout: 5 * time.Second},
		Rooms: RoomsConfig{
			Seed:          []room.Spec{{Name: "Lobby"}},
			PruneInterval: time.Minute,
		},
	}
}

// Load builds a Config from defaults, configFile and the environment. When
// configFile is empty, ./huddle.yaml and /etc/huddle/huddle.yaml are tried.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{"huddle.yaml", filepath.Join("/etc", "huddle", "huddle.yaml")}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch c.Log.Format {
	case LogText, LogJSON:
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (must be %q or %q)", c.Log.Format, LogText, LogJSON))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Log.Level))
	}

	if c.TLS.SelfSigned && c.TLS.CertFile != "" {
		errs = append(errs, errors.New("tls.selfSigned and tls.certFile are mutually exclusive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile must be set together"))
	}
	if c.TLS.SelfSigned && c.TLS.Validity <= 0 {
		errs = append(errs, errors.New("tls.validity must be positive"))
	}

	switch c.Auth.Mode {
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwtSecret is required in jwt mode"))
		}
	case AuthHeader:
	default:
		errs = append(errs, fmt.Errorf("invalid auth mode %q (must be %q or %q)", c.Auth.Mode, AuthJWT, AuthHeader))
	}

	if c.Chat.Backend != "" {
		if u, err := url.Parse(c.Chat.Backend); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid chat backend url %q", c.Chat.Backend))
		}
	}
	if c.Quest.WebhookURL != "" {
		if u, err := url.Parse(c.Quest.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid quest webhook url %q", c.Quest.WebhookURL))
		}
	}

	if c.RateLimit.MaxMessages < 0 || c.RateLimit.AttemptsThreshold < 0 {
		errs = append(errs, errors.New("rate limit thresholds must not be negative"))
	}
	if c.WS.PingInterval > 0 && c.WS.PongWait > 0 && c.WS.PingInterval >= c.WS.PongWait {
		errs = append(errs, errors.New("ws.pingInterval must be shorter than ws.pongWait"))
	}

	for i, spec := range c.Rooms.Seed {
		if strings.TrimSpace(spec.Name) == "" {
			errs = append(errs, fmt.Errorf("rooms.seed[%d]: name is required", i))
		}
		if spec.MaxParticipants != 0 && (spec.MaxParticipants < room.MinParticipants || spec.MaxParticipants > room.MaxParticipants) {
			errs = append(errs, fmt.Errorf("rooms.seed[%d]: maxParticipants must be between %d and %d", i, room.MinParticipants, room.MaxParticipants))
		}
	}
	return errors.Join(errs...)
}
