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

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.campus/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session" validate:"omitempty,max=64"`
	LogLevel       string `toml:"log_level" validate:"oneof=debug info warn error"`

	Backend       Backend       `toml:"backend"`
	Realtime      Realtime      `toml:"realtime"`
	Reconnect     Reconnect     `toml:"reconnect"`
	Cache         Cache         `toml:"cache"`
	Chat          Chat          `toml:"chat"`
	Notifications Notifications `toml:"notifications"`
	Requests      Requests      `toml:"requests"`
	API           API           `toml:"api"`
}

// Backend selects where rows live. "hosted" talks to the managed backend
// over REST; "local" serves the same tables from a SQLite file.
type Backend struct {
	Mode           string   `toml:"mode" validate:"oneof=hosted local"`
	URL            string   `toml:"url" validate:"omitempty,url"`
	AnonKey        string   `toml:"anon_key"`
	JWTSecret      string   `toml:"jwt_secret"`
	AccessToken    string   `toml:"access_token"`
	RequestTimeout Duration `toml:"request_timeout" validate:"gt=0"`
	DBPath         string   `toml:"db_path"`
}

// Realtime selects the change feed.
type Realtime struct {
	Driver      string   `toml:"driver" validate:"oneof=phoenix inproc redis nats postgres"`
	URL         string   `toml:"url"`
	Heartbeat   Duration `toml:"heartbeat" validate:"gt=0"`
	JoinTimeout Duration `toml:"join_timeout" validate:"gt=0"`
}

// Reconnect is the channel reconnect policy. MaxAttempts 0 retries forever.
type Reconnect struct {
	Initial     Duration `toml:"initial" validate:"gt=0"`
	Max         Duration `toml:"max" validate:"gtefield=Initial"`
	Multiplier  float64  `toml:"multiplier" validate:"gte=1"`
	Jitter      float64  `toml:"jitter" validate:"gte=0,lt=1"`
	MaxAttempts int      `toml:"max_attempts" validate:"gte=0"`
}

type Cache struct {
	QueryTimeout Duration `toml:"query_timeout" validate:"gt=0"`
	GCAfter      Duration `toml:"gc_after" validate:"gte=0"`
	PollInterval Duration `toml:"poll_interval" validate:"gt=0"`
}

// Chat limits sends. SendRate is messages per second per thread; 0 disables
// throttling.
type Chat struct {
	MaxLength int     `toml:"max_length" validate:"min=1"`
	SendRate  float64 `toml:"send_rate" validate:"gte=0"`
	SendBurst int     `toml:"send_burst" validate:"min=1"`
}

type Notifications struct {
	Limit          int  `toml:"limit" validate:"min=1,max=1000"`
	OptimisticRead bool `toml:"optimistic_read"`
}

type Requests struct {
	MaxMessageLength int `toml:"max_message_length" validate:"min=1"`
}

type API struct {
	RequestsPerMinute int `toml:"requests_per_minute" validate:"min=1"`
	Burst             int `toml:"burst" validate:"min=1"`
}

// Default returns a configuration that runs fully offline on the local
// backend.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Backend: Backend{
			Mode:           "local",
			RequestTimeout: Duration(15 * time.Second),
		},
		Realtime: Realtime{
			Driver:      "inproc",
			Heartbeat:   Duration(25 * time.Second),
			JoinTimeout: Duration(10 * time.Second),
		},
		Reconnect: Reconnect{
			Initial:     Duration(500 * time.Millisecond),
			Max:         Duration(30 * time.Second),
			Multiplier:  2,
			Jitter:      0.2,
			MaxAttempts: 8,
		},
		Cache: Cache{
			QueryTimeout: Duration(15 * time.Second),
			GCAfter:      Duration(5 * time.Minute),
			PollInterval: Duration(30 * time.Second),
		},
		Chat: Chat{
			MaxLength: 1000,
			SendRate:  2,
			SendBurst: 5,
		},
		Notifications: Notifications{
			Limit:          30,
			OptimisticRead: true,
		},
		Requests: Requests{MaxMessageLength: 140},
		API:      API{RequestsPerMinute: 600, Burst: 50},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Build assembles the effective configuration: defaults, then the config
// file if present, then the dotenv file if present, then CAMPUS_*
// variables. The result is validated.
func Build(path, envPath string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from CAMPUS_* environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"CAMPUS_LOG_LEVEL":       &c.LogLevel,
		"CAMPUS_BACKEND_MODE":    &c.Backend.Mode,
		"CAMPUS_BACKEND_URL":     &c.Backend.URL,
		"CAMPUS_ANON_KEY":        &c.Backend.AnonKey,
		"CAMPUS_JWT_SECRET":      &c.Backend.JWTSecret,
		"CAMPUS_ACCESS_TOKEN":    &c.Backend.AccessToken,
		"CAMPUS_DB_PATH":         &c.Backend.DBPath,
		"CAMPUS_REALTIME_DRIVER": &c.Realtime.Driver,
		"CAMPUS_REALTIME_URL":    &c.Realtime.URL,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("CAMPUS_QUERY_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CAMPUS_QUERY_TIMEOUT: %w", err)
		}
		c.Cache.QueryTimeout = Duration(d)
	}
	if v, ok := os.LookupEnv("CAMPUS_OPTIMISTIC_READ"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CAMPUS_OPTIMISTIC_READ: %w", err)
		}
		c.Notifications.OptimisticRead = b
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the backend/realtime pairing.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s", describe(verrs[0]))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Backend.Mode {
	case "hosted":
		if c.Backend.URL == "" {
			return errors.New("invalid config: backend.url is required in hosted mode")
		}
		if c.Realtime.Driver != "phoenix" {
			return fmt.Errorf("invalid config: realtime.driver %q cannot follow a hosted backend; use phoenix", c.Realtime.Driver)
		}
	case "local":
		if c.Realtime.Driver == "phoenix" {
			return errors.New("invalid config: realtime.driver phoenix requires backend.mode hosted")
		}
		if c.Realtime.Driver != "inproc" && c.Realtime.URL == "" {
			return fmt.Errorf("invalid config: realtime.url is required for driver %s", c.Realtime.Driver)
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, after, ok := strings.Cut(ns, "."); ok {
		ns = after
	}
	field := tomlPath(ns)
	param := fe.Param()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of: " + param
	case "gt":
		return field + " must be greater than " + param
	case "gte", "min":
		return field + " must be at least " + param
	case "lt":
		return field + " must be less than " + param
	case "max":
		return field + " must be at most " + param
	case "gtefield":
		return field + " must not be below " + strings.ToLower(param)
	case "url":
		return field + " must be a URL"
	}
	return field + " is invalid"
}

// tomlPath turns a Go field path (Backend.RequestTimeout) into the key
// users write (backend.request_timeout).
func tomlPath(ns string) string {
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prev := rune(s[i-1])
			nextLower := i+1 < len(s) && s[i+1] >= 'a' && s[i+1] <= 'z'
			if (prev >= 'a' && prev <= 'z') || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
