// Package config loads themecast settings from defaults, an optional YAML
// file, .env files, and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/themecast/internal/theme"
	"github.com/HerbHall/themecast/internal/watchdog"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultOrigins is the allow-list used when none is configured.
var DefaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://localhost:3002",
}

// Config holds the resolved configuration.
type Config struct {
	Server   ServerConfig
	CORS     CORSConfig
	Watchdog WatchdogConfig
	Presets  PresetsConfig
	WS       WSConfig
	Logging  LoggingConfig

	// Source is the config file that was read, empty when none was found.
	Source string
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host string
	Port int
	// RateLimit is the per-IP request rate (requests per second) for the
	// handshake and API routes. Zero disables the limit.
	RateLimit float64
	RateBurst int
	// TrustProxy takes the client address from X-Forwarded-For. Enable only
	// behind a reverse proxy that sets the header.
	TrustProxy bool
}

// Addr returns the listen address as host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CORSConfig holds the WebSocket origin allow-list.
type CORSConfig struct {
	AllowedOrigins []string
	// Defaulted is true when no origins were configured and DefaultOrigins
	// was substituted. The caller is expected to warn about it.
	Defaulted bool
}

// WatchdogConfig controls the inactivity reset.
type WatchdogConfig struct {
	Timeout time.Duration
	Cycle   []string
}

// PresetsConfig points at an optional preset table on disk.
type PresetsConfig struct {
	File string
}

// WSConfig tunes per-connection limits.
type WSConfig struct {
	SendBuffer   int
	MessageRate  float64
	MessageBurst int
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads .env files, then builds a Viper instance and resolves it into
// a Config. configPath may be empty to search the default locations.
func Load(configPath string) (*Config, error) {
	if err := LoadDotenv(os.Getenv("APP_ENV")); err != nil {
		return nil, err
	}
	v, err := NewViper(configPath)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// LoadDotenv loads .env.<appEnv> (when appEnv is set) and then .env.
// Missing files are skipped. Variables already in the environment win.
func LoadDotenv(appEnv string) error {
	files := []string{".env"}
	if appEnv != "" {
		files = []string{".env." + appEnv, ".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// NewViper returns a Viper instance with defaults, environment bindings and
// the config file (if any) applied.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("cors.allowed_origins", "")
	v.SetDefault("watchdog.timeout", watchdog.DefaultTimeout)
	v.SetDefault("watchdog.cycle", theme.DefaultCycle)
	v.SetDefault("presets.file", "")
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.message_rate", 50.0)
	v.SetDefault("ws.message_burst", 100)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("themecast")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/themecast")
	}

	// THEMECAST_SERVER_PORT=9090 and friends, plus the short names below.
	v.SetEnvPrefix("THEMECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range map[string]string{
		"server.host":          "HOST",
		"server.port":          "PORT",
		"cors.allowed_origins": "ALLOWED_ORIGINS",
		"watchdog.timeout":     "INACTIVITY_TIMEOUT",
		"presets.file":         "PRESETS_FILE",
		"logging.level":        "LOG_LEVEL",
		"logging.format":       "LOG_FORMAT",
	} {
		if err := v.BindEnv(key, "THEMECAST_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine -- defaults and environment apply.
	}

	return v, nil
}

// FromViper resolves and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	port, err := strconv.Atoi(strings.TrimSpace(v.GetString("server.port")))
	if err != nil {
		return nil, fmt.Errorf("invalid server.port %q: %w", v.GetString("server.port"), err)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid server.port %d: out of range", port)
	}

	timeout := v.GetDuration("watchdog.timeout")
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid watchdog.timeout %q: must be a positive duration", v.GetString("watchdog.timeout"))
	}

	cycle := ParseList(v.Get("watchdog.cycle"))
	if len(cycle) == 0 {
		return nil, errors.New("watchdog.cycle must name at least one preset")
	}

	rateLimit := v.GetFloat64("server.rate_limit")
	rateBurst := v.GetInt("server.rate_burst")
	if rateLimit < 0 {
		return nil, fmt.Errorf("invalid server.rate_limit %v: must not be negative", rateLimit)
	}
	if rateLimit > 0 && rateBurst <= 0 {
		return nil, fmt.Errorf("invalid server.rate_burst %d: must be positive when server.rate_limit is set", rateBurst)
	}

	sendBuffer := v.GetInt("ws.send_buffer")
	if sendBuffer <= 0 {
		return nil, fmt.Errorf("invalid ws.send_buffer %d: must be positive", sendBuffer)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:       v.GetString("server.host"),
			Port:       port,
			RateLimit:  rateLimit,
			RateBurst:  rateBurst,
			TrustProxy: v.GetBool("server.trust_proxy"),
		},
		Watchdog: WatchdogConfig{
			Timeout: timeout,
			Cycle:   cycle,
		},
		Presets: PresetsConfig{
			File: v.GetString("presets.file"),
		},
		WS: WSConfig{
			SendBuffer:   sendBuffer,
			MessageRate:  v.GetFloat64("ws.message_rate"),
			MessageBurst: v.GetInt("ws.message_burst"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Source: v.ConfigFileUsed(),
	}

	cfg.CORS.AllowedOrigins = ParseList(v.Get("cors.allowed_origins"))
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = append([]string(nil), DefaultOrigins...)
		cfg.CORS.Defaulted = true
	}

	return cfg, nil
}

// ParseList accepts either a comma-separated string or a YAML list and
// returns the trimmed, non-empty entries in order.
func ParseList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	default:
		return nil
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
