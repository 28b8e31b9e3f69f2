// Package config loads bot settings. Sources are merged in order:
// defaults < TOML file < .env file < process environment < CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const megabyte = 1024 * 1024

// Duration lets TOML and env values be written as "2s", "6h" and so on.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// BypassConfig tunes the player bypass. The values are tied to the current
// behaviour of the target player.
type BypassConfig struct {
	Headless       bool     `toml:"headless"`
	SettleDelay    Duration `toml:"settle_delay"`
	ClickGap       Duration `toml:"click_gap"`
	StreamWait     Duration `toml:"stream_wait"`
	NavTimeout     Duration `toml:"nav_timeout"`
	ClickX         float64  `toml:"click_x"`
	ClickY         float64  `toml:"click_y"`
	ViewportWidth  int      `toml:"viewport_width"`
	ViewportHeight int      `toml:"viewport_height"`
}

// Config holds all application configuration.
type Config struct {
	BotToken      string       `toml:"bot_token"`
	APIURL        string       `toml:"api_url"`
	LocalAPIURL   string       `toml:"local_api_url"`
	AdminIDs      []int64      `toml:"admin_ids"`
	BaseURL       string       `toml:"base_url"`
	UserAgent     string       `toml:"user_agent"`
	RequestDelay  Duration     `toml:"request_delay"`
	InlineLimitMB int64        `toml:"inline_limit_mb"`
	LargeLimitMB  int64        `toml:"large_limit_mb"`
	WorkDir       string       `toml:"work_dir"`
	Workers       int          `toml:"workers"`
	MaxRoutines   int          `toml:"max_routines"`
	SessionTTL    Duration     `toml:"session_ttl"`
	Port          string       `toml:"port"`
	HistoryDB     string       `toml:"history_db"`
	Debug         bool         `toml:"debug"`
	Bypass        BypassConfig `toml:"bypass"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseURL:       "https://watchanimeworld.net",
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		RequestDelay:  Duration{2 * time.Second},
		InlineLimitMB: 50,
		LargeLimitMB:  2000,
		WorkDir:       filepath.Join(os.TempDir(), "animeworld"),
		Workers:       3,
		SessionTTL:    Duration{6 * time.Hour},
		Port:          "8080",
		HistoryDB:     defaultHistoryPath(),
		Bypass: BypassConfig{
			Headless:       true,
			SettleDelay:    Duration{4 * time.Second},
			ClickGap:       Duration{time.Second},
			StreamWait:     Duration{8 * time.Second},
			NavTimeout:     Duration{60 * time.Second},
			ClickX:         640,
			ClickY:         360,
			ViewportWidth:  1280,
			ViewportHeight: 720,
		},
	}
}

func defaultHistoryPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "animeworld", "history.db")
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "animeworld", "history.db")
}

// Load reads the optional TOML file at path, then the .env files, then the
// process environment. A missing TOML or .env file is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				fail(key, err)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
				fail(key, err)
			}
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = f
		}
	}

	str("BOT_TOKEN", &c.BotToken)
	str("TELEGRAM_API_URL", &c.APIURL)
	str("LOCAL_API_URL", &c.LocalAPIURL)
	str("BASE_URL", &c.BaseURL)
	str("USER_AGENT", &c.UserAgent)
	str("WORK_DIR", &c.WorkDir)
	str("PORT", &c.Port)
	str("HISTORY_DB", &c.HistoryDB)
	duration("REQUEST_DELAY", &c.RequestDelay)
	duration("SESSION_TTL", &c.SessionTTL)
	integer("INLINE_LIMIT_MB", &c.InlineLimitMB)
	integer("LARGE_LIMIT_MB", &c.LargeLimitMB)
	boolean("DEBUG", &c.Debug)
	boolean("HEADLESS", &c.Bypass.Headless)
	duration("SETTLE_DELAY", &c.Bypass.SettleDelay)
	duration("CLICK_GAP", &c.Bypass.ClickGap)
	duration("STREAM_WAIT", &c.Bypass.StreamWait)
	duration("NAV_TIMEOUT", &c.Bypass.NavTimeout)
	float("CLICK_X", &c.Bypass.ClickX)
	float("CLICK_Y", &c.Bypass.ClickY)

	workers := int64(c.Workers)
	integer("WORKERS", &workers)
	c.Workers = int(workers)
	routines := int64(c.MaxRoutines)
	integer("MAX_ROUTINES", &routines)
	c.MaxRoutines = int(routines)

	if v, ok := lookup("ADMIN_IDS"); ok && v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			fail("ADMIN_IDS", err)
		} else {
			c.AdminIDs = ids
		}
	}

	return firstErr
}

// parseDuration accepts Go durations and bare numbers of seconds
// (REQUEST_DELAY=2).
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is not set")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.InlineLimitMB <= 0 {
		return fmt.Errorf("inline limit must be positive, got %d", c.InlineLimitMB)
	}
	if c.LargeLimitMB < c.InlineLimitMB {
		return fmt.Errorf("large limit (%d MB) is below the inline limit (%d MB)", c.LargeLimitMB, c.InlineLimitMB)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxRoutines < 0 {
		return fmt.Errorf("max routines cannot be negative, got %d", c.MaxRoutines)
	}
	if c.RequestDelay.Duration < 0 {
		return fmt.Errorf("request delay cannot be negative")
	}
	return nil
}

// InlineLimit is the inline upload ceiling T in bytes.
func (c *Config) InlineLimit() int64 {
	return c.InlineLimitMB * megabyte
}

// LargeLimit is the ceiling of the large-file channel in bytes, or 0 when
// no such channel is configured.
func (c *Config) LargeLimit() int64 {
	if c.LocalAPIURL == "" {
		return 0
	}
	return c.LargeLimitMB * megabyte
}

// IsAdmin reports whether userID is listed in ADMIN_IDS.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
