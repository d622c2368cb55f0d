// Package config loads the daemon configuration: a YAML file with defaults,
// then an optional .env file, then SHUTTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/permission"
)

// DaemonConfig describes the camera daemon connection.
type DaemonConfig struct {
	URL              string `yaml:"url"`
	Password         string `yaml:"password"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"` // bound on Ready at startup
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"` // first retry; later retries back off
}

// MediaConfig places captures and the catalog.
type MediaConfig struct {
	Root      string `yaml:"root"`       // holds Pictures/ and Movies/
	AppFolder string `yaml:"app_folder"` // sub-folder of both categories
	IndexPath string `yaml:"index_path"` // sqlite catalog
}

// SessionConfig seeds the capture session.
type SessionConfig struct {
	Mode            string `yaml:"mode"`     // "photo" or "video"
	Selector        string `yaml:"selector"` // "back" or "front"
	FocusTTLMs      int    `yaml:"focus_ttl_ms"`
	FlashDurationMs int    `yaml:"flash_duration_ms"`
	StartVisible    bool   `yaml:"start_visible"`
}

// Config aggregates all daemon configuration.
type Config struct {
	Daemon      DaemonConfig  `yaml:"daemon"`
	Media       MediaConfig   `yaml:"media"`
	Session     SessionConfig `yaml:"session"`
	Permissions []string      `yaml:"permissions"` // granted at startup
	StateDir    string        `yaml:"state_dir"`   // command queue, status, lock, logs
	DiagLogPath string        `yaml:"diag_log_path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			URL:              "ws://127.0.0.1:4466",
			ConnectTimeoutMs: 10000,
			RequestTimeoutMs: 10000,
			ReconnectDelayMs: 5000,
		},
		Media: MediaConfig{
			Root:      xdg.Home,
			AppFolder: "shutter",
			IndexPath: filepath.Join(xdg.DataHome, "shutter", "media.db"),
		},
		Session: SessionConfig{
			Mode:            string(camera.ModePhoto),
			Selector:        camera.Back.String(),
			FocusTTLMs:      1000,
			FlashDurationMs: 50,
		},
		StateDir: filepath.Join(xdg.StateHome, "shutter"),
	}
}

// DefaultPath is the user config file.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "shutter", "config.yaml")
}

// Load reads path over the defaults. A missing file is not an error. envFile,
// if non-empty and present, is read with godotenv; real environment
// variables win over it.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	env := map[string]string{}
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		for k, v := range vals {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnvPrefix marks variables that override file values.
const EnvPrefix = "SHUTTER_"

func (c *Config) applyEnv(env map[string]string) error {
	str := map[string]*string{
		"SHUTTER_DAEMON_URL":      &c.Daemon.URL,
		"SHUTTER_DAEMON_PASSWORD": &c.Daemon.Password,
		"SHUTTER_MEDIA_ROOT":      &c.Media.Root,
		"SHUTTER_APP_FOLDER":      &c.Media.AppFolder,
		"SHUTTER_INDEX_PATH":      &c.Media.IndexPath,
		"SHUTTER_MODE":            &c.Session.Mode,
		"SHUTTER_SELECTOR":        &c.Session.Selector,
		"SHUTTER_STATE_DIR":       &c.StateDir,
		"SHUTTER_DIAG_LOG_PATH":   &c.DiagLogPath,
	}
	for k, dst := range str {
		if v, ok := env[k]; ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SHUTTER_CONNECT_TIMEOUT_MS": &c.Daemon.ConnectTimeoutMs,
		"SHUTTER_REQUEST_TIMEOUT_MS": &c.Daemon.RequestTimeoutMs,
		"SHUTTER_RECONNECT_DELAY_MS": &c.Daemon.ReconnectDelayMs,
		"SHUTTER_FOCUS_TTL_MS":       &c.Session.FocusTTLMs,
		"SHUTTER_FLASH_DURATION_MS":  &c.Session.FlashDurationMs,
	}
	for k, dst := range ints {
		v, ok := env[k]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", k, v)
		}
		*dst = n
	}

	if v, ok := env["SHUTTER_START_VISIBLE"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SHUTTER_START_VISIBLE: %q is not a boolean", v)
		}
		c.Session.StartVisible = b
	}
	if v, ok := env["SHUTTER_PERMISSIONS"]; ok {
		c.Permissions = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Permissions = append(c.Permissions, p)
			}
		}
	}
	return nil
}

// Validate checks Config for validity
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Daemon.URL, "ws://") && !strings.HasPrefix(c.Daemon.URL, "wss://") {
		return fmt.Errorf("daemon.url must be a ws:// or wss:// URL, got %q", c.Daemon.URL)
	}
	if c.Daemon.ConnectTimeoutMs < 0 || c.Daemon.RequestTimeoutMs <= 0 {
		return fmt.Errorf("daemon timeouts must be positive")
	}
	if c.Daemon.ReconnectDelayMs < 100 {
		return fmt.Errorf("daemon.reconnect_delay_ms must be at least 100, got %d", c.Daemon.ReconnectDelayMs)
	}
	if c.Media.Root == "" {
		return fmt.Errorf("media.root is required")
	}
	if c.Media.AppFolder == "" || strings.ContainsAny(c.Media.AppFolder, `/\`) {
		return fmt.Errorf("media.app_folder must be a single path element, got %q", c.Media.AppFolder)
	}
	if c.Media.IndexPath == "" {
		return fmt.Errorf("media.index_path is required")
	}
	if !camera.Mode(c.Session.Mode).Valid() {
		return fmt.Errorf("session.mode must be photo or video, got %q", c.Session.Mode)
	}
	if _, ok := camera.ParseSelector(c.Session.Selector); !ok {
		return fmt.Errorf("session.selector must be back or front, got %q", c.Session.Selector)
	}
	if c.Session.FocusTTLMs <= 0 {
		return fmt.Errorf("session.focus_ttl_ms must be positive, got %d", c.Session.FocusTTLMs)
	}
	if c.Session.FlashDurationMs <= 0 {
		return fmt.Errorf("session.flash_duration_ms must be positive, got %d", c.Session.FlashDurationMs)
	}
	for _, p := range c.Permissions {
		if _, err := permission.Parse(p); err != nil {
			return fmt.Errorf("permissions: %w", err)
		}
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}

// Mode returns the initial capture mode.
func (c *Config) Mode() camera.Mode { return camera.Mode(c.Session.Mode) }

// Selector returns the initial camera.
func (c *Config) Selector() camera.Selector {
	s, _ := camera.ParseSelector(c.Session.Selector)
	return s
}

// FocusTTL returns how long a focus indicator stays visible.
func (c *Config) FocusTTL() time.Duration {
	return time.Duration(c.Session.FocusTTLMs) * time.Millisecond
}

// FlashDuration returns how long the capture flash stays visible.
func (c *Config) FlashDuration() time.Duration {
	return time.Duration(c.Session.FlashDurationMs) * time.Millisecond
}

// ConnectTimeout bounds the wait for the daemon at startup. Zero means do
// not wait.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Daemon.ConnectTimeoutMs) * time.Millisecond
}

// RequestTimeout bounds each daemon request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Daemon.RequestTimeoutMs) * time.Millisecond
}

// ReconnectDelay is the first reconnect delay.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Daemon.ReconnectDelayMs) * time.Millisecond
}

// GrantedPermissions parses Permissions. Validate has already checked them.
func (c *Config) GrantedPermissions() []permission.Permission {
	var out []permission.Permission
	for _, p := range c.Permissions {
		if perm, err := permission.Parse(p); err == nil {
			out = append(out, perm)
		}
	}
	return out
}
