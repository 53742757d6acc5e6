package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mironalin/carsense/internal/monitor"
	"github.com/mironalin/carsense/internal/obd"
	"github.com/mironalin/carsense/internal/session"
	"github.com/mironalin/carsense/internal/upload"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "/etc/carsense/config.yaml"

var clog = logrus.WithField("component", "config")

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// OBD adapter and link
	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`

	// Live polling
	Poll PollConfig `yaml:"poll" json:"poll"`

	// Who is driving what
	Session SessionConfig `yaml:"session" json:"session"`

	// CSV recording
	Logging session.CSVConfig `yaml:"logging" json:"logging"`

	// Process log output
	Log LogConfig `yaml:"log" json:"log"`

	Upload  upload.Config  `yaml:"upload" json:"upload"`
	Metrics monitor.Config `yaml:"metrics" json:"metrics"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load

	// Command-line overrides and the config they were applied over. base is
	// nil until the first Override and is what Save persists.
	overrides []func(*Config)
	base      *Config
}

type AdapterConfig struct {
	Address     string       `yaml:"address" json:"address"`          // MAC or /dev/rfcomm0
	Transport   string       `yaml:"transport" json:"transport"`      // "auto", "spp", "rfcomm", "serial" or "demo"
	BaudRate    int          `yaml:"baud_rate" json:"baudRate"`       // serial only
	Channel     uint8        `yaml:"channel" json:"channel"`          // RFCOMM channel
	HCI         string       `yaml:"hci" json:"hci"`                  // local controller, e.g. hci0
	AutoConnect bool         `yaml:"auto_connect" json:"autoConnect"` // connect on start
	Timing      TimingConfig `yaml:"timing" json:"timing"`
}

// TimingConfig mirrors obd.Config in milliseconds. Zero keeps the default.
type TimingConfig struct {
	WriteSettleMs     int  `yaml:"write_settle_ms" json:"writeSettleMs"`
	PollIntervalMs    int  `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	ResponseTimeoutMs int  `yaml:"response_timeout_ms" json:"responseTimeoutMs"`
	ResetDelayMs      int  `yaml:"reset_delay_ms" json:"resetDelayMs"`
	StepDelayMs       int  `yaml:"step_delay_ms" json:"stepDelayMs"`
	ConnectTimeoutMs  int  `yaml:"connect_timeout_ms" json:"connectTimeoutMs"`
	ConnectAttempts   uint `yaml:"connect_attempts" json:"connectAttempts"`
	RetryDelayMs      int  `yaml:"retry_delay_ms" json:"retryDelayMs"`
	SearchRetries     int  `yaml:"search_retries" json:"searchRetries"`
	OBDLineFeed       bool `yaml:"obd_line_feed" json:"obdLineFeed"`
}

type PollConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Hz      int      `yaml:"hz" json:"hz"` // commands per second
	PIDs    []string `yaml:"pids" json:"pids"`
}

type SessionConfig struct {
	VehicleID string `yaml:"vehicle_id" json:"vehicleId"`
	UserID    string `yaml:"user_id" json:"userId"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // logrus level name
	Format string `yaml:"format" json:"format"` // "text", "json" or "" for auto
	File   string `yaml:"file" json:"file"`     // empty logs to stderr
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Transport:   "auto",
			BaudRate:    38400,
			Channel:     1,
			HCI:         "hci0",
			AutoConnect: false,
		},
		Poll: PollConfig{
			Enabled: true,
			Hz:      5,
			PIDs: []string{
				obd.CmdRPM,
				obd.CmdSpeed,
				obd.CmdCoolantTemp,
				obd.CmdEngineLoad,
				obd.CmdThrottle,
				obd.CmdIntakeTemp,
			},
		},
		Session: SessionConfig{
			VehicleID: "default",
		},
		Logging: session.CSVConfig{
			Enabled:    false,
			Path:       "/var/log/carsense",
			IntervalMs: 1000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Upload: upload.Config{
			Addr:     "localhost:6379",
			PoolSize: 4,
			Channel:  "carsense:readings",
			Format:   "json",
			Keep:     1000,
		},
		Metrics: monitor.Config{
			Enabled: true,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		clog.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		clog.WithError(err).Warnf("error parsing %s, using defaults", path)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		clog.Infof("loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Path is the file the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	clog.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: OBD_ADDRESS, OBD_TRANSPORT, OBD_BAUD, OBD_CHANNEL, OBD_HCI,
// OBD_AUTO_CONNECT, POLL_HZ, POLL_PIDS, VEHICLE_ID, USER_ID, LISTEN_ADDR,
// LOG_LEVEL, LOG_FORMAT, LOG_FILE, CSV_ENABLED, CSV_PATH, CSV_INTERVAL_MS,
// REDIS_ENABLED, REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, REDIS_FORMAT,
// METRICS_ENABLED
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OBD_ADDRESS"); v != "" {
		c.Adapter.Address = v
	}
	if v := os.Getenv("OBD_TRANSPORT"); v != "" {
		c.Adapter.Transport = v
	}
	if v := os.Getenv("OBD_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.BaudRate = n
		}
	}
	if v := os.Getenv("OBD_CHANNEL"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			c.Adapter.Channel = uint8(n)
		}
	}
	if v := os.Getenv("OBD_HCI"); v != "" {
		c.Adapter.HCI = v
	}
	if v := os.Getenv("OBD_AUTO_CONNECT"); v != "" {
		c.Adapter.AutoConnect = envBool(v)
	}
	if v := os.Getenv("POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Poll.Hz = n
		}
	}
	if v := os.Getenv("POLL_PIDS"); v != "" {
		c.Poll.PIDs = strings.Split(v, ",")
	}
	if v := os.Getenv("VEHICLE_ID"); v != "" {
		c.Session.VehicleID = v
	}
	if v := os.Getenv("USER_ID"); v != "" {
		c.Session.UserID = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Log.File = v
	}
	// CSV recording
	if v := os.Getenv("CSV_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	if v := os.Getenv("CSV_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("CSV_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
	// Upload
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Upload.Enabled = envBool(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Upload.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Upload.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upload.DB = n
		}
	}
	if v := os.Getenv("REDIS_FORMAT"); v != "" {
		c.Upload.Format = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = envBool(v)
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// OBDConfig converts the adapter section for obd.NewController. Unset fields
// keep the package defaults.
func (c *Config) OBDConfig() obd.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t := c.Adapter.Timing
	out := obd.DefaultConfig()
	if t.WriteSettleMs > 0 {
		out.Timing.WriteSettle = ms(t.WriteSettleMs)
	}
	if t.PollIntervalMs > 0 {
		out.Timing.PollInterval = ms(t.PollIntervalMs)
	}
	if t.ResponseTimeoutMs > 0 {
		out.Timing.ResponseTimeout = ms(t.ResponseTimeoutMs)
	}
	if t.ResetDelayMs > 0 {
		out.Timing.ResetDelay = ms(t.ResetDelayMs)
	}
	if t.StepDelayMs > 0 {
		out.Timing.StepDelay = ms(t.StepDelayMs)
	}
	if t.ConnectTimeoutMs > 0 {
		out.ConnectTimeout = ms(t.ConnectTimeoutMs)
	}
	if t.ConnectAttempts > 0 {
		out.ConnectAttempts = t.ConnectAttempts
	}
	if t.RetryDelayMs > 0 {
		out.RetryDelay = ms(t.RetryDelayMs)
	}
	if t.SearchRetries > 0 {
		out.SearchRetries = t.SearchRetries
	}
	out.Timing.OBDLineFeed = t.OBDLineFeed
	return out
}

// AdapterSettings returns a copy of the adapter section.
func (c *Config) AdapterSettings() AdapterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Adapter
}

// PollSettings returns a copy of the poll section.
func (c *Config) PollSettings() PollConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Poll
	p.PIDs = append([]string(nil), c.Poll.PIDs...)
	return p
}

// Identity builds the session identity for a new connection.
func (c *Config) Identity(now time.Time) session.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return session.Identity{
		VehicleID: c.Session.VehicleID,
		UserID:    c.Session.UserID,
		SessionID: session.NewSessionID(now),
	}
}

// VehicleID returns the configured vehicle.
func (c *Config) VehicleID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session.VehicleID
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	target := c
	if c.base != nil {
		target = c.base
	}
	data, err := yaml.Marshal(target)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// Override applies fn now and again after every reload. Overridden values
// are never written by Save. fn runs under the config lock and must only
// touch fields.
func (c *Config) Override(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base == nil {
		c.base = DefaultConfig()
		c.base.assign(c)
	}
	c.overrides = append(c.overrides, fn)
	fn(c)
}

// assign copies every section of from into c.
func (c *Config) assign(from *Config) {
	c.Adapter = from.Adapter
	c.Poll = from.Poll
	c.Poll.PIDs = append([]string(nil), from.Poll.PIDs...)
	c.Session = from.Session
	c.Logging = from.Logging
	c.Log = from.Log
	c.Upload = from.Upload
	c.Metrics = from.Metrics
	c.Server = from.Server
}

// rebase sets the persisted values and reapplies the overrides on top.
func (c *Config) rebase(next *Config) {
	if c.base != nil {
		c.base.assign(next)
	}
	c.assign(next)
	for _, fn := range c.overrides {
		fn(c)
	}
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.base == nil {
		return mergeJSON(c, data)
	}
	if err := mergeJSON(c.base, data); err != nil {
		return err
	}
	c.rebase(c.base)
	return nil
}

func mergeJSON(dst *Config, data []byte) error {
	currentBytes, err := json.Marshal(dst)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	// slices are replaced, not merged
	dst.Poll.PIDs = nil
	return json.Unmarshal(merged, dst)
}

// reload re-reads the YAML file, then env and command-line overrides.
func (c *Config) reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	next := DefaultConfig()
	if err := yaml.Unmarshal(data, next); err != nil {
		return fmt.Errorf("parse %s: %w", c.path, err)
	}
	next.applyEnvOverrides()
	c.rebase(next)
	return nil
}

// Watch reloads the config whenever its file changes and calls onChange after
// each successful reload. It blocks until ctx is done.
func (c *Config) Watch(ctx context.Context, onChange func(*Config)) error {
	path := c.Path()
	if path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	// editors replace the file, so watch the directory
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	clog.Debugf("watching %s", path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case <-debounce:
			debounce = nil
			if err := c.reload(); err != nil {
				clog.WithError(err).Warn("reload failed, keeping previous config")
				continue
			}
			clog.Infof("reloaded %s", path)
			if onChange != nil {
				onChange(c)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			clog.WithError(err).Warn("watch error")
		}
	}
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
