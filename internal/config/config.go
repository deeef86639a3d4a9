package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Store    StoreConfig    `yaml:"store"`
	Access   AccessConfig   `yaml:"access"`
	Sync     SyncConfig     `yaml:"sync"`
	Loop     LoopConfig     `yaml:"loop"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DeviceConfig struct {
	ID       string `yaml:"id"`
	Firmware string `yaml:"firmware"`
	Env      string `yaml:"env"` // "dev" | "prod"
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

type AccessConfig struct {
	// TrustThreshold is the staleness above which an allow decision falls
	// back to StalePolicy.
	TrustThreshold time.Duration `yaml:"trust_threshold"`
	StalePolicy    string        `yaml:"stale_policy"` // "allow" | "deny"
	RelockAfter    time.Duration `yaml:"relock_after"`

	// StaleMaxAge is the age at which the stale check downgrades cache trust.
	StaleMaxAge        time.Duration `yaml:"stale_max_age"`
	StaleCheckInterval time.Duration `yaml:"stale_check_interval"`
	// DropStale makes downgraded cache entries unusable (treated as unknown).
	DropStale bool `yaml:"drop_stale"`
}

type SyncConfig struct {
	Transport    string        `yaml:"transport"` // "http" | "grpc"
	Endpoint     string        `yaml:"endpoint"`
	DeviceSecret string        `yaml:"device_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
	Timeout      time.Duration `yaml:"timeout"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
}

type LoopConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration suitable for a dev node talking to a
// local authority.
func Default() Config {
	return Config{
		Device: DeviceConfig{ID: "door-001", Env: "dev"},
		Store:  StoreConfig{Path: "./data/node.db", QueueCapacity: 1000},
		Access: AccessConfig{
			TrustThreshold:     24 * time.Hour,
			StalePolicy:        "deny",
			RelockAfter:        5 * time.Second,
			StaleMaxAge:        72 * time.Hour,
			StaleCheckInterval: time.Minute,
		},
		Sync: SyncConfig{
			Transport:   "http",
			Endpoint:    "http://127.0.0.1:8080",
			TokenTTL:    15 * time.Minute,
			Interval:    30 * time.Second,
			BatchSize:   20,
			Timeout:     5 * time.Second,
			BackoffBase: time.Second,
			BackoffMax:  2 * time.Minute,
		},
		Loop: LoopConfig{Interval: 50 * time.Millisecond},
		HTTP: HTTPConfig{Enabled: true, Addr: "127.0.0.1:8090"},
		MQTT: MQTTConfig{Port: 1883, QoS: 1},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults, then applies
// PORTUNUS_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Device.ID = getenvDefault("PORTUNUS_DEVICE_ID", c.Device.ID)

	env := strings.ToLower(getenvDefault("PORTUNUS_ENV", c.Device.Env))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}
	c.Device.Env = env

	c.Store.Path = getenvDefault("PORTUNUS_DB_PATH", c.Store.Path)
	c.Store.QueueCapacity = getenvInt("PORTUNUS_QUEUE_CAPACITY", c.Store.QueueCapacity)

	c.Access.StalePolicy = strings.ToLower(getenvDefault("PORTUNUS_STALE_POLICY", c.Access.StalePolicy))
	c.Access.TrustThreshold = getenvDuration("PORTUNUS_TRUST_THRESHOLD", c.Access.TrustThreshold)

	c.Sync.Transport = strings.ToLower(getenvDefault("PORTUNUS_SYNC_TRANSPORT", c.Sync.Transport))
	c.Sync.Endpoint = getenvDefault("PORTUNUS_SYNC_ENDPOINT", c.Sync.Endpoint)
	c.Sync.DeviceSecret = getenvDefault("PORTUNUS_DEVICE_SECRET", c.Sync.DeviceSecret)
	c.Sync.Interval = getenvDuration("PORTUNUS_SYNC_INTERVAL", c.Sync.Interval)

	c.HTTP.Addr = getenvDefault("PORTUNUS_HTTP_ADDR", c.HTTP.Addr)
	c.MQTT.Password = getenvDefault("PORTUNUS_MQTT_PASSWORD", c.MQTT.Password)
	c.InfluxDB.Token = getenvDefault("PORTUNUS_INFLUXDB_TOKEN", c.InfluxDB.Token)
	c.Logging.Level = getenvDefault("PORTUNUS_LOG_LEVEL", c.Logging.Level)
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Device.ID) == "" {
		errs = append(errs, errors.New("device.id is required"))
	}
	if c.Store.QueueCapacity <= 0 {
		errs = append(errs, errors.New("store.queue_capacity must be positive"))
	}
	if c.Access.StalePolicy != "allow" && c.Access.StalePolicy != "deny" {
		errs = append(errs, fmt.Errorf("access.stale_policy must be allow or deny, got %q", c.Access.StalePolicy))
	}
	if c.Sync.Transport != "http" && c.Sync.Transport != "grpc" {
		errs = append(errs, fmt.Errorf("sync.transport must be http or grpc, got %q", c.Sync.Transport))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Sync.Timeout <= 0 || c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.timeout and sync.interval must be positive"))
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		errs = append(errs, errors.New("sync.backoff_base must be positive and not exceed sync.backoff_max"))
	}
	if c.Loop.Interval <= 0 {
		errs = append(errs, errors.New("loop.interval must be positive"))
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt.host is required when mqtt is enabled"))
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, errors.New("influxdb.url is required when influxdb is enabled"))
	}

	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
