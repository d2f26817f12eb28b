package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	NVR    NVRConfig    `yaml:"nvr"`
	Client ClientConfig `yaml:"client"`
	HTTP   HTTPConfig   `yaml:"http"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Log    LogConfig    `yaml:"log"`
}

// NVRConfig identifies the controller and the account used to reach it.
type NVRConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClientConfig holds transport and liveness tuning.
type ClientConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ErrorLimit        uint          `yaml:"error_limit"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	SessionRefresh    time.Duration `yaml:"session_refresh"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	BootstrapInterval time.Duration `yaml:"bootstrap_interval"`
}

// HTTPConfig holds the status API server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Client: ClientConfig{
			RequestTimeout:    10 * time.Second,
			ErrorLimit:        10,
			RetryInterval:     5 * time.Minute,
			SessionRefresh:    45 * time.Minute,
			Heartbeat:         30 * time.Second,
			BootstrapInterval: time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":8086",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "protectd",
			ClientID:    "protectd_01",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays
// environment variables. If path is empty, only defaults + env vars are
// used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.NVR.Address == "" {
		return fmt.Errorf("config: nvr.address is required")
	}
	if !strings.HasPrefix(c.NVR.Address, "https://") && !strings.HasPrefix(c.NVR.Address, "http://") {
		return fmt.Errorf("config: nvr.address must include a scheme: %q", c.NVR.Address)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PROTECTD_NVR_ADDRESS"); v != "" {
		cfg.NVR.Address = v
	}
	if v := os.Getenv("PROTECTD_NVR_USERNAME"); v != "" {
		cfg.NVR.Username = v
	}
	if v := os.Getenv("PROTECTD_NVR_PASSWORD"); v != "" {
		cfg.NVR.Password = v
	}
	if v := os.Getenv("PROTECTD_REQUEST_TIMEOUT"); v != "" {
		cfg.Client.RequestTimeout = parseDuration(v, cfg.Client.RequestTimeout)
	}
	if v := os.Getenv("PROTECTD_ERROR_LIMIT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Client.ErrorLimit = uint(n)
		}
	}
	if v := os.Getenv("PROTECTD_RETRY_INTERVAL"); v != "" {
		cfg.Client.RetryInterval = parseDuration(v, cfg.Client.RetryInterval)
	}
	if v := os.Getenv("PROTECTD_SESSION_REFRESH"); v != "" {
		cfg.Client.SessionRefresh = parseDuration(v, cfg.Client.SessionRefresh)
	}
	if v := os.Getenv("PROTECTD_HEARTBEAT"); v != "" {
		cfg.Client.Heartbeat = parseDuration(v, cfg.Client.Heartbeat)
	}
	if v := os.Getenv("PROTECTD_BOOTSTRAP_INTERVAL"); v != "" {
		cfg.Client.BootstrapInterval = parseDuration(v, cfg.Client.BootstrapInterval)
	}
	if v := os.Getenv("PROTECTD_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("PROTECTD_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("PROTECTD_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("PROTECTD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("PROTECTD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("PROTECTD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("PROTECTD_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("PROTECTD_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v := os.Getenv("PROTECTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PROTECTD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return d
}
