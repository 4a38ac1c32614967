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

// Config holds all application configuration.
type Config struct {
	Abode AbodeConfig `yaml:"abode"`
	HTTP  HTTPConfig  `yaml:"http"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Log   LogConfig   `yaml:"log"`
}

// AbodeConfig holds Abode cloud account and connection settings.
type AbodeConfig struct {
	Email            string        `yaml:"email"`
	Password         string        `yaml:"password"`
	APIBase          string        `yaml:"api_base"`
	HostVersion      string        `yaml:"host_version"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	RenewInterval    time.Duration `yaml:"renew_interval"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	StaleGrace       time.Duration `yaml:"stale_grace"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Abode: AbodeConfig{
			APIBase:          "https://my.goabode.com",
			RequestTimeout:   30 * time.Second,
			RenewInterval:    1500 * time.Second,
			ReconnectInitial: time.Second,
			ReconnectMax:     2 * time.Minute,
			StaleGrace:       30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "abode",
			DiscoveryPrefix: "homeassistant",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
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

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Abode.Email == "" {
		errs = append(errs, errors.New("abode.email is required"))
	}
	if c.Abode.Password == "" {
		errs = append(errs, errors.New("abode.password is required"))
	}
	if c.Abode.APIBase == "" {
		errs = append(errs, errors.New("abode.api_base is required"))
	}
	if c.Abode.ReconnectMax > 0 && c.Abode.ReconnectInitial > c.Abode.ReconnectMax {
		errs = append(errs, errors.New("abode.reconnect_initial must not exceed abode.reconnect_max"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("ABODE_EMAIL"); v != "" {
		cfg.Abode.Email = v
	}
	if v := os.Getenv("ABODE_PASSWORD"); v != "" {
		cfg.Abode.Password = v
	}
	if v := os.Getenv("ABODE_API_BASE"); v != "" {
		cfg.Abode.APIBase = v
	}
	if v := os.Getenv("ABODE_HOST_VERSION"); v != "" {
		cfg.Abode.HostVersion = v
	}
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"ABODE_REQUEST_TIMEOUT", &cfg.Abode.RequestTimeout},
		{"ABODE_RENEW_INTERVAL", &cfg.Abode.RenewInterval},
		{"ABODE_RECONNECT_INITIAL", &cfg.Abode.ReconnectInitial},
		{"ABODE_RECONNECT_MAX", &cfg.Abode.ReconnectMax},
		{"ABODE_STALE_GRACE", &cfg.Abode.StaleGrace},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	if v := os.Getenv("ABODE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ABODE_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("ABODE_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("ABODE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("ABODE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("ABODE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("ABODE_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("ABODE_MQTT_DISCOVERY_PREFIX"); v != "" {
		cfg.MQTT.DiscoveryPrefix = v
	}
	if v := os.Getenv("ABODE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ABODE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
