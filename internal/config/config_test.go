package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := Defaults()
	if cfg.Abode.APIBase != want.Abode.APIBase {
		t.Errorf("APIBase = %q, want %q", cfg.Abode.APIBase, want.Abode.APIBase)
	}
	if cfg.Abode.StaleGrace != 30*time.Second {
		t.Errorf("StaleGrace = %v, want 30s", cfg.Abode.StaleGrace)
	}
	if cfg.Abode.RenewInterval != 1500*time.Second {
		t.Errorf("RenewInterval = %v, want 1500s", cfg.Abode.RenewInterval)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
abode:
  email: user@example.com
  password: secret
  request_timeout: 10s
  reconnect_max: 1m
mqtt:
  enabled: true
  broker: tcp://broker:1883
log:
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Abode.Email != "user@example.com" {
		t.Errorf("Email = %q, want user@example.com", cfg.Abode.Email)
	}
	if cfg.Abode.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.Abode.RequestTimeout)
	}
	if cfg.Abode.ReconnectMax != time.Minute {
		t.Errorf("ReconnectMax = %v, want 1m", cfg.Abode.ReconnectMax)
	}
	// Unset keys keep their defaults.
	if cfg.Abode.ReconnectInitial != time.Second {
		t.Errorf("ReconnectInitial = %v, want 1s", cfg.Abode.ReconnectInitial)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("MQTT = %+v, want enabled with broker", cfg.MQTT)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "abode: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "abode:\n  email: yaml@example.com\n")
	t.Setenv("ABODE_EMAIL", "env@example.com")
	t.Setenv("ABODE_STALE_GRACE", "45s")
	t.Setenv("ABODE_MQTT_ENABLED", "TRUE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Abode.Email != "env@example.com" {
		t.Errorf("Email = %q, want env@example.com", cfg.Abode.Email)
	}
	if cfg.Abode.StaleGrace != 45*time.Second {
		t.Errorf("StaleGrace = %v, want 45s", cfg.Abode.StaleGrace)
	}
	if !cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled = false, want true")
	}
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("ABODE_RENEW_INTERVAL", "soon")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "ABODE_RENEW_INTERVAL") {
		t.Errorf("Load() error = %v, want ABODE_RENEW_INTERVAL error", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.Abode.Email = "a@b.c"
	valid.Abode.Password = "pw"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing email", func(c *Config) { c.Abode.Email = "" }, "abode.email"},
		{"missing password", func(c *Config) { c.Abode.Password = "" }, "abode.password"},
		{"backoff inverted", func(c *Config) { c.Abode.ReconnectInitial = time.Hour }, "reconnect_initial"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
