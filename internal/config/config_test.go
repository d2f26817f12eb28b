package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PROTECTD_NVR_ADDRESS", "https://192.168.1.10")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Client.ErrorLimit != 10 {
		t.Errorf("default error limit: got %d", cfg.Client.ErrorLimit)
	}
	if cfg.Client.RetryInterval != 5*time.Minute {
		t.Errorf("default retry interval: got %v", cfg.Client.RetryInterval)
	}
	if cfg.Client.Heartbeat != 30*time.Second {
		t.Errorf("default heartbeat: got %v", cfg.Client.Heartbeat)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level: got %q", cfg.Log.Level)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protectd.yaml")
	data := []byte(`
nvr:
  address: https://nvr.example.net
  username: svc
  password: secret
client:
  heartbeat: 45s
  error_limit: 3
mqtt:
  enabled: true
  broker: tcp://broker:1883
log:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NVR.Address != "https://nvr.example.net" {
		t.Errorf("address: got %q", cfg.NVR.Address)
	}
	if cfg.Client.Heartbeat != 45*time.Second {
		t.Errorf("heartbeat: got %v", cfg.Client.Heartbeat)
	}
	if cfg.Client.ErrorLimit != 3 {
		t.Errorf("error limit: got %d", cfg.Client.ErrorLimit)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("mqtt: got %+v", cfg.MQTT)
	}
	// Untouched values keep their defaults.
	if cfg.Client.RequestTimeout != 10*time.Second {
		t.Errorf("request timeout default lost: got %v", cfg.Client.RequestTimeout)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protectd.yaml")
	data := []byte(`
nvr:
  address: https://from-yaml
log:
  level: info
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PROTECTD_NVR_ADDRESS", "https://from-env")
	t.Setenv("PROTECTD_LOG_LEVEL", "debug")
	t.Setenv("PROTECTD_HEARTBEAT", "90s")
	t.Setenv("PROTECTD_MQTT_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NVR.Address != "https://from-env" {
		t.Errorf("env should win over yaml, got %q", cfg.NVR.Address)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level: got %q", cfg.Log.Level)
	}
	if cfg.Client.Heartbeat != 90*time.Second {
		t.Errorf("heartbeat: got %v", cfg.Client.Heartbeat)
	}
	if !cfg.MQTT.Enabled {
		t.Error("mqtt should be enabled from env")
	}
}

func TestLoad_RequiresAddress(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error without nvr.address")
	}

	t.Setenv("PROTECTD_NVR_ADDRESS", "nvr.local")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an address without scheme")
	}
}
