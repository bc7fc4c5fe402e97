package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if cfg.Device.ID != "DevSim01" {
		t.Errorf("Device.ID = %q, want DevSim01", cfg.Device.ID)
	}
	if cfg.Device.InitialReading != 26 {
		t.Errorf("Device.InitialReading = %v, want 26", cfg.Device.InitialReading)
	}
	if cfg.Device.Cadence() != 5*time.Second {
		t.Errorf("Device.Cadence() = %v, want 5s", cfg.Device.Cadence())
	}
	if !cfg.Device.StartEnabled {
		t.Error("Device.StartEnabled = false, want true")
	}
	if cfg.Inbound.ReceiveTimeout() != 10*time.Second {
		t.Errorf("Inbound.ReceiveTimeout() = %v, want 10s", cfg.Inbound.ReceiveTimeout())
	}
	if cfg.Upload.DefaultFile != "image1.jpg" {
		t.Errorf("Upload.DefaultFile = %q, want image1.jpg", cfg.Upload.DefaultFile)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devsim.yaml")
	content := `
device:
  id: lab-7
  cadence_ms: 250
  sign_rule: parity
mqtt:
  encoding: cbor
fieldbus:
  enabled: true
  mode: rtu
  port: /dev/ttyUSB0
  parity: ""
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Device.ID != "lab-7" {
		t.Errorf("Device.ID = %q, want lab-7", cfg.Device.ID)
	}
	if cfg.Device.CadenceMs != 250 {
		t.Errorf("Device.CadenceMs = %d, want 250", cfg.Device.CadenceMs)
	}
	if cfg.Device.SignRule != "parity" {
		t.Errorf("Device.SignRule = %q, want parity", cfg.Device.SignRule)
	}
	if cfg.MQTT.Encoding != "cbor" {
		t.Errorf("MQTT.Encoding = %q, want cbor", cfg.MQTT.Encoding)
	}
	// untouched keys keep defaults
	if cfg.MQTT.TopicPrefix != "devices" {
		t.Errorf("MQTT.TopicPrefix = %q, want devices", cfg.MQTT.TopicPrefix)
	}
	if cfg.Fieldbus.Parity != "N" {
		t.Errorf("Fieldbus.Parity = %q, want N after validation defaults", cfg.Fieldbus.Parity)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DEVSIM_MQTT_URL", "tcp://hub:1883")
	t.Setenv("DEVSIM_DEVICE_ID", "env-device")
	t.Setenv("DEVSIM_MQTT_PASSWORD", "secret")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MQTT.BrokerURL != "tcp://hub:1883" {
		t.Errorf("MQTT.BrokerURL = %q", cfg.MQTT.BrokerURL)
	}
	if cfg.Device.ID != "env-device" {
		t.Errorf("Device.ID = %q", cfg.Device.ID)
	}
	if cfg.MQTT.Password != "secret" {
		t.Errorf("MQTT.Password = %q", cfg.MQTT.Password)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("device:\n  cadense_ms: 100\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "invalid YAML") {
		t.Errorf("error = %v, want invalid YAML", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(*Config) {}, ""},
		{"zero cadence", func(c *Config) { c.Device.CadenceMs = 0 }, "cadence_ms"},
		{"negative cadence", func(c *Config) { c.Device.CadenceMs = -5 }, "cadence_ms"},
		{"cadence overflows duration", func(c *Config) { c.Device.CadenceMs = math.MaxInt64 / 1000 }, "cadence_ms"},
		{"empty id", func(c *Config) { c.Device.ID = " " }, "device.id is required"},
		{"topic char in id", func(c *Config) { c.Device.ID = "a/b" }, "topic characters"},
		{"bad sign rule", func(c *Config) { c.Device.SignRule = "coin" }, "sign_rule"},
		{"bad encoding", func(c *Config) { c.MQTT.Encoding = "xml" }, "mqtt.encoding"},
		{"zero receive timeout", func(c *Config) { c.Inbound.ReceiveTimeoutMs = 0 }, "receive_timeout_ms"},
		{"zero buffer", func(c *Config) { c.Inbound.BufferSize = 0 }, "buffer_size"},
		{"influx without org", func(c *Config) { c.InfluxDB.Enabled = true }, "influxdb.org"},
		{"fieldbus bad mode", func(c *Config) { c.Fieldbus.Enabled = true; c.Fieldbus.Mode = "udp" }, "fieldbus.mode"},
		{"fieldbus rtu no port", func(c *Config) { c.Fieldbus.Enabled = true; c.Fieldbus.Mode = "rtu" }, "fieldbus.port"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Device.CadenceMs = 0
	cfg.MQTT.BrokerURL = ""

	err := cfg.Validate()
	me, ok := err.(multiErr)
	if !ok {
		t.Fatalf("Validate() error type = %T, want multiErr", err)
	}
	if len(me) != 2 {
		t.Errorf("len(errors) = %d, want 2 (%v)", len(me), me)
	}
}
