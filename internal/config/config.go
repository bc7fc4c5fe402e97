package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/* =========================
   Types
   ========================= */

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Inbound  InboundConfig  `yaml:"inbound"`
	Upload   UploadConfig   `yaml:"upload"`
	Logging  LoggingConfig  `yaml:"logging"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Journal  JournalConfig  `yaml:"journal"`
	Fieldbus FieldbusConfig `yaml:"fieldbus"`
}

type DeviceConfig struct {
	ID             string  `yaml:"id"`
	ProductInfo    string  `yaml:"product_info"`
	InitialReading float64 `yaml:"initial_reading"`
	CadenceMs      int64   `yaml:"cadence_ms"`
	StartEnabled   bool    `yaml:"start_enabled"`
	AlertThreshold float64 `yaml:"alert_threshold"`
	SignRule       string  `yaml:"sign_rule"` // "random" | "parity"
	Seed           uint64  `yaml:"seed"`      // 0 = time based
}

type MQTTConfig struct {
	BrokerURL          string `yaml:"broker_url"`
	ClientID           string `yaml:"client_id"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"`
	Encoding           string `yaml:"encoding"` // "json" | "cbor"
	ConnectTimeoutMs   int    `yaml:"connect_timeout_ms"`
	PublishTimeoutMs   int    `yaml:"publish_timeout_ms"`
	SubscribeTimeoutMs int    `yaml:"subscribe_timeout_ms"`
}

type InboundConfig struct {
	ReceiveTimeoutMs int `yaml:"receive_timeout_ms"`
	BufferSize       int `yaml:"buffer_size"`
}

type UploadConfig struct {
	Dir         string `yaml:"dir"`
	DefaultFile string `yaml:"default_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type InfluxDBConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	Org             string `yaml:"org"`
	Bucket          string `yaml:"bucket"`
	BatchSize       uint   `yaml:"batch_size"`
	FlushIntervalMs uint   `yaml:"flush_interval_ms"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type FieldbusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"` // "tcp" | "rtu"
	TCPAddr  string `yaml:"tcp_addr"`
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

/* =========================
   Helpers
   ========================= */

// maxCadenceMs keeps DeviceConfig.Cadence from overflowing time.Duration.
const maxCadenceMs = math.MaxInt64 / int64(time.Millisecond)

func (d DeviceConfig) Cadence() time.Duration { return time.Duration(d.CadenceMs) * time.Millisecond }

func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutMs) * time.Millisecond
}
func (m MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(m.PublishTimeoutMs) * time.Millisecond
}
func (m MQTTConfig) SubscribeTimeout() time.Duration {
	return time.Duration(m.SubscribeTimeoutMs) * time.Millisecond
}

func (i InboundConfig) ReceiveTimeout() time.Duration {
	return time.Duration(i.ReceiveTimeoutMs) * time.Millisecond
}

func (c InfluxDBConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:             "DevSim01",
			ProductInfo:    "IoT Workshop Simulated Device",
			InitialReading: 26,
			CadenceMs:      5000,
			StartEnabled:   true,
			AlertThreshold: 30,
			SignRule:       "random",
		},
		MQTT: MQTTConfig{
			BrokerURL:          "tcp://localhost:1883",
			TopicPrefix:        "devices",
			Encoding:           "json",
			ConnectTimeoutMs:   10000,
			PublishTimeoutMs:   5000,
			SubscribeTimeoutMs: 5000,
		},
		Inbound: InboundConfig{
			ReceiveTimeoutMs: 10000,
			BufferSize:       64,
		},
		Upload: UploadConfig{
			Dir:         ".",
			DefaultFile: "image1.jpg",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			Addr: ":8080",
		},
		InfluxDB: InfluxDBConfig{
			URL:             "http://localhost:8086",
			Bucket:          "telemetry",
			BatchSize:       100,
			FlushIntervalMs: 1000,
		},
		Journal: JournalConfig{
			Path: "devsim.db",
		},
		Fieldbus: FieldbusConfig{
			Mode:     "tcp",
			TCPAddr:  "127.0.0.1:5020",
			Baud:     9600,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		},
	}
}

/* =========================
   Strict load + validate
   ========================= */

// Load reads path over the defaults, applies env overrides and validates.
// An empty path yields defaults plus env.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVSIM_MQTT_URL"); v != "" {
		c.MQTT.BrokerURL = v
	}
	if v := os.Getenv("DEVSIM_DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("DEVSIM_MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("DEVSIM_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("DEVSIM_INFLUX_TOKEN"); v != "" {
		c.InfluxDB.Token = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) Validate() error {
	var errs multiErr

	/* Device */
	if strings.TrimSpace(c.Device.ID) == "" {
		errs.add("device.id is required")
	} else if strings.ContainsAny(c.Device.ID, "/+#") {
		errs.addf("device.id %q must not contain MQTT topic characters", c.Device.ID)
	}
	if c.Device.CadenceMs <= 0 {
		errs.add("device.cadence_ms must be > 0 (e.g., 5000)")
	} else if c.Device.CadenceMs > maxCadenceMs {
		errs.addf("device.cadence_ms must be <= %d", maxCadenceMs)
	}
	if !slices.Contains([]string{"random", "parity"}, strings.ToLower(c.Device.SignRule)) {
		errs.add("device.sign_rule must be 'random' or 'parity'")
	}

	/* MQTT */
	if strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		errs.add("mqtt.broker_url is required")
	}
	if strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
		errs.add("mqtt.topic_prefix is required")
	}
	if !slices.Contains([]string{"json", "cbor"}, strings.ToLower(c.MQTT.Encoding)) {
		errs.add("mqtt.encoding must be 'json' or 'cbor'")
	}
	if c.MQTT.ConnectTimeoutMs < 0 || c.MQTT.PublishTimeoutMs < 0 || c.MQTT.SubscribeTimeoutMs < 0 {
		errs.add("mqtt timeouts cannot be negative")
	}

	/* Inbound */
	if c.Inbound.ReceiveTimeoutMs <= 0 {
		errs.add("inbound.receive_timeout_ms must be > 0")
	}
	if c.Inbound.BufferSize <= 0 {
		errs.add("inbound.buffer_size must be > 0")
	}

	/* Upload */
	if strings.TrimSpace(c.Upload.DefaultFile) == "" {
		errs.add("upload.default_file is required")
	}

	/* Logging */
	if !slices.Contains([]string{"json", "text"}, strings.ToLower(c.Logging.Format)) {
		errs.add("logging.format must be 'json' or 'text'")
	}

	/* Optional components */
	if c.API.Enabled && strings.TrimSpace(c.API.Addr) == "" {
		errs.add("api.addr is required when api is enabled")
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs.add("influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs.add("influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		errs.add("journal.path is required when journal is enabled")
	}
	if c.Fieldbus.Enabled {
		switch strings.ToLower(c.Fieldbus.Mode) {
		case "tcp":
			if strings.TrimSpace(c.Fieldbus.TCPAddr) == "" {
				errs.add("fieldbus.tcp_addr is required for mode=tcp")
			}
		case "rtu":
			if strings.TrimSpace(c.Fieldbus.Port) == "" {
				errs.add("fieldbus.port is required for mode=rtu")
			}
			if c.Fieldbus.Baud <= 0 {
				errs.add("fieldbus.baud must be > 0 for mode=rtu")
			}
			if c.Fieldbus.DataBits == 0 {
				c.Fieldbus.DataBits = 8
			}
			if c.Fieldbus.StopBits == 0 {
				c.Fieldbus.StopBits = 1
			}
			if c.Fieldbus.Parity == "" {
				c.Fieldbus.Parity = "N"
			}
			if !slices.Contains([]string{"N", "E", "O"}, strings.ToUpper(c.Fieldbus.Parity)) {
				errs.add("fieldbus.parity must be one of N,E,O")
			}
		default:
			errs.add("fieldbus.mode must be 'tcp' or 'rtu'")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
