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
	Printer PrinterConfig `yaml:"printer"`
	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Log     LogConfig     `yaml:"log"`
}

// PrinterConfig holds the printer endpoint and session tuning.
// Durations are in seconds.
type PrinterConfig struct {
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	MinBackoffSecs    float64 `yaml:"min_backoff_secs"`
	MaxBackoffSecs    float64 `yaml:"max_backoff_secs"`
	KeepaliveSecs     float64 `yaml:"keepalive_secs"`
	StaleAfterSecs    float64 `yaml:"stale_after_secs"`
	ProbeSilenceSecs  float64 `yaml:"probe_silence_secs"`
	RetryAttempts     int     `yaml:"retry_attempts"`
	RetryIntervalSecs float64 `yaml:"retry_interval_secs"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	DeviceName  string `yaml:"device_name"`
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

// Duration helpers.

func (p PrinterConfig) MinBackoff() time.Duration    { return secs(p.MinBackoffSecs) }
func (p PrinterConfig) MaxBackoff() time.Duration    { return secs(p.MaxBackoffSecs) }
func (p PrinterConfig) Keepalive() time.Duration     { return secs(p.KeepaliveSecs) }
func (p PrinterConfig) StaleAfter() time.Duration    { return secs(p.StaleAfterSecs) }
func (p PrinterConfig) ProbeSilence() time.Duration  { return secs(p.ProbeSilenceSecs) }
func (p PrinterConfig) RetryInterval() time.Duration { return secs(p.RetryIntervalSecs) }

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Defaults returns a Config with sensible defaults. The session tuning
// mirrors the cadences the printer firmware is known to tolerate.
func Defaults() Config {
	return Config{
		Printer: PrinterConfig{
			Port:              9999,
			MinBackoffSecs:    1,
			MaxBackoffSecs:    30,
			KeepaliveSecs:     10,
			StaleAfterSecs:    30,
			ProbeSilenceSecs:  10,
			RetryAttempts:     3,
			RetryIntervalSecs: 2,
		},
		HTTP: HTTPConfig{
			Addr: ":8081",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "creality",
			DeviceID:    "creality_printer_01",
			DeviceName:  "Creality Printer",
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

	if cfg.Printer.Host == "" {
		return cfg, fmt.Errorf("config: printer host is required")
	}
	return cfg, nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CREALITY_HOST"); v != "" {
		cfg.Printer.Host = v
	}
	if v := os.Getenv("CREALITY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Printer.Port = n
		}
	}
	if v := os.Getenv("CREALITY_STALE_AFTER_SECS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Printer.StaleAfterSecs = f
		}
	}
	if v := os.Getenv("CREALITY_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CREALITY_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("CREALITY_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("CREALITY_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("CREALITY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("CREALITY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("CREALITY_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("CREALITY_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("CREALITY_MQTT_DEVICE_NAME"); v != "" {
		cfg.MQTT.DeviceName = v
	}
	if v := os.Getenv("CREALITY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CREALITY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
