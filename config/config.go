// Package config loads the agent configuration from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/nedpals/spooltag-agent/buildinfo"
)

// Reader drivers
const (
	DriverPCSC   = "pcsc"
	DriverLibNFC = "libnfc"
)

// Config is the top-level agent configuration.
type Config struct {
	Server    ServerConfig `yaml:"server"`
	Reader    ReaderConfig `yaml:"reader"`
	MDNS      MDNSConfig   `yaml:"mdns"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	DataDir   string       `yaml:"data_dir"` // Certificates and the local CA live here
	LogLevels string       `yaml:"log_levels"`
	LogFile   string       `yaml:"log_file"`
	AutoPoll  bool         `yaml:"auto_poll"`
}

// ServerConfig holds the WebSocket/HTTP listener settings.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	APISecret string `yaml:"api_secret"`
	TLS       bool   `yaml:"tls"` // Serve wss:// with a locally trusted certificate
}

// ReaderConfig selects and tunes the reader driver.
type ReaderConfig struct {
	Driver            string        `yaml:"driver"`
	Name              string        `yaml:"name"` // PC/SC reader filter or libnfc connstring
	PollInterval      time.Duration `yaml:"poll_interval"`
	MonitorTimeout    time.Duration `yaml:"monitor_timeout"`
	TransceiveTimeout time.Duration `yaml:"transceive_timeout"`
}

// MDNSConfig toggles service advertisement.
type MDNSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig holds broker settings. An empty Host disables publishing.
type MQTTConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Topic      string `yaml:"topic"`
	ClientID   string `yaml:"client_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18080,
		},
		Reader: ReaderConfig{
			Driver:            DriverPCSC,
			PollInterval:      200 * time.Millisecond,
			MonitorTimeout:    500 * time.Millisecond,
			TransceiveTimeout: 500 * time.Millisecond,
		},
		MDNS: MDNSConfig{Enabled: true},
		MQTT: MQTTConfig{
			Topic:    "spooltag/status",
			ClientID: "spooltag-" + uuid.NewString(),
		},
		DataDir:   defaultDataDir(),
		LogLevels: "<root>=INFO",
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, buildinfo.DirName)
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Reader.Driver {
	case DriverPCSC, DriverLibNFC:
	default:
		return fmt.Errorf("unknown reader.driver %q", c.Reader.Driver)
	}
	if c.Reader.PollInterval <= 0 {
		return errors.New("reader.poll_interval must be positive")
	}
	if c.Reader.MonitorTimeout <= 0 {
		return errors.New("reader.monitor_timeout must be positive")
	}
	if c.Reader.TransceiveTimeout <= 0 {
		return errors.New("reader.transceive_timeout must be positive")
	}
	if c.Server.TLS && c.DataDir == "" {
		return errors.New("data_dir is required when server.tls is enabled")
	}
	if c.MQTT.Host != "" && (c.MQTT.Port < 0 || c.MQTT.Port > 65535) {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	return nil
}
