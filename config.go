package wangle

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TLSFileConfig points at PEM files on disk and builds a tls.Config from
// them.
type TLSFileConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Build loads the referenced files into a tls.Config.
func (c *TLSFileConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", c.CAFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ServerConfig configures a ServerBootstrap.
type ServerConfig struct {
	ListenAddr string         `yaml:"listen_addr"`
	MaxConns   int            `yaml:"max_conns"`
	EventBases int            `yaml:"event_bases"`
	TLS        *TLSFileConfig `yaml:"tls"`
}

// Validate checks the configuration for obvious mistakes.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.MaxConns < 0 {
		return errors.New("max_conns must not be negative")
	}
	if c.EventBases < 0 {
		return errors.New("event_bases must not be negative")
	}
	return nil
}

// LoadServerConfig reads and validates a yaml server configuration.
func LoadServerConfig(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClientConfig configures a ClientBootstrap.
type ClientConfig struct {
	Addr           string         `yaml:"addr"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	TLS            *TLSFileConfig `yaml:"tls"`
}

// Validate checks the configuration for obvious mistakes.
func (c *ClientConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.ConnectTimeout < 0 {
		return errors.New("connect_timeout must not be negative")
	}
	return nil
}

// LoadClientConfig reads and validates a yaml client configuration.
func LoadClientConfig(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := &ClientConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
