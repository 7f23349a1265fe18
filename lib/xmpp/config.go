package xmpp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// Default configuration values.
const (
	// DefaultListenAddr is the default XMPP TCP listen address. Port
	// 5223 is what the legacy appliance firmware dials.
	DefaultListenAddr = ":5223"

	// DefaultPingInterval is how often a READY session is sent a
	// server-to-client XMPP ping.
	DefaultPingInterval = 30 * time.Second

	// DefaultReadBufferSize is the per-connection read buffer size.
	DefaultReadBufferSize = 4096
)

// Config holds the XMPP broker configuration.
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// CertFile, KeyFile, and CAFile are the TLS material used for the
	// STARTTLS upgrade. Client certificates are not validated.
	CertFile string
	KeyFile  string
	CAFile   string

	// UseAuth requires controllers to present a stored authcode.
	// When false every controller authenticates unconditionally.
	UseAuth bool

	// StrictMatch delivers stanzas only when the destination localpart
	// equals a peer uid, instead of the loose case-insensitive
	// substring rule the legacy clients rely on.
	StrictMatch bool

	// PingInterval is the keepalive ping period (0 uses the default).
	PingInterval time.Duration

	// ReadBufferSize is the per-connection read buffer size.
	ReadBufferSize int

	// MaxStanzaSize is the maximum bytes buffered while waiting for a
	// stanza to complete.
	MaxStanzaSize int

	// MaxConnections caps concurrent connections (0 = no limit).
	MaxConnections int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     DefaultListenAddr,
		PingInterval:   DefaultPingInterval,
		ReadBufferSize: DefaultReadBufferSize,
		MaxStanzaSize:  DefaultMaxStanzaSize,
	}
}

// Validate checks the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return &ConfigError{Field: "ListenAddr", Message: "cannot be empty"}
	}
	if c.PingInterval < 0 {
		return &ConfigError{Field: "PingInterval", Message: "cannot be negative"}
	}
	if c.ReadBufferSize < 0 {
		return &ConfigError{Field: "ReadBufferSize", Message: "cannot be negative"}
	}
	if c.MaxStanzaSize < 0 {
		return &ConfigError{Field: "MaxStanzaSize", Message: "cannot be negative"}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return &ConfigError{Field: "CertFile", Message: "cert and key must be set together"}
	}
	return nil
}

// LoadTLS builds the server-side TLS configuration from the cert,
// key, and CA files. It returns nil when no certificate is configured,
// in which case STARTTLS upgrades are refused.
func (c *Config) LoadTLS() (*tls.Config, error) {
	if c.CertFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("load CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("load CA bundle: no certificates in %s", c.CAFile)
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Message
}
