package xmpp

import (
	"testing"
	"time"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr != ":5223" {
		t.Errorf("ListenAddr = %q, want :5223", cfg.ListenAddr)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.UseAuth || cfg.StrictMatch {
		t.Error("auth or strict matching enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }, true},
		{"negative ping interval", func(c *Config) { c.PingInterval = -time.Second }, true},
		{"negative read buffer", func(c *Config) { c.ReadBufferSize = -1 }, true},
		{"negative stanza size", func(c *Config) { c.MaxStanzaSize = -1 }, true},
		{"cert without key", func(c *Config) { c.CertFile = "server.crt" }, true},
		{"key without cert", func(c *Config) { c.KeyFile = "server.key" }, true},
		{"cert and key", func(c *Config) { c.CertFile = "server.crt"; c.KeyFile = "server.key" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_LoadTLSWithoutCert(t *testing.T) {
	cfg := DefaultConfig()
	tlsCfg, err := cfg.LoadTLS()
	if err != nil {
		t.Fatalf("LoadTLS: %v", err)
	}
	if tlsCfg != nil {
		t.Error("LoadTLS returned a config with no certificate set")
	}
}

func TestConfig_LoadTLSMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CertFile = "no-such.crt"
	cfg.KeyFile = "no-such.key"
	if _, err := cfg.LoadTLS(); err == nil {
		t.Error("LoadTLS succeeded with missing files")
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "ListenAddr", Message: "cannot be empty"}
	if err.Error() != "config error: ListenAddr cannot be empty" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateConnect, "CONNECT"},
		{StateInit, "INIT"},
		{StateBind, "BIND"},
		{StateReady, "READY"},
		{StateDisconnect, "DISCONNECT"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
