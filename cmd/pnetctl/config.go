package main

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/pnet"
)

// config is the resolved pnetctl configuration.
type config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
	MaxPacketSize  int32
	KeepAlive      bool
	MetricsAddr    string
	TLS            tlsConfig
}

type tlsConfig struct {
	Enabled            bool
	KeyStore           string
	KeyStoreType       string
	KeyStorePassword   string
	TrustStore         string
	TrustStoreType     string
	TrustStorePassword string
	ServerName         string
	SessionTimeout     time.Duration
	Protocols          []string
	CipherSuites       []string
	ClientAuth         bool
}

func defaultConfig() config {
	return config{
		Host:           "127.0.0.1",
		Port:           12345,
		ConnectTimeout: 5 * time.Second,
		MaxPacketSize:  pnet.DefaultMaxDataLength,
		TLS: tlsConfig{
			KeyStoreType:   pnet.StoreTypePKCS12,
			TrustStoreType: pnet.StoreTypePKCS12,
		},
	}
}

type fileConfig struct {
	Host           string        `toml:"host" yaml:"host"`
	Port           int           `toml:"port" yaml:"port"`
	ReadTimeout    string        `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   string        `toml:"write_timeout" yaml:"write_timeout"`
	ConnectTimeout string        `toml:"connect_timeout" yaml:"connect_timeout"`
	MaxPacketSize  int32         `toml:"max_packet_size" yaml:"max_packet_size"`
	KeepAlive      bool          `toml:"keep_alive" yaml:"keep_alive"`
	MetricsAddr    string        `toml:"metrics_addr" yaml:"metrics_addr"`
	TLS            fileTLSConfig `toml:"tls" yaml:"tls"`
}

type fileTLSConfig struct {
	Enabled            bool     `toml:"enabled" yaml:"enabled"`
	KeyStore           string   `toml:"key_store" yaml:"key_store"`
	KeyStoreType       string   `toml:"key_store_type" yaml:"key_store_type"`
	KeyStorePassword   string   `toml:"key_store_password" yaml:"key_store_password"`
	TrustStore         string   `toml:"trust_store" yaml:"trust_store"`
	TrustStoreType     string   `toml:"trust_store_type" yaml:"trust_store_type"`
	TrustStorePassword string   `toml:"trust_store_password" yaml:"trust_store_password"`
	ServerName         string   `toml:"server_name" yaml:"server_name"`
	SessionTimeout     string   `toml:"session_timeout" yaml:"session_timeout"`
	Protocols          []string `toml:"protocols" yaml:"protocols"`
	CipherSuites       []string `toml:"cipher_suites" yaml:"cipher_suites"`
	ClientAuth         bool     `toml:"client_auth" yaml:"client_auth"`
}

// loadConfig reads path over the defaults. Files ending in .yaml or .yml are
// YAML, anything else is TOML. An empty path returns the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	var defined func(key ...string) bool

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, errors.Wrap(err, "load config")
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return config{}, errors.Wrap(err, "load config")
		}
		var keys map[string]any
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return config{}, errors.Wrap(err, "load config")
		}
		defined = func(key ...string) bool { return yamlDefined(keys, key) }
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return config{}, errors.Wrap(err, "load config")
		}
		defined = meta.IsDefined
	}

	if err := applyFileConfig(&cfg, raw, defined); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func yamlDefined(m map[string]any, key []string) bool {
	for i, k := range key {
		v, ok := m[k]
		if !ok {
			return false
		}
		if i == len(key)-1 {
			return true
		}
		if m, ok = v.(map[string]any); !ok {
			return false
		}
	}
	return false
}

func applyFileConfig(cfg *config, raw fileConfig, defined func(key ...string) bool) error {
	var err error

	if defined("host") {
		if host := strings.TrimSpace(raw.Host); host != "" {
			cfg.Host = host
		}
	}
	if defined("port") {
		if raw.Port < 0 || raw.Port > 65535 {
			return errors.Errorf("invalid port %d", raw.Port)
		}
		cfg.Port = raw.Port
	}
	if defined("read_timeout") {
		if cfg.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return err
		}
	}
	if defined("write_timeout") {
		if cfg.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return err
		}
	}
	if defined("connect_timeout") {
		if cfg.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout); err != nil {
			return err
		}
	}
	if defined("max_packet_size") {
		if raw.MaxPacketSize <= 0 {
			return errors.Errorf("invalid max_packet_size %d", raw.MaxPacketSize)
		}
		cfg.MaxPacketSize = raw.MaxPacketSize
	}
	if defined("keep_alive") {
		cfg.KeepAlive = raw.KeepAlive
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	t := &cfg.TLS
	if defined("tls", "enabled") {
		t.Enabled = raw.TLS.Enabled
	}
	if defined("tls", "key_store") {
		t.KeyStore = strings.TrimSpace(raw.TLS.KeyStore)
	}
	if defined("tls", "key_store_type") {
		t.KeyStoreType = strings.TrimSpace(raw.TLS.KeyStoreType)
	}
	if defined("tls", "key_store_password") {
		t.KeyStorePassword = raw.TLS.KeyStorePassword
	}
	if defined("tls", "trust_store") {
		t.TrustStore = strings.TrimSpace(raw.TLS.TrustStore)
	}
	if defined("tls", "trust_store_type") {
		t.TrustStoreType = strings.TrimSpace(raw.TLS.TrustStoreType)
	}
	if defined("tls", "trust_store_password") {
		t.TrustStorePassword = raw.TLS.TrustStorePassword
	}
	if defined("tls", "server_name") {
		t.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if defined("tls", "session_timeout") {
		if t.SessionTimeout, err = parseDuration("tls.session_timeout", raw.TLS.SessionTimeout); err != nil {
			return err
		}
	}
	if defined("tls", "protocols") {
		t.Protocols = raw.TLS.Protocols
	}
	if defined("tls", "cipher_suites") {
		t.CipherSuites = raw.TLS.CipherSuites
	}
	if defined("tls", "client_auth") {
		t.ClientAuth = raw.TLS.ClientAuth
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	if d < 0 {
		return 0, errors.Errorf("parse %s: negative duration %s", key, d)
	}
	return d, nil
}

// tlsBuilder returns the TLS template, or nil when TLS is disabled.
func (c config) tlsBuilder() (*pnet.TLSBuilder, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}

	b := pnet.NewTLSBuilder().
		WithHost(c.Host).
		WithPort(c.Port).
		WithServerName(c.TLS.ServerName).
		WithSessionTimeout(c.TLS.SessionTimeout).
		WithDialTimeout(c.ConnectTimeout)
	if len(c.TLS.Protocols) > 0 {
		b.WithProtocols(c.TLS.Protocols...)
	}
	if len(c.TLS.CipherSuites) > 0 {
		b.WithCipherSuites(c.TLS.CipherSuites...)
	}
	if c.TLS.ClientAuth {
		b.WithClientAuth(tls.RequireAndVerifyClientCert)
	}

	if c.TLS.KeyStore != "" {
		data, err := os.ReadFile(c.TLS.KeyStore)
		if err != nil {
			return nil, errors.Wrap(err, "read key store")
		}
		b.WithKeyStore(c.TLS.KeyStoreType, data, c.TLS.KeyStorePassword)
	}
	if c.TLS.TrustStore != "" {
		data, err := os.ReadFile(c.TLS.TrustStore)
		if err != nil {
			return nil, errors.Wrap(err, "read trust store")
		}
		b.WithTrustStore(c.TLS.TrustStoreType, data, c.TLS.TrustStorePassword)
	}
	return b, nil
}

// connOptions returns the connection options described by c.
func (c config) connOptions(logger pnet.Logger, metrics *pnet.Metrics) ([]pnet.Option, error) {
	opts := []pnet.Option{
		pnet.LoggerOption(logger),
		pnet.MetricsOption(metrics),
		pnet.ReadTimeoutOption(c.ReadTimeout),
		pnet.WriteTimeoutOption(c.WriteTimeout),
		pnet.ConnectTimeoutOption(c.ConnectTimeout),
		pnet.MaxPacketSizeOption(c.MaxPacketSize),
		pnet.KeepAliveOption(c.KeepAlive),
	}

	b, err := c.tlsBuilder()
	if err != nil {
		return nil, err
	}
	if b != nil {
		opts = append(opts, pnet.DialerOption(pnet.TLSDialer{Builder: b}))
	}
	return opts, nil
}

// listenerFactory returns how the server socket is opened.
func (c config) listenerFactory() (pnet.ListenerFactory, error) {
	b, err := c.tlsBuilder()
	if err != nil {
		return nil, err
	}
	if b != nil {
		return pnet.TLSListenerFactory{Builder: b}, nil
	}
	return pnet.TCPListenerFactory{Host: c.Host}, nil
}
