package pnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"software.sslmate.com/src/go-pkcs12"
)

// Store types accepted by TLSBuilder.
const (
	StoreTypePKCS12 = "PKCS12"
	StoreTypePEM    = "PEM"
)

// DefaultTLSProtocols lists the enabled protocol versions, best first.
var DefaultTLSProtocols = []string{"TLSv1.3", "TLSv1.2"}

// DefaultTLSCipherSuites lists the TLS 1.2 cipher suites in preference
// order. Only suites the platform implements and considers secure are
// enabled; TLS 1.3 suites are not configurable.
var DefaultTLSCipherSuites = []string{
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	"TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256",

	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"TLS_DHE_RSA_WITH_AES_256_GCM_SHA384",
	"TLS_DHE_RSA_WITH_AES_128_GCM_SHA256",

	"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384",
	"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384",
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256",
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256",
}

var protocolVersions = map[string]uint16{
	"TLSv1.3": tls.VersionTLS13,
	"TLSv1.2": tls.VersionTLS12,
}

// usableProtocols intersects requested with the protocols the platform
// supports and returns the version range.
func usableProtocols(requested []string) (lo, hi uint16, err error) {
	for _, name := range requested {
		v, ok := protocolVersions[strings.TrimSpace(name)]
		if !ok {
			continue
		}
		if lo == 0 || v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == 0 {
		return 0, 0, errors.Wrapf(ErrTLSConfig, "no supported protocol in %v", requested)
	}
	return lo, hi, nil
}

// usableCipherSuites intersects requested with the secure TLS 1.2 suites of
// the platform, keeping the requested order.
func usableCipherSuites(requested []string) []uint16 {
	supported := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		for _, v := range cs.SupportedVersions {
			if v == tls.VersionTLS12 {
				supported[cs.Name] = cs.ID
				break
			}
		}
	}

	var ids []uint16
	for _, name := range requested {
		if id, ok := supported[strings.TrimSpace(name)]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

type storeData struct {
	typ      string
	data     []byte
	password string
}

// TLSBuilder produces TLS client sockets and server sockets with a pinned
// protocol and cipher policy.
type TLSBuilder struct {
	host           string
	port           int
	serverName     string
	trustStore     *storeData
	keyStore       *storeData
	sessionTimeout time.Duration
	protocols      []string
	cipherSuites   []string
	clientAuth     tls.ClientAuthType
	dialTimeout    time.Duration
}

// NewTLSBuilder returns a builder with the default policy. The zero
// TLSBuilder is equivalent.
func NewTLSBuilder() *TLSBuilder {
	return &TLSBuilder{clientAuth: tls.NoClientCert}
}

func (b *TLSBuilder) clone() *TLSBuilder {
	c := *b
	return &c
}

// WithHost sets the host to connect to. Required for BuildSocket.
func (b *TLSBuilder) WithHost(host string) *TLSBuilder {
	b.host = host
	return b
}

// WithPort sets the port to connect to or listen on.
func (b *TLSBuilder) WithPort(port int) *TLSBuilder {
	b.port = port
	return b
}

// WithServerName overrides the name verified against the server
// certificate. Defaults to the host.
func (b *TLSBuilder) WithServerName(name string) *TLSBuilder {
	b.serverName = name
	return b
}

// WithTrustStore sets the certificates used to verify the peer. Without a
// trust store clients use the system roots.
func (b *TLSBuilder) WithTrustStore(storeType string, data []byte, password string) *TLSBuilder {
	b.trustStore = &storeData{typ: storeType, data: data, password: password}
	return b
}

// WithKeyStore sets the certificate chain and private key presented to the
// peer. Required for servers.
func (b *TLSBuilder) WithKeyStore(storeType string, data []byte, password string) *TLSBuilder {
	b.keyStore = &storeData{typ: storeType, data: data, password: password}
	return b
}

// WithSessionTimeout bounds how long a TLS session may be resumed.
func (b *TLSBuilder) WithSessionTimeout(d time.Duration) *TLSBuilder {
	b.sessionTimeout = d
	return b
}

// WithProtocols overrides the enabled protocol list.
func (b *TLSBuilder) WithProtocols(names ...string) *TLSBuilder {
	b.protocols = names
	return b
}

// WithCipherSuites overrides the TLS 1.2 cipher suite list.
func (b *TLSBuilder) WithCipherSuites(names ...string) *TLSBuilder {
	b.cipherSuites = names
	return b
}

// WithClientAuth sets the server's client certificate policy. Client
// certificates are not requested by default.
func (b *TLSBuilder) WithClientAuth(auth tls.ClientAuthType) *TLSBuilder {
	b.clientAuth = auth
	return b
}

// WithDialTimeout bounds connect plus handshake in BuildSocket.
func (b *TLSBuilder) WithDialTimeout(d time.Duration) *TLSBuilder {
	b.dialTimeout = d
	return b
}

func (b *TLSBuilder) baseConfig() (*tls.Config, error) {
	protocols, cipherSuites := b.protocols, b.cipherSuites
	if protocols == nil {
		protocols = DefaultTLSProtocols
	}
	if cipherSuites == nil {
		cipherSuites = DefaultTLSCipherSuites
	}

	lo, hi, err := usableProtocols(protocols)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: lo,
		MaxVersion: hi,
	}
	if lo <= tls.VersionTLS12 {
		suites := usableCipherSuites(cipherSuites)
		if len(suites) == 0 {
			return nil, errors.Wrapf(ErrTLSConfig, "no supported cipher suite in %v", cipherSuites)
		}
		cfg.CipherSuites = suites
	}
	return cfg, nil
}

// ClientConfig returns the client side tls.Config.
func (b *TLSBuilder) ClientConfig() (*tls.Config, error) {
	cfg, err := b.baseConfig()
	if err != nil {
		return nil, err
	}

	cfg.ServerName = b.serverName
	if cfg.ServerName == "" {
		cfg.ServerName = b.host
	}
	if b.trustStore != nil {
		pool, err := loadTrustStore(b.trustStore)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if b.keyStore != nil {
		cert, err := loadKeyStore(b.keyStore)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if b.sessionTimeout > 0 {
		cfg.ClientSessionCache = newExpiringSessionCache(b.sessionTimeout)
	} else {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return cfg, nil
}

// ServerConfig returns the server side tls.Config. A key store is required.
func (b *TLSBuilder) ServerConfig() (*tls.Config, error) {
	if b.keyStore == nil {
		return nil, errors.Wrap(ErrTLSConfig, "server requires a key store")
	}

	cfg, err := b.baseConfig()
	if err != nil {
		return nil, err
	}

	cert, err := loadKeyStore(b.keyStore)
	if err != nil {
		return nil, err
	}
	cfg.Certificates = []tls.Certificate{cert}
	cfg.ClientAuth = b.clientAuth

	if b.trustStore != nil {
		pool, err := loadTrustStore(b.trustStore)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}

	if b.sessionTimeout > 0 {
		stampSessionTickets(cfg, b.sessionTimeout)
	}
	return cfg, nil
}

// BuildSocket connects to host:port and completes the TLS handshake.
func (b *TLSBuilder) BuildSocket(ctx context.Context) (net.Conn, error) {
	if b.host == "" {
		return nil, errors.Wrap(ErrIllegalState, "cannot create socket without host")
	}

	cfg, err := b.ClientConfig()
	if err != nil {
		return nil, err
	}

	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: b.dialTimeout, KeepAlive: -1},
		Config:    cfg,
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(b.host, strconv.Itoa(b.port)))
}

// BuildServerSocket listens on the configured port. Handshakes run on the
// first read of each accepted connection.
func (b *TLSBuilder) BuildServerSocket(ctx context.Context) (net.Listener, error) {
	cfg, err := b.ServerConfig()
	if err != nil {
		return nil, err
	}

	inner, err := TCPListenerFactory{Host: b.host}.Listen(ctx, b.port)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(inner, cfg), nil
}

// TLSDialer is a Dialer that opens TLS client sockets using a template
// builder. Host and port come from each Dial call.
type TLSDialer struct {
	Builder *TLSBuilder
}

// Dial connects to host:port over TLS.
func (d TLSDialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	b := d.Builder
	if b == nil {
		b = NewTLSBuilder()
	}
	return b.clone().WithHost(host).WithPort(port).BuildSocket(ctx)
}

// TLSListenerFactory is a ListenerFactory that opens TLS server sockets
// using a template builder.
type TLSListenerFactory struct {
	Builder *TLSBuilder
}

// Listen listens on port over TLS.
func (f TLSListenerFactory) Listen(ctx context.Context, port int) (net.Listener, error) {
	if f.Builder == nil {
		return nil, errors.Wrap(ErrTLSConfig, "server requires a key store")
	}
	return f.Builder.clone().WithPort(port).BuildServerSocket(ctx)
}

func loadKeyStore(st *storeData) (tls.Certificate, error) {
	switch strings.ToUpper(st.typ) {
	case StoreTypePKCS12, "P12", "PFX":
		key, leaf, cas, err := pkcs12.DecodeChain(st.data, st.password)
		if err != nil {
			return tls.Certificate{}, errors.Wrapf(ErrTLSConfig, "decode key store: %v", err)
		}
		cert := tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}
		for _, ca := range cas {
			cert.Certificate = append(cert.Certificate, ca.Raw)
		}
		return cert, nil
	case StoreTypePEM:
		cert, err := tls.X509KeyPair(st.data, st.data)
		if err != nil {
			return tls.Certificate{}, errors.Wrapf(ErrTLSConfig, "decode key store: %v", err)
		}
		return cert, nil
	default:
		return tls.Certificate{}, errors.Wrapf(ErrTLSConfig, "unsupported key store type %q", st.typ)
	}
}

func loadTrustStore(st *storeData) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	switch strings.ToUpper(st.typ) {
	case StoreTypePKCS12, "P12", "PFX":
		certs, err := pkcs12.DecodeTrustStore(st.data, st.password)
		if err != nil {
			// A key store doubles as a trust store.
			_, leaf, cas, cerr := pkcs12.DecodeChain(st.data, st.password)
			if cerr != nil {
				return nil, errors.Wrapf(ErrTLSConfig, "decode trust store: %v", err)
			}
			certs = append([]*x509.Certificate{leaf}, cas...)
		}
		for _, c := range certs {
			pool.AddCert(c)
		}
	case StoreTypePEM:
		if !pool.AppendCertsFromPEM(st.data) {
			return nil, errors.Wrap(ErrTLSConfig, "trust store holds no certificate")
		}
	default:
		return nil, errors.Wrapf(ErrTLSConfig, "unsupported trust store type %q", st.typ)
	}
	return pool, nil
}

// expiringSessionCache forgets client sessions older than ttl.
type expiringSessionCache struct {
	inner tls.ClientSessionCache
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	created map[string]time.Time
}

func newExpiringSessionCache(ttl time.Duration) *expiringSessionCache {
	return &expiringSessionCache{
		inner:   tls.NewLRUClientSessionCache(0),
		ttl:     ttl,
		now:     time.Now,
		created: make(map[string]time.Time),
	}
}

func (c *expiringSessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	created, ok := c.created[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if c.now().Sub(created) > c.ttl {
		delete(c.created, key)
		c.mu.Unlock()
		c.inner.Put(key, nil)
		return nil, false
	}
	c.mu.Unlock()

	cs, ok := c.inner.Get(key)
	if !ok || cs == nil {
		return nil, false
	}
	return cs, true
}

// Put stores cs for key. A nil cs removes key; the inner LRU only sees
// removals for keys it holds, since it stores nil entries for unknown keys.
func (c *expiringSessionCache) Put(key string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	_, tracked := c.created[key]
	if cs == nil {
		delete(c.created, key)
	} else {
		c.created[key] = c.now()
	}
	c.mu.Unlock()

	if cs == nil && !tracked {
		return
	}
	c.inner.Put(key, cs)
}

// sessionStampTag prefixes the issue time stored in session tickets.
const sessionStampTag = "pnet-issued:"

// stampSessionTickets makes cfg refuse to resume sessions older than ttl.
func stampSessionTickets(cfg *tls.Config, ttl time.Duration) {
	cfg.WrapSession = func(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
		stamp := make([]byte, len(sessionStampTag)+8)
		copy(stamp, sessionStampTag)
		binary.BigEndian.PutUint64(stamp[len(sessionStampTag):], uint64(time.Now().Unix()))
		ss.Extra = append(ss.Extra, stamp)
		return cfg.EncryptTicket(cs, ss)
	}
	cfg.UnwrapSession = func(identity []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
		ss, err := cfg.DecryptTicket(identity, cs)
		if err != nil || ss == nil {
			return nil, err
		}
		for _, extra := range ss.Extra {
			if len(extra) != len(sessionStampTag)+8 || string(extra[:len(sessionStampTag)]) != sessionStampTag {
				continue
			}
			issued := time.Unix(int64(binary.BigEndian.Uint64(extra[len(sessionStampTag):])), 0)
			if time.Since(issued) > ttl {
				return nil, nil
			}
			return ss, nil
		}
		return nil, nil
	}
}
