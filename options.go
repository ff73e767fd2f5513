package apns

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelpush/apns/internal/h2conn"
	"github.com/kestrelpush/apns/metrics"
)

// GatewayResolver returns the host[:port] of the APNs gateway (or a mock
// server) to dial next. A caller-supplied strategy instead of a fixed
// production/sandbox hostname keeps DNS-refresh policy out of the core.
type GatewayResolver = h2conn.GatewayResolver

// ProxyDialer opens the raw TCP connection a Client's TLS handshake runs
// over, letting a caller route through a forward proxy or test harness.
type ProxyDialer = func(ctx context.Context) (net.Conn, error)

const (
	defaultPoolCapacity            = 4
	defaultConnectTimeout          = 10 * time.Second
	defaultIdlePingInterval        = 60 * time.Second
	defaultGracefulShutdownTimeout = 30 * time.Second
)

type config struct {
	resolver     GatewayResolver
	dial         ProxyDialer
	clientCert   *tls.Certificate
	signingKey   *SigningKey
	tlsConfig    *tls.Config
	poolCapacity int

	connectTimeout          time.Duration
	idlePingInterval        time.Duration
	gracefulShutdownTimeout time.Duration

	metrics metrics.Listener
	logger  *zap.Logger
}

func defaultConfig() config {
	return config{
		poolCapacity:            defaultPoolCapacity,
		connectTimeout:          defaultConnectTimeout,
		idlePingInterval:        defaultIdlePingInterval,
		gracefulShutdownTimeout: defaultGracefulShutdownTimeout,
	}
}

// Option configures a Client constructed with New.
type Option func(*config)

// WithGatewayResolver sets the callback New uses to resolve the gateway
// address for every connection the pool dials. Required.
func WithGatewayResolver(r GatewayResolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithClientCertificate authenticates using a TLS client certificate.
// Mutually exclusive with WithSigningKey.
func WithClientCertificate(cert tls.Certificate) Option {
	return func(c *config) { c.clientCert = &cert }
}

// WithSigningKey authenticates using token-based (ES256 JWT) provider
// auth. Mutually exclusive with WithClientCertificate.
func WithSigningKey(key SigningKey) Option {
	return func(c *config) { c.signingKey = &key }
}

// WithTLSConfig overrides the base *tls.Config used for every connection
// (e.g. to pin a custom root CA pool against a mock server). New still
// forces NextProtos to h2 and fills in the client certificate or leaves
// authentication to the signing key, whichever was configured.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) { c.tlsConfig = cfg }
}

// WithPoolCapacity sets the maximum number of concurrently open
// connections. Default 4.
func WithPoolCapacity(n int) Option {
	return func(c *config) { c.poolCapacity = n }
}

// WithConnectTimeout bounds how long one connection attempt (TCP dial +
// TLS handshake) may take. Default 10s.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) { c.connectTimeout = d }
}

// WithIdlePingInterval sets how long a connection may sit idle before a
// keepalive PING is sent. Default 60s.
func WithIdlePingInterval(d time.Duration) Option {
	return func(c *config) { c.idlePingInterval = d }
}

// WithGracefulShutdownTimeout bounds how long Close waits for in-flight
// streams to finish before closing their connections abruptly. Default
// 30s.
func WithGracefulShutdownTimeout(d time.Duration) Option {
	return func(c *config) { c.gracefulShutdownTimeout = d }
}

// WithProxyDialer routes the raw TCP connection underneath every TLS
// handshake through dial, instead of a direct net.Dialer.
func WithProxyDialer(dial ProxyDialer) Option {
	return func(c *config) { c.dial = dial }
}

// WithMetricsListener installs a metrics.Listener the Client reports
// lifecycle events through. Default metrics.Noop{}.
func WithMetricsListener(l metrics.Listener) Option {
	return func(c *config) { c.metrics = l }
}

// WithLogger installs a *zap.Logger for structured connection/pool logs.
// Default a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}
