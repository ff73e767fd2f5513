package h2conn

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelpush/apns/internal/apnserr"
	"github.com/kestrelpush/apns/internal/jwt"
	"github.com/kestrelpush/apns/metrics"
)

// GatewayResolver returns the host[:port] to dial. It stands in for DNS
// refresh/failover strategy, which this package keeps out of scope.
type GatewayResolver func(ctx context.Context) (string, error)

// FactoryConfig is the template a Factory stamps onto every Conn it dials.
type FactoryConfig struct {
	Resolver         GatewayResolver
	Dial             func(ctx context.Context) (net.Conn, error)
	TLSConfig        *tls.Config
	Minter           *jwt.Minter
	IdlePingInterval time.Duration
	ConnectTimeout   time.Duration
	Logger           *zap.Logger
	Metrics          metrics.Listener
}

// Factory dials fresh connections, applying an exponential backoff
// schedule across consecutive failures. A Factory is owned by exactly one
// Pool, which may run several Connect calls at once (one per pending
// create, up to its capacity); the backoff counter they share is
// synchronized.
type Factory struct {
	cfg     FactoryConfig
	backoff backoffCounter
}

// NewFactory builds a Factory from cfg.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	return &Factory{cfg: cfg}
}

// Connect resolves the gateway address and dials one connection. On success
// the backoff counter resets to zero; on failure it advances and the
// returned error wraps the dial failure — callers decide whether and when
// to retry (the pool schedules the next attempt after NextDelay()).
func (f *Factory) Connect(ctx context.Context) (*Conn, error) {
	authority, err := f.resolve(ctx)
	if err != nil {
		f.backoff.Failure()
		return nil, err
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if f.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, f.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := Dial(dialCtx, Config{
		Authority:        authority,
		Dial:             f.cfg.Dial,
		TLSConfig:        f.cfg.TLSConfig,
		Minter:           f.cfg.Minter,
		IdlePingInterval: f.cfg.IdlePingInterval,
		Logger:           f.cfg.Logger,
		Metrics:          f.cfg.Metrics,
	})
	if err != nil {
		f.backoff.Failure()
		f.cfg.Metrics.ConnectionCreationFailed()
		return nil, err
	}
	f.backoff.Success()
	f.cfg.Metrics.ConnectionCreated()
	return conn, nil
}

// NextDelay reports how long to wait before the next Connect attempt,
// given the outcome of every Connect call so far.
func (f *Factory) NextDelay() time.Duration {
	return f.backoff.Delay()
}

func (f *Factory) resolve(ctx context.Context) (string, error) {
	if f.cfg.Resolver != nil {
		return f.cfg.Resolver(ctx)
	}
	return "", &apnserr.ConfigError{Reason: "connection factory has no gateway resolver configured"}
}
