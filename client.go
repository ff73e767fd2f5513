package apns

import (
	"context"
	"crypto/tls"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelpush/apns/internal/h2conn"
	"github.com/kestrelpush/apns/internal/jwt"
	"github.com/kestrelpush/apns/internal/pool"
	"github.com/kestrelpush/apns/metrics"
)

// Client is the sender-side façade: a pool of long-lived connections to one
// gateway, handing out streams per notification. Build one with New; the
// zero value is not valid.
type Client struct {
	cfg    config
	pool   *pool.Pool
	log    *zap.Logger
	metric metrics.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Client from opts. Exactly one of WithClientCertificate or
// WithSigningKey must be given, and WithGatewayResolver is required;
// anything else returns a *ConfigError.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.resolver == nil {
		return nil, &ConfigError{Reason: "a gateway resolver is required (WithGatewayResolver)"}
	}
	if cfg.clientCert == nil && cfg.signingKey == nil {
		return nil, &ConfigError{Reason: "exactly one of WithClientCertificate or WithSigningKey is required"}
	}
	if cfg.clientCert != nil && cfg.signingKey != nil {
		return nil, &ConfigError{Reason: "WithClientCertificate and WithSigningKey are mutually exclusive"}
	}

	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	}
	metric := cfg.metrics
	if metric == nil {
		metric = metrics.Noop{}
	}

	tlsCfg := cfg.tlsConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}

	var minter *jwt.Minter
	if cfg.clientCert != nil {
		tlsCfg.Certificates = []tls.Certificate{*cfg.clientCert}
	} else {
		minter = jwt.NewMinter(jwt.SigningKey{
			KeyID:      cfg.signingKey.KeyID,
			TeamID:     cfg.signingKey.TeamID,
			PrivateKey: cfg.signingKey.PrivateKey,
		}, log)
	}

	factory := h2conn.NewFactory(h2conn.FactoryConfig{
		Resolver:         cfg.resolver,
		Dial:             cfg.dial,
		TLSConfig:        tlsCfg,
		Minter:           minter,
		IdlePingInterval: cfg.idlePingInterval,
		ConnectTimeout:   cfg.connectTimeout,
		Logger:           log,
		Metrics:          metric,
	})

	p := pool.New(factory, cfg.poolCapacity, log, metric)

	return &Client{
		cfg:    cfg,
		pool:   p,
		log:    log,
		metric: metric,
		closed: make(chan struct{}),
	}, nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Send submits one notification and blocks until the gateway accepts or
// rejects it, the connection fails, or ctx is done.
func (c *Client) Send(ctx context.Context, n *PushNotification) (*PushResponse, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(conn)

	req := h2conn.SubmitRequest{
		DeviceToken: n.DeviceToken(),
		Topic:       n.Topic(),
		Payload:     n.Payload(),
		ApnsID:      n.ApnsID(),
		CollapseID:  n.CollapseID(),
		PushType:    n.PushType(),
		ChannelID:   n.ChannelID(),
		Priority:    int(n.Priority()),
	}
	if exp, ok := n.Expiration(); ok {
		req.HasExpiration = true
		req.Expiration = exp
	}

	select {
	case result := <-conn.Submit(req):
		if result.Err != nil {
			return nil, result.Err
		}
		resp := &PushResponse{
			ApnsID:          result.ApnsID,
			Accepted:        result.Accepted,
			RejectionReason: RejectionReason(result.Reason),
		}
		if result.HasTimestamp && resp.RejectionReason == ReasonUnregistered {
			resp.HasTokenInvalidationTime = true
			resp.TokenInvalidationTime = millisToTime(result.TimestampMillis)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PushMulti sends every notification in ns concurrently, returning one
// PushResponse per input in the same order. An error at index i (a
// transport failure, not a rejection) leaves responses[i] nil; PushMulti
// itself returns the first such error via errgroup, after every send has
// finished.
func (c *Client) PushMulti(ctx context.Context, ns []*PushNotification) ([]*PushResponse, error) {
	responses := make([]*PushResponse, len(ns))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range ns {
		i, n := i, n
		g.Go(func() error {
			resp, err := c.Send(gctx, n)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return responses, err
	}
	return responses, nil
}

// Stats reports a point-in-time snapshot of pool occupancy.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Close marks the client closed and shuts down its connection pool,
// allowing in-flight streams up to WithGracefulShutdownTimeout to finish
// before closing their connections abruptly. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.pool.CloseGraceful(c.cfg.gracefulShutdownTimeout)
	})
	return err
}
