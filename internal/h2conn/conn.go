// Package h2conn drives one TLS+HTTP/2 connection to an APNs-shaped
// gateway: writes HEADERS+DATA for outgoing notifications, reads the
// framed replies, retries the cases the protocol defines as safe to retry,
// and runs the idle-ping/backoff schedule. It is not a general HTTP/2
// client — only the single request/response shape APNs uses.
package h2conn

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"go.uber.org/zap"

	"github.com/kestrelpush/apns/internal/apnserr"
	"github.com/kestrelpush/apns/internal/jwt"
	"github.com/kestrelpush/apns/internal/streamtable"
	"github.com/kestrelpush/apns/internal/wire"
	"github.com/kestrelpush/apns/metrics"
)

// SubmitRequest is the connection layer's view of one notification, built
// by the pool/client from apns.PushNotification.
type SubmitRequest struct {
	DeviceToken   string
	Topic         string
	Payload       []byte
	ApnsID        string
	CollapseID    string
	PushType      string
	ChannelID     string
	Expiration    time.Time
	HasExpiration bool
	Priority      int
}

// Config configures one connection.
type Config struct {
	Authority        string // host[:port] used for :authority and TLS SNI
	Dial             func(ctx context.Context) (net.Conn, error)
	TLSConfig        *tls.Config
	Minter           *jwt.Minter // nil for client-certificate (TLS) auth
	IdlePingInterval time.Duration
	Logger           *zap.Logger
	Metrics          metrics.Listener
}

var connSeq uint64

// Conn drives one HTTP/2 connection. All exported methods are safe to call
// from any goroutine; the work itself always runs on Conn's own executor
// goroutine (loop), reached by posting a closure to cmds.
type Conn struct {
	id     uint64
	cfg    Config
	log    *zap.Logger
	metric metrics.Listener

	netConn  net.Conn
	framer   *http2.Framer
	hpackEnc *hpack.Encoder
	encBuf   *bytes.Buffer
	hpackDec *hpack.Decoder

	table        *streamtable.Table
	nextStreamID uint32
	// mostRecentTokenStreamID is the highest stream id that carried the
	// current cached auth token: an ExpiredProviderToken rejection only
	// warrants a fresh-token retry if this stream's id is >= that one,
	// so a retry never re-mints a token for a stream that already used
	// a newer one.
	mostRecentTokenStreamID uint32

	state     State
	draining  bool
	cmds      chan func()
	closed    chan struct{}
	closeOnce sync.Once

	idleTimer   *time.Timer
	pingTimeout *time.Timer
	pingPending bool

	// OnClosed lets the pool learn this connection died so it can evict it
	// from its idle set without h2conn importing pool.
	OnClosed func(c *Conn)
}

// Dial establishes a fresh connection: dials cfg.Dial (or net.Dial if nil),
// negotiates TLS with ALPN restricted to h2, writes the client preface and
// an initial SETTINGS frame, and starts the read/executor goroutines. It
// returns once the connection reaches Ready (after the server's SETTINGS
// is received) or fails.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", cfg.Authority)
		}
	}
	raw, err := dial(ctx)
	if err != nil {
		return nil, &apnserr.TransportError{Err: err}
	}

	tlsCfg := cfg.TLSConfig.Clone()
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	tlsCfg.NextProtos = []string{"h2"}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = hostOnly(cfg.Authority)
	}

	tlsConn := tls.Client(raw, tlsCfg)
	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &apnserr.TransportError{Err: err}
	}
	_ = tlsConn.SetDeadline(time.Time{})
	if tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		tlsConn.Close()
		return nil, apnserr.ErrUnexpectedProtocol
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Noop{}
	}

	id := atomic.AddUint64(&connSeq, 1)
	c := &Conn{
		id:           id,
		cfg:          cfg,
		log:          log.With(zap.Uint64("conn_id", id)),
		metric:       m,
		netConn:      tlsConn,
		framer:       http2.NewFramer(tlsConn, tlsConn),
		table:        streamtable.New(),
		nextStreamID: 1,
		state:        Connecting,
		cmds:         make(chan func(), 64),
		closed:       make(chan struct{}),
	}
	c.hpackDec = hpack.NewDecoder(4096, nil)
	c.encBuf, c.hpackEnc = wire.NewEncoderBuffer()
	c.framer.ReadMetaHeaders = c.hpackDec

	if _, err := tlsConn.Write([]byte(http2.ClientPreface)); err != nil {
		tlsConn.Close()
		return nil, &apnserr.TransportError{Err: err}
	}
	if err := c.framer.WriteSettings(); err != nil {
		tlsConn.Close()
		return nil, &apnserr.TransportError{Err: err}
	}

	ready := make(chan error, 1)
	go c.readLoop()
	go c.loop(ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, &apnserr.TransportError{Err: ctx.Err()}
	}
}

func hostOnly(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}
	return host
}

// loop is the connection's executor: every field above is only ever
// touched from this goroutine.
func (c *Conn) loop(ready chan<- error) {
	defer close(c.closed)

	idleInterval := c.cfg.IdlePingInterval
	if idleInterval <= 0 {
		idleInterval = 60 * time.Second
	}
	c.idleTimer = time.NewTimer(idleInterval)
	defer c.idleTimer.Stop()

	readyDelivered := false
	deliverReady := func(err error) {
		if !readyDelivered {
			readyDelivered = true
			ready <- err
		}
	}

	for {
		select {
		case fn, ok := <-c.cmds:
			if !ok {
				return
			}
			fn()
			if c.state == Ready && !readyDelivered {
				deliverReady(nil)
			}
			if c.state == Closed {
				c.teardown()
				return
			}
			c.resetIdleTimer(idleInterval)
		case <-c.idleTimerChan():
			c.sendIdlePing()
			c.resetIdleTimer(idleInterval)
		case <-c.pingTimeoutChan():
			c.log.Warn("ping timeout, closing connection")
			c.closeLocked(apnserr.ErrStreamClosedBeforeReply)
			c.teardown()
			return
		}
		if !readyDelivered && c.state == Closed {
			deliverReady(fmt.Errorf("apns: connection closed before becoming ready"))
		}
	}
}

func (c *Conn) idleTimerChan() <-chan time.Time {
	if c.idleTimer == nil {
		return nil
	}
	return c.idleTimer.C
}

func (c *Conn) pingTimeoutChan() <-chan time.Time {
	if c.pingTimeout == nil {
		return nil
	}
	return c.pingTimeout.C
}

func (c *Conn) resetIdleTimer(d time.Duration) {
	if c.idleTimer != nil {
		c.idleTimer.Reset(d)
	}
}

func (c *Conn) sendIdlePing() {
	if c.state != Ready || c.pingPending {
		return
	}
	var payload [8]byte
	putUint64(payload[:], uint64(time.Now().UnixMilli()))
	if err := c.framer.WritePing(false, payload); err != nil {
		c.closeLocked(&apnserr.TransportError{Err: err})
		return
	}
	c.pingPending = true
	c.pingTimeout = time.NewTimer(mustPositive(c.cfg.IdlePingInterval) / 2)
}

func mustPositive(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// post schedules fn to run on the executor goroutine. If the connection is
// already closed, post runs fallback instead (used to synthesize a failure
// result for a request that arrived too late).
func (c *Conn) post(fn func(), fallback func()) {
	select {
	case c.cmds <- fn:
	case <-c.closed:
		if fallback != nil {
			fallback()
		}
	}
}

// readLoop decodes frames off the wire and hands each one to the executor
// via post. It owns no connection state of its own.
func (c *Conn) readLoop() {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.post(func() { c.handleReadError(err) }, nil)
			return
		}
		f := frame
		c.post(func() { c.handleFrame(f) }, nil)
	}
}

func (c *Conn) handleReadError(err error) {
	if c.state == Closed {
		return
	}
	if err == io.EOF {
		c.log.Debug("connection closed by peer")
	} else {
		c.log.Debug("read error", zap.Error(err))
	}
	c.closeLocked(apnserr.ErrStreamClosedBeforeReply)
}

func (c *Conn) handleFrame(frame http2.Frame) {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		c.handleSettings(f)
	case *http2.PingFrame:
		c.handlePing(f)
	case *http2.MetaHeadersFrame:
		c.handleHeaders(f)
	case *http2.DataFrame:
		c.handleData(f)
	case *http2.RSTStreamFrame:
		c.handleRSTStream(f)
	case *http2.GoAwayFrame:
		c.handleGoAway(f)
	case *http2.WindowUpdateFrame:
		// Flow-control accounting is intentionally not modeled: every
		// request/response here fits comfortably inside the default 64KiB
		// window.
	default:
		c.log.Debug("ignoring frame", zap.String("type", fmt.Sprintf("%T", f)))
	}
}

func (c *Conn) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	if err := c.framer.WriteSettingsAck(); err != nil {
		c.closeLocked(&apnserr.TransportError{Err: err})
		return
	}
	if c.state == Connecting {
		c.state = Ready
	}
}

func (c *Conn) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		c.pingPending = false
		if c.pingTimeout != nil {
			c.pingTimeout.Stop()
		}
		return
	}
	if err := c.framer.WritePing(true, f.Data); err != nil {
		c.closeLocked(&apnserr.TransportError{Err: err})
	}
}

func (c *Conn) handleGoAway(f *http2.GoAwayFrame) {
	c.log.Debug("received GOAWAY", zap.String("debug_data", string(f.DebugData())))
	c.draining = true
	c.maybeFinishDraining()
}
