// Package pool holds a fixed-capacity set of internal/h2conn connections
// behind a single executor goroutine: acquire, release, and connection
// lifecycle events are all posted closures processed one at a time, so the
// pool's bookkeeping never needs a mutex.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelpush/apns/internal/apnserr"
	"github.com/kestrelpush/apns/internal/h2conn"
	"github.com/kestrelpush/apns/metrics"
)

type acquireRequest struct {
	result chan acquireResult
}

type acquireResult struct {
	conn *h2conn.Conn
	err  error
}

// Pool owns up to Capacity live connections, handing them out to callers
// and reclaiming them on Release. All exported methods are safe to call
// from any goroutine.
type Pool struct {
	capacity int
	factory  *h2conn.Factory
	log      *zap.Logger
	metric   metrics.Listener

	cmds   chan func()
	closed chan struct{}
	stopCh chan struct{}
	doneWg sync.WaitGroup

	// Fields below are touched only from the executor goroutine.
	all             map[*h2conn.Conn]struct{}
	idle            []*h2conn.Conn
	pendingCreates  int
	pendingAcquires []acquireRequest
	isClosed        bool
}

// New builds a Pool of the given capacity, drawing new connections from
// factory on demand. capacity must be at least 1.
func New(factory *h2conn.Factory, capacity int, log *zap.Logger, metric metrics.Listener) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metric == nil {
		metric = metrics.Noop{}
	}
	p := &Pool{
		capacity: capacity,
		factory:  factory,
		log:      log,
		metric:   metric,
		cmds:     make(chan func(), 64),
		closed:   make(chan struct{}),
		stopCh:   make(chan struct{}),
		all:      make(map[*h2conn.Conn]struct{}),
	}
	go p.loop()
	return p
}

func (p *Pool) loop() {
	for {
		select {
		case fn := <-p.cmds:
			fn()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) post(fn func()) {
	select {
	case p.cmds <- fn:
	case <-p.stopCh:
	}
}

// Acquire returns a ready connection, creating one if capacity allows or
// waiting in FIFO order for one to free up otherwise. It blocks until a
// connection is available, the pool closes, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*h2conn.Conn, error) {
	req := acquireRequest{result: make(chan acquireResult, 1)}
	p.post(func() { p.handleAcquire(req) })

	select {
	case res := <-req.result:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, apnserr.ErrPoolClosed
	}
}

// Release returns conn to the idle set, or hands it directly to the next
// queued acquirer.
func (p *Pool) Release(conn *h2conn.Conn) {
	p.post(func() { p.handleRelease(conn) })
}

func (p *Pool) handleAcquire(req acquireRequest) {
	if p.isClosed {
		req.result <- acquireResult{err: apnserr.ErrPoolClosed}
		return
	}

	if len(p.all)+p.pendingCreates < p.capacity {
		p.pendingCreates++
		go p.createConn(req)
		return
	}

	if len(p.idle) > 0 {
		conn := p.idle[0]
		p.idle = p.idle[1:]
		if conn.State() == h2conn.Closed {
			delete(p.all, conn)
			p.handleAcquire(req)
			return
		}
		req.result <- acquireResult{conn: conn}
		return
	}

	p.pendingAcquires = append(p.pendingAcquires, req)
}

// createConn runs off the executor goroutine since dialing can take a
// while; it deliberately does not inherit the triggering acquire's context
// — a connection in progress is still worth finishing for the next waiter
// even if this one gives up. If the factory's most recent Connect failed,
// createConn waits the factory's current backoff delay (NextDelay) before
// dialing, so consecutive connect failures are actually spaced by the
// factory's exponential schedule instead of retried back to back. The wait
// is the full delay, whatever time has passed since that failure.
func (p *Pool) createConn(req acquireRequest) {
	if delay := p.factory.NextDelay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-p.stopCh:
			timer.Stop()
			p.post(func() { p.finishCreate(nil, apnserr.ErrPoolClosed, req) })
			return
		}
	}
	conn, err := p.factory.Connect(context.Background())
	p.post(func() { p.finishCreate(conn, err, req) })
}

func (p *Pool) finishCreate(conn *h2conn.Conn, err error, req acquireRequest) {
	p.pendingCreates--
	if err != nil {
		req.result <- acquireResult{err: err}
		p.drainPending()
		return
	}

	conn.OnClosed = func(c *h2conn.Conn) { p.post(func() { p.handleConnClosed(c) }) }
	p.all[conn] = struct{}{}

	if p.isClosed {
		conn.Close()
		req.result <- acquireResult{err: apnserr.ErrPoolClosed}
		return
	}
	req.result <- acquireResult{conn: conn}
}

func (p *Pool) drainPending() {
	if len(p.pendingAcquires) == 0 {
		return
	}
	req := p.pendingAcquires[0]
	p.pendingAcquires = p.pendingAcquires[1:]
	p.handleAcquire(req)
}

func (p *Pool) handleRelease(conn *h2conn.Conn) {
	if p.isClosed {
		conn.Close()
		return
	}
	if conn.State() == h2conn.Closed {
		delete(p.all, conn)
		p.drainPending()
		return
	}
	if len(p.pendingAcquires) > 0 {
		req := p.pendingAcquires[0]
		p.pendingAcquires = p.pendingAcquires[1:]
		req.result <- acquireResult{conn: conn}
		return
	}
	p.idle = append(p.idle, conn)
}

func (p *Pool) handleConnClosed(conn *h2conn.Conn) {
	delete(p.all, conn)
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

// Close closes the pool abruptly: in-flight streams fail with
// ErrStreamClosedBeforeReply. Equivalent to CloseGraceful(0).
func (p *Pool) Close() error {
	return p.CloseGraceful(0)
}

// CloseGraceful marks the pool closed, fails every queued acquire with
// ErrPoolClosed, and drains every live connection concurrently
// (golang.org/x/sync/errgroup): each connection gets up to timeout to
// finish its in-flight streams before it is closed abruptly. timeout <= 0
// closes every connection immediately. Safe to call more than once.
func (p *Pool) CloseGraceful(timeout time.Duration) error {
	alreadyClosed := make(chan bool, 1)
	p.post(func() {
		if p.isClosed {
			alreadyClosed <- true
			return
		}
		p.isClosed = true
		close(p.closed)
		for _, req := range p.pendingAcquires {
			req.result <- acquireResult{err: apnserr.ErrPoolClosed}
		}
		p.pendingAcquires = nil
		alreadyClosed <- false
	})
	// Once an earlier call has stopped the executor, the closure above never
	// runs, so stopCh is the signal that the pool is already closed.
	var already bool
	select {
	case already = <-alreadyClosed:
	case <-p.stopCh:
		return nil
	}
	if already {
		return nil
	}

	snapshot := make(chan []*h2conn.Conn, 1)
	p.post(func() {
		conns := make([]*h2conn.Conn, 0, len(p.all))
		for c := range p.all {
			conns = append(conns, c)
		}
		snapshot <- conns
	})
	conns := <-snapshot

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if timeout <= 0 {
				c.Close()
			} else {
				c.Drain(timeout)
			}
			return nil
		})
	}
	err := g.Wait()
	close(p.stopCh)
	return err
}

// Stats is a point-in-time snapshot of pool occupancy, for diagnostics
// (apns.Client.Stats()).
type Stats struct {
	Capacity        int
	Live            int
	Idle            int
	PendingCreates  int
	PendingAcquires int
}

// Stats returns a snapshot of the pool's current occupancy.
func (p *Pool) Stats() Stats {
	result := make(chan Stats, 1)
	p.post(func() {
		result <- Stats{
			Capacity:        p.capacity,
			Live:            len(p.all),
			Idle:            len(p.idle),
			PendingCreates:  p.pendingCreates,
			PendingAcquires: len(p.pendingAcquires),
		}
	})
	select {
	case s := <-result:
		return s
	case <-p.stopCh:
		return Stats{Capacity: p.capacity}
	}
}
