package h2conn

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/kestrelpush/apns/internal/apnserr"
	"github.com/kestrelpush/apns/internal/streamtable"
	"github.com/kestrelpush/apns/internal/wire"
)

// Submit enqueues req for sending on c and returns the channel its result
// will be delivered to exactly once.
func (c *Conn) Submit(req SubmitRequest) <-chan streamtable.Result {
	result := make(chan streamtable.Result, 1)
	c.post(
		func() { c.submitLocked(req, result) },
		func() { result <- streamtable.Result{Err: apnserr.ErrStreamClosedBeforeReply} },
	)
	return result
}

func (c *Conn) submitLocked(req SubmitRequest, result chan streamtable.Result) {
	if c.state == Closed || c.draining {
		result <- streamtable.Result{Err: apnserr.ErrStreamClosedBeforeReply}
		return
	}

	streamID := c.nextStreamID
	if streamID == 0 || streamID > 0x7fffffff {
		result <- streamtable.Result{Err: apnserr.ErrStreamsExhausted}
		c.closeLocked(apnserr.ErrStreamsExhausted)
		return
	}
	c.nextStreamID += 2

	wireReq := wire.Request{
		Authority:     c.cfg.Authority,
		DeviceToken:   req.DeviceToken,
		Topic:         req.Topic,
		ApnsID:        req.ApnsID,
		CollapseID:    req.CollapseID,
		PushType:      req.PushType,
		ChannelID:     req.ChannelID,
		HasExpiration: req.HasExpiration,
		Priority:      req.Priority,
	}
	if req.HasExpiration && !req.Expiration.IsZero() {
		wireReq.Expiration = req.Expiration.Unix()
	}
	if c.cfg.Minter != nil {
		tok, err := c.cfg.Minter.Current()
		if err != nil {
			result <- streamtable.Result{Err: err}
			return
		}
		wireReq.BearerToken = tok.Encoded
		c.mostRecentTokenStreamID = streamID
	}

	c.table.Attach(streamID, result, req)

	c.encBuf.Reset()
	if err := wire.EncodeHeaders(c.hpackEnc, wireReq); err != nil {
		c.table.Complete(streamID, streamtable.Result{Err: &apnserr.WriteFailure{Err: err}})
		c.metric.WriteFailure()
		return
	}
	headerBlock := append([]byte(nil), c.encBuf.Bytes()...)

	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: headerBlock,
		EndStream:     false,
		EndHeaders:    true,
	}); err != nil {
		c.table.Complete(streamID, streamtable.Result{Err: &apnserr.WriteFailure{Err: err}})
		c.metric.WriteFailure()
		c.closeLocked(&apnserr.TransportError{Err: err})
		return
	}
	if err := c.framer.WriteData(streamID, true, req.Payload); err != nil {
		c.table.Complete(streamID, streamtable.Result{Err: &apnserr.WriteFailure{Err: err}})
		c.metric.WriteFailure()
		c.closeLocked(&apnserr.TransportError{Err: err})
		return
	}
	c.metric.NotificationSent()
}

// resubmit re-sends req on a fresh stream id, reusing the caller's
// original result channel — used for the REFUSED_STREAM and
// ExpiredProviderToken retries.
func (c *Conn) resubmit(req SubmitRequest, result chan streamtable.Result) {
	c.submitLocked(req, result)
}

func (c *Conn) handleHeaders(f *http2.MetaHeadersFrame) {
	rec, ok := c.table.TakeHeaders(f.StreamID, f.Fields, f.StreamEnded())
	if !ok {
		return
	}
	if f.StreamEnded() {
		c.finishStream(f.StreamID, rec)
	}
}

func (c *Conn) handleData(f *http2.DataFrame) {
	if len(f.Data()) > 0 {
		c.table.AppendBody(f.StreamID, f.Data())
	}
	if f.StreamEnded() {
		rec, ok := c.table.Get(f.StreamID)
		if !ok {
			return
		}
		c.finishStream(f.StreamID, rec)
	}
}

func (c *Conn) handleRSTStream(f *http2.RSTStreamFrame) {
	rec, ok := c.table.Get(f.StreamID)
	if !ok {
		return
	}
	if apnserr.IsRefusedStream(uint32(f.ErrCode)) {
		req, _ := rec.Opaque.(SubmitRequest)
		signal := rec.Signal
		c.table.Drop(f.StreamID)
		c.resubmit(req, signal)
		return
	}
	c.table.Complete(f.StreamID, streamtable.Result{Err: &apnserr.StreamReset{Code: uint32(f.ErrCode)}})
}

func (c *Conn) finishStream(streamID uint32, rec *streamtable.Record) {
	// A GOAWAY may have arrived while this stream was still outstanding; once
	// it's resolved (accepted, rejected, or resubmitted onto a new stream id)
	// check whether draining can now finish. No-op unless draining is true.
	defer c.maybeFinishDraining()

	fields := c.table.Headers(streamID)
	status, _ := statusFromFields(fields)
	apnsID, _ := wire.HeaderValue(fields, "apns-id")

	if status == http.StatusOK {
		if apnsID == "" {
			apnsID = uuid.NewString()
		}
		c.table.Complete(streamID, streamtable.Result{Accepted: true, ApnsID: apnsID})
		c.metric.NotificationAccepted()
		return
	}

	if status == http.StatusInternalServerError {
		c.table.Complete(streamID, streamtable.Result{Err: apnserr.ErrServerError})
		c.closeLocked(apnserr.ErrServerError)
		return
	}

	body := c.table.Body(streamID)
	var eb wire.ErrorBody
	if len(body) > 0 {
		var err error
		eb, err = wire.DecodeErrorBody(body)
		if err != nil {
			c.table.Complete(streamID, streamtable.Result{Err: fmt.Errorf("apns: malformed error body: %w", err)})
			return
		}
	} else if status != 0 {
		eb.Reason = http.StatusText(status)
	}

	if status == http.StatusForbidden && eb.Reason == "ExpiredProviderToken" && streamID >= c.mostRecentTokenStreamID {
		req, _ := rec.Opaque.(SubmitRequest)
		signal := rec.Signal
		c.table.Drop(streamID)
		if c.cfg.Minter != nil {
			c.cfg.Minter.Invalidate()
		}
		c.resubmit(req, signal)
		return
	}

	result := streamtable.Result{Reason: eb.Reason}
	if eb.Timestamp != 0 {
		result.TimestampMillis = eb.Timestamp
		result.HasTimestamp = true
	}
	c.table.Complete(streamID, result)
	c.metric.NotificationRejected(eb.Reason)
}

func statusFromFields(fields []hpack.HeaderField) (int, bool) {
	v, ok := wire.HeaderValue(fields, ":status")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// maybeFinishDraining closes the connection once draining and no streams
// remain outstanding.
func (c *Conn) maybeFinishDraining() {
	if !c.draining || c.state == Closed {
		return
	}
	c.state = Draining
	if c.table.Len() == 0 {
		c.closeLocked(nil)
	}
}

// closeLocked transitions the connection to Closed, failing every
// outstanding stream with cause (or ErrStreamClosedBeforeReply if cause is
// nil and streams remain).
func (c *Conn) closeLocked(cause error) {
	if c.state == Closed {
		return
	}
	c.state = Closed
	if c.table.Len() > 0 {
		failCause := cause
		if failCause == nil {
			failCause = apnserr.ErrStreamClosedBeforeReply
		}
		c.table.FailAll(failCause)
	}
}

func (c *Conn) teardown() {
	c.netConn.Close()
	c.metric.ConnectionClosed()
	if c.OnClosed != nil {
		c.OnClosed(c)
	}
}

// Close abruptly closes the connection: in-flight streams fail with
// ErrStreamClosedBeforeReply. Safe to call multiple times and from any
// goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.post(func() { c.closeLocked(nil) }, nil)
	})
	<-c.closed
}

// Drain requests a graceful close: no new streams are accepted, and
// in-flight streams are given until timeout to finish before the
// connection is closed abruptly.
func (c *Conn) Drain(timeout time.Duration) {
	done := make(chan struct{})
	c.post(func() {
		c.draining = true
		c.maybeFinishDraining()
	}, func() { close(done) })
	select {
	case <-c.closed:
	case <-time.After(timeout):
		c.Close()
	case <-done:
	}
}

// State returns the connection's current lifecycle state, read on the
// executor goroutine; once the executor has exited it reports Closed. The
// pool uses it to discard closed connections on acquire and release.
func (c *Conn) State() State {
	result := make(chan State, 1)
	select {
	case c.cmds <- func() { result <- c.state }:
		return <-result
	case <-c.closed:
		return Closed
	}
}

// InFlight returns the number of streams currently awaiting a reply.
func (c *Conn) InFlight() int {
	result := make(chan int, 1)
	select {
	case c.cmds <- func() { result <- c.table.Len() }:
		return <-result
	case <-c.closed:
		return 0
	}
}
