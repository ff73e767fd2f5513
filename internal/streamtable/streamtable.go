// Package streamtable holds the per-connection stream_id → in-flight
// request mapping. A Table is owned by exactly one connection's executor
// goroutine; it carries no internal locking because it is never touched
// from more than one goroutine at a time.
package streamtable

import "golang.org/x/net/http2/hpack"

// Result is the terminal outcome of one stream, delivered on Signal exactly
// once.
type Result struct {
	// Accepted is true for a 200 response.
	Accepted bool
	// ApnsID is the apns-id header value (echoed or server-generated).
	ApnsID string
	// Reason is the rejection reason text, set only when !Accepted and Err
	// is nil (a protocol-level rejection rather than a transport failure).
	Reason string
	// TimestampMillis is the rejection's timestamp field, when present.
	TimestampMillis int64
	HasTimestamp    bool
	// Err is set for transport-level failures (write failure, stream reset,
	// server error, stream closed before reply, streams exhausted). Exactly
	// one of (Err != nil) or a populated Accepted/Reason applies.
	Err error
}

// Record is the bookkeeping kept for one in-flight stream.
type Record struct {
	StreamID uint32
	Signal   chan Result
	// Opaque carries the connection layer's own request representation
	// (h2conn.SubmitRequest) so retry logic (REFUSED_STREAM,
	// ExpiredProviderToken) can resubmit the original request without this
	// package knowing anything about APNs request shapes.
	Opaque any

	headers     []hpack.HeaderField
	headersDone bool
	body        []byte
	done        bool
}

// Table maps stream ids to their in-flight Record.
type Table struct {
	records map[uint32]*Record
}

// New returns an empty Table.
func New() *Table {
	return &Table{records: make(map[uint32]*Record)}
}

// Attach registers a fresh stream. signal must have capacity at least 1:
// Complete and FailAll send into it from the connection's executor
// goroutine and must never block on a reader. It is a programming error to
// Attach an id that is already attached.
func (t *Table) Attach(streamID uint32, signal chan Result, opaque any) *Record {
	r := &Record{StreamID: streamID, Signal: signal, Opaque: opaque}
	t.records[streamID] = r
	return r
}

// Get returns the record for streamID, if any.
func (t *Table) Get(streamID uint32) (*Record, bool) {
	r, ok := t.records[streamID]
	return r, ok
}

// TakeHeaders stores the decoded header block for streamID, along with
// whether the HEADERS frame also carried END_STREAM, and returns the
// stream's record. It reports false if streamID is not attached.
func (t *Table) TakeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) (*Record, bool) {
	r, ok := t.records[streamID]
	if !ok {
		return nil, false
	}
	r.headers = fields
	r.headersDone = endStream
	return r, true
}

// AppendBody appends a DATA frame's payload to streamID's accumulated body.
func (t *Table) AppendBody(streamID uint32, chunk []byte) {
	if r, ok := t.records[streamID]; ok {
		r.body = append(r.body, chunk...)
	}
}

// Body returns the bytes accumulated so far for streamID.
func (t *Table) Body(streamID uint32) []byte {
	if r, ok := t.records[streamID]; ok {
		return r.body
	}
	return nil
}

// Headers returns the header fields captured for streamID.
func (t *Table) Headers(streamID uint32) []hpack.HeaderField {
	if r, ok := t.records[streamID]; ok {
		return r.headers
	}
	return nil
}

// Complete delivers result on streamID's signal exactly once and removes
// the record. Completion is terminal: completing an already-completed or
// unknown stream is a no-op.
func (t *Table) Complete(streamID uint32, result Result) {
	r, ok := t.records[streamID]
	if !ok || r.done {
		return
	}
	r.done = true
	r.Signal <- result
	close(r.Signal)
	delete(t.records, streamID)
}

// Drop removes streamID without delivering a result. No-op if the stream
// already completed.
func (t *Table) Drop(streamID uint32) {
	if r, ok := t.records[streamID]; ok && !r.done {
		delete(t.records, streamID)
	}
}

// FailAll completes every still-open stream with err — used when the
// underlying connection dies with streams outstanding.
func (t *Table) FailAll(err error) {
	for id, r := range t.records {
		if !r.done {
			r.done = true
			r.Signal <- Result{Err: err}
			close(r.Signal)
		}
		delete(t.records, id)
	}
}

// Len reports the number of still-open streams.
func (t *Table) Len() int {
	return len(t.records)
}
