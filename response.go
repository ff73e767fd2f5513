package apns

import "time"

// PushResponse is the outcome of one Send/PushMulti call, delivered exactly
// once.
type PushResponse struct {
	// ApnsID is always non-empty for an accepted notification: the
	// apns-id header echoed by the server, or a client-synthesized UUID
	// if the server omitted it.
	ApnsID string
	// Accepted is true when APNs returned :status 200.
	Accepted bool
	// RejectionReason is set when Accepted is false and the failure was a
	// protocol-level rejection (as opposed to a transport error, which is
	// returned instead of a PushResponse).
	RejectionReason RejectionReason
	// TokenInvalidationTime is set only when RejectionReason is
	// Unregistered; it is the device token's stored expiration.
	TokenInvalidationTime time.Time
	HasTokenInvalidationTime bool
}

// millisToTime converts a unix-milliseconds timestamp (the wire format of
// an APNs rejection body's "timestamp" field) to a time.Time.
func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
