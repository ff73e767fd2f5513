package apns

import "github.com/kestrelpush/apns/internal/apnserr"

// RejectionReason is one of the short text tokens APNs (or the mock
// server) returns in a rejection's JSON body.
type RejectionReason = apnserr.RejectionReason

// The full rejection-reason vocabulary APNs can return.
const (
	ReasonBadCollapseID               = apnserr.ReasonBadCollapseID
	ReasonBadDeviceToken              = apnserr.ReasonBadDeviceToken
	ReasonBadExpirationDate           = apnserr.ReasonBadExpirationDate
	ReasonBadMessageID                = apnserr.ReasonBadMessageID
	ReasonBadPriority                 = apnserr.ReasonBadPriority
	ReasonBadTopic                    = apnserr.ReasonBadTopic
	ReasonDeviceTokenNotForTopic      = apnserr.ReasonDeviceTokenNotForTopic
	ReasonDuplicateHeaders            = apnserr.ReasonDuplicateHeaders
	ReasonIdleTimeout                 = apnserr.ReasonIdleTimeout
	ReasonMissingDeviceToken          = apnserr.ReasonMissingDeviceToken
	ReasonMissingTopic                = apnserr.ReasonMissingTopic
	ReasonPayloadEmpty                = apnserr.ReasonPayloadEmpty
	ReasonTopicDisallowed             = apnserr.ReasonTopicDisallowed
	ReasonBadCertificate              = apnserr.ReasonBadCertificate
	ReasonBadCertificateEnvironment   = apnserr.ReasonBadCertificateEnvironment
	ReasonExpiredProviderToken        = apnserr.ReasonExpiredProviderToken
	ReasonForbidden                   = apnserr.ReasonForbidden
	ReasonInvalidProviderToken        = apnserr.ReasonInvalidProviderToken
	ReasonMissingProviderToken        = apnserr.ReasonMissingProviderToken
	ReasonBadPath                     = apnserr.ReasonBadPath
	ReasonMethodNotAllowed            = apnserr.ReasonMethodNotAllowed
	ReasonUnregistered                = apnserr.ReasonUnregistered
	ReasonPayloadTooLarge             = apnserr.ReasonPayloadTooLarge
	ReasonTooManyProviderTokenUpdates = apnserr.ReasonTooManyProviderTokenUpdates
	ReasonTooManyRequests             = apnserr.ReasonTooManyRequests
	ReasonInternalServerError         = apnserr.ReasonInternalServerError
	ReasonServiceUnavailable          = apnserr.ReasonServiceUnavailable
	ReasonShutdown                    = apnserr.ReasonShutdown
)

// StatusForReason returns the HTTP status the mock server (or APNs) sends
// alongside reason.
func StatusForReason(reason RejectionReason) int { return apnserr.StatusForReason(reason) }

// Sentinel errors and wrapper types for the transport/lifecycle half of the
// taxonomy. Rejections are never represented as errors — see PushResponse.
var (
	ErrClientClosed            = apnserr.ErrClientClosed
	ErrPoolClosed              = apnserr.ErrPoolClosed
	ErrStreamsExhausted        = apnserr.ErrStreamsExhausted
	ErrStreamClosedBeforeReply = apnserr.ErrStreamClosedBeforeReply
	ErrServerError             = apnserr.ErrServerError
	ErrUnexpectedProtocol      = apnserr.ErrUnexpectedProtocol
)

// WriteFailure wraps the error from a failed frame write.
type WriteFailure = apnserr.WriteFailure

// TransportError wraps TLS/dial/connection-loss failures.
type TransportError = apnserr.TransportError

// ConfigError reports missing or conflicting construction-time
// configuration, surfaced as a fatal error from New.
type ConfigError = apnserr.ConfigError

// StreamReset wraps an HTTP/2 RST_STREAM that was not the retriable
// REFUSED_STREAM case.
type StreamReset = apnserr.StreamReset

// IsRefusedStream reports whether code is HTTP/2's REFUSED_STREAM.
func IsRefusedStream(code uint32) bool { return apnserr.IsRefusedStream(code) }
