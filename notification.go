package apns

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelpush/apns/notification"
	"github.com/kestrelpush/apns/notification/priority"
)

// maxPayloadBytes is the APNs payload ceiling.
const maxPayloadBytes = 4096

// PushNotification is the immutable unit of work accepted by Client.Send.
// Construct one with NewPushNotification; the zero value is not valid.
type PushNotification struct {
	deviceToken string
	topic       string
	payload     []byte

	expiration *time.Time
	priority   priority.Priority
	pushType   notification.PushType
	collapseID string
	apnsID     string
	channelID  string
	bundleID   string
}

// PushNotificationOption configures an optional field of a PushNotification.
type PushNotificationOption func(*PushNotification)

// WithExpiration sets apns-expiration. A zero time.Time disables
// store-and-forward.
func WithExpiration(t time.Time) PushNotificationOption {
	return func(n *PushNotification) { n.expiration = &t }
}

// WithPriority sets apns-priority.
func WithPriority(p priority.Priority) PushNotificationOption {
	return func(n *PushNotification) { n.priority = p }
}

// WithPushType sets apns-push-type.
func WithPushType(t notification.PushType) PushNotificationOption {
	return func(n *PushNotification) { n.pushType = t }
}

// WithCollapseID sets apns-collapse-id.
func WithCollapseID(id string) PushNotificationOption {
	return func(n *PushNotification) { n.collapseID = id }
}

// WithApnsID sets a caller-supplied apns-id (must be a UUID). If omitted,
// the server (or, on accept with no apns-id header, the client) generates
// one.
func WithApnsID(id string) PushNotificationOption {
	return func(n *PushNotification) { n.apnsID = id }
}

// WithChannelID sets apns-channel-id.
func WithChannelID(id string) PushNotificationOption {
	return func(n *PushNotification) { n.channelID = id }
}

// WithBundleID records a bundle identifier on the notification, readable
// through BundleID. Client.Send neither sends it nor derives the topic
// from it.
func WithBundleID(id string) PushNotificationOption {
	return func(n *PushNotification) { n.bundleID = id }
}

// NewPushNotification builds and validates a PushNotification. deviceToken
// must be 1-200 characters of lowercase hex; topic must be non-empty;
// payload must be non-empty and no larger than 4096 bytes. The payload's
// content is not checked to be UTF-8 or JSON.
func NewPushNotification(deviceToken, topic string, payload []byte, opts ...PushNotificationOption) (*PushNotification, error) {
	n := &PushNotification{deviceToken: deviceToken, topic: topic, payload: payload}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *PushNotification) validate() error {
	if n.deviceToken == "" || len(n.deviceToken) > 200 {
		return fmt.Errorf("apns: device_token must be 1-200 characters, got %d", len(n.deviceToken))
	}
	if !isLowercaseHex(n.deviceToken) {
		return fmt.Errorf("apns: device_token must be lowercase hex")
	}
	if n.topic == "" {
		return fmt.Errorf("apns: topic is required")
	}
	if len(n.payload) == 0 {
		return fmt.Errorf("apns: payload is required")
	}
	if len(n.payload) > maxPayloadBytes {
		return fmt.Errorf("apns: payload too large: %d bytes (max %d)", len(n.payload), maxPayloadBytes)
	}
	if n.priority != priority.None {
		switch n.priority {
		case priority.Immediate, priority.Conserve, priority.PowerOnly:
		default:
			return fmt.Errorf("apns: invalid apns-priority %d", n.priority)
		}
	}
	if n.apnsID != "" {
		if _, err := uuid.Parse(n.apnsID); err != nil {
			return fmt.Errorf("apns: invalid apns-id: %w", err)
		}
	}
	return nil
}

func isLowercaseHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// DeviceToken returns the target device token.
func (n *PushNotification) DeviceToken() string { return n.deviceToken }

// Topic returns the notification's topic.
func (n *PushNotification) Topic() string { return n.topic }

// Payload returns the raw JSON payload bytes.
func (n *PushNotification) Payload() []byte { return n.payload }

// Expiration returns the configured expiration, if any.
func (n *PushNotification) Expiration() (time.Time, bool) {
	if n.expiration == nil {
		return time.Time{}, false
	}
	return *n.expiration, true
}

// Priority returns the configured delivery priority.
func (n *PushNotification) Priority() priority.Priority { return n.priority }

// PushType returns the configured push type, if any.
func (n *PushNotification) PushType() notification.PushType { return n.pushType }

// CollapseID returns the configured collapse id, if any.
func (n *PushNotification) CollapseID() string { return n.collapseID }

// ApnsID returns the caller-supplied apns-id, if any.
func (n *PushNotification) ApnsID() string { return n.apnsID }

// ChannelID returns the configured channel id, if any.
func (n *PushNotification) ChannelID() string { return n.channelID }

// BundleID returns the configured bundle id, if any.
func (n *PushNotification) BundleID() string { return n.bundleID }
