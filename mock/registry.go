package mock

import (
	"time"

	"github.com/kestrelpush/apns"
)

type deviceRecord struct {
	expiration *time.Time
}

// registry holds every bit of state Server's Register* methods populate.
// Registration must finish before Start is called; once the accept loop is
// running, every connection goroutine only reads this state, so the
// happens-before edge from the "go" statement that starts the accept loop
// is enough — no mutex is needed.
type registry struct {
	deviceTokensByTopic map[string]map[string]deviceRecord
	verificationKeys    map[string]apns.VerificationKey
	allowedTopicsByKey  map[string]map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		deviceTokensByTopic: make(map[string]map[string]deviceRecord),
		verificationKeys:    make(map[string]apns.VerificationKey),
		allowedTopicsByKey:  make(map[string]map[string]struct{}),
	}
}

func (r *registry) registerDeviceToken(topic, token string, expiration *time.Time) {
	m, ok := r.deviceTokensByTopic[topic]
	if !ok {
		m = make(map[string]deviceRecord)
		r.deviceTokensByTopic[topic] = m
	}
	m[token] = deviceRecord{expiration: expiration}
}

func (r *registry) deviceToken(topic, token string) (deviceRecord, bool) {
	m, ok := r.deviceTokensByTopic[topic]
	if !ok {
		return deviceRecord{}, false
	}
	rec, ok := m[token]
	return rec, ok
}

func (r *registry) registerVerificationKey(key apns.VerificationKey, allowedTopics []string) {
	r.verificationKeys[key.KeyID] = key
	set := make(map[string]struct{}, len(allowedTopics))
	for _, t := range allowedTopics {
		set[t] = struct{}{}
	}
	r.allowedTopicsByKey[key.KeyID] = set
}

func (r *registry) verificationKey(keyID string) (apns.VerificationKey, bool) {
	k, ok := r.verificationKeys[keyID]
	return k, ok
}

func (r *registry) topicAllowed(keyID, topic string) bool {
	set, ok := r.allowedTopicsByKey[keyID]
	if !ok {
		return false
	}
	_, ok = set[topic]
	return ok
}
