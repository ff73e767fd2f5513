package mock

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelpush/apns"
)

// Fixtures describes the device tokens and verification keys a Server
// should start already knowing about, loaded from a YAML file so a test
// harness can describe a whole fleet of devices without one flag per
// token.
type Fixtures struct {
	DeviceTokens []DeviceTokenFixture      `yaml:"device_tokens"`
	Keys         []VerificationKeyFixture  `yaml:"verification_keys"`
}

// DeviceTokenFixture registers one device token for one topic, optionally
// already expired (ExpiresAt in the past reproduces an Unregistered
// rejection on the first push).
type DeviceTokenFixture struct {
	Topic     string     `yaml:"topic"`
	Token     string     `yaml:"token"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty"`
}

// VerificationKeyFixture registers one provider signing key's public half,
// keyed by key id, restricted to the topics listed in Topics.
type VerificationKeyFixture struct {
	KeyID         string `yaml:"key_id"`
	TeamID        string `yaml:"team_id"`
	PublicKeyFile string `yaml:"public_key_file"`
	Topics        []string `yaml:"topics"`
}

// LoadFixtures parses a YAML fixtures file at path.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures file %q: %w", path, err)
	}
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures file %q: %w", path, err)
	}
	return &f, nil
}

// Apply registers every fixture against srv. loadKey resolves a
// VerificationKeyFixture's PublicKeyFile into an *ecdsa.PublicKey (the
// caller supplies this so mock stays independent of the certificate
// package's file format choices).
func (f *Fixtures) Apply(srv *Server, loadKey func(path string) (*ecdsa.PublicKey, error)) error {
	for _, dt := range f.DeviceTokens {
		srv.RegisterDeviceToken(dt.Topic, dt.Token, dt.ExpiresAt)
	}
	for _, k := range f.Keys {
		pub, err := loadKey(k.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("verification key %q: %w", k.KeyID, err)
		}
		srv.RegisterVerificationKey(apns.VerificationKey{
			KeyID: k.KeyID, TeamID: k.TeamID, PublicKey: pub,
		}, k.Topics)
	}
	return nil
}
