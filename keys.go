package apns

import "crypto/ecdsa"

// SigningKey is the ES256 provider authentication key used to mint JWTs for
// token-based auth. Load one with certificate.LoadSigningKeyP8.
type SigningKey struct {
	KeyID      string
	TeamID     string
	PrivateKey *ecdsa.PrivateKey
}

// VerificationKey is the public half of a SigningKey, used by the mock
// server to verify provider JWTs without ever holding private key
// material.
type VerificationKey struct {
	KeyID     string
	TeamID    string
	PublicKey *ecdsa.PublicKey
}
