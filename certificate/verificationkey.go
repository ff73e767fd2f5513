package certificate

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadVerificationKeyPEM loads an ECDSA public key from a PEM-encoded
// PKIX file — the public half a provider publishes for a mock server to
// verify provider JWTs against, without ever touching the private key
// material. Same reasoning as LoadSigningKeyP8: one well-known DER shape,
// so x509.ParsePKIXPublicKey is the whole job.
func LoadVerificationKeyPEM(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verification key file %q: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("verification key file %q: no PEM block found", path)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("verification key file %q: %w", path, err)
	}
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verification key file %q: expected an ECDSA key, got %T", path, key)
	}
	return ecKey, nil
}
