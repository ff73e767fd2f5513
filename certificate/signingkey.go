package certificate

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadSigningKeyP8 loads the ES256 (P-256) private key from an Apple
// "AuthKey_XXXXXXXXXX.p8" file: a PEM block around a PKCS#8 DER key, with
// no password (Apple does not support encrypting these). A single
// well-known DER format means x509.ParsePKCS8PrivateKey is the whole job —
// no third-party ASN.1/PEM library earns its keep here.
func LoadSigningKeyP8(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key file %q: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key file %q: no PEM block found", path)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing key file %q: %w", path, err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key file %q: expected an ECDSA key, got %T", path, key)
	}
	return ecKey, nil
}
