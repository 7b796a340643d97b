// Package handshake encrypts a secret for the guest using the ephemeral
// RSA public key the guest advertised in its Hello message. The client never
// holds a private key.
package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// minModulusBits rejects keys too small to be the guest's ephemeral key.
const minModulusBits = 1024

// ErrInvalidKey is returned for malformed or unusable key material.
var ErrInvalidKey = errors.New("invalid public key")

// PublicKey decodes base64 big-endian modulus and exponent into an RSA key.
func PublicKey(modulusB64, exponentB64 string) (*rsa.PublicKey, error) {
	mod, err := base64.StdEncoding.DecodeString(modulusB64)
	if err != nil {
		return nil, fmt.Errorf("%w: modulus: %w", ErrInvalidKey, err)
	}
	exp, err := base64.StdEncoding.DecodeString(exponentB64)
	if err != nil {
		return nil, fmt.Errorf("%w: exponent: %w", ErrInvalidKey, err)
	}
	n := new(big.Int).SetBytes(mod)
	if n.BitLen() < minModulusBits {
		return nil, fmt.Errorf("%w: modulus is %d bits, need at least %d", ErrInvalidKey, n.BitLen(), minModulusBits)
	}
	e := new(big.Int).SetBytes(exp)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 || e.Bit(0) == 0 {
		return nil, fmt.Errorf("%w: unsupported exponent %s", ErrInvalidKey, e)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// Encrypt encrypts secret with PKCS #1 v1.5 padding under the key given by
// its base64 components and returns the base64 ciphertext. The caller still
// owns secret and should zero it once done.
func Encrypt(secret []byte, modulusB64, exponentB64 string) (string, error) {
	pub, err := PublicKey(modulusB64, exponentB64)
	if err != nil {
		return "", err
	}
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, secret)
	if err != nil {
		return "", fmt.Errorf("%w: encrypt: %w", ErrInvalidKey, err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// EncodePublicKey is the inverse of PublicKey, as the guest would encode it.
func EncodePublicKey(pub *rsa.PublicKey) (modulusB64, exponentB64 string) {
	return base64.StdEncoding.EncodeToString(pub.N.Bytes()),
		base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
}
