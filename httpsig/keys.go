// Package httpsig implements the Key & Signature primitives an
// ActivityPub server needs: RSA keypair generation, request signing, and
// verification of a signature against a supplied public key. It wraps
// github.com/go-fed/httpsig for the base-string construction and
// RSA-SHA256 math (the same library widely used across the
// ActivityPub-in-Go ecosystem), adding the Digest/Date/Host header
// bookkeeping and clock-skew policy this package enforces.
package httpsig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyBits is the RSA modulus size used for all generated keypairs.
const KeyBits = 2048

// KeyPair holds a generated RSA keypair and its PEM encodings. The public
// half is published in actor documents; the private half is
// application-held and supplied at signing time.
type KeyPair struct {
	Private       *rsa.PrivateKey
	Public        *rsa.PublicKey
	PrivateKeyPEM string
	PublicKeyPEM  string
}

// GenerateKeyPair produces a new 2048-bit RSA keypair encoded as PEM
// strings. It fails only if the random source fails.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("httpsig: generate RSA key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("httpsig: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &KeyPair{
		Private:       priv,
		Public:        &priv.PublicKey,
		PrivateKeyPEM: string(privPEM),
		PublicKeyPEM:  string(pubPEM),
	}, nil
}

// ParsePrivateKeyPEM decodes a PKCS#1 RSA private key PEM block.
func ParsePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("httpsig: invalid private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse private key: %w", err)
	}
	return key, nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX PEM block, the inverse of
// ParsePublicKeyPEM. Used to re-derive an actor's publicKeyPem from a
// private key loaded from disk.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("httpsig: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})), nil
}

// ParsePublicKeyPEM decodes a PKIX RSA public key PEM block, the form
// published in an actor's publicKeyPem field.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("httpsig: invalid public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("httpsig: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("httpsig: public key is not RSA")
	}
	return rsaPub, nil
}
