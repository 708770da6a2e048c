// Package keys manages the process signing key pair and small HMAC helpers.
// The private half never leaves the process except through explicit PEM
// export requested by an operator.
package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Bits is the RSA modulus size used for signing keys.
const Bits = 2048

var errNotRSA = errors.New("key is not an RSA key")

// Generate creates a fresh RSA signing key pair. CPU-bound; callers on a
// request path should run it ahead of time or in the background.
func Generate() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, Bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return priv, nil
}

// ExportPrivatePEM renders the private key as a PKCS#8 PEM block.
func ExportPrivatePEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ExportPublicPEM renders the public key as a PKIX PEM block.
func ExportPublicPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivatePEM accepts PKCS#8 or PKCS#1 private key PEM.
func ParsePrivatePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errNotRSA
		}
		return priv, nil
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}

// ParsePublicPEM accepts PKIX public key PEM.
func ParsePublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errNotRSA
	}
	return pub, nil
}

const (
	privateFileName = "signing.key"
	publicFileName  = "signing.pub"
)

// LoadOrCreate returns the key pair stored under dir, generating and
// persisting one on first use. Files are written 0600.
func LoadOrCreate(dir string) (*rsa.PrivateKey, error) {
	privPath := filepath.Join(dir, privateFileName)

	data, err := os.ReadFile(privPath)
	if err == nil {
		return ParsePrivatePEM(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	priv, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	privPEM, err := ExportPrivatePEM(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	pubPEM, err := ExportPublicPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, publicFileName), pubPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return priv, nil
}

const hmacFileName = "hmac.key"

// LoadOrCreateHMAC returns the shared HMAC key stored under dir, generating
// and persisting a random 32-byte one on first use. The file holds the key
// hex-encoded, written 0600.
func LoadOrCreateHMAC(dir string) ([]byte, error) {
	path := filepath.Join(dir, hmacFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode hmac key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read hmac key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate hmac key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write hmac key: %w", err)
	}
	return key, nil
}

// SignHMAC computes a hex HMAC-SHA256 tag over data.
func SignHMAC(key, data []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHMAC checks a hex HMAC-SHA256 tag in constant time.
func VerifyHMAC(key, data []byte, tag string) bool {
	expect := SignHMAC(key, data)
	return hmac.Equal([]byte(expect), []byte(tag))
}
