// Package sigconf gates configuration mutation behind RSA-PSS signing. Any
// reader holding the public key can confirm the settings it observes are
// exactly what the authorized signer last produced; a signature is never
// stored unless it was freshly computed over the settings it accompanies.
package sigconf

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Settings is the mutable configuration mapping. Values must be
// representable as JSON-like data (bool, number, string, list, nested map).
type Settings = map[string]any

var (
	// ErrNoKey indicates signing was attempted without key material.
	ErrNoKey = errors.New("no signing key available")
	// ErrBadKey indicates malformed or mismatched key material; the caller
	// must reload or regenerate keys.
	ErrBadKey = errors.New("malformed signing key")
	// ErrNotCanonical indicates settings contain a value that cannot be
	// canonically serialized. Nothing is signed or persisted in that case.
	ErrNotCanonical = errors.New("settings not canonically serializable")
)

// CanonicalBytes produces the deterministic serialization that signatures
// are computed over: the settings as a protobuf Struct, marshaled with
// deterministic map ordering. Both signer and verifier recompute this from
// the settings they hold, so stray formatting can never desynchronize them.
func CanonicalBytes(settings Settings) ([]byte, error) {
	st, err := structpb.NewStruct(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonical, err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonical, err)
	}
	return b, nil
}

// Sign serializes settings canonically and signs the digest with RSA-PSS
// (MGF1-SHA256, maximum salt length). The returned signature is base64.
// PSS padding is randomized: signing the same settings twice yields
// different bytes, so callers compare via Verify, never byte equality.
func Sign(settings Settings, priv *rsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", ErrNoKey
	}
	if err := priv.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadKey, err)
	}

	canonical, err := CanonicalBytes(settings)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(canonical)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature over settings under
// pub. A failed verification is an expected outcome, not an error: any
// mismatch, malformed signature, non-canonicalizable settings, or missing
// key yields false.
func Verify(settings Settings, signature string, pub *rsa.PublicKey) bool {
	if pub == nil || signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	canonical, err := CanonicalBytes(settings)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(canonical)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	}) == nil
}
