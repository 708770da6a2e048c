package sigconf

import (
	"crypto/rsa"
	"fmt"
	"sync"
)

// Snapshotter persists the (settings, signature) pair after a successful
// update. Implementations must store both or neither.
type Snapshotter interface {
	SaveConfig(settings Settings, signature string) error
}

// Store holds the current signed configuration. Mutation goes exclusively
// through Update, which merges, re-signs, and commits atomically; there is
// no path that stores settings without a signature freshly computed over
// them. Authorization is the caller's concern.
type Store struct {
	mu        sync.RWMutex
	settings  Settings
	signature string
	snap      Snapshotter
}

// NewStore creates a store with initial settings and no signature. The
// snapshotter may be nil for purely in-memory use.
func NewStore(initial Settings, snap Snapshotter) *Store {
	s := &Store{settings: Settings{}, snap: snap}
	for k, v := range initial {
		s.settings[k] = v
	}
	return s
}

// Restore installs a previously persisted pair without re-signing, for
// process start. The pair is trusted only as far as Verify confirms it.
func (s *Store) Restore(settings Settings, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = cloneSettings(settings)
	s.signature = signature
}

// Current returns a copy of the settings and the stored signature.
func (s *Store) Current() (Settings, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSettings(s.settings), s.signature
}

// Update merges delta into the settings (last write wins per key), signs the
// merged result with priv, and commits settings and signature together. On
// any failure the store is left exactly as it was: the merge happens on a
// copy, and signing errors surface before anything is stored.
func (s *Store) Update(delta Settings, priv *rsa.PrivateKey) (Settings, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := cloneSettings(s.settings)
	for k, v := range delta {
		merged[k] = v
	}

	sig, err := Sign(merged, priv)
	if err != nil {
		return nil, "", fmt.Errorf("sign updated settings: %w", err)
	}

	if s.snap != nil {
		if err := s.snap.SaveConfig(merged, sig); err != nil {
			return nil, "", fmt.Errorf("persist signed settings: %w", err)
		}
	}

	s.settings = merged
	s.signature = sig
	return cloneSettings(merged), sig, nil
}

// VerifyCurrent checks the stored signature against the current settings.
func (s *Store) VerifyCurrent(pub *rsa.PublicKey) bool {
	settings, sig := s.Current()
	return Verify(settings, sig, pub)
}

func cloneSettings(in Settings) Settings {
	out := make(Settings, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneSettings(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}
