// Package attest is a software simulator of TPM-style measurements for
// training scenarios. There is no hardware root of trust and no real PCR
// semantics; it is a stub collaborator, never part of the integrity core.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Simulator keeps a rolling measurement per component name.
type Simulator struct {
	mu           sync.Mutex
	measurements map[string]string
	bootVerified bool
}

// NewSimulator returns an empty simulator with no verified boot sequence.
func NewSimulator() *Simulator {
	return &Simulator{measurements: make(map[string]string)}
}

// Extend folds data into the named component's measurement, mimicking PCR
// extension: the first extend is H(data), later ones H(current || data).
func (s *Simulator) Extend(component string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.measurements[component]
	var sum [sha256.Size]byte
	if !ok {
		sum = sha256.Sum256(data)
	} else {
		h := sha256.New()
		h.Write([]byte(current))
		h.Write(data)
		copy(sum[:], h.Sum(nil))
	}
	digest := hex.EncodeToString(sum[:])
	s.measurements[component] = digest
	return digest
}

// VerifyBootSequence marks the simulated boot chain as verified. A real
// implementation would compare expected measurement values here.
func (s *Simulator) VerifyBootSequence() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootVerified = true
	return s.bootVerified
}

// Attestation reports whether the boot sequence was verified along with a
// copy of the current measurements.
func (s *Simulator) Attestation() (bool, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.measurements))
	for k, v := range s.measurements {
		out[k] = v
	}
	return s.bootVerified, out
}
