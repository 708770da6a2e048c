package chainlog

import (
	"crypto/hmac"
	"fmt"
)

// IntegrityError reports the first entry at which the hash chain no longer
// verifies. The chain is never auto-repaired; everything from Sequence
// onward is suspect.
type IntegrityError struct {
	Sequence uint64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("hash chain broken at entry %d: %s", e.Sequence, e.Reason)
}

// VerifyEntries recomputes the chain over entries, which must be in ascending
// sequence order. When the slice starts at sequence 1 the replay begins at
// the genesis digest; when older entries have been expired by rotation the
// first retained entry's own PrevHash seeds the replay, and only the retained
// suffix is attested.
func VerifyEntries(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	running := GenesisHash()
	expect := entries[0].Sequence
	if expect != 1 {
		running = entries[0].PrevHash
	}

	for _, e := range entries {
		if e.Sequence != expect {
			return &IntegrityError{
				Sequence: expect,
				Reason:   fmt.Sprintf("missing or reordered entry, found sequence %d", e.Sequence),
			}
		}
		if !digestEqual(e.PrevHash, running) {
			return &IntegrityError{
				Sequence: e.Sequence,
				Reason:   fmt.Sprintf("previous hash mismatch: expected %s, stored %s", running, e.PrevHash),
			}
		}
		computed := computeEntryHash(running, Rendered(e.Message, running))
		if !digestEqual(e.EntryHash, computed) {
			return &IntegrityError{
				Sequence: e.Sequence,
				Reason:   "entry hash does not match recomputed digest",
			}
		}
		running = e.EntryHash
		expect++
	}
	return nil
}

// digestEqual compares two hex digests in constant time.
func digestEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
