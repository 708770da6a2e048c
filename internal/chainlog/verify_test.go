package chainlog

import (
	"errors"
	"testing"
	"time"
)

// makeChain builds a well-formed entry sequence in memory.
func makeChain(messages ...string) []Entry {
	prev := GenesisHash()
	entries := make([]Entry, 0, len(messages))
	for i, msg := range messages {
		e := Entry{
			Sequence:  uint64(i + 1),
			Timestamp: time.Now().UTC(),
			Level:     LevelInfo,
			Message:   msg,
			PrevHash:  prev,
			EntryHash: computeEntryHash(prev, Rendered(msg, prev)),
		}
		entries = append(entries, e)
		prev = e.EntryHash
	}
	return entries
}

func TestVerifyEntries_EmptyAndIntact(t *testing.T) {
	if err := VerifyEntries(nil); err != nil {
		t.Errorf("empty chain should verify: %v", err)
	}
	if err := VerifyEntries(makeChain("a", "b", "c")); err != nil {
		t.Errorf("intact chain should verify: %v", err)
	}
}

func TestVerifyEntries_PrevHashMismatch(t *testing.T) {
	entries := makeChain("a", "b", "c")
	entries[1].PrevHash = GenesisHash()

	err := VerifyEntries(entries)
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError, got %v", err)
	}
	if integrityErr.Sequence != 2 {
		t.Errorf("expected failure at 2, got %d", integrityErr.Sequence)
	}
}

func TestVerifyEntries_MessageEdit(t *testing.T) {
	entries := makeChain("a", "b", "c")
	entries[2].Message = "C"

	err := VerifyEntries(entries)
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError, got %v", err)
	}
	if integrityErr.Sequence != 3 {
		t.Errorf("expected failure at 3, got %d", integrityErr.Sequence)
	}
}

func TestVerifyEntries_GapDetected(t *testing.T) {
	entries := makeChain("a", "b", "c", "d")
	truncated := append([]Entry{}, entries[0], entries[2], entries[3])

	err := VerifyEntries(truncated)
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError, got %v", err)
	}
	if integrityErr.Sequence != 2 {
		t.Errorf("expected failure at missing entry 2, got %d", integrityErr.Sequence)
	}
}

func TestVerifyEntries_SuffixAfterExpiry(t *testing.T) {
	// When rotation has expired old entries, verification starts from the
	// first retained entry's own previous hash.
	entries := makeChain("a", "b", "c", "d", "e")
	suffix := entries[2:]
	if err := VerifyEntries(suffix); err != nil {
		t.Errorf("retained suffix should verify: %v", err)
	}

	suffix[1].Message = "tampered"
	err := VerifyEntries(suffix)
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError, got %v", err)
	}
	if integrityErr.Sequence != 4 {
		t.Errorf("expected failure at 4, got %d", integrityErr.Sequence)
	}
}
