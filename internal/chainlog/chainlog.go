package chainlog

import (
	"fmt"
	"sync"
	"time"
)

// Log is the tamper-evident append-only log. Each entry commits to the hash
// of everything before it; Verify replays the chain and reports the first
// broken link.
//
// Log is safe for concurrent use. Append and Verify are serialized so a
// verifier never observes a half-committed entry.
type Log struct {
	mu    sync.Mutex
	store Store
	seq   uint64
	tail  string // EntryHash of the last entry, genesis digest when empty
}

// Open binds a Log to a store and resumes from the persisted tail, if any.
func Open(store Store) (*Log, error) {
	l := &Log{store: store, tail: GenesisHash()}
	tail, ok, err := store.Tail()
	if err != nil {
		return nil, fmt.Errorf("read tail state: %w", err)
	}
	if ok {
		l.seq = tail.Sequence
		l.tail = tail.EntryHash
	}
	return l, nil
}

// Append commits a new entry chained from the current tail. The write is
// atomic: on store failure the in-memory tail is left untouched and the
// error is returned, so a retry reuses the same sequence and previous hash.
func (l *Log) Append(level Level, message string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.tail
	rendered := Rendered(message, prev)
	e := Entry{
		Sequence:  l.seq + 1,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		PrevHash:  prev,
		EntryHash: computeEntryHash(prev, rendered),
	}

	tail := TailState{Sequence: e.Sequence, EntryHash: e.EntryHash}
	if err := l.store.Append(e, tail); err != nil {
		return Entry{}, fmt.Errorf("append entry %d: %w", e.Sequence, err)
	}

	l.seq = e.Sequence
	l.tail = e.EntryHash
	return e, nil
}

// Verify replays every persisted entry and checks the chain from genesis
// forward, then checks that the chain still ends at the recorded tail. A
// shorter-but-consistent artifact, the result of deleting the newest
// records, is therefore reported as broken. It returns nil on an intact
// chain or an *IntegrityError naming the first broken sequence. Read-only.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, done, err := l.store.Iter(1)
	if err != nil {
		return fmt.Errorf("iterate entries: %w", err)
	}
	defer func() { _ = done() }()

	var entries []Entry
	for e := range ch {
		entries = append(entries, e)
	}
	if err := VerifyEntries(entries); err != nil {
		return err
	}
	if l.seq == 0 {
		return nil
	}

	var lastSeq uint64
	var lastHash string
	if n := len(entries); n > 0 {
		lastSeq = entries[n-1].Sequence
		lastHash = entries[n-1].EntryHash
	}
	if lastSeq != l.seq {
		return &IntegrityError{
			Sequence: lastSeq + 1,
			Reason:   fmt.Sprintf("log truncated: chain ends at entry %d, recorded tail is entry %d", lastSeq, l.seq),
		}
	}
	if !digestEqual(lastHash, l.tail) {
		return &IntegrityError{
			Sequence: lastSeq,
			Reason:   "last entry hash does not match recorded tail",
		}
	}
	return nil
}

// Tail reports the current sequence number and tip digest.
func (l *Log) Tail() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.tail
}
