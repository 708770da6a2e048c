package chainlog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func openTestLog(t *testing.T, maxBytes int64, backups int) (*Log, Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	store, err := OpenFileStore(path, maxBytes, backups)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log, err := Open(store)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return log, store, path
}

func TestGenesisHash(t *testing.T) {
	sum := sha256.Sum256([]byte("GENESIS"))
	if got := GenesisHash(); got != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected genesis digest: %s", got)
	}
}

func TestAppend_VerifyAfterEachAppend(t *testing.T) {
	log, _, _ := openTestLog(t, 0, 0)

	messages := []string{"start", "config changed", "user login", "shutdown"}
	for i, msg := range messages {
		e, err := log.Append(LevelInfo, msg)
		if err != nil {
			t.Fatalf("Append %q failed: %v", msg, err)
		}
		if e.Sequence != uint64(i+1) {
			t.Errorf("expected sequence %d, got %d", i+1, e.Sequence)
		}
		if err := log.Verify(); err != nil {
			t.Fatalf("Verify after append %d failed: %v", i+1, err)
		}
	}
}

func TestAppend_ChainsFromGenesis(t *testing.T) {
	log, _, _ := openTestLog(t, 0, 0)

	// Recompute the expected chain by hand, the way external tooling would.
	expectPrev := GenesisHash()
	for _, msg := range []string{"start", "config changed", "shutdown"} {
		e, err := log.Append(LevelInfo, msg)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if e.PrevHash != expectPrev {
			t.Errorf("entry %d: expected prev %s, got %s", e.Sequence, expectPrev, e.PrevHash)
		}
		rendered := msg + " | PrevHash: " + expectPrev
		h := sha256.New()
		h.Write([]byte(expectPrev))
		h.Write([]byte(rendered))
		want := hex.EncodeToString(h.Sum(nil))
		if e.EntryHash != want {
			t.Errorf("entry %d: expected hash %s, got %s", e.Sequence, want, e.EntryHash)
		}
		expectPrev = e.EntryHash
	}
}

// corruptMessage rewrites the persisted record for the given sequence,
// replacing old with new in the message field.
func corruptMessage(t *testing.T, path string, seq string, old, repl string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(string(data), "\n")
	found := false
	for i, line := range lines {
		if strings.Contains(line, " | Seq: "+seq+" | ") {
			lines[i] = strings.Replace(line, old, repl, 1)
			found = true
		}
	}
	if !found {
		t.Fatalf("no record with sequence %s in %s", seq, path)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600); err != nil {
		t.Fatalf("write corrupted log file: %v", err)
	}
}

func TestVerify_FlagsCorruptedEntryExactly(t *testing.T) {
	log, _, path := openTestLog(t, 0, 0)

	for _, msg := range []string{"start", "config changed", "shutdown"} {
		if _, err := log.Append(LevelInfo, msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	corruptMessage(t, path, "2", "config changed", "config hijacked")

	err := log.Verify()
	if err == nil {
		t.Fatal("expected verification failure after corruption")
	}
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError, got %T: %v", err, err)
	}
	if integrityErr.Sequence != 2 {
		t.Errorf("expected broken sequence 2, got %d", integrityErr.Sequence)
	}
}

func TestVerify_SingleByteMutation(t *testing.T) {
	log, _, path := openTestLog(t, 0, 0)

	messages := []string{"alpha", "bravo", "charlie", "delta"}
	for _, msg := range messages {
		if _, err := log.Append(LevelInfo, msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	corruptMessage(t, path, "3", "charlie", "charlix")

	err := log.Verify()
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError, got %v", err)
	}
	if integrityErr.Sequence < 3 {
		t.Errorf("mutation at entry 3 flagged too early, at %d", integrityErr.Sequence)
	}
}

// dropRecord removes the persisted record for the given sequence entirely.
func dropRecord(t *testing.T, path string, seq string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var kept []string
	found := false
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, " | Seq: "+seq+" | ") {
			found = true
			continue
		}
		kept = append(kept, line)
	}
	if !found {
		t.Fatalf("no record with sequence %s in %s", seq, path)
	}
	if err := os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o600); err != nil {
		t.Fatalf("write truncated log file: %v", err)
	}
}

func TestVerify_DetectsDeletedNewestEntry(t *testing.T) {
	log, _, path := openTestLog(t, 0, 0)

	for _, msg := range []string{"start", "config changed", "admin action"} {
		if _, err := log.Append(LevelInfo, msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Removing the newest record leaves an internally consistent chain;
	// only the recorded tail gives the deletion away.
	dropRecord(t, path, "3")

	err := log.Verify()
	if err == nil {
		t.Fatal("expected verification failure after deleting the newest entry")
	}
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError, got %T: %v", err, err)
	}
	if integrityErr.Sequence != 3 {
		t.Errorf("expected broken sequence 3, got %d", integrityErr.Sequence)
	}
}

func TestVerify_DetectsTruncationAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	store, err := OpenFileStore(path, 0, 0)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	log, err := Open(store)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, msg := range []string{"one", "two", "three"} {
		if _, err := log.Append(LevelInfo, msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Wipe the whole artifact; the tail sidecar still records entry 3.
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("truncate log file: %v", err)
	}

	store2, err := OpenFileStore(path, 0, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store2.Close()
	log2, err := Open(store2)
	if err != nil {
		t.Fatalf("Open after restart failed: %v", err)
	}

	var integrityErr *IntegrityError
	if err := log2.Verify(); !errors.As(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError for emptied log, got %v", err)
	}
	if integrityErr.Sequence != 1 {
		t.Errorf("expected broken sequence 1, got %d", integrityErr.Sequence)
	}
}

func TestOpen_ResumesFromPersistedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	store, err := OpenFileStore(path, 0, 0)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	log, err := Open(store)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	first, err := log.Append(LevelInfo, "before restart")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store2, err := OpenFileStore(path, 0, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store2.Close()
	log2, err := Open(store2)
	if err != nil {
		t.Fatalf("Open after restart failed: %v", err)
	}
	second, err := log2.Append(LevelInfo, "after restart")
	if err != nil {
		t.Fatalf("Append after restart failed: %v", err)
	}
	if second.Sequence != first.Sequence+1 {
		t.Errorf("expected sequence %d, got %d", first.Sequence+1, second.Sequence)
	}
	if second.PrevHash != first.EntryHash {
		t.Error("chain did not continue from persisted tail")
	}
	if err := log2.Verify(); err != nil {
		t.Errorf("Verify after restart failed: %v", err)
	}
}

func TestRotation_ChainContinues(t *testing.T) {
	// Records are a few hundred bytes each; force several rotations while
	// keeping every backup so the full chain remains replayable.
	log, _, path := openTestLog(t, 600, 20)

	for i := 0; i < 12; i++ {
		if _, err := log.Append(LevelInfo, "rotation probe entry with some padding text"); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected at least one rotated backup: %v", err)
	}
	if err := log.Verify(); err != nil {
		t.Fatalf("Verify across rotation failed: %v", err)
	}

	seq, _ := log.Tail()
	if seq != 12 {
		t.Errorf("expected tail sequence 12, got %d", seq)
	}
}

func TestRotation_DoesNotResetToGenesis(t *testing.T) {
	log, store, _ := openTestLog(t, 400, 20)

	var lastBeforeRotation string
	for i := 0; i < 6; i++ {
		e, err := log.Append(LevelInfo, "some entry long enough to trigger rotation soon")
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		lastBeforeRotation = e.EntryHash
	}

	e, err := log.Append(LevelInfo, "first entry after rotation boundary")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if e.PrevHash == GenesisHash() {
		t.Error("chain reset to genesis across rotation")
	}
	if e.PrevHash != lastBeforeRotation {
		t.Error("entry after rotation does not chain from previous tail")
	}

	tail, ok, err := store.Tail()
	if err != nil || !ok {
		t.Fatalf("Tail failed: ok=%v err=%v", ok, err)
	}
	if tail.EntryHash != e.EntryHash {
		t.Error("persisted tail does not match last entry")
	}
}

func TestFileStore_LockReleasedAfterRotation(t *testing.T) {
	log, _, path := openTestLog(t, 400, 20)

	for i := 0; i < 6; i++ {
		if _, err := log.Append(LevelInfo, "some entry long enough to trigger rotation soon"); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected a rotated backup: %v", err)
	}

	// Once a rotating append returns, no lock may linger on the active
	// file: an independent descriptor must be able to take it right away.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open active log file: %v", err)
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		t.Fatalf("active log file still locked after append: %v", err)
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

func TestParseLine_RoundTrip(t *testing.T) {
	log, store, _ := openTestLog(t, 0, 0)
	want, err := log.Append(LevelWarning, "message with - dashes | and pipes")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ch, done, err := store.Iter(1)
	if err != nil {
		t.Fatalf("Iter failed: %v", err)
	}
	defer done()
	var got []Entry
	for e := range ch {
		got = append(got, e)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.Sequence != want.Sequence || e.Level != want.Level ||
		e.Message != want.Message || e.PrevHash != want.PrevHash || e.EntryHash != want.EntryHash {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", e, want)
	}
	if !e.Timestamp.Equal(want.Timestamp) {
		t.Errorf("timestamp mismatch: got %v want %v", e.Timestamp, want.Timestamp)
	}
}
