package chainlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// fileStore implements Store on top of plain text files with append-only
// semantics and size-based rotation.
//
// Record format, one per line in <path>:
//
//	<RFC3339Nano ts> - <LEVEL> - <message> | PrevHash: <hex> | Seq: <n> | Hash: <hex>
//
// The chained digest covers `<hex-prev> || <message> | PrevHash: <hex-prev>`,
// so the artifact can be re-verified externally from the genesis constant
// alone. Rotation renames <path> to <path>.1 (older backups shift up, the
// oldest beyond backupCount is dropped); the tail sidecar <path>.state
// carries the chain tip across the boundary so the chain never resets to
// genesis.
type fileStore struct {
	mu          sync.RWMutex
	path        string
	file        *os.File
	maxBytes    int64
	backupCount int
}

const (
	seqDelim  = " | Seq: "
	hashDelim = " | Hash: "
)

// OpenFileStore opens or creates a text-based store at path. maxBytes <= 0
// disables rotation; backupCount below 1 is clamped to 1.
func OpenFileStore(path string, maxBytes int64, backupCount int) (Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	if backupCount < 1 {
		backupCount = 1
	}
	return &fileStore{path: path, file: f, maxBytes: maxBytes, backupCount: backupCount}, nil
}

func (s *fileStore) Append(e Entry, tail TailState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := formatLine(e)

	if err := syscall.Flock(int(s.file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock log file: %w", err)
	}
	// Rotation swaps s.file, so the fd must be re-read at unlock time.
	defer func() { _ = syscall.Flock(int(s.file.Fd()), syscall.LOCK_UN) }()

	if s.maxBytes > 0 {
		info, err := s.file.Stat()
		if err != nil {
			return fmt.Errorf("stat log file: %w", err)
		}
		if info.Size() > 0 && info.Size()+int64(len(line))+1 > s.maxBytes {
			if err := s.rotateLocked(); err != nil {
				return fmt.Errorf("rotate log file: %w", err)
			}
		}
	}

	if _, err := s.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}

	return s.writeTailLocked(tail)
}

// rotateLocked shifts <path>.i to <path>.i+1, the current file to <path>.1,
// and starts a fresh file. The caller holds the write lock.
func (s *fileStore) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close before rotate: %w", err)
	}

	oldest := backupName(s.path, s.backupCount)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove oldest backup: %w", err)
	}
	for i := s.backupCount - 1; i >= 1; i-- {
		src := backupName(s.path, i)
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.Rename(src, backupName(s.path, i+1)); err != nil {
			return fmt.Errorf("shift backup %d: %w", i, err)
		}
	}
	if err := os.Rename(s.path, backupName(s.path, 1)); err != nil {
		return fmt.Errorf("archive current file: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open fresh log file: %w", err)
	}
	// The old file's lock died with its close; the write that triggered the
	// rotation still has to land under a lock on the fresh file.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return fmt.Errorf("lock fresh log file: %w", err)
	}
	s.file = f
	return nil
}

func backupName(path string, i int) string {
	return path + "." + strconv.Itoa(i)
}

func (s *fileStore) statePath() string { return s.path + ".state" }

type tailRecord struct {
	Sequence  uint64 `json:"sequence"`
	EntryHash string `json:"entry_hash"`
}

// writeTailLocked persists the tail atomically via rename.
func (s *fileStore) writeTailLocked(tail TailState) error {
	data, err := json.Marshal(tailRecord{Sequence: tail.Sequence, EntryHash: tail.EntryHash})
	if err != nil {
		return fmt.Errorf("marshal tail: %w", err)
	}
	tmp := s.statePath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open tail temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write tail: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync tail: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tail: %w", err)
	}
	if err := os.Rename(tmp, s.statePath()); err != nil {
		return fmt.Errorf("replace tail file: %w", err)
	}
	return nil
}

func (s *fileStore) Tail() (TailState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return TailState{}, false, nil
	}
	if err != nil {
		return TailState{}, false, fmt.Errorf("read tail file: %w", err)
	}
	var rec tailRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TailState{}, false, fmt.Errorf("parse tail file: %w", err)
	}
	return TailState{Sequence: rec.Sequence, EntryHash: rec.EntryHash}, true, nil
}

// Iter streams entries in ascending sequence order across all retained
// artifacts, oldest backup first.
func (s *fileStore) Iter(startSeq uint64) (<-chan Entry, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for i := s.backupCount; i >= 1; i-- {
		p := backupName(s.path, i)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	paths = append(paths, s.path)

	out := make(chan Entry, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for _, p := range paths {
			if !streamFile(p, startSeq, out, done) {
				return
			}
		}
	}()

	cleanup := func() error {
		close(done)
		return nil
	}
	return out, cleanup, nil
}

// streamFile sends parsed entries from one artifact; returns false when the
// consumer cancelled or the file could not be read.
func streamFile(path string, startSeq uint64, out chan<- Entry, done <-chan struct{}) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			continue
		}
		if e.Sequence < startSeq {
			continue
		}
		select {
		case <-done:
			return false
		case out <- e:
		}
	}
	return true
}

func formatLine(e Entry) string {
	return fmt.Sprintf("%s - %s - %s%s%d%s%s",
		e.Timestamp.Format(time.RFC3339Nano), e.Level,
		Rendered(e.Message, e.PrevHash),
		seqDelim, e.Sequence,
		hashDelim, e.EntryHash)
}

// ParseLine decodes one persisted record back into an Entry.
func ParseLine(line string) (Entry, error) {
	var e Entry

	i := strings.LastIndex(line, hashDelim)
	if i < 0 {
		return e, fmt.Errorf("missing hash field")
	}
	e.EntryHash = line[i+len(hashDelim):]
	line = line[:i]

	i = strings.LastIndex(line, seqDelim)
	if i < 0 {
		return e, fmt.Errorf("missing sequence field")
	}
	seq, err := strconv.ParseUint(line[i+len(seqDelim):], 10, 64)
	if err != nil {
		return e, fmt.Errorf("parse sequence: %w", err)
	}
	e.Sequence = seq
	line = line[:i]

	i = strings.LastIndex(line, prevHashDelim)
	if i < 0 {
		return e, fmt.Errorf("missing previous hash field")
	}
	e.PrevHash = line[i+len(prevHashDelim):]
	line = line[:i]

	parts := strings.SplitN(line, " - ", 3)
	if len(parts) != 3 {
		return e, fmt.Errorf("malformed record prefix")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return e, fmt.Errorf("parse timestamp: %w", err)
	}
	e.Timestamp = ts
	e.Level = Level(parts[1])
	e.Message = parts[2]
	return e, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}
