package chainlog

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Level classifies a log entry. The set mirrors the usual syslog-ish trio;
// anything else is accepted but rendered verbatim.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Entry is a single committed record in the hash chain. Once appended it is
// never modified; EntryHash commits to PrevHash and the rendered message, so
// any retroactive edit breaks the chain from that point forward.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	Level     Level
	Message   string
	PrevHash  string // hex digest of the prior entry (genesis digest for the first)
	EntryHash string // hex(SHA-256(PrevHash || rendered message))
}

const genesisLiteral = "GENESIS"

// GenesisHash is the fixed digest the first entry chains from:
// the hex SHA-256 of the literal "GENESIS".
func GenesisHash() string {
	sum := sha256.Sum256([]byte(genesisLiteral))
	return hex.EncodeToString(sum[:])
}

// Rendered returns the message as it is committed and persisted, with the
// previous hash embedded in a delimited field so external tooling can replay
// the chain from the raw log artifact alone.
func Rendered(message, prevHash string) string {
	return message + prevHashDelim + prevHash
}

const prevHashDelim = " | PrevHash: "

// computeEntryHash derives the chain digest for one entry.
func computeEntryHash(prevHash, rendered string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(rendered))
	return hex.EncodeToString(h.Sum(nil))
}
