package chainlog

// TailState is the durable record of the chain tip. Stores persist it on
// every append so the chain survives process restarts and file rotation
// without resetting to genesis.
type TailState struct {
	Sequence  uint64
	EntryHash string
}

// Store abstracts durable persistence for the chain log.
//
// Append must be atomic: either the entry and the updated tail are both
// durable, or neither is. Iter streams entries in ascending sequence order
// starting at startSeq; the returned func releases the iteration.
type Store interface {
	Append(e Entry, tail TailState) error
	Iter(startSeq uint64) (<-chan Entry, func() error, error)
	Tail() (TailState, bool, error)
	Close() error
}
