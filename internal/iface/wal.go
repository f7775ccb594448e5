package iface

type Wal interface {
	WriteEntry([]byte) (SequenceId, error)
	CurrentSequence() SequenceId

	Initialize() (SequenceId, error)
	Replay(f func(entry []byte) error) error
	// Reset drops every entry and starts a new term.
	Reset() error
	Close() error
}

type SequenceId struct {
	Term       int64
	Collection int64
	Seq        int64
}
