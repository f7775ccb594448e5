package iface

import (
	"time"

	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

// Participant is an adapter-local unit of work enlisted in a Transaction.
type Participant interface {
	Commit() error
	Rollback() error
}

type Transaction interface {
	Id() shared.TransactionId
	Origin() string
	NextStatementId() shared.StatementId
	// Participant returns the participant enlisted under key, opening and enlisting it
	// on first use.
	Participant(key string, open func() (Participant, error)) (Participant, error)
	Commit() error
	Rollback() error
	CommitTimestamp() time.Time
}

type TransactionManager interface {
	// StartTransaction opens a transaction. Writes of a transaction started with
	// capture=false are never handed to the replication engines.
	StartTransaction(origin string, capture bool) (Transaction, error)
}
