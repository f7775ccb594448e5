package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

var ErrTransactionFinished = errors.New("transaction already finished")

var _ iface.TransactionManager = new(Manager)
var _ iface.Transaction = new(Transaction)

// Manager starts transactions and reports their outcome to the capture buffer.
type Manager struct {
	ids    *atomic.Int64
	active *atomic.Int64
	buffer *cdc.Buffer
	lookup cdc.ConsumerLookup
	log    *logrus.Entry
}

func NewManager(buffer *cdc.Buffer, lookup cdc.ConsumerLookup) *Manager {
	return &Manager{
		ids:    atomic.NewInt64(0),
		active: atomic.NewInt64(0),
		buffer: buffer,
		lookup: lookup,
		log:    logging.Component("txn"),
	}
}

func (m *Manager) StartTransaction(origin string, capture bool) (iface.Transaction, error) {
	m.active.Inc()
	return &Transaction{
		id:         shared.TransactionId(m.ids.Inc()),
		origin:     origin,
		capture:    capture,
		manager:    m,
		statements: atomic.NewInt64(0),
		finished:   atomic.NewBool(false),
	}, nil
}

// Active returns the number of started and not yet finished transactions.
func (m *Manager) Active() int64 {
	return m.active.Load()
}

type participantEntry struct {
	key         string
	participant iface.Participant
}

type Transaction struct {
	id         shared.TransactionId
	origin     string
	capture    bool
	manager    *Manager
	statements *atomic.Int64
	finished   *atomic.Bool

	mu              sync.Mutex
	participants    []participantEntry
	commitTimestamp time.Time
}

func (t *Transaction) Id() shared.TransactionId {
	return t.id
}

func (t *Transaction) Origin() string {
	return t.origin
}

func (t *Transaction) NextStatementId() shared.StatementId {
	return shared.StatementId(t.statements.Inc())
}

func (t *Transaction) Participant(key string, open func() (iface.Participant, error)) (iface.Participant, error) {
	if t.finished.Load() {
		return nil, ErrTransactionFinished
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.participants {
		if e.key == key {
			return e.participant, nil
		}
	}
	p, err := open()
	if err != nil {
		return nil, err
	}
	t.participants = append(t.participants, participantEntry{key: key, participant: p})
	return p, nil
}

// Commit commits the participants in enlistment order. When one of them fails the
// remaining ones are rolled back and the captured changes are discarded.
func (t *Transaction) Commit() error {
	if !t.finished.CompareAndSwap(false, true) {
		return ErrTransactionFinished
	}
	defer t.manager.active.Dec()
	l := t.manager.log.WithFields(logrus.Fields{"tx": t.id, "origin": t.origin})

	t.mu.Lock()
	for i, e := range t.participants {
		if err := e.participant.Commit(); err != nil {
			if i > 0 {
				l.Errorln("participant", e.key, "failed after", i, "participants committed")
			}
			for _, rest := range t.participants[i+1:] {
				if rerr := rest.participant.Rollback(); rerr != nil {
					l.Errorln("rollback participant", rest.key, "failed:", rerr)
				}
			}
			t.mu.Unlock()
			t.manager.buffer.Discard(t.id)
			return fmt.Errorf("commit participant %s: %w", e.key, err)
		}
	}
	ts := time.Now()
	t.commitTimestamp = ts
	t.mu.Unlock()

	if !t.capture {
		t.manager.buffer.Discard(t.id)
		return nil
	}
	if err := t.manager.buffer.SealAndHandoff(t.id, ts, t.manager.lookup); err != nil {
		l.Errorln("handoff of captured changes failed:", err)
		return fmt.Errorf("handoff captured changes: %w", err)
	}
	return nil
}

func (t *Transaction) Rollback() error {
	if !t.finished.CompareAndSwap(false, true) {
		return ErrTransactionFinished
	}
	defer t.manager.active.Dec()

	t.mu.Lock()
	var errs []error
	for _, e := range t.participants {
		if err := e.participant.Rollback(); err != nil {
			errs = append(errs, fmt.Errorf("rollback participant %s: %w", e.key, err))
		}
	}
	t.mu.Unlock()

	t.manager.buffer.Discard(t.id)
	return errors.Join(errs...)
}

// CommitTimestamp returns the time the participants committed, zero before commit.
func (t *Transaction) CommitTimestamp() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitTimestamp
}
