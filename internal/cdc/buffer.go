package cdc

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

// Consumer receives the sealed capture records of a committed transaction.
type Consumer interface {
	RegisterCaptureObjects(records []*CaptureRecord, commitTimestamp time.Time)
}

// ConsumerLookup resolves the consumer of a replication strategy.
type ConsumerLookup func(strategy shared.ReplicationStrategy) (Consumer, error)

type pendingCaptureSet struct {
	order   []shared.StatementId
	records map[shared.StatementId]*CaptureRecord
}

func (p *pendingCaptureSet) ordered() []*CaptureRecord {
	result := make([]*CaptureRecord, 0, len(p.order))
	for _, stmt := range p.order {
		result = append(result, p.records[stmt])
	}
	return result
}

// Buffer holds the capture records of running transactions. Different transactions
// never contend on a lock. A pending set is only touched by its own transaction.
type Buffer struct {
	pending    sync.Map // shared.TransactionId -> *pendingCaptureSet
	strategies []shared.ReplicationStrategy
	log        *logrus.Entry
}

// NewBuffer creates a buffer that hands sealed records to the consumers of strategies.
// Without strategies records go to the lazy engine only.
func NewBuffer(strategies ...shared.ReplicationStrategy) *Buffer {
	if len(strategies) == 0 {
		strategies = []shared.ReplicationStrategy{shared.StrategyLazy}
	}
	return &Buffer{
		strategies: strategies,
		log:        logging.Component("cdc"),
	}
}

// Prepare registers a record under its transaction and statement. A second preparation
// of the same pair is ignored and reported as false.
func (b *Buffer) Prepare(record *CaptureRecord) bool {
	set := b.pendingSet(record.TransactionId)
	if _, ok := set.records[record.StatementId]; ok {
		b.log.WithFields(logrus.Fields{
			"tx":   record.TransactionId,
			"stmt": record.StatementId,
		}).Warnln("capture record already prepared, ignoring")
		return false
	}
	set.records[record.StatementId] = record
	set.order = append(set.order, record.StatementId)
	return true
}

// pendingSet returns the set of tx, creating it on the first statement only.
func (b *Buffer) pendingSet(tx shared.TransactionId) *pendingCaptureSet {
	if v, ok := b.pending.Load(tx); ok {
		return v.(*pendingCaptureSet)
	}
	v, _ := b.pending.LoadOrStore(tx, &pendingCaptureSet{
		records: make(map[shared.StatementId]*CaptureRecord),
	})
	return v.(*pendingCaptureSet)
}

// Enrich appends the bound parameter batches to a prepared record. Statements that were
// never prepared are ignored.
func (b *Buffer) Enrich(dc DataContext) bool {
	v, ok := b.pending.Load(dc.TransactionId)
	if !ok {
		return false
	}
	record, ok := v.(*pendingCaptureSet).records[dc.StatementId]
	if !ok {
		return false
	}
	for _, batch := range dc.ParameterValues {
		n := make(shared.ParameterBatch, len(batch))
		for k, val := range batch {
			n[k] = val
		}
		record.Modification.ParameterValues = append(record.Modification.ParameterValues, n)
	}
	return true
}

func (b *Buffer) Discard(tx shared.TransactionId) {
	if _, ok := b.pending.LoadAndDelete(tx); ok {
		b.log.WithField("tx", tx).Debugln("discarded pending capture records")
	}
}

// SealAndHandoff removes the records of a committed transaction and passes them, in
// statement order, to the consumer of every configured strategy. Lookup failures are
// returned unchanged and leave nothing behind in the buffer.
func (b *Buffer) SealAndHandoff(tx shared.TransactionId, commitTimestamp time.Time, lookup ConsumerLookup) error {
	v, ok := b.pending.LoadAndDelete(tx)
	if !ok || len(v.(*pendingCaptureSet).order) == 0 {
		b.log.WithField("tx", tx).Debugln("no pending capture records")
		return nil
	}
	records := v.(*pendingCaptureSet).ordered()
	for _, strategy := range b.strategies {
		consumer, err := lookup(strategy)
		if err != nil {
			return err
		}
		consumer.RegisterCaptureObjects(records, commitTimestamp)
	}
	return nil
}

// Pending returns the records held for tx in statement order.
func (b *Buffer) Pending(tx shared.TransactionId) []*CaptureRecord {
	v, ok := b.pending.Load(tx)
	if !ok {
		return nil
	}
	return v.(*pendingCaptureSet).ordered()
}

// Transactions returns the number of transactions holding pending records.
func (b *Buffer) Transactions() int {
	n := 0
	b.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
