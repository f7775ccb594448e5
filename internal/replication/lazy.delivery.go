package replication

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

const replicatorOrigin = "Data Replicator"

func (e *LazyEngine) worker() {
	defer e.wg.Done()
	for {
		key, entry, unit, ok := e.next()
		if !ok {
			return
		}
		var modifications int64
		var err error
		if unit != nil {
			modifications, err = e.deliver(context.Background(), key, unit, entry.replicationId)
		} else {
			e.log.WithField("replication_id", entry.replicationId).Errorln("queued replication without unit, skipping")
		}
		e.finish(key, entry, modifications, err)
	}
}

// next blocks until a placement is ready for automatic delivery and takes ownership of
// its queue.
func (e *LazyEngine) next() (shared.PlacementKey, queueEntry, *ReplicationUnit, bool) {
	e.Lock()
	defer e.Unlock()

	for {
		if e.closed {
			return shared.PlacementKey{}, queueEntry{}, nil, false
		}
		if e.automatic && len(e.ready) > 0 {
			key := e.ready[0]
			e.ready = e.ready[1:]
			q := e.queues[key]
			if q == nil || q.state != queueReady {
				continue
			}
			if len(q.entries) == 0 {
				q.state = queueRunning
				e.release(key, q)
				continue
			}
			q.state = queueRunning
			entry := q.entries[0]
			return key, entry, e.units[entry.dataId], true
		}
		e.cond.Wait()
	}
}

// deliver applies one target in a fresh transaction and records the update information
// of the placement.
func (e *LazyEngine) deliver(ctx context.Context, key shared.PlacementKey, unit *ReplicationUnit, replicationId int64) (int64, error) {
	replicator, err := e.replicators.Replicator(key.AdapterId)
	if err != nil {
		return 0, err
	}
	tx, err := e.txManager.StartTransaction(replicatorOrigin, false)
	if err != nil {
		return 0, err
	}
	modifications, err := replicator.ReplicateData(ctx, tx, unit, replicationId)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			e.log.Errorln("rollback replication transaction failed:", rerr)
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := e.catalog.UpdatePartitionPlacementProperties(key, shared.UpdateInformation{
		TxId:            unit.ParentTransactionId(),
		CommitTimestamp: unit.CommitTimestamp(),
		UpdateTimestamp: tx.CommitTimestamp(),
		ReplicationId:   replicationId,
		Modifications:   modifications,
	}); err != nil {
		e.log.WithField("placement", key.String()).Warnln("record update information failed:", err)
	}
	return modifications, nil
}

func (e *LazyEngine) finish(key shared.PlacementKey, entry queueEntry, modifications int64, err error) {
	e.Lock()
	defer e.Unlock()

	q := e.queues[key]
	l := e.log.WithFields(logrus.Fields{
		"placement":           key.String(),
		"replication_id":      entry.replicationId,
		"replication_data_id": entry.dataId,
	})
	if err == nil {
		q.entries = q.entries[1:]
		e.dropTarget(entry)
		l.Debugln("replicated", modifications, "modifications")
		e.release(key, q)
		return
	}

	e.failCounts[entry.replicationId]++
	fails := e.failCounts[entry.replicationId]
	if fails < e.config.FailThreshold {
		l.Warnln("replication failed", fails, "of", e.config.FailThreshold, "times, retrying:", err)
		if e.closed {
			e.release(key, q)
			return
		}
		q.state = queueBackoff
		time.AfterFunc(e.config.RetryBackoff, func() {
			e.retry(key)
		})
		e.cond.Broadcast()
		return
	}

	l.Errorln("replication failed", fails, "times, marking placement infinitely outdated:", err)
	e.markStale(key, q)
	e.release(key, q)
}

func (e *LazyEngine) retry(key shared.PlacementKey) {
	e.Lock()
	defer e.Unlock()

	if q := e.queues[key]; q != nil && q.state == queueBackoff {
		e.makeReady(key, q)
		e.cond.Broadcast()
	}
}

// markStale drops every pending change of the placement and flags it infinitely
// outdated. Sibling targets of the dropped units are left untouched. Called with the lock
// held by the owner of q.
func (e *LazyEngine) markStale(key shared.PlacementKey, q *placementQueue) {
	for _, entry := range q.entries {
		e.dropTarget(entry)
	}
	q.entries = nil

	pp, err := e.catalog.PartitionPlacement(key)
	if err != nil {
		e.log.WithField("placement", key.String()).Errorln("load placement failed:", err)
		return
	}
	if pp.State == shared.StateInfinitelyOutdated {
		return
	}
	if !e.setPlacementState(key, pp.State, shared.StateInfinitelyOutdated) {
		e.log.WithField("placement", key.String()).Warnln("placement state changed concurrently, not marked infinitely outdated")
	}
}
