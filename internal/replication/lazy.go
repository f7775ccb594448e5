package replication

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

var (
	ErrEngineClosed       = errors.New("lazy replication engine closed")
	ErrNoPrimaryPlacement = errors.New("no primary placement")
	ErrNoLazyPlacement    = errors.New("no lazy placement")
)

type LazyConfig struct {
	Workers       int
	FailThreshold int
	RetryBackoff  time.Duration
	Automatic     bool
}

func DefaultLazyConfig() LazyConfig {
	return LazyConfig{
		Workers:       4,
		FailThreshold: 3,
		RetryBackoff:  500 * time.Millisecond,
		Automatic:     true,
	}
}

type queueState int

const (
	queueIdle queueState = iota
	queueReady
	queueRunning
	queueBackoff
)

type queueEntry struct {
	dataId        int64
	replicationId int64
}

// placementQueue is the FIFO of one partition placement. A running queue is owned by
// exactly one worker or manual re-sync.
type placementQueue struct {
	entries []queueEntry
	state   queueState
}

var _ Engine = new(LazyEngine)

// LazyEngine applies replication units asynchronously. Every partition placement has its
// own FIFO so that changes reach a placement in commit order while different placements
// progress in parallel.
type LazyEngine struct {
	*BaseEngine

	config      LazyConfig
	txManager   iface.TransactionManager
	replicators ReplicatorSource
	journal     iface.Wal

	sync.Mutex
	cond       *sync.Cond
	units      map[int64]*ReplicationUnit
	queues     map[shared.PlacementKey]*placementQueue
	ready      []shared.PlacementKey
	failCounts map[int64]int
	automatic  bool
	started    bool
	closed     bool
	wg         sync.WaitGroup
}

// NewLazyEngine creates the engine. journal may be nil when queued units need not
// survive a restart.
func NewLazyEngine(config LazyConfig, catalog iface.Catalog, txManager iface.TransactionManager, replicators ReplicatorSource, journal iface.Wal) *LazyEngine {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.FailThreshold <= 0 {
		config.FailThreshold = 1
	}
	e := &LazyEngine{
		config:      config,
		txManager:   txManager,
		replicators: replicators,
		journal:     journal,
		units:       make(map[int64]*ReplicationUnit),
		queues:      make(map[shared.PlacementKey]*placementQueue),
		failCounts:  make(map[int64]int),
		automatic:   config.Automatic,
	}
	e.cond = sync.NewCond(&e.Mutex)
	e.BaseEngine = NewBaseEngine(shared.StrategyLazy, catalog, e)
	return e
}

func (e *LazyEngine) Start() {
	e.Lock()
	defer e.Unlock()

	if e.started || e.closed {
		return
	}
	e.started = true
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.log.Infoln("lazy replication started with", e.config.Workers, "workers, automatic:", e.automatic)
}

func (e *LazyEngine) Close() error {
	e.Lock()
	if e.closed {
		e.Unlock()
		return nil
	}
	e.closed = true
	e.cond.Broadcast()
	e.Unlock()

	e.wg.Wait()
	return nil
}

func (e *LazyEngine) QueueReplicationData(units []*ReplicationUnit) {
	e.Lock()
	defer e.Unlock()

	if e.closed {
		e.log.Errorln("engine closed, dropping", len(units), "replication units")
		return
	}
	for _, unit := range units {
		if e.dropStaleTargets(unit) == 0 {
			continue
		}
		e.units[unit.ReplicationDataId()] = unit
		e.journalQueued(unit)
		e.enqueueUnit(unit)
		e.log.WithFields(logrus.Fields{
			"tx":                  unit.ParentTransactionId(),
			"table":               unit.TableId(),
			"replication_data_id": unit.ReplicationDataId(),
		}).Debugln("queued", unit.Operation(), "for", len(unit.DependentReplicationIds()), "targets")
	}
	e.cond.Broadcast()
}

// dropStaleTargets removes the targets whose placement was marked infinitely outdated
// after the unit was transformed and returns how many remain. Called with the lock held.
func (e *LazyEngine) dropStaleTargets(unit *ReplicationUnit) int {
	targets := unit.DependentReplicationIds()
	remaining := len(targets)
	for rid, key := range targets {
		pp, err := e.catalog.PartitionPlacement(key)
		if err != nil || pp.State != shared.StateInfinitelyOutdated {
			continue
		}
		remaining = unit.RemoveTarget(rid)
		e.log.WithFields(logrus.Fields{
			"placement":           key.String(),
			"replication_data_id": unit.ReplicationDataId(),
		}).Debugln("drop target on infinitely outdated placement")
	}
	return remaining
}

func (e *LazyEngine) enqueueUnit(unit *ReplicationUnit) {
	targets := unit.DependentReplicationIds()
	for _, rid := range slices.Sorted(maps.Keys(targets)) {
		key := targets[rid]
		q := e.queues[key]
		if q == nil {
			q = &placementQueue{}
			e.queues[key] = q
		}
		q.entries = append(q.entries, queueEntry{dataId: unit.ReplicationDataId(), replicationId: rid})
		if q.state == queueIdle {
			e.makeReady(key, q)
		}
		e.setPlacementState(key, shared.StateUpToDate, shared.StateOutdated)
	}
}

// SetAutomatic pauses or resumes background delivery. Queued work is kept while paused.
func (e *LazyEngine) SetAutomatic(enabled bool) {
	e.Lock()
	defer e.Unlock()

	if e.automatic != enabled {
		e.automatic = enabled
		e.log.Infoln("automatic lazy replication enabled:", enabled)
	}
	e.cond.Broadcast()
}

func (e *LazyEngine) Automatic() bool {
	e.Lock()
	defer e.Unlock()
	return e.automatic
}

// PendingReplications returns the number of queued changes for a partition placement.
func (e *LazyEngine) PendingReplications(adapter shared.AdapterId, partition shared.PartitionId) int {
	e.Lock()
	defer e.Unlock()

	q := e.queues[shared.PlacementKey{PartitionId: partition, AdapterId: adapter}]
	if q == nil {
		return 0
	}
	return len(q.entries)
}

type PlacementQueueStatus struct {
	PartitionId shared.PartitionId `json:"partition_id"`
	AdapterId   shared.AdapterId   `json:"adapter_id"`
	Pending     int                `json:"pending"`
	Failures    int                `json:"failures"`
	Running     bool               `json:"running"`
}

type LazyStatus struct {
	CaptureEnabled bool                   `json:"capture_enabled"`
	Automatic      bool                   `json:"automatic"`
	Workers        int                    `json:"workers"`
	Units          int                    `json:"units"`
	Queues         []PlacementQueueStatus `json:"queues"`
}

func (e *LazyEngine) Status() LazyStatus {
	e.Lock()
	defer e.Unlock()

	status := LazyStatus{
		CaptureEnabled: e.CaptureEnabled(),
		Automatic:      e.automatic,
		Workers:        e.config.Workers,
		Units:          len(e.units),
	}
	for key, q := range e.queues {
		s := PlacementQueueStatus{
			PartitionId: key.PartitionId,
			AdapterId:   key.AdapterId,
			Pending:     len(q.entries),
			Running:     q.state == queueRunning,
		}
		if len(q.entries) > 0 {
			s.Failures = e.failCounts[q.entries[0].replicationId]
		}
		status.Queues = append(status.Queues, s)
	}
	slices.SortFunc(status.Queues, func(a, b PlacementQueueStatus) int {
		if a.AdapterId != b.AdapterId {
			return cmp.Compare(a.AdapterId, b.AdapterId)
		}
		return cmp.Compare(a.PartitionId, b.PartitionId)
	})
	return status
}

func (e *LazyEngine) makeReady(key shared.PlacementKey, q *placementQueue) {
	q.state = queueReady
	e.ready = append(e.ready, key)
}

// acquire takes ownership of the queue of key, waiting for a running owner to finish.
// Called with the lock held.
func (e *LazyEngine) acquire(key shared.PlacementKey) *placementQueue {
	for {
		q := e.queues[key]
		if q == nil {
			q = &placementQueue{}
			e.queues[key] = q
		}
		if q.state != queueRunning {
			q.state = queueRunning
			return q
		}
		e.cond.Wait()
	}
}

// release gives up ownership of the queue of key. Called with the lock held.
func (e *LazyEngine) release(key shared.PlacementKey, q *placementQueue) {
	if len(q.entries) == 0 {
		delete(e.queues, key)
		e.setPlacementState(key, shared.StateOutdated, shared.StateUpToDate)
	} else {
		e.makeReady(key, q)
	}
	e.cond.Broadcast()
}

func (e *LazyEngine) setPlacementState(key shared.PlacementKey, expect, update shared.PlacementState) bool {
	ok, err := e.catalog.CompareAndSetPlacementState(key, expect, update)
	if err != nil {
		e.log.WithField("placement", key.String()).Warnln("update placement state failed:", err)
		return false
	}
	return ok
}

// dropTarget removes one target from its unit and forgets the unit once it has no
// target left. Called with the lock held.
func (e *LazyEngine) dropTarget(entry queueEntry) {
	delete(e.failCounts, entry.replicationId)
	if unit := e.units[entry.dataId]; unit != nil && unit.RemoveTarget(entry.replicationId) == 0 {
		delete(e.units, entry.dataId)
	}
	e.journalDone(entry.replicationId)
	if len(e.units) == 0 {
		e.compactJournal()
	}
}
