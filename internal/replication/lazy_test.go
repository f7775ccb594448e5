package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-replicator/internal/catalog"
	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/internal/txn"
	"github.com/meidoworks/nekoq-replicator/internal/wal"
)

var errUnavailable = errors.New("adapter unavailable")

type fakeReplicator struct {
	sync.Mutex
	adapter shared.AdapterId
	failing bool
	gate    chan struct{}
	onScan  func()
	applied map[shared.PlacementKey][]int64
	rows    map[shared.PartitionId][]shared.Row
}

func newFakeReplicator(adapter shared.AdapterId) *fakeReplicator {
	return &fakeReplicator{
		adapter: adapter,
		applied: make(map[shared.PlacementKey][]int64),
		rows:    make(map[shared.PartitionId][]shared.Row),
	}
}

func (f *fakeReplicator) ReplicateData(_ context.Context, _ iface.Transaction, unit *ReplicationUnit, replicationId int64) (int64, error) {
	f.Lock()
	gate := f.gate
	f.Unlock()
	if gate != nil {
		<-gate
	}

	f.Lock()
	defer f.Unlock()
	if f.failing {
		return 0, errUnavailable
	}
	key, ok := unit.Target(replicationId)
	if !ok {
		return 0, fmt.Errorf("unknown target %d", replicationId)
	}
	f.applied[key] = append(f.applied[key], replicationId)
	return 1, nil
}

func (f *fakeReplicator) ScanPartition(_ context.Context, _ *shared.Table, partition shared.PartitionId) ([]shared.Row, error) {
	f.Lock()
	onScan := f.onScan
	f.Unlock()
	if onScan != nil {
		onScan()
	}

	f.Lock()
	defer f.Unlock()
	return f.rows[partition], nil
}

func (f *fakeReplicator) ReplacePartition(_ context.Context, _ iface.Transaction, _ *shared.Table, target shared.PlacementKey, rows []shared.Row) error {
	f.Lock()
	defer f.Unlock()
	if f.failing {
		return errUnavailable
	}
	f.rows[target.PartitionId] = rows
	return nil
}

func (f *fakeReplicator) setFailing(failing bool) {
	f.Lock()
	defer f.Unlock()
	f.failing = failing
}

func (f *fakeReplicator) appliedTo(key shared.PlacementKey) []int64 {
	f.Lock()
	defer f.Unlock()
	return append([]int64(nil), f.applied[key]...)
}

type fakeSource map[shared.AdapterId]*fakeReplicator

func (s fakeSource) Replicator(adapter shared.AdapterId) (DataReplicator, error) {
	r, ok := s[adapter]
	if !ok {
		return nil, fmt.Errorf("no replicator for adapter %d", adapter)
	}
	return r, nil
}

type lazyFixture struct {
	catalog *catalog.MemCatalog
	source  fakeSource
	manager *txn.Manager
	engine  *LazyEngine
}

func newLazyFixture(t *testing.T, config LazyConfig, journal iface.Wal) *lazyFixture {
	f := &lazyFixture{
		catalog: newCatalog(t),
		source: fakeSource{
			primary: newFakeReplicator(primary),
			a2:      newFakeReplicator(a2),
			a3:      newFakeReplicator(a3),
		},
	}
	f.manager = txn.NewManager(cdc.NewBuffer(), func(shared.ReplicationStrategy) (cdc.Consumer, error) {
		return nil, errors.New("replicator transactions never hand off")
	})
	f.engine = NewLazyEngine(config, f.catalog, f.manager, f.source, journal)
	t.Cleanup(func() {
		_ = f.engine.Close()
	})
	return f
}

func (f *lazyFixture) queue(t *testing.T, records ...*cdc.CaptureRecord) []*ReplicationUnit {
	var units []*ReplicationUnit
	for _, r := range records {
		unit, err := f.engine.Transform(r, time.Now())
		require.NoError(t, err)
		require.NotNil(t, unit)
		units = append(units, unit)
	}
	f.engine.QueueReplicationData(units)
	return units
}

func (f *lazyFixture) state(t *testing.T, key shared.PlacementKey) shared.PlacementState {
	pp, err := f.catalog.PartitionPlacement(key)
	require.NoError(t, err)
	return pp.State
}

func fastConfig() LazyConfig {
	return LazyConfig{Workers: 2, FailThreshold: 2, RetryBackoff: 10 * time.Millisecond, Automatic: true}
}

var (
	p7a2 = shared.PlacementKey{PartitionId: 7, AdapterId: a2}
	p9a2 = shared.PlacementKey{PartitionId: 9, AdapterId: a2}
	p7a3 = shared.PlacementKey{PartitionId: 7, AdapterId: a3}
)

func TestLazyDeliversToEveryTarget(t *testing.T) {
	f := newLazyFixture(t, fastConfig(), nil)
	f.engine.Start()
	units := f.queue(t, updateOrders(5, 1, 7, 9))
	require.Len(t, units[0].DependentReplicationIds(), 3)

	require.Eventually(t, func() bool {
		return units[0].Delivered() && f.engine.Status().Units == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, f.source[a2].appliedTo(p7a2), 1)
	assert.Len(t, f.source[a2].appliedTo(p9a2), 1)
	assert.Len(t, f.source[a3].appliedTo(p7a3), 1)

	require.Eventually(t, func() bool {
		return f.state(t, p7a3) == shared.StateUpToDate
	}, time.Second, 5*time.Millisecond)
	pp, err := f.catalog.PartitionPlacement(p7a2)
	require.NoError(t, err)
	assert.Equal(t, shared.TransactionId(5), pp.UpdateInformation.TxId)
	assert.Equal(t, units[0].CommitTimestamp(), pp.UpdateInformation.CommitTimestamp)
	assert.Equal(t, int64(1), pp.UpdateInformation.Modifications)
	assert.False(t, pp.UpdateInformation.UpdateTimestamp.IsZero())
}

func TestLazyKeepsPlacementOrder(t *testing.T) {
	f := newLazyFixture(t, LazyConfig{Workers: 4, FailThreshold: 3, RetryBackoff: time.Millisecond, Automatic: true}, nil)
	f.engine.Start()
	var units []*ReplicationUnit
	for tx := shared.TransactionId(1); tx <= 10; tx++ {
		units = append(units, f.queue(t, updateOrders(tx, 1, 7), updateOrders(tx, 2, 7))...)
	}
	require.Eventually(t, func() bool {
		return f.engine.Status().Units == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, units, 20)
	applied := f.source[a2].appliedTo(p7a2)
	require.Len(t, applied, 20)
	for i := 1; i < len(applied); i++ {
		assert.Less(t, applied[i-1], applied[i])
	}
}

func TestLazyFailedTargetDoesNotAffectSibling(t *testing.T) {
	f := newLazyFixture(t, fastConfig(), nil)
	gate := make(chan struct{})
	f.source[a2].gate = gate
	f.source[a3].setFailing(true)
	f.engine.Start()

	unit := f.queue(t, updateOrders(1, 1, 7))[0]
	require.Len(t, unit.DependentReplicationIds(), 2)

	require.Eventually(t, func() bool {
		return f.state(t, p7a3) == shared.StateInfinitelyOutdated
	}, 2*time.Second, 5*time.Millisecond)

	targets := unit.DependentReplicationIds()
	require.Len(t, targets, 1)
	for _, key := range targets {
		assert.Equal(t, p7a2, key)
	}
	assert.Equal(t, ordersTable, unit.TableId())
	assert.Equal(t, shared.OperationUpdate, unit.Operation())
	assert.Equal(t, []shared.ParameterBatch{{0: "shipped", 1: "eu"}}, unit.Modification().ParameterValues)
	assert.Equal(t, 0, f.engine.PendingReplications(a3, 7))

	close(gate)
	require.Eventually(t, func() bool {
		return unit.Delivered()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.source[a2].appliedTo(p7a2), 1)
	assert.Empty(t, f.source[a3].appliedTo(p7a3))

	// a permanently outdated placement is no longer targeted
	next := f.queue(t, updateOrders(2, 1, 7))[0]
	assert.Len(t, next.DependentReplicationIds(), 1)
}

func TestLazyRetriesBeforeGivingUp(t *testing.T) {
	f := newLazyFixture(t, LazyConfig{Workers: 1, FailThreshold: 5, RetryBackoff: 20 * time.Millisecond, Automatic: true}, nil)
	f.source[a3].setFailing(true)
	f.engine.Start()
	f.queue(t, updateOrders(1, 1, 7))

	require.Eventually(t, func() bool {
		for _, q := range f.engine.Status().Queues {
			if q.AdapterId == a3 && q.Failures >= 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	f.source[a3].setFailing(false)

	require.Eventually(t, func() bool {
		return len(f.source[a3].appliedTo(p7a3)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.state(t, p7a3) == shared.StateUpToDate
	}, time.Second, 5*time.Millisecond)
}

func TestLazyPauseAndResume(t *testing.T) {
	config := fastConfig()
	config.Automatic = false
	f := newLazyFixture(t, config, nil)
	f.engine.Start()
	f.queue(t, updateOrders(1, 1, 9))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.engine.PendingReplications(a2, 9))
	assert.Equal(t, shared.StateOutdated, f.state(t, p9a2))
	assert.False(t, f.engine.Status().Automatic)

	f.engine.SetAutomatic(true)
	assert.True(t, f.engine.Automatic())
	require.Eventually(t, func() bool {
		return f.engine.PendingReplications(a2, 9) == 0 && f.state(t, p9a2) == shared.StateUpToDate
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManualReplicateDrainsWhilePaused(t *testing.T) {
	config := fastConfig()
	config.Automatic = false
	f := newLazyFixture(t, config, nil)
	f.engine.Start()
	f.engine.SetCaptureEnabled(false)
	units := f.queue(t, updateOrders(1, 1, 7), updateOrders(1, 2, 7), updateOrders(2, 1, 9))

	require.NoError(t, f.engine.ReplicateTableOnAdapter(context.Background(), ordersTable, a2))
	assert.Len(t, f.source[a2].appliedTo(p7a2), 2)
	assert.Len(t, f.source[a2].appliedTo(p9a2), 1)
	assert.Equal(t, 0, f.engine.PendingReplications(a2, 7))
	assert.Equal(t, 2, f.engine.Status().Units)
	assert.Equal(t, shared.StateUpToDate, f.state(t, p7a2))

	require.NoError(t, f.engine.ReplicateAdapter(context.Background(), a3))
	for _, u := range units {
		assert.True(t, u.Delivered())
	}
	assert.Equal(t, 0, f.engine.Status().Units)

	err := f.engine.ReplicateTableOnAdapter(context.Background(), ordersTable, primary)
	assert.ErrorIs(t, err, ErrNoLazyPlacement)
}

func TestManualReplicateReportsFailure(t *testing.T) {
	config := fastConfig()
	config.Automatic = false
	f := newLazyFixture(t, config, nil)
	f.queue(t, updateOrders(1, 1, 9))
	f.source[a2].setFailing(true)

	err := f.engine.ReplicateTable(context.Background(), ordersTable)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 1, f.engine.PendingReplications(a2, 9))

	f.source[a2].setFailing(false)
	require.NoError(t, f.engine.ReplicateAll(context.Background()))
	assert.Equal(t, 0, f.engine.PendingReplications(a2, 9))
}

func TestManualReplicateCopiesStalePlacement(t *testing.T) {
	f := newLazyFixture(t, fastConfig(), nil)
	rows := []shared.Row{
		{"id": int64(1), "status": "open", "region": "eu"},
		{"id": int64(2), "status": "shipped", "region": "eu"},
	}
	f.source[primary].rows[7] = rows
	_, err := f.catalog.CompareAndSetPlacementState(p7a3, shared.StateUpToDate, shared.StateInfinitelyOutdated)
	require.NoError(t, err)

	require.NoError(t, f.engine.ReplicateTableOnAdapter(context.Background(), ordersTable, a3))
	f.source[a3].Lock()
	assert.Equal(t, rows, f.source[a3].rows[7])
	f.source[a3].Unlock()

	pp, err := f.catalog.PartitionPlacement(p7a3)
	require.NoError(t, err)
	assert.Equal(t, shared.StateUpToDate, pp.State)
	assert.Equal(t, int64(2), pp.UpdateInformation.Modifications)
}

func TestManualReplicateKeepsStaleOnCopyFailure(t *testing.T) {
	f := newLazyFixture(t, fastConfig(), nil)
	_, err := f.catalog.CompareAndSetPlacementState(p7a3, shared.StateUpToDate, shared.StateInfinitelyOutdated)
	require.NoError(t, err)
	f.source[a3].setFailing(true)

	assert.ErrorIs(t, f.engine.ReplicateAdapter(context.Background(), a3), errUnavailable)
	assert.Equal(t, shared.StateInfinitelyOutdated, f.state(t, p7a3))
}

func TestManualReplicateAppliesChangesCommittedDuringCopy(t *testing.T) {
	config := fastConfig()
	config.Automatic = false
	f := newLazyFixture(t, config, nil)
	f.source[primary].rows[7] = []shared.Row{{"id": int64(1), "status": "open", "region": "eu"}}
	_, err := f.catalog.CompareAndSetPlacementState(p7a3, shared.StateUpToDate, shared.StateInfinitelyOutdated)
	require.NoError(t, err)

	var concurrent map[int64]shared.PlacementKey
	f.source[primary].onScan = func() {
		units := f.queue(t, updateOrders(99, 1, 7))
		concurrent = units[0].DependentReplicationIds()
		assert.Equal(t, shared.StateOutdated, f.state(t, p7a3))
		assert.Equal(t, 1, f.engine.PendingReplications(a3, 7))
	}

	require.NoError(t, f.engine.ReplicateTableOnAdapter(context.Background(), ordersTable, a3))

	var rid int64
	for id, key := range concurrent {
		if key == p7a3 {
			rid = id
		}
	}
	require.NotZero(t, rid, "commit during copy must target the re-synced placement")
	assert.Equal(t, []int64{rid}, f.source[a3].appliedTo(p7a3))
	assert.Equal(t, 0, f.engine.PendingReplications(a3, 7))
	assert.Equal(t, shared.StateUpToDate, f.state(t, p7a3))
	assert.Equal(t, 1, f.engine.PendingReplications(a2, 7))
}

func TestManualReplicateCopyFailureDropsChangesQueuedDuringCopy(t *testing.T) {
	config := fastConfig()
	config.Automatic = false
	f := newLazyFixture(t, config, nil)
	_, err := f.catalog.CompareAndSetPlacementState(p7a3, shared.StateUpToDate, shared.StateInfinitelyOutdated)
	require.NoError(t, err)
	f.source[a3].setFailing(true)
	f.source[primary].onScan = func() {
		f.queue(t, updateOrders(99, 1, 7))
	}

	assert.ErrorIs(t, f.engine.ReplicateAdapter(context.Background(), a3), errUnavailable)
	assert.Equal(t, shared.StateInfinitelyOutdated, f.state(t, p7a3))
	assert.Equal(t, 0, f.engine.PendingReplications(a3, 7))
	assert.Equal(t, 1, f.engine.PendingReplications(a2, 7))
}

func TestQueueDropsTargetsOnPlacementsMarkedStaleAfterTransform(t *testing.T) {
	config := fastConfig()
	config.Automatic = false
	f := newLazyFixture(t, config, nil)

	mixed, err := f.engine.Transform(updateOrders(1, 1, 7), time.Now())
	require.NoError(t, err)
	require.Len(t, mixed.DependentReplicationIds(), 2)
	onlyA3, err := f.engine.Transform(updateOrders(1, 2, 7), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, onlyA3.RemoveTarget(firstTarget(t, onlyA3, p7a2)))

	_, err = f.catalog.CompareAndSetPlacementState(p7a3, shared.StateUpToDate, shared.StateInfinitelyOutdated)
	require.NoError(t, err)
	f.engine.QueueReplicationData([]*ReplicationUnit{mixed, onlyA3})

	assert.Equal(t, 0, f.engine.PendingReplications(a3, 7))
	assert.Equal(t, 1, f.engine.PendingReplications(a2, 7))
	for _, key := range mixed.DependentReplicationIds() {
		assert.Equal(t, p7a2, key)
	}
	assert.True(t, onlyA3.Delivered())
	assert.Equal(t, 1, f.engine.Status().Units)
	assert.Equal(t, shared.StateInfinitelyOutdated, f.state(t, p7a3))
}

func firstTarget(t *testing.T, unit *ReplicationUnit, key shared.PlacementKey) int64 {
	for rid, k := range unit.DependentReplicationIds() {
		if k == key {
			return rid
		}
	}
	t.Fatalf("unit %d has no target %v", unit.ReplicationDataId(), key)
	return 0
}

func TestLazyRecoversFromJournal(t *testing.T) {
	fs := afero.NewMemMapFs()
	journal := wal.NewDiskWal(fs, "/journal")
	_, err := journal.Initialize()
	require.NoError(t, err)

	config := fastConfig()
	config.Automatic = false
	f := newLazyFixture(t, config, journal)
	units := f.queue(t, updateOrders(1, 1, 7), updateOrders(1, 2, 9))
	require.NoError(t, f.engine.ReplicateAdapter(context.Background(), a3))
	require.NoError(t, f.engine.Close())
	require.NoError(t, journal.Close())

	reopened := wal.NewDiskWal(fs, "/journal")
	_, err = reopened.Initialize()
	require.NoError(t, err)
	defer func() {
		_ = reopened.Close()
	}()
	restarted := NewLazyEngine(fastConfig(), f.catalog, f.manager, f.source, reopened)
	defer func() {
		_ = restarted.Close()
	}()
	require.NoError(t, restarted.Recover())

	assert.Equal(t, 1, restarted.PendingReplications(a2, 7))
	assert.Equal(t, 1, restarted.PendingReplications(a2, 9))
	assert.Equal(t, 0, restarted.PendingReplications(a3, 7))
	assert.Equal(t, 2, restarted.Status().Units)

	next, err := restarted.Transform(updateOrders(2, 1, 9), time.Now())
	require.NoError(t, err)
	assert.Greater(t, next.ReplicationDataId(), units[1].ReplicationDataId())
	for rid := range next.DependentReplicationIds() {
		for old := range units[1].DependentReplicationIds() {
			assert.Greater(t, rid, old)
		}
	}

	restarted.Start()
	require.Eventually(t, func() bool {
		return restarted.Status().Units == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.source[a2].appliedTo(p7a2), 1)
	assert.Equal(t, shared.StateUpToDate, f.state(t, p7a2))
}

func TestRecoverWithoutJournalMarksLostPlacements(t *testing.T) {
	config := fastConfig()
	config.Automatic = false
	f := newLazyFixture(t, config, nil)
	f.queue(t, updateOrders(1, 1, 9))
	require.Equal(t, shared.StateOutdated, f.state(t, p9a2))
	require.NoError(t, f.engine.Close())

	restarted := NewLazyEngine(config, f.catalog, f.manager, f.source, nil)
	require.NoError(t, restarted.Recover())
	assert.Equal(t, shared.StateInfinitelyOutdated, f.state(t, p9a2))
	assert.Equal(t, shared.StateUpToDate, f.state(t, p7a2))
}

func TestQueueAfterCloseIsDropped(t *testing.T) {
	f := newLazyFixture(t, fastConfig(), nil)
	f.engine.Start()
	require.NoError(t, f.engine.Close())
	unit, err := f.engine.Transform(updateOrders(1, 1, 9), time.Now())
	require.NoError(t, err)
	f.engine.QueueReplicationData([]*ReplicationUnit{unit})
	assert.Equal(t, 0, f.engine.PendingReplications(a2, 9))
	assert.ErrorIs(t, f.engine.ReplicateTable(context.Background(), ordersTable), ErrEngineClosed)
}
