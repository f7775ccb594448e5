package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-replicator/internal/adapter"
	"github.com/meidoworks/nekoq-replicator/internal/catalog"
	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/replication"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/internal/txn"
)

func ordersTable() *shared.Table {
	return &shared.Table{
		Id:         1,
		Name:       "orders",
		Columns:    []string{"id", "status", "region"},
		PrimaryKey: []string{"id"},
		Partitions: []shared.PartitionId{7},
	}
}

func openStore(t *testing.T, id shared.AdapterId) *SQLStore {
	s, err := Open(id, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.EnsurePartition(context.Background(), ordersTable(), 7))
	return s
}

func newManager() *txn.Manager {
	return txn.NewManager(cdc.NewBuffer(), func(shared.ReplicationStrategy) (cdc.Consumer, error) {
		return nil, nil
	})
}

func execute(t *testing.T, s *SQLStore, tx iface.Transaction, m *shared.Modification) int64 {
	plan, err := adapter.BuildStatement(s, ordersTable(), shared.PlacementKey{PartitionId: 7, AdapterId: s.Id()}, m)
	require.NoError(t, err)
	n, err := s.Execute(context.Background(), tx, plan)
	require.NoError(t, err)
	return n
}

var insertOrder = &shared.Modification{
	TableId:              1,
	Operation:            shared.OperationInsert,
	InsertColumnList:     []string{"id", "status", "region"},
	InsertExpressionList: []shared.Expression{shared.Param(0), shared.Param(1), shared.Literal("eu")},
	ParameterValues:      []shared.ParameterBatch{{0: 1, 1: "open"}, {0: 2, 1: "open"}},
}

func TestStatementsInsideTransaction(t *testing.T) {
	s := openStore(t, 1)
	m := newManager()
	ctx := context.Background()

	tx, _ := m.StartTransaction("test", false)
	assert.Equal(t, int64(2), execute(t, s, tx, insertOrder))
	assert.Equal(t, int64(1), execute(t, s, tx, &shared.Modification{
		TableId:              1,
		Operation:            shared.OperationUpdate,
		UpdateColumnList:     []string{"status"},
		SourceExpressionList: []shared.Expression{shared.Literal("shipped")},
		ConditionList:        []shared.Condition{{Column: "id", Value: shared.Param(0)}},
		ParameterValues:      []shared.ParameterBatch{{0: 2}},
	}))
	require.NoError(t, tx.Commit())

	rows, err := s.ScanPartition(ctx, ordersTable(), 7)
	require.NoError(t, err)
	assert.Equal(t, []shared.Row{
		{"id": int64(1), "status": "open", "region": "eu"},
		{"id": int64(2), "status": "shipped", "region": "eu"},
	}, rows)

	tx, _ = m.StartTransaction("test", false)
	assert.Equal(t, int64(1), execute(t, s, tx, &shared.Modification{
		TableId:       1,
		Operation:     shared.OperationDelete,
		ConditionList: []shared.Condition{{Column: "id", Value: shared.Literal(1)}},
	}))
	require.NoError(t, tx.Rollback())

	rows, err = s.ScanPartition(ctx, ordersTable(), 7)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestInsertIsIdempotent(t *testing.T) {
	s := openStore(t, 1)
	m := newManager()
	for i := 0; i < 2; i++ {
		tx, _ := m.StartTransaction("test", false)
		execute(t, s, tx, insertOrder)
		require.NoError(t, tx.Commit())
	}
	rows, err := s.ScanPartition(context.Background(), ordersTable(), 7)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestReplacePartition(t *testing.T) {
	s := openStore(t, 1)
	m := newManager()
	tx, _ := m.StartTransaction("test", false)
	execute(t, s, tx, insertOrder)
	require.NoError(t, tx.Commit())

	replacement := []shared.Row{{"id": int64(9), "status": "new", "region": "us"}}
	tx, _ = m.StartTransaction("test", false)
	require.NoError(t, s.ReplacePartition(context.Background(), tx, ordersTable(), shared.PlacementKey{PartitionId: 7, AdapterId: 1}, replacement))
	require.NoError(t, tx.Commit())

	rows, err := s.ScanPartition(context.Background(), ordersTable(), 7)
	require.NoError(t, err)
	assert.Equal(t, replacement, rows)
}

func TestExecuteRejectsForeignPlan(t *testing.T) {
	s1 := openStore(t, 1)
	s2 := openStore(t, 2)
	plan, err := s2.BuildDeleteStatement(ordersTable(), shared.PlacementKey{PartitionId: 7, AdapterId: 2}, &shared.Modification{TableId: 1, Operation: shared.OperationDelete})
	require.NoError(t, err)
	tx, _ := newManager().StartTransaction("test", false)
	_, err = s1.Execute(context.Background(), tx, plan)
	assert.ErrorIs(t, err, adapter.ErrPlanMismatch)
	_ = tx.Rollback()
}

func TestReplicateDataThroughRegistry(t *testing.T) {
	c := catalog.NewMemCatalog(nil)
	require.NoError(t, c.AddAdapter(shared.Adapter{Id: 1}))
	require.NoError(t, c.AddAdapter(shared.Adapter{Id: 2}))
	require.NoError(t, c.AddTable(ordersTable()))
	require.NoError(t, c.AddDataPlacement(shared.DataPlacement{TableId: 1, AdapterId: 1, Strategy: shared.StrategyEager, Partitions: []shared.PartitionId{7}}))
	require.NoError(t, c.AddDataPlacement(shared.DataPlacement{TableId: 1, AdapterId: 2, Strategy: shared.StrategyLazy, Partitions: []shared.PartitionId{7}}))

	registry := adapter.NewRegistry(c)
	secondary := openStore(t, 2)
	require.NoError(t, registry.Register(secondary))
	assert.Error(t, registry.Register(secondary))

	engine := replication.NewBaseEngine(shared.StrategyLazy, c, nil)
	unit, err := engine.Transform(cdc.NewCaptureRecord(1, 1, insertOrder, []shared.PartitionId{7}), time.Now())
	require.NoError(t, err)
	require.NotNil(t, unit)

	replicator, err := registry.Replicator(2)
	require.NoError(t, err)
	_, err = registry.Replicator(3)
	assert.ErrorIs(t, err, adapter.ErrUnknownAdapter)

	tx, _ := newManager().StartTransaction("replicator", false)
	for rid := range unit.DependentReplicationIds() {
		n, err := replicator.ReplicateData(context.Background(), tx, unit, rid)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	}
	_, err = replicator.ReplicateData(context.Background(), tx, unit, 999)
	assert.ErrorIs(t, err, adapter.ErrUnknownTarget)
	require.NoError(t, tx.Commit())

	rows, err := secondary.ScanPartition(context.Background(), ordersTable(), 7)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
