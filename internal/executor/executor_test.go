package executor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-replicator/internal/adapter"
	"github.com/meidoworks/nekoq-replicator/internal/adapter/kvstore"
	"github.com/meidoworks/nekoq-replicator/internal/adapter/sqlstore"
	"github.com/meidoworks/nekoq-replicator/internal/catalog"
	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/internal/storage"
	"github.com/meidoworks/nekoq-replicator/internal/txn"
)

type consumer struct {
	sync.Mutex
	records []*cdc.CaptureRecord
}

func (c *consumer) RegisterCaptureObjects(records []*cdc.CaptureRecord, _ time.Time) {
	c.Lock()
	defer c.Unlock()
	c.records = append(c.records, records...)
}

type fixture struct {
	catalog  *catalog.MemCatalog
	stores   *adapter.Registry
	buffer   *cdc.Buffer
	manager  *txn.Manager
	executor *Executor
	consumer *consumer
	table    *shared.Table
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		catalog:  catalog.NewMemCatalog(nil),
		buffer:   cdc.NewBuffer(),
		consumer: &consumer{},
		table: &shared.Table{
			Id:              1,
			Name:            "orders",
			Columns:         []string{"id", "status", "region"},
			PrimaryKey:      []string{"id"},
			PartitionColumn: "region",
			Partitions:      []shared.PartitionId{7, 9},
		},
	}
	require.NoError(t, f.catalog.AddAdapter(shared.Adapter{Id: 1, Family: sqlstore.Family}))
	require.NoError(t, f.catalog.AddAdapter(shared.Adapter{Id: 2, Family: kvstore.Family}))
	require.NoError(t, f.catalog.AddTable(f.table))
	require.NoError(t, f.catalog.AddDataPlacement(shared.DataPlacement{TableId: 1, AdapterId: 1, Strategy: shared.StrategyEager, Partitions: []shared.PartitionId{7, 9}}))
	require.NoError(t, f.catalog.AddDataPlacement(shared.DataPlacement{TableId: 1, AdapterId: 2, Strategy: shared.StrategyLazy, Partitions: []shared.PartitionId{7, 9}}))

	f.stores = adapter.NewRegistry(f.catalog)
	sql, err := sqlstore.Open(1, filepath.Join(t.TempDir(), "primary.db"))
	require.NoError(t, err)
	kvs, err := storage.NewDiskvStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, f.stores.Register(sql))
	require.NoError(t, f.stores.Register(kvstore.New(2, kvs)))
	t.Cleanup(func() {
		_ = f.stores.Close()
	})
	for _, p := range f.table.Partitions {
		require.NoError(t, sql.EnsurePartition(context.Background(), f.table, p))
	}

	f.manager = txn.NewManager(f.buffer, func(shared.ReplicationStrategy) (cdc.Consumer, error) {
		return f.consumer, nil
	})
	f.executor = New(f.catalog, f.stores, f.buffer)
	return f
}

func (f *fixture) partitionOf(t *testing.T, region string) shared.PartitionId {
	p, err := f.table.PartitionOf(shared.Row{"region": region})
	require.NoError(t, err)
	return p
}

var insertOrders = &shared.Modification{
	TableId:              1,
	Operation:            shared.OperationInsert,
	InsertColumnList:     []string{"id", "status", "region"},
	InsertExpressionList: []shared.Expression{shared.Param(0), shared.Literal("open"), shared.Param(1)},
}

func TestExecuteWritesPrimaryAndCaptures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, _ := f.manager.StartTransaction("client", true)

	params := []shared.ParameterBatch{{0: 1, 1: "eu"}, {0: 2, 1: "us"}}
	n, err := f.executor.Execute(ctx, tx, insertOrders, params)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending := f.buffer.Pending(tx.Id())
	require.Len(t, pending, 1)
	assert.Equal(t, params, pending[0].Modification.ParameterValues)
	assert.Nil(t, insertOrders.ParameterValues)

	require.NoError(t, tx.Commit())
	require.Len(t, f.consumer.records, 1)
	record := f.consumer.records[0]
	assert.Contains(t, record.AccessedPartitions, f.partitionOf(t, "eu"))
	assert.Contains(t, record.AccessedPartitions, f.partitionOf(t, "us"))

	store, err := f.stores.Store(1)
	require.NoError(t, err)
	total := 0
	for _, p := range f.table.Partitions {
		rows, err := store.ScanPartition(ctx, f.table, p)
		require.NoError(t, err)
		total += len(rows)
	}
	assert.Equal(t, 2, total)
}

func TestExecuteUpdateTargetsConditionPartition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, _ := f.manager.StartTransaction("client", true)
	_, err := f.executor.Execute(ctx, tx, insertOrders, []shared.ParameterBatch{{0: 1, 1: "eu"}})
	require.NoError(t, err)
	n, err := f.executor.Execute(ctx, tx, &shared.Modification{
		TableId:              1,
		Operation:            shared.OperationUpdate,
		UpdateColumnList:     []string{"status"},
		SourceExpressionList: []shared.Expression{shared.Param(0)},
		ConditionList:        []shared.Condition{{Column: "region", Value: shared.Param(1)}},
		ParameterValues:      []shared.ParameterBatch{{0: "shipped", 1: "eu"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending := f.buffer.Pending(tx.Id())
	require.Len(t, pending, 2)
	assert.Equal(t, []shared.PartitionId{f.partitionOf(t, "eu")}, pending[1].AccessedPartitions)
	assert.Equal(t, shared.StatementId(2), pending[1].StatementId)
	require.NoError(t, tx.Commit())
}

func TestExecuteRejectsInvalidModifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, _ := f.manager.StartTransaction("client", true)
	defer func() {
		_ = tx.Rollback()
	}()

	_, err := f.executor.Execute(ctx, tx, &shared.Modification{
		TableId:              1,
		Operation:            shared.OperationUpdate,
		UpdateColumnList:     []string{"region"},
		SourceExpressionList: []shared.Expression{shared.Literal("us")},
	}, nil)
	assert.ErrorIs(t, err, ErrPartitionColumnUpdate)

	_, err = f.executor.Execute(ctx, tx, &shared.Modification{
		TableId:       1,
		Operation:     shared.OperationDelete,
		ConditionList: []shared.Condition{{Column: "missing", Value: shared.Literal(1)}},
	}, nil)
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = f.executor.Execute(ctx, tx, &shared.Modification{TableId: 5, Operation: shared.OperationDelete}, nil)
	assert.ErrorIs(t, err, catalog.ErrUnknownTable)
	assert.Empty(t, f.buffer.Pending(tx.Id()))
}

func TestRollbackDiscardsCapture(t *testing.T) {
	f := newFixture(t)
	tx, _ := f.manager.StartTransaction("client", true)
	_, err := f.executor.Execute(context.Background(), tx, insertOrders, []shared.ParameterBatch{{0: 1, 1: "eu"}})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Empty(t, f.consumer.records)
	assert.Equal(t, 0, f.buffer.Transactions())
}
