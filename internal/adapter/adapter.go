package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/replication"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

var (
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrUnknownTarget  = errors.New("replication id is not a target of the unit")
	ErrPlanMismatch   = errors.New("plan was built by another adapter")
)

// Plan is an executable statement against one partition placement.
type Plan interface {
	Operation() shared.Operation
	Target() shared.PlacementKey
}

// Store is one storage adapter instance. Writes run inside the participant the store
// enlists in the given transaction.
type Store interface {
	Id() shared.AdapterId
	Family() string

	// EnsurePartition creates the physical storage of a partition placement.
	EnsurePartition(ctx context.Context, table *shared.Table, partition shared.PartitionId) error

	BuildInsertStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (Plan, error)
	BuildUpdateStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (Plan, error)
	BuildDeleteStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (Plan, error)
	// Execute runs plan inside tx and returns the number of affected rows.
	Execute(ctx context.Context, tx iface.Transaction, plan Plan) (int64, error)

	ScanPartition(ctx context.Context, table *shared.Table, partition shared.PartitionId) ([]shared.Row, error)
	ReplacePartition(ctx context.Context, tx iface.Transaction, table *shared.Table, target shared.PlacementKey, rows []shared.Row) error

	Close() error
}

// BuildStatement dispatches on the operation of m.
func BuildStatement(store Store, table *shared.Table, target shared.PlacementKey, m *shared.Modification) (Plan, error) {
	switch m.Operation {
	case shared.OperationInsert:
		return store.BuildInsertStatement(table, target, m)
	case shared.OperationUpdate:
		return store.BuildUpdateStatement(table, target, m)
	case shared.OperationDelete:
		return store.BuildDeleteStatement(table, target, m)
	default:
		return nil, fmt.Errorf("%w: %v", shared.ErrUnknownOperation, m.Operation)
	}
}

var _ replication.DataReplicator = new(Replicator)

// Replicator applies replication units to a store.
type Replicator struct {
	Store
	catalog iface.Catalog
}

func NewReplicator(store Store, catalog iface.Catalog) *Replicator {
	return &Replicator{
		Store:   store,
		catalog: catalog,
	}
}

func (r *Replicator) ReplicateData(ctx context.Context, tx iface.Transaction, unit *replication.ReplicationUnit, replicationId int64) (int64, error) {
	target, ok := unit.Target(replicationId)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTarget, replicationId)
	}
	if target.AdapterId != r.Id() {
		return 0, fmt.Errorf("target %v is not on adapter %d", target, r.Id())
	}
	table, err := r.catalog.Table(unit.TableId())
	if err != nil {
		return 0, err
	}
	plan, err := BuildStatement(r.Store, table, target, unit.Modification())
	if err != nil {
		return 0, err
	}
	return r.Execute(ctx, tx, plan)
}
