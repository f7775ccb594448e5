package replication

import (
	"context"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

// DataReplicator applies replication units to the placements of one adapter.
type DataReplicator interface {
	// ReplicateData applies the target replicationId of unit inside tx and returns the
	// number of modified rows.
	ReplicateData(ctx context.Context, tx iface.Transaction, unit *ReplicationUnit, replicationId int64) (int64, error)
	ScanPartition(ctx context.Context, table *shared.Table, partition shared.PartitionId) ([]shared.Row, error)
	// ReplacePartition overwrites the content of target with rows.
	ReplacePartition(ctx context.Context, tx iface.Transaction, table *shared.Table, target shared.PlacementKey, rows []shared.Row) error
}

type ReplicatorSource interface {
	Replicator(adapter shared.AdapterId) (DataReplicator, error)
}
