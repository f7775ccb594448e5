package iface

import "github.com/meidoworks/nekoq-replicator/internal/shared"

// Catalog is the placement metadata store. Read methods return copies that callers may
// keep as snapshots.
type Catalog interface {
	Adapter(id shared.AdapterId) (shared.Adapter, error)
	Table(id shared.TableId) (*shared.Table, error)
	Tables() []*shared.Table

	DataPlacements(table shared.TableId) ([]shared.DataPlacement, error)
	// SecondaryDataPlacements returns the placements of table replicated with strategy.
	SecondaryDataPlacements(table shared.TableId, strategy shared.ReplicationStrategy) ([]shared.DataPlacement, error)

	PartitionPlacement(key shared.PlacementKey) (shared.PartitionPlacement, error)
	PartitionPlacementsByTable(table shared.TableId) ([]shared.PartitionPlacement, error)
	PartitionPlacementsByAdapter(adapter shared.AdapterId) ([]shared.PartitionPlacement, error)

	UpdatePartitionPlacementProperties(key shared.PlacementKey, info shared.UpdateInformation) error
	// CompareAndSetPlacementState changes the state only when it currently equals expect.
	CompareAndSetPlacementState(key shared.PlacementKey, expect, update shared.PlacementState) (bool, error)
}
