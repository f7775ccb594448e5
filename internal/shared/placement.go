package shared

import (
	"slices"
	"time"
)

type Adapter struct {
	Id     AdapterId `json:"id"`
	Name   string    `json:"name"`
	Family string    `json:"family"`
}

// DataPlacement is the copy of a table on one adapter, owning a subset of its partitions.
type DataPlacement struct {
	TableId    TableId             `json:"table_id"`
	AdapterId  AdapterId           `json:"adapter_id"`
	Strategy   ReplicationStrategy `json:"strategy"`
	Partitions []PartitionId       `json:"partitions"`
}

func (d DataPlacement) Owns(p PartitionId) bool {
	return slices.Contains(d.Partitions, p)
}

// UpdateInformation records the last change applied to a partition placement.
type UpdateInformation struct {
	TxId            TransactionId `json:"tx_id" cbor:"1,keyasint"`
	CommitTimestamp time.Time     `json:"commit_timestamp" cbor:"2,keyasint"`
	UpdateTimestamp time.Time     `json:"update_timestamp" cbor:"3,keyasint"`
	ReplicationId   int64         `json:"replication_id" cbor:"4,keyasint"`
	Modifications   int64         `json:"modifications" cbor:"5,keyasint"`
}

type PartitionPlacement struct {
	TableId           TableId             `json:"table_id"`
	PartitionId       PartitionId         `json:"partition_id"`
	AdapterId         AdapterId           `json:"adapter_id"`
	Strategy          ReplicationStrategy `json:"strategy"`
	State             PlacementState      `json:"state"`
	UpdateInformation UpdateInformation   `json:"update_information"`
}

func (p PartitionPlacement) Key() PlacementKey {
	return PlacementKey{PartitionId: p.PartitionId, AdapterId: p.AdapterId}
}
