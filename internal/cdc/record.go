package cdc

import (
	"slices"

	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

// CaptureRecord describes one captured DML statement. It is mutable while the owning
// transaction runs and is never modified after it was handed to the engines.
type CaptureRecord struct {
	TransactionId      shared.TransactionId
	StatementId        shared.StatementId
	Modification       *shared.Modification
	AccessedPartitions []shared.PartitionId
}

func NewCaptureRecord(tx shared.TransactionId, stmt shared.StatementId, m *shared.Modification, accessed []shared.PartitionId) *CaptureRecord {
	return &CaptureRecord{
		TransactionId:      tx,
		StatementId:        stmt,
		Modification:       m.Clone(),
		AccessedPartitions: slices.Clone(accessed),
	}
}

func (c *CaptureRecord) TableId() shared.TableId {
	return c.Modification.TableId
}

func (c *CaptureRecord) Operation() shared.Operation {
	return c.Modification.Operation
}

func (c *CaptureRecord) Accesses(p shared.PartitionId) bool {
	return slices.Contains(c.AccessedPartitions, p)
}

// DataContext carries the parameter values bound when a prepared statement executes.
type DataContext struct {
	TransactionId   shared.TransactionId
	StatementId     shared.StatementId
	ParameterValues []shared.ParameterBatch
}
