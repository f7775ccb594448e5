package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/adapter"
	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

var (
	ErrPartitionColumnUpdate = errors.New("update of the partition column is not supported")
	ErrUnknownColumn         = errors.New("unknown column")
	ErrNoPrimaryPlacement    = errors.New("no primary placement for partition")
)

type StoreSource interface {
	Store(id shared.AdapterId) (adapter.Store, error)
}

// Executor runs client modifications against the primary placements and records them
// in the capture buffer.
type Executor struct {
	catalog iface.Catalog
	stores  StoreSource
	buffer  *cdc.Buffer
	log     *logrus.Entry
}

func New(catalog iface.Catalog, stores StoreSource, buffer *cdc.Buffer) *Executor {
	return &Executor{
		catalog: catalog,
		stores:  stores,
		buffer:  buffer,
		log:     logging.Component("executor"),
	}
}

// Execute runs m inside tx once per parameter batch. When params is nil the batches
// carried by m are used. It returns the number of rows affected on the primaries.
func (e *Executor) Execute(ctx context.Context, tx iface.Transaction, m *shared.Modification, params []shared.ParameterBatch) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	table, err := e.catalog.Table(m.TableId)
	if err != nil {
		return 0, err
	}
	if err := checkColumns(table, m); err != nil {
		return 0, err
	}
	if params == nil {
		params = m.ParameterValues
	}
	bound := m.Clone()
	bound.ParameterValues = params
	accessed, err := table.PartitionsFor(bound)
	if err != nil {
		return 0, err
	}
	placements, err := e.catalog.DataPlacements(table.Id)
	if err != nil {
		return 0, err
	}

	stmt := tx.NextStatementId()
	unbound := m.Clone()
	unbound.ParameterValues = nil
	e.buffer.Prepare(cdc.NewCaptureRecord(tx.Id(), stmt, unbound, accessed))

	var affected int64
	for _, partition := range accessed {
		written := false
		for _, dp := range placements {
			if dp.Strategy != shared.StrategyEager || !dp.Owns(partition) {
				continue
			}
			n, err := e.apply(ctx, tx, table, shared.PlacementKey{PartitionId: partition, AdapterId: dp.AdapterId}, bound)
			if err != nil {
				return affected, err
			}
			if !written {
				affected += n
			}
			written = true
		}
		if !written {
			return affected, fmt.Errorf("%w: %s partition %d", ErrNoPrimaryPlacement, table.Name, partition)
		}
	}

	e.buffer.Enrich(cdc.DataContext{
		TransactionId:   tx.Id(),
		StatementId:     stmt,
		ParameterValues: params,
	})
	e.log.WithFields(logrus.Fields{
		"tx":    tx.Id(),
		"stmt":  stmt,
		"table": table.Name,
	}).Debugln(m.Operation, "affected", affected, "rows in partitions", accessed)
	return affected, nil
}

func (e *Executor) apply(ctx context.Context, tx iface.Transaction, table *shared.Table, key shared.PlacementKey, m *shared.Modification) (int64, error) {
	store, err := e.stores.Store(key.AdapterId)
	if err != nil {
		return 0, err
	}
	plan, err := adapter.BuildStatement(store, table, key, m)
	if err != nil {
		return 0, err
	}
	return store.Execute(ctx, tx, plan)
}

func checkColumns(table *shared.Table, m *shared.Modification) error {
	if m.Operation == shared.OperationUpdate && table.PartitionColumn != "" && slices.Contains(m.UpdateColumnList, table.PartitionColumn) {
		return fmt.Errorf("%w: %s.%s", ErrPartitionColumnUpdate, table.Name, table.PartitionColumn)
	}
	columns := slices.Concat(m.UpdateColumnList, m.InsertColumnList)
	for _, c := range m.ConditionList {
		columns = append(columns, c.Column)
	}
	for _, c := range columns {
		if !table.HasColumn(c) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table.Name, c)
		}
	}
	return nil
}
