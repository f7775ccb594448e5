package kvstore

import (
	"context"
	"fmt"

	"github.com/meidoworks/nekoq-replicator/internal/adapter"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

// plan holds resolved rows, assignments and predicates. Matching rows are looked up when
// the plan executes.
type plan struct {
	operation shared.Operation
	target    shared.PlacementKey
	table     *shared.Table
	rows      []shared.Row
	sets      []shared.Row
	filters   []shared.Row
}

func (p *plan) Operation() shared.Operation {
	return p.operation
}

func (p *plan) Target() shared.PlacementKey {
	return p.target
}

func (k *KVStore) BuildInsertStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (adapter.Plan, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	pl := &plan{operation: shared.OperationInsert, target: target, table: table}
	for _, batch := range m.Batches() {
		row, err := m.InsertRow(batch)
		if err != nil {
			return nil, err
		}
		p, err := table.PartitionOf(row)
		if err != nil {
			return nil, err
		}
		if p == target.PartitionId {
			pl.rows = append(pl.rows, row)
		}
	}
	return pl, nil
}

func (k *KVStore) BuildUpdateStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (adapter.Plan, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	pl := &plan{operation: shared.OperationUpdate, target: target, table: table}
	for _, batch := range m.Batches() {
		set, err := m.Assignments(batch)
		if err != nil {
			return nil, err
		}
		filter, err := m.Predicate(batch)
		if err != nil {
			return nil, err
		}
		pl.sets = append(pl.sets, set)
		pl.filters = append(pl.filters, filter)
	}
	return pl, nil
}

func (k *KVStore) BuildDeleteStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (adapter.Plan, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	pl := &plan{operation: shared.OperationDelete, target: target, table: table}
	for _, batch := range m.Batches() {
		filter, err := m.Predicate(batch)
		if err != nil {
			return nil, err
		}
		pl.filters = append(pl.filters, filter)
	}
	return pl, nil
}

func (k *KVStore) Execute(_ context.Context, tx iface.Transaction, pl adapter.Plan) (int64, error) {
	p, ok := pl.(*plan)
	if !ok {
		return 0, adapter.ErrPlanMismatch
	}
	if p.target.AdapterId != k.id {
		return 0, fmt.Errorf("%w: target %v", adapter.ErrPlanMismatch, p.target)
	}
	part, err := k.participant(tx)
	if err != nil {
		return 0, err
	}
	part.Lock()
	defer part.Unlock()

	switch p.operation {
	case shared.OperationInsert:
		return k.insert(part, p)
	case shared.OperationUpdate:
		return k.update(part, p)
	case shared.OperationDelete:
		return k.delete(part, p)
	default:
		return 0, fmt.Errorf("%w: %v", shared.ErrUnknownOperation, p.operation)
	}
}

func (k *KVStore) insert(part *participant, p *plan) (int64, error) {
	for _, row := range p.rows {
		key, err := rowKey(p.table, p.target.PartitionId, row)
		if err != nil {
			return 0, err
		}
		dat, err := encodeRow(row)
		if err != nil {
			return 0, err
		}
		part.put(key, dat)
	}
	return int64(len(p.rows)), nil
}

func (k *KVStore) update(part *participant, p *plan) (int64, error) {
	var affected int64
	for i, filter := range p.filters {
		entries, err := scan(k.storage, part, partitionPrefix(p.table.Id, p.target.PartitionId))
		if err != nil {
			return affected, err
		}
		for _, e := range entries {
			if !e.row.Matches(filter) {
				continue
			}
			row := e.row.Clone()
			for c, v := range p.sets[i] {
				row[c] = v
			}
			key, err := rowKey(p.table, p.target.PartitionId, row)
			if err != nil {
				return affected, err
			}
			dat, err := encodeRow(row)
			if err != nil {
				return affected, err
			}
			if key != e.key {
				part.delete(e.key)
			}
			part.put(key, dat)
			affected++
		}
	}
	return affected, nil
}

func (k *KVStore) delete(part *participant, p *plan) (int64, error) {
	var affected int64
	for _, filter := range p.filters {
		entries, err := scan(k.storage, part, partitionPrefix(p.table.Id, p.target.PartitionId))
		if err != nil {
			return affected, err
		}
		for _, e := range entries {
			if e.row.Matches(filter) {
				part.delete(e.key)
				affected++
			}
		}
	}
	return affected, nil
}
