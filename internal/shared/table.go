package shared

import (
	"errors"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

var ErrPartitionValueMissing = errors.New("partition column value missing")

// Table is the logical table as seen by the replication subsystem. Rows are spread over
// Partitions by hashing PartitionColumn; a table without partition column has exactly
// one partition.
type Table struct {
	Id              TableId       `json:"id"`
	Name            string        `json:"name"`
	Columns         []string      `json:"columns"`
	PrimaryKey      []string      `json:"primary_key"`
	PartitionColumn string        `json:"partition_column,omitempty"`
	Partitions      []PartitionId `json:"partitions"`
}

func (t *Table) HasColumn(name string) bool {
	return slices.Contains(t.Columns, name)
}

func (t *Table) PartitionOf(row Row) (PartitionId, error) {
	if len(t.Partitions) == 0 {
		return 0, fmt.Errorf("table %s has no partitions", t.Name)
	}
	if t.PartitionColumn == "" || len(t.Partitions) == 1 {
		return t.Partitions[0], nil
	}
	v, ok := row[t.PartitionColumn]
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrPartitionValueMissing, t.Name, t.PartitionColumn)
	}
	return t.partitionOfValue(v), nil
}

func (t *Table) partitionOfValue(v any) PartitionId {
	h := xxhash.Sum64String(fmt.Sprint(NormalizeValue(v)))
	return t.Partitions[h%uint64(len(t.Partitions))]
}

// PartitionsFor returns the sorted set of partitions a modification touches. Inserts
// touch the partitions of their rows. Updates and deletes touch the partition selected by
// a condition on the partition column, or every partition when there is none.
func (t *Table) PartitionsFor(m *Modification) ([]PartitionId, error) {
	set := make(map[PartitionId]struct{})
	switch m.Operation {
	case OperationInsert:
		for _, batch := range m.Batches() {
			row, err := m.InsertRow(batch)
			if err != nil {
				return nil, err
			}
			p, err := t.PartitionOf(row)
			if err != nil {
				return nil, err
			}
			set[p] = struct{}{}
		}
	case OperationUpdate, OperationDelete:
		var cond *Condition
		for i := range m.ConditionList {
			if t.PartitionColumn != "" && m.ConditionList[i].Column == t.PartitionColumn {
				cond = &m.ConditionList[i]
				break
			}
		}
		if cond == nil || len(t.Partitions) == 1 {
			return slices.Clone(t.Partitions), nil
		}
		for _, batch := range m.Batches() {
			v, err := cond.Value.Resolve(batch)
			if err != nil {
				return nil, err
			}
			set[t.partitionOfValue(v)] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownOperation, m.Operation)
	}
	result := make([]PartitionId, 0, len(set))
	for p := range set {
		result = append(result, p)
	}
	slices.Sort(result)
	return result, nil
}

func (t *Table) KeyOf(row Row) ([]any, error) {
	key := make([]any, 0, len(t.PrimaryKey))
	for _, col := range t.PrimaryKey {
		v, ok := row[col]
		if !ok {
			return nil, fmt.Errorf("primary key column %s.%s missing", t.Name, col)
		}
		key = append(key, NormalizeValue(v))
	}
	return key, nil
}
