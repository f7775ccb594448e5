package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/meidoworks/nekoq-replicator/internal/adapter"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

// statement is a SQL text executed once per argument list.
type statement struct {
	operation shared.Operation
	target    shared.PlacementKey
	sql       string
	args      [][]any
}

func (s *statement) Operation() shared.Operation {
	return s.operation
}

func (s *statement) Target() shared.PlacementKey {
	return s.target
}

// BuildInsertStatement keeps only the rows that belong to the target partition. Inserts
// replace an existing row with the same primary key so that re-applied changes converge.
func (s *SQLStore) BuildInsertStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (adapter.Plan, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	stmt := &statement{
		operation: shared.OperationInsert,
		target:    target,
		sql:       insertSQL(table, target.PartitionId, m.InsertColumnList),
	}
	for _, batch := range m.Batches() {
		row, err := m.InsertRow(batch)
		if err != nil {
			return nil, err
		}
		p, err := table.PartitionOf(row)
		if err != nil {
			return nil, err
		}
		if p != target.PartitionId {
			continue
		}
		args := make([]any, 0, len(m.InsertColumnList))
		for _, c := range m.InsertColumnList {
			args = append(args, row[c])
		}
		stmt.args = append(stmt.args, args)
	}
	return stmt, nil
}

func (s *SQLStore) BuildUpdateStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (adapter.Plan, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	sets := make([]string, 0, len(m.UpdateColumnList))
	for _, c := range m.UpdateColumnList {
		sets = append(sets, quote(c)+" = ?")
	}
	stmt := &statement{
		operation: shared.OperationUpdate,
		target:    target,
		sql:       fmt.Sprintf("UPDATE %s SET %s%s", physicalName(table, target.PartitionId), strings.Join(sets, ", "), where(m)),
	}
	for _, batch := range m.Batches() {
		assignments, err := m.Assignments(batch)
		if err != nil {
			return nil, err
		}
		predicate, err := m.Predicate(batch)
		if err != nil {
			return nil, err
		}
		args := make([]any, 0, len(sets)+len(m.ConditionList))
		for _, c := range m.UpdateColumnList {
			args = append(args, assignments[c])
		}
		for _, c := range m.ConditionList {
			args = append(args, predicate[c.Column])
		}
		stmt.args = append(stmt.args, args)
	}
	return stmt, nil
}

func (s *SQLStore) BuildDeleteStatement(table *shared.Table, target shared.PlacementKey, m *shared.Modification) (adapter.Plan, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	stmt := &statement{
		operation: shared.OperationDelete,
		target:    target,
		sql:       fmt.Sprintf("DELETE FROM %s%s", physicalName(table, target.PartitionId), where(m)),
	}
	for _, batch := range m.Batches() {
		predicate, err := m.Predicate(batch)
		if err != nil {
			return nil, err
		}
		args := make([]any, 0, len(m.ConditionList))
		for _, c := range m.ConditionList {
			args = append(args, predicate[c.Column])
		}
		stmt.args = append(stmt.args, args)
	}
	return stmt, nil
}

func (s *SQLStore) Execute(ctx context.Context, tx iface.Transaction, plan adapter.Plan) (int64, error) {
	stmt, ok := plan.(*statement)
	if !ok {
		return 0, adapter.ErrPlanMismatch
	}
	if stmt.target.AdapterId != s.id {
		return 0, fmt.Errorf("%w: target %v", adapter.ErrPlanMismatch, stmt.target)
	}
	if len(stmt.args) == 0 {
		return 0, nil
	}
	sqlTx, err := s.participant(ctx, tx)
	if err != nil {
		return 0, err
	}
	var affected int64
	for _, args := range stmt.args {
		res, err := sqlTx.ExecContext(ctx, stmt.sql, args...)
		if err != nil {
			return affected, fmt.Errorf("%v on %v: %w", stmt.operation, stmt.target, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

func where(m *shared.Modification) string {
	if len(m.ConditionList) == 0 {
		return ""
	}
	conds := make([]string, 0, len(m.ConditionList))
	for _, c := range m.ConditionList {
		conds = append(conds, quote(c.Column)+" = ?")
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
