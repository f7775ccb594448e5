package shared

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

type ExpressionKind string

const (
	ExpressionParameter ExpressionKind = "param"
	ExpressionLiteral   ExpressionKind = "literal"
)

// Expression is the source of a column value: either a bound parameter or a literal.
type Expression struct {
	Kind  ExpressionKind `json:"kind" cbor:"k"`
	Index int            `json:"index,omitempty" cbor:"i,omitempty"`
	Value any            `json:"value,omitempty" cbor:"v,omitempty"`
}

func Param(index int) Expression {
	return Expression{Kind: ExpressionParameter, Index: index}
}

func Literal(v any) Expression {
	return Expression{Kind: ExpressionLiteral, Value: v}
}

func (e Expression) Resolve(batch ParameterBatch) (any, error) {
	switch e.Kind {
	case ExpressionParameter:
		v, ok := batch[e.Index]
		if !ok {
			return nil, fmt.Errorf("%w: index %d", ErrUnknownParameter, e.Index)
		}
		return NormalizeValue(v), nil
	case ExpressionLiteral:
		return NormalizeValue(e.Value), nil
	default:
		return nil, fmt.Errorf("unknown expression kind %q", e.Kind)
	}
}

// ParameterBatch maps a parameter index to the value bound for one execution.
type ParameterBatch map[int]any

// Condition restricts UPDATE and DELETE to rows whose Column equals Value. A
// condition list is a conjunction.
type Condition struct {
	Column string     `json:"column" cbor:"c"`
	Value  Expression `json:"value" cbor:"v"`
}

type Row map[string]any

// Modification is the adapter-agnostic description of one DML operation.
type Modification struct {
	TableId              TableId          `json:"table_id" cbor:"t"`
	Operation            Operation        `json:"operation" cbor:"o"`
	UpdateColumnList     []string         `json:"update_columns,omitempty" cbor:"uc,omitempty"`
	SourceExpressionList []Expression     `json:"source_expressions,omitempty" cbor:"se,omitempty"`
	InsertColumnList     []string         `json:"insert_columns,omitempty" cbor:"ic,omitempty"`
	InsertExpressionList []Expression     `json:"insert_expressions,omitempty" cbor:"ie,omitempty"`
	ConditionList        []Condition      `json:"conditions,omitempty" cbor:"cl,omitempty"`
	ParameterValues      []ParameterBatch `json:"parameters,omitempty" cbor:"pv,omitempty"`
}

var ErrInvalidModification = errors.New("invalid modification")

func (m *Modification) Validate() error {
	switch m.Operation {
	case OperationInsert:
		if len(m.InsertColumnList) == 0 || len(m.InsertColumnList) != len(m.InsertExpressionList) {
			return fmt.Errorf("%w: insert columns and expressions mismatch", ErrInvalidModification)
		}
		if len(m.UpdateColumnList) > 0 || len(m.ConditionList) > 0 {
			return fmt.Errorf("%w: insert carries update columns or conditions", ErrInvalidModification)
		}
	case OperationUpdate:
		if len(m.UpdateColumnList) == 0 || len(m.UpdateColumnList) != len(m.SourceExpressionList) {
			return fmt.Errorf("%w: update columns and source expressions mismatch", ErrInvalidModification)
		}
	case OperationDelete:
		if len(m.UpdateColumnList) > 0 || len(m.InsertColumnList) > 0 {
			return fmt.Errorf("%w: delete carries column lists", ErrInvalidModification)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnknownOperation, m.Operation)
	}
	return nil
}

// Clone copies the lists and parameter maps so the clone can be sealed independently.
// Bound values themselves are shared.
func (m *Modification) Clone() *Modification {
	c := *m
	c.UpdateColumnList = append([]string(nil), m.UpdateColumnList...)
	c.SourceExpressionList = append([]Expression(nil), m.SourceExpressionList...)
	c.InsertColumnList = append([]string(nil), m.InsertColumnList...)
	c.InsertExpressionList = append([]Expression(nil), m.InsertExpressionList...)
	c.ConditionList = append([]Condition(nil), m.ConditionList...)
	c.ParameterValues = nil
	for _, b := range m.ParameterValues {
		c.ParameterValues = append(c.ParameterValues, b.clone())
	}
	return &c
}

func (b ParameterBatch) clone() ParameterBatch {
	n := make(ParameterBatch, len(b))
	for k, v := range b {
		n[k] = v
	}
	return n
}

// Batches returns the parameter batches to evaluate. A statement without bound
// parameters executes exactly once.
func (m *Modification) Batches() []ParameterBatch {
	if len(m.ParameterValues) == 0 {
		return []ParameterBatch{{}}
	}
	return m.ParameterValues
}

func (m *Modification) InsertRow(batch ParameterBatch) (Row, error) {
	row := make(Row, len(m.InsertColumnList))
	for i, col := range m.InsertColumnList {
		v, err := m.InsertExpressionList[i].Resolve(batch)
		if err != nil {
			return nil, err
		}
		row[col] = v
	}
	return row, nil
}

func (m *Modification) Assignments(batch ParameterBatch) (Row, error) {
	row := make(Row, len(m.UpdateColumnList))
	for i, col := range m.UpdateColumnList {
		v, err := m.SourceExpressionList[i].Resolve(batch)
		if err != nil {
			return nil, err
		}
		row[col] = v
	}
	return row, nil
}

func (m *Modification) Predicate(batch ParameterBatch) (Row, error) {
	row := make(Row, len(m.ConditionList))
	for _, c := range m.ConditionList {
		v, err := c.Value.Resolve(batch)
		if err != nil {
			return nil, err
		}
		row[c.Column] = v
	}
	return row, nil
}

// Matches reports whether row satisfies every column of predicate.
func (r Row) Matches(predicate Row) bool {
	for col, want := range predicate {
		got, ok := r[col]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

func (r Row) Clone() Row {
	n := make(Row, len(r))
	for k, v := range r {
		n[k] = v
	}
	return n
}

// NormalizeValue folds numeric kinds onto int64 and float64 so that values decoded from
// JSON, CBOR or a SQL driver compare equal to the values that were bound.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return normalizeUnsigned(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUnsigned(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case []byte:
		return string(x)
	case interface{ String() string }:
		if n, ok := v.(interface{ Int64() (int64, error) }); ok {
			if i, err := n.Int64(); err == nil {
				return i
			}
			if f, err := strconv.ParseFloat(x.String(), 64); err == nil {
				return normalizeFloat(f)
			}
		}
		return v
	default:
		return v
	}
}

func normalizeUnsigned(u uint64) any {
	if u > math.MaxInt64 {
		return u
	}
	return int64(u)
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(NormalizeValue(a), NormalizeValue(b))
}
