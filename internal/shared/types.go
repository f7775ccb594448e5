package shared

import (
	"fmt"
	"strings"
)

type TransactionId int64
type StatementId int64
type TableId int64
type PartitionId int64
type AdapterId int32

// PlacementKey addresses one partition placement: a partition stored on an adapter.
// It is the unit of delivery and of failure bookkeeping.
type PlacementKey struct {
	PartitionId PartitionId
	AdapterId   AdapterId
}

func (k PlacementKey) String() string {
	return fmt.Sprintf("(%d on %d)", k.PartitionId, k.AdapterId)
}

type Operation int

const (
	OperationInsert Operation = iota + 1
	OperationUpdate
	OperationDelete
)

func (o Operation) String() string {
	switch o {
	case OperationInsert:
		return "INSERT"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

func ParseOperation(s string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT":
		return OperationInsert, nil
	case "UPDATE":
		return OperationUpdate, nil
	case "DELETE":
		return OperationDelete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
}

// ReplicationStrategy selects how a placement receives writes. Eager placements are
// written inside the client transaction, lazy placements through the lazy engine.
type ReplicationStrategy int

const (
	StrategyEager ReplicationStrategy = iota + 1
	StrategyLazy
)

func (s ReplicationStrategy) String() string {
	switch s {
	case StrategyEager:
		return "EAGER"
	case StrategyLazy:
		return "LAZY"
	default:
		return fmt.Sprintf("ReplicationStrategy(%d)", int(s))
	}
}

func ParseReplicationStrategy(s string) (ReplicationStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EAGER":
		return StrategyEager, nil
	case "LAZY":
		return StrategyLazy, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

type PlacementState int

const (
	StateUpToDate PlacementState = iota + 1
	StateOutdated
	// StateInfinitelyOutdated is set after a target exhausted its retry budget. Automatic
	// delivery skips the placement until an operator re-sync.
	StateInfinitelyOutdated
)

func (s PlacementState) String() string {
	switch s {
	case StateUpToDate:
		return "UPTODATE"
	case StateOutdated:
		return "OUTDATED"
	case StateInfinitelyOutdated:
		return "INFINITELY_OUTDATED"
	default:
		return fmt.Sprintf("PlacementState(%d)", int(s))
	}
}
