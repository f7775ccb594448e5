package replication

import (
	"maps"
	"sync"
	"time"

	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

// ReplicationUnit is a committed modification together with the partition placements
// that still have to receive it. Only the target set changes after creation.
type ReplicationUnit struct {
	replicationDataId   int64
	parentTransactionId shared.TransactionId
	commitTimestamp     time.Time
	modification        *shared.Modification

	mu                      sync.Mutex
	dependentReplicationIds map[int64]shared.PlacementKey
}

func newReplicationUnit(dataId int64, tx shared.TransactionId, commitTimestamp time.Time, m *shared.Modification, targets map[int64]shared.PlacementKey) *ReplicationUnit {
	return &ReplicationUnit{
		replicationDataId:       dataId,
		parentTransactionId:     tx,
		commitTimestamp:         commitTimestamp,
		modification:            m.Clone(),
		dependentReplicationIds: targets,
	}
}

func (u *ReplicationUnit) ReplicationDataId() int64 {
	return u.replicationDataId
}

func (u *ReplicationUnit) ParentTransactionId() shared.TransactionId {
	return u.parentTransactionId
}

func (u *ReplicationUnit) CommitTimestamp() time.Time {
	return u.commitTimestamp
}

func (u *ReplicationUnit) TableId() shared.TableId {
	return u.modification.TableId
}

func (u *ReplicationUnit) Operation() shared.Operation {
	return u.modification.Operation
}

// Modification returns a copy of the replicated modification.
func (u *ReplicationUnit) Modification() *shared.Modification {
	return u.modification.Clone()
}

func (u *ReplicationUnit) DependentReplicationIds() map[int64]shared.PlacementKey {
	u.mu.Lock()
	defer u.mu.Unlock()
	return maps.Clone(u.dependentReplicationIds)
}

func (u *ReplicationUnit) Target(replicationId int64) (shared.PlacementKey, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key, ok := u.dependentReplicationIds[replicationId]
	return key, ok
}

// RemoveTarget drops one delivered or abandoned target and returns how many remain.
func (u *ReplicationUnit) RemoveTarget(replicationId int64) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.dependentReplicationIds, replicationId)
	return len(u.dependentReplicationIds)
}

func (u *ReplicationUnit) Delivered() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.dependentReplicationIds) == 0
}

// unitSnapshot is the journaled form of a unit.
type unitSnapshot struct {
	ReplicationDataId   int64                         `cbor:"1,keyasint"`
	ParentTransactionId shared.TransactionId          `cbor:"2,keyasint"`
	CommitTimestamp     time.Time                     `cbor:"3,keyasint"`
	Modification        *shared.Modification          `cbor:"4,keyasint"`
	Targets             map[int64]shared.PlacementKey `cbor:"5,keyasint"`
}

func (u *ReplicationUnit) snapshot() *unitSnapshot {
	return &unitSnapshot{
		ReplicationDataId:   u.replicationDataId,
		ParentTransactionId: u.parentTransactionId,
		CommitTimestamp:     u.commitTimestamp,
		Modification:        u.modification,
		Targets:             u.DependentReplicationIds(),
	}
}

func (s *unitSnapshot) unit() *ReplicationUnit {
	return &ReplicationUnit{
		replicationDataId:       s.ReplicationDataId,
		parentTransactionId:     s.ParentTransactionId,
		commitTimestamp:         s.CommitTimestamp,
		modification:            s.Modification,
		dependentReplicationIds: s.Targets,
	}
}
