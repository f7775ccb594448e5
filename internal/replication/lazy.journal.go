package replication

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

type journalKind int

const (
	journalQueued journalKind = iota + 1
	journalDone
)

type journalEntry struct {
	Kind          journalKind   `cbor:"1,keyasint"`
	Unit          *unitSnapshot `cbor:"2,keyasint,omitempty"`
	ReplicationId int64         `cbor:"3,keyasint,omitempty"`
}

func (e *LazyEngine) writeJournal(entry journalEntry) {
	if e.journal == nil {
		return
	}
	dat, err := shared.Cbor.Marshal(entry)
	if err != nil {
		e.log.Errorln("encode journal entry failed:", err)
		return
	}
	if _, err := e.journal.WriteEntry(dat); err != nil {
		e.log.Errorln("write journal entry failed:", err)
	}
}

func (e *LazyEngine) journalQueued(unit *ReplicationUnit) {
	e.writeJournal(journalEntry{Kind: journalQueued, Unit: unit.snapshot()})
}

func (e *LazyEngine) journalDone(replicationId int64) {
	e.writeJournal(journalEntry{Kind: journalDone, ReplicationId: replicationId})
}

// compactJournal empties the journal once nothing is pending.
func (e *LazyEngine) compactJournal() {
	if e.journal == nil {
		return
	}
	if err := e.journal.Reset(); err != nil {
		e.log.Errorln("reset journal failed:", err)
	}
}

// Recover re-queues the undelivered targets found in the journal and marks placements
// that were left outdated without any pending change as infinitely outdated. It must run
// before Start and before any transaction commits.
func (e *LazyEngine) Recover() error {
	e.Lock()
	defer e.Unlock()

	if e.journal != nil {
		if err := e.replayJournal(); err != nil {
			return err
		}
	}

	for _, t := range e.catalog.Tables() {
		placements, err := e.catalog.PartitionPlacementsByTable(t.Id)
		if err != nil {
			return err
		}
		for _, pp := range placements {
			if pp.Strategy != e.strategy || pp.State != shared.StateOutdated {
				continue
			}
			if q := e.queues[pp.Key()]; q != nil && len(q.entries) > 0 {
				continue
			}
			if e.setPlacementState(pp.Key(), shared.StateOutdated, shared.StateInfinitelyOutdated) {
				e.log.WithField("placement", pp.Key().String()).Warnln("pending replications lost, placement marked infinitely outdated")
			}
		}
	}
	return nil
}

func (e *LazyEngine) replayJournal() error {
	var order []int64
	recovered := make(map[int64]*unitSnapshot)
	owners := make(map[int64]int64)
	var maxDataId, maxReplicationId int64

	if err := e.journal.Replay(func(dat []byte) error {
		var entry journalEntry
		if err := cbor.Unmarshal(dat, &entry); err != nil {
			return fmt.Errorf("decode journal entry: %w", err)
		}
		switch entry.Kind {
		case journalQueued:
			s := entry.Unit
			if s == nil {
				return nil
			}
			if s.Targets == nil {
				s.Targets = make(map[int64]shared.PlacementKey)
			}
			recovered[s.ReplicationDataId] = s
			order = append(order, s.ReplicationDataId)
			maxDataId = max(maxDataId, s.ReplicationDataId)
			for rid := range s.Targets {
				owners[rid] = s.ReplicationDataId
				maxReplicationId = max(maxReplicationId, rid)
			}
		case journalDone:
			if s := recovered[owners[entry.ReplicationId]]; s != nil {
				delete(s.Targets, entry.ReplicationId)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := e.journal.Reset(); err != nil {
		return err
	}
	e.advanceIds(maxDataId, maxReplicationId)

	pending := 0
	for _, id := range order {
		s := recovered[id]
		if len(s.Targets) == 0 {
			continue
		}
		unit := s.unit()
		e.units[id] = unit
		e.journalQueued(unit)
		e.enqueueUnit(unit)
		pending += len(s.Targets)
	}
	if pending > 0 {
		e.log.Infoln("recovered", len(e.units), "replication units with", pending, "pending targets")
	}
	return nil
}
