package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

const resyncOrigin = "Manual Re-Sync"

// ReplicateAll re-synchronizes every lazy partition placement.
func (e *LazyEngine) ReplicateAll(ctx context.Context) error {
	var placements []shared.PartitionPlacement
	for _, t := range e.catalog.Tables() {
		pps, err := e.catalog.PartitionPlacementsByTable(t.Id)
		if err != nil {
			return err
		}
		placements = append(placements, pps...)
	}
	return e.resyncPlacements(ctx, placements)
}

func (e *LazyEngine) ReplicateTable(ctx context.Context, table shared.TableId) error {
	placements, err := e.catalog.PartitionPlacementsByTable(table)
	if err != nil {
		return err
	}
	return e.resyncPlacements(ctx, placements)
}

func (e *LazyEngine) ReplicateTableOnAdapter(ctx context.Context, table shared.TableId, adapter shared.AdapterId) error {
	placements, err := e.catalog.PartitionPlacementsByTable(table)
	if err != nil {
		return err
	}
	var selected []shared.PartitionPlacement
	for _, pp := range placements {
		if pp.AdapterId == adapter && pp.Strategy == e.strategy {
			selected = append(selected, pp)
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("%w: table %d on adapter %d", ErrNoLazyPlacement, table, adapter)
	}
	return e.resyncPlacements(ctx, selected)
}

func (e *LazyEngine) ReplicateAdapter(ctx context.Context, adapter shared.AdapterId) error {
	placements, err := e.catalog.PartitionPlacementsByAdapter(adapter)
	if err != nil {
		return err
	}
	return e.resyncPlacements(ctx, placements)
}

// resyncPlacements brings every lazy placement up to date. Infinitely outdated
// placements are copied from the primary, the others drain their queue right away. A
// failing placement does not stop the others.
func (e *LazyEngine) resyncPlacements(ctx context.Context, placements []shared.PartitionPlacement) error {
	var errs []error
	for _, pp := range placements {
		if pp.Strategy != e.strategy {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var err error
		if pp.State == shared.StateInfinitelyOutdated {
			err = e.copyFromPrimary(ctx, pp)
		} else {
			err = e.drain(ctx, pp.Key())
		}
		if err != nil {
			e.log.WithField("placement", pp.Key().String()).Errorln("re-sync failed:", err)
			errs = append(errs, fmt.Errorf("re-sync %v: %w", pp.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// drain delivers the queued changes of key in the calling goroutine regardless of the
// automatic setting.
func (e *LazyEngine) drain(ctx context.Context, key shared.PlacementKey) error {
	e.Lock()
	defer e.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	q := e.acquire(key)
	defer e.release(key, q)
	for len(q.entries) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := q.entries[0]
		unit := e.units[entry.dataId]
		if unit != nil {
			e.Unlock()
			_, err := e.deliver(ctx, key, unit, entry.replicationId)
			e.Lock()
			if err != nil {
				return err
			}
		}
		q.entries = q.entries[1:]
		e.dropTarget(entry)
	}
	return nil
}

// copyFromPrimary replaces the content of an infinitely outdated placement with the
// partition content of the table's primary placement, then drains the changes queued
// while copying. A failed copy leaves the placement infinitely outdated.
func (e *LazyEngine) copyFromPrimary(ctx context.Context, pp shared.PartitionPlacement) error {
	table, err := e.catalog.Table(pp.TableId)
	if err != nil {
		return err
	}
	primary, err := e.primaryAdapter(pp.TableId, pp.PartitionId)
	if err != nil {
		return err
	}
	src, err := e.replicators.Replicator(primary)
	if err != nil {
		return err
	}
	dst, err := e.replicators.Replicator(pp.AdapterId)
	if err != nil {
		return err
	}
	key := pp.Key()

	// Commits transformed from here on queue behind the copy and are applied on top of it.
	e.Lock()
	if e.closed {
		e.Unlock()
		return ErrEngineClosed
	}
	q := e.acquire(key)
	if !e.setPlacementState(key, shared.StateInfinitelyOutdated, shared.StateOutdated) {
		e.release(key, q)
		e.Unlock()
		return e.drain(ctx, key)
	}
	e.Unlock()

	rows, tx, err := e.copyRows(ctx, src, dst, table, key)

	e.Lock()
	if err != nil {
		e.markStale(key, q)
	}
	e.release(key, q)
	e.Unlock()
	if err != nil {
		return err
	}

	if err := e.catalog.UpdatePartitionPlacementProperties(key, shared.UpdateInformation{
		CommitTimestamp: tx.CommitTimestamp(),
		UpdateTimestamp: tx.CommitTimestamp(),
		Modifications:   int64(len(rows)),
	}); err != nil {
		return err
	}
	e.log.WithField("placement", key.String()).Infoln("copied", len(rows), "rows from primary adapter", primary)
	return e.drain(ctx, key)
}

func (e *LazyEngine) copyRows(ctx context.Context, src, dst DataReplicator, table *shared.Table, key shared.PlacementKey) ([]shared.Row, iface.Transaction, error) {
	rows, err := src.ScanPartition(ctx, table, key.PartitionId)
	if err != nil {
		return nil, nil, err
	}
	tx, err := e.txManager.StartTransaction(resyncOrigin, false)
	if err != nil {
		return nil, nil, err
	}
	if err := dst.ReplacePartition(ctx, tx, table, key, rows); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			e.log.Errorln("rollback re-sync transaction failed:", rerr)
		}
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return rows, tx, nil
}

func (e *LazyEngine) primaryAdapter(table shared.TableId, partition shared.PartitionId) (shared.AdapterId, error) {
	placements, err := e.catalog.DataPlacements(table)
	if err != nil {
		return 0, err
	}
	for _, p := range placements {
		if p.Strategy == shared.StrategyEager && p.Owns(partition) {
			return p.AdapterId, nil
		}
	}
	return 0, fmt.Errorf("%w: table %d partition %d", ErrNoPrimaryPlacement, table, partition)
}
