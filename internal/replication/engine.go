package replication

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

// Engine replicates committed modifications to the secondary placements of one
// replication strategy.
type Engine interface {
	cdc.Consumer

	Strategy() shared.ReplicationStrategy
	CaptureEnabled() bool
	SetCaptureEnabled(enabled bool)

	ReplicateAll(ctx context.Context) error
	ReplicateTable(ctx context.Context, table shared.TableId) error
	ReplicateTableOnAdapter(ctx context.Context, table shared.TableId, adapter shared.AdapterId) error
	ReplicateAdapter(ctx context.Context, adapter shared.AdapterId) error
}

// Queuer delivers batches of units. It is the strategy specific part of an engine.
type Queuer interface {
	QueueReplicationData(units []*ReplicationUnit)
}

// BaseEngine turns capture records into replication units and hands them to a Queuer.
type BaseEngine struct {
	strategy shared.ReplicationStrategy
	catalog  iface.Catalog
	queuer   Queuer

	captureEnabled *atomic.Bool
	dataIds        *atomic.Int64
	replicationIds *atomic.Int64

	log *logrus.Entry
}

func NewBaseEngine(strategy shared.ReplicationStrategy, catalog iface.Catalog, queuer Queuer) *BaseEngine {
	return &BaseEngine{
		strategy:       strategy,
		catalog:        catalog,
		queuer:         queuer,
		captureEnabled: atomic.NewBool(true),
		dataIds:        atomic.NewInt64(0),
		replicationIds: atomic.NewInt64(0),
		log:            logging.Component("replication").WithField("strategy", strategy.String()),
	}
}

func (e *BaseEngine) Strategy() shared.ReplicationStrategy {
	return e.strategy
}

func (e *BaseEngine) CaptureEnabled() bool {
	return e.captureEnabled.Load()
}

func (e *BaseEngine) SetCaptureEnabled(enabled bool) {
	if e.captureEnabled.Swap(enabled) != enabled {
		e.log.Infoln("capture of data modifications enabled:", enabled)
	}
}

// RegisterCaptureObjects transforms the records of one committed transaction and queues
// the resulting units as a single batch in statement order.
func (e *BaseEngine) RegisterCaptureObjects(records []*cdc.CaptureRecord, commitTimestamp time.Time) {
	if len(records) == 0 {
		return
	}
	if !e.captureEnabled.Load() {
		e.log.Debugln("capture disabled, dropping", len(records), "capture records")
		return
	}
	var batch []*ReplicationUnit
	for _, record := range records {
		unit, err := e.Transform(record, commitTimestamp)
		if err != nil {
			e.log.WithFields(logrus.Fields{
				"tx":   record.TransactionId,
				"stmt": record.StatementId,
			}).Errorln("transform capture record failed:", err)
			continue
		}
		if unit != nil {
			batch = append(batch, unit)
		}
	}
	if len(batch) == 0 {
		e.log.WithField("tx", records[0].TransactionId).Debugln("capture records produced no replication units")
		return
	}
	e.queuer.QueueReplicationData(batch)
}

// Transform resolves the partition placements of this strategy touched by record. It
// returns nil when no placement needs the change. Permanently outdated placements are
// not targeted since only a manual re-sync can bring them back.
func (e *BaseEngine) Transform(record *cdc.CaptureRecord, commitTimestamp time.Time) (*ReplicationUnit, error) {
	placements, err := e.catalog.SecondaryDataPlacements(record.TableId(), e.strategy)
	if err != nil {
		return nil, err
	}
	var keys []shared.PlacementKey
	for _, placement := range placements {
		for _, partition := range placement.Partitions {
			if !record.Accesses(partition) {
				continue
			}
			key := shared.PlacementKey{PartitionId: partition, AdapterId: placement.AdapterId}
			pp, err := e.catalog.PartitionPlacement(key)
			if err != nil {
				return nil, err
			}
			if pp.State == shared.StateInfinitelyOutdated {
				e.log.WithField("placement", key.String()).Debugln("skip infinitely outdated placement")
				continue
			}
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	targets := make(map[int64]shared.PlacementKey, len(keys))
	for _, key := range keys {
		targets[e.replicationIds.Inc()] = key
	}
	return newReplicationUnit(e.dataIds.Inc(), record.TransactionId, commitTimestamp, record.Modification, targets), nil
}

// advanceIds moves both generators past recovered ids.
func (e *BaseEngine) advanceIds(dataId, replicationId int64) {
	raise := func(gen *atomic.Int64, v int64) {
		for {
			cur := gen.Load()
			if cur >= v || gen.CompareAndSwap(cur, v) {
				return
			}
		}
	}
	raise(e.dataIds, dataId)
	raise(e.replicationIds, replicationId)
}
