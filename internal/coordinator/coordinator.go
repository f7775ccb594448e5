// Package coordinator is the composition root of a replicator node. It wires the
// catalog, the adapters, the capture buffer, the engine registry, the transaction
// manager and the executor from one configuration.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/meidoworks/nekoq-replicator/config"
	"github.com/meidoworks/nekoq-replicator/internal/adapter"
	"github.com/meidoworks/nekoq-replicator/internal/adapter/kvstore"
	"github.com/meidoworks/nekoq-replicator/internal/adapter/sqlstore"
	"github.com/meidoworks/nekoq-replicator/internal/catalog"
	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/executor"
	"github.com/meidoworks/nekoq-replicator/internal/replication"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/internal/storage"
	"github.com/meidoworks/nekoq-replicator/internal/txn"
	"github.com/meidoworks/nekoq-replicator/internal/wal"
	"github.com/meidoworks/nekoq-replicator/logging"
)

type Coordinator struct {
	config *config.Config

	catalog  *catalog.MemCatalog
	stores   *adapter.Registry
	buffer   *cdc.Buffer
	engines  *replication.Registry
	lazy     *replication.LazyEngine
	manager  *txn.Manager
	executor *executor.Executor
	journal  *wal.DiskWal
	closed   bool

	// Fs hosts the lazy journal.
	Fs afero.Fs

	log *logrus.Entry
}

func New(c *config.Config) *Coordinator {
	return &Coordinator{
		config: c,
		Fs:     afero.NewOsFs(),
		log:    logging.Component("coordinator"),
	}
}

// Initialize builds every component. A failure closes what was opened so far.
func (c *Coordinator) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if err := c.setupCatalog(); err != nil {
		return err
	}
	c.stores = adapter.NewRegistry(c.catalog)
	if err := c.setupAdapters(); err != nil {
		return err
	}
	if err := c.setupTables(ctx); err != nil {
		return err
	}
	if err := c.catalog.Initialize(); err != nil {
		return fmt.Errorf("restore placement state: %w", err)
	}

	if c.config.Lazy.JournalFolder != "" {
		c.journal = wal.NewDiskWal(c.Fs, c.config.Resolve(c.config.Lazy.JournalFolder))
		if _, err := c.journal.Initialize(); err != nil {
			return fmt.Errorf("open lazy journal: %w", err)
		}
	}

	c.buffer = cdc.NewBuffer(shared.StrategyLazy)
	c.engines = replication.NewRegistry()
	c.manager = txn.NewManager(c.buffer, c.engines.Lookup)
	c.executor = executor.New(c.catalog, c.stores, c.buffer)

	lazyConfig := replication.LazyConfig{
		Workers:       c.config.Lazy.Workers,
		FailThreshold: c.config.Lazy.FailThreshold,
		RetryBackoff:  c.config.Lazy.RetryBackoff(),
		Automatic:     c.config.Lazy.Automatic,
	}
	if c.journal != nil {
		c.lazy = replication.NewLazyEngine(lazyConfig, c.catalog, c.manager, c.stores, c.journal)
	} else {
		c.lazy = replication.NewLazyEngine(lazyConfig, c.catalog, c.manager, c.stores, nil)
	}
	c.lazy.SetCaptureEnabled(c.config.Capture.Enabled)
	if err := c.engines.Initialize(func() ([]replication.Engine, error) {
		return []replication.Engine{c.lazy}, nil
	}); err != nil {
		return err
	}
	if err := c.lazy.Recover(); err != nil {
		return fmt.Errorf("recover lazy replication: %w", err)
	}
	c.log.Infoln("initialized with", len(c.config.Adapters), "adapters and", len(c.config.Tables), "tables")
	return nil
}

func (c *Coordinator) setupCatalog() error {
	if c.config.Main.StateFolder == "" {
		c.catalog = catalog.NewMemCatalog(nil)
		return nil
	}
	state, err := storage.NewDiskvStorage(c.config.Resolve(c.config.Main.StateFolder))
	if err != nil {
		return fmt.Errorf("open state folder: %w", err)
	}
	c.catalog = catalog.NewMemCatalog(state)
	return nil
}

func (c *Coordinator) setupAdapters() error {
	for _, ac := range c.config.Adapters {
		store, err := c.openStore(ac)
		if err != nil {
			return fmt.Errorf("open adapter %d: %w", ac.Id, err)
		}
		if err := c.stores.Register(store); err != nil {
			_ = store.Close()
			return err
		}
		if err := c.catalog.AddAdapter(shared.Adapter{
			Id:     shared.AdapterId(ac.Id),
			Name:   ac.Name,
			Family: store.Family(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) openStore(ac config.AdapterConfig) (adapter.Store, error) {
	id := shared.AdapterId(ac.Id)
	switch ac.Family {
	case config.FamilySQL:
		return sqlstore.Open(id, c.config.Resolve(ac.Path))
	case config.FamilyKV:
		if ac.Addr != "" {
			return kvstore.New(id, storage.NewRespStorage(ac.Addr)), nil
		}
		kvs, err := storage.NewDiskvStorage(c.config.Resolve(ac.Path))
		if err != nil {
			return nil, err
		}
		return kvstore.New(id, kvs), nil
	default:
		return nil, fmt.Errorf("%w: unknown adapter family %q", config.ErrInvalidConfig, ac.Family)
	}
}

func (c *Coordinator) setupTables(ctx context.Context) error {
	for _, tc := range c.config.Tables {
		table := &shared.Table{
			Id:              shared.TableId(tc.Id),
			Name:            tc.Name,
			Columns:         tc.Columns,
			PrimaryKey:      tc.PrimaryKey,
			PartitionColumn: tc.PartitionColumn,
			Partitions:      partitionIds(tc.Partitions),
		}
		if err := c.catalog.AddTable(table); err != nil {
			return err
		}
		for _, pc := range tc.Placements {
			strategy, err := shared.ParseReplicationStrategy(pc.Strategy)
			if err != nil {
				return err
			}
			placement := shared.DataPlacement{
				TableId:    table.Id,
				AdapterId:  shared.AdapterId(pc.Adapter),
				Strategy:   strategy,
				Partitions: partitionIds(tc.PlacementPartitions(pc)),
			}
			if err := c.catalog.AddDataPlacement(placement); err != nil {
				return err
			}
			store, err := c.stores.Store(placement.AdapterId)
			if err != nil {
				return err
			}
			for _, p := range placement.Partitions {
				if err := store.EnsurePartition(ctx, table, p); err != nil {
					return fmt.Errorf("create partition %d of %s on adapter %d: %w", p, table.Name, placement.AdapterId, err)
				}
			}
		}
	}
	return nil
}

func partitionIds(ids []int64) []shared.PartitionId {
	r := make([]shared.PartitionId, 0, len(ids))
	for _, id := range ids {
		r = append(r, shared.PartitionId(id))
	}
	return r
}

// Start begins background delivery.
func (c *Coordinator) Start() {
	c.lazy.Start()
}

func (c *Coordinator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.lazy != nil {
		errs = append(errs, c.lazy.Close())
	}
	if c.journal != nil {
		errs = append(errs, c.journal.Close())
	}
	if c.stores != nil {
		errs = append(errs, c.stores.Close())
	}
	return errors.Join(errs...)
}

func (c *Coordinator) Catalog() *catalog.MemCatalog {
	return c.catalog
}

func (c *Coordinator) Stores() *adapter.Registry {
	return c.stores
}

func (c *Coordinator) Buffer() *cdc.Buffer {
	return c.buffer
}

func (c *Coordinator) Engines() *replication.Registry {
	return c.engines
}

func (c *Coordinator) Lazy() *replication.LazyEngine {
	return c.lazy
}

func (c *Coordinator) Manager() *txn.Manager {
	return c.manager
}

func (c *Coordinator) Executor() *executor.Executor {
	return c.executor
}
