package catalog

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

var (
	ErrUnknownAdapter   = errors.New("unknown adapter")
	ErrUnknownTable     = errors.New("unknown table")
	ErrUnknownPlacement = errors.New("unknown placement")
	ErrDuplicate        = errors.New("duplicate catalog entry")
)

var _ iface.Catalog = new(MemCatalog)

// MemCatalog keeps placement metadata in memory. Partition placement state and update
// information are written through to an optional KVStorage and restored by Initialize.
type MemCatalog struct {
	sync.RWMutex

	adapters            map[shared.AdapterId]shared.Adapter
	tables              map[shared.TableId]*shared.Table
	dataPlacements      map[shared.TableId][]shared.DataPlacement
	partitionPlacements map[shared.PlacementKey]*shared.PartitionPlacement

	store iface.KVStorage
	log   *logrus.Entry
}

func NewMemCatalog(store iface.KVStorage) *MemCatalog {
	return &MemCatalog{
		adapters:            make(map[shared.AdapterId]shared.Adapter),
		tables:              make(map[shared.TableId]*shared.Table),
		dataPlacements:      make(map[shared.TableId][]shared.DataPlacement),
		partitionPlacements: make(map[shared.PlacementKey]*shared.PartitionPlacement),
		store:               store,
		log:                 logging.Component("catalog"),
	}
}

func (c *MemCatalog) AddAdapter(a shared.Adapter) error {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.adapters[a.Id]; ok {
		return fmt.Errorf("%w: adapter %d", ErrDuplicate, a.Id)
	}
	c.adapters[a.Id] = a
	return nil
}

func (c *MemCatalog) AddTable(t *shared.Table) error {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.tables[t.Id]; ok {
		return fmt.Errorf("%w: table %d", ErrDuplicate, t.Id)
	}
	if len(t.Partitions) == 0 {
		return fmt.Errorf("table %s has no partitions", t.Name)
	}
	if t.PartitionColumn != "" && !t.HasColumn(t.PartitionColumn) {
		return fmt.Errorf("table %s: partition column %s is not a column", t.Name, t.PartitionColumn)
	}
	for _, pk := range t.PrimaryKey {
		if !t.HasColumn(pk) {
			return fmt.Errorf("table %s: primary key column %s is not a column", t.Name, pk)
		}
	}
	// partition ids are global, a placement key does not carry the table
	for i, part := range t.Partitions {
		if slices.Contains(t.Partitions[:i], part) {
			return fmt.Errorf("%w: table %s lists partition %d twice", ErrDuplicate, t.Name, part)
		}
		for _, other := range c.tables {
			if slices.Contains(other.Partitions, part) {
				return fmt.Errorf("%w: partition %d of table %s belongs to table %s", ErrDuplicate, part, t.Name, other.Name)
			}
		}
	}
	c.tables[t.Id] = cloneTable(t)
	return nil
}

// AddDataPlacement places the given partitions of a table on an adapter. Every partition
// placement starts up to date.
func (c *MemCatalog) AddDataPlacement(p shared.DataPlacement) error {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.adapters[p.AdapterId]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAdapter, p.AdapterId)
	}
	t, ok := c.tables[p.TableId]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTable, p.TableId)
	}
	for _, existing := range c.dataPlacements[p.TableId] {
		if existing.AdapterId == p.AdapterId {
			return fmt.Errorf("%w: table %d already placed on adapter %d", ErrDuplicate, p.TableId, p.AdapterId)
		}
	}
	for _, part := range p.Partitions {
		if !slices.Contains(t.Partitions, part) {
			return fmt.Errorf("table %s has no partition %d", t.Name, part)
		}
	}
	p.Partitions = slices.Clone(p.Partitions)
	c.dataPlacements[p.TableId] = append(c.dataPlacements[p.TableId], p)
	for _, part := range p.Partitions {
		c.partitionPlacements[shared.PlacementKey{PartitionId: part, AdapterId: p.AdapterId}] = &shared.PartitionPlacement{
			TableId:     p.TableId,
			PartitionId: part,
			AdapterId:   p.AdapterId,
			Strategy:    p.Strategy,
			State:       shared.StateUpToDate,
		}
	}
	return nil
}

func (c *MemCatalog) Adapter(id shared.AdapterId) (shared.Adapter, error) {
	c.RLock()
	defer c.RUnlock()

	a, ok := c.adapters[id]
	if !ok {
		return shared.Adapter{}, fmt.Errorf("%w: %d", ErrUnknownAdapter, id)
	}
	return a, nil
}

func (c *MemCatalog) Table(id shared.TableId) (*shared.Table, error) {
	c.RLock()
	defer c.RUnlock()

	t, ok := c.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, id)
	}
	return cloneTable(t), nil
}

func (c *MemCatalog) Tables() []*shared.Table {
	c.RLock()
	defer c.RUnlock()

	result := make([]*shared.Table, 0, len(c.tables))
	for _, t := range c.tables {
		result = append(result, cloneTable(t))
	}
	slices.SortFunc(result, func(a, b *shared.Table) int {
		return cmp.Compare(a.Id, b.Id)
	})
	return result
}

func (c *MemCatalog) DataPlacements(table shared.TableId) ([]shared.DataPlacement, error) {
	return c.filterDataPlacements(table, func(shared.DataPlacement) bool { return true })
}

func (c *MemCatalog) SecondaryDataPlacements(table shared.TableId, strategy shared.ReplicationStrategy) ([]shared.DataPlacement, error) {
	return c.filterDataPlacements(table, func(p shared.DataPlacement) bool {
		return strategy != shared.StrategyEager && p.Strategy == strategy
	})
}

func (c *MemCatalog) filterDataPlacements(table shared.TableId, keep func(shared.DataPlacement) bool) ([]shared.DataPlacement, error) {
	c.RLock()
	defer c.RUnlock()

	if _, ok := c.tables[table]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}
	var result []shared.DataPlacement
	for _, p := range c.dataPlacements[table] {
		if keep(p) {
			p.Partitions = slices.Clone(p.Partitions)
			result = append(result, p)
		}
	}
	return result, nil
}

func (c *MemCatalog) PartitionPlacement(key shared.PlacementKey) (shared.PartitionPlacement, error) {
	c.RLock()
	defer c.RUnlock()

	p, ok := c.partitionPlacements[key]
	if !ok {
		return shared.PartitionPlacement{}, fmt.Errorf("%w: %v", ErrUnknownPlacement, key)
	}
	return *p, nil
}

func (c *MemCatalog) PartitionPlacementsByTable(table shared.TableId) ([]shared.PartitionPlacement, error) {
	c.RLock()
	defer c.RUnlock()

	if _, ok := c.tables[table]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}
	return c.collectPartitionPlacements(func(p *shared.PartitionPlacement) bool {
		return p.TableId == table
	}), nil
}

func (c *MemCatalog) PartitionPlacementsByAdapter(adapter shared.AdapterId) ([]shared.PartitionPlacement, error) {
	c.RLock()
	defer c.RUnlock()

	if _, ok := c.adapters[adapter]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAdapter, adapter)
	}
	return c.collectPartitionPlacements(func(p *shared.PartitionPlacement) bool {
		return p.AdapterId == adapter
	}), nil
}

func (c *MemCatalog) collectPartitionPlacements(keep func(p *shared.PartitionPlacement) bool) []shared.PartitionPlacement {
	var result []shared.PartitionPlacement
	for _, p := range c.partitionPlacements {
		if keep(p) {
			result = append(result, *p)
		}
	}
	slices.SortFunc(result, func(a, b shared.PartitionPlacement) int {
		if a.TableId != b.TableId {
			return cmp.Compare(a.TableId, b.TableId)
		}
		if a.PartitionId != b.PartitionId {
			return cmp.Compare(a.PartitionId, b.PartitionId)
		}
		return cmp.Compare(a.AdapterId, b.AdapterId)
	})
	return result
}

func (c *MemCatalog) UpdatePartitionPlacementProperties(key shared.PlacementKey, info shared.UpdateInformation) error {
	c.Lock()
	defer c.Unlock()

	p, ok := c.partitionPlacements[key]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownPlacement, key)
	}
	p.UpdateInformation = info
	return c.persist(p)
}

func (c *MemCatalog) CompareAndSetPlacementState(key shared.PlacementKey, expect, update shared.PlacementState) (bool, error) {
	c.Lock()
	defer c.Unlock()

	p, ok := c.partitionPlacements[key]
	if !ok {
		return false, fmt.Errorf("%w: %v", ErrUnknownPlacement, key)
	}
	if p.State != expect {
		return false, nil
	}
	p.State = update
	c.log.WithField("placement", key.String()).Debugln("placement state changed from", expect, "to", update)
	return true, c.persist(p)
}

func cloneTable(t *shared.Table) *shared.Table {
	n := *t
	n.Columns = slices.Clone(t.Columns)
	n.PrimaryKey = slices.Clone(t.PrimaryKey)
	n.Partitions = slices.Clone(t.Partitions)
	return &n
}
