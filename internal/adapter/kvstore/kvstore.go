package kvstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/adapter"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
	"github.com/meidoworks/nekoq-replicator/logging"
)

const Family = "kv"

var _ adapter.Store = new(KVStore)

// KVStore keeps rows as cbor documents in a key value storage. Keys are
// r_<table>_<partition>_<hex encoded primary key>.
type KVStore struct {
	id      shared.AdapterId
	storage iface.KVStorage
	log     *logrus.Entry
}

func New(id shared.AdapterId, storage iface.KVStorage) *KVStore {
	return &KVStore{
		id:      id,
		storage: storage,
		log:     logging.Component("adapter.kv").WithField("adapter", id),
	}
}

func (k *KVStore) Id() shared.AdapterId {
	return k.id
}

func (k *KVStore) Family() string {
	return Family
}

func (k *KVStore) Close() error {
	if c, ok := k.storage.(iface.ClosableStorage); ok {
		return c.Close()
	}
	return nil
}

// EnsurePartition has nothing to create, partitions are key prefixes.
func (k *KVStore) EnsurePartition(context.Context, *shared.Table, shared.PartitionId) error {
	return nil
}

func partitionPrefix(table shared.TableId, partition shared.PartitionId) string {
	return fmt.Sprintf("r_%d_%d_", table, partition)
}

func rowKey(table *shared.Table, partition shared.PartitionId, row shared.Row) (string, error) {
	pk, err := table.KeyOf(row)
	if err != nil {
		return "", err
	}
	dat, err := shared.Cbor.Marshal(pk)
	if err != nil {
		return "", err
	}
	return partitionPrefix(table.Id, partition) + hex.EncodeToString(dat), nil
}

func encodeRow(row shared.Row) ([]byte, error) {
	return shared.Cbor.Marshal(map[string]any(row))
}

func decodeRow(dat []byte) (shared.Row, error) {
	var m map[string]any
	if err := cbor.Unmarshal(dat, &m); err != nil {
		return nil, err
	}
	row := make(shared.Row, len(m))
	for c, v := range m {
		row[c] = shared.NormalizeValue(v)
	}
	return row, nil
}

func (k *KVStore) ScanPartition(_ context.Context, table *shared.Table, partition shared.PartitionId) ([]shared.Row, error) {
	entries, err := scan(k.storage, nil, partitionPrefix(table.Id, partition))
	if err != nil {
		return nil, err
	}
	rows := make([]shared.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, e.row)
	}
	return rows, nil
}

func (k *KVStore) ReplacePartition(_ context.Context, tx iface.Transaction, table *shared.Table, target shared.PlacementKey, rows []shared.Row) error {
	p, err := k.participant(tx)
	if err != nil {
		return err
	}
	p.Lock()
	defer p.Unlock()

	existing, err := scan(k.storage, p, partitionPrefix(table.Id, target.PartitionId))
	if err != nil {
		return err
	}
	for _, e := range existing {
		p.delete(e.key)
	}
	for _, row := range rows {
		key, err := rowKey(table, target.PartitionId, row)
		if err != nil {
			return err
		}
		dat, err := encodeRow(row)
		if err != nil {
			return err
		}
		p.put(key, dat)
	}
	return nil
}

// participant buffers the writes of one transaction and applies them on commit.
type participant struct {
	sync.Mutex
	storage iface.KVStorage
	writes  map[string][]byte // nil value marks a delete
	order   []string
}

func (p *participant) put(key string, value []byte) {
	if _, ok := p.writes[key]; !ok {
		p.order = append(p.order, key)
	}
	p.writes[key] = value
}

func (p *participant) delete(key string) {
	p.put(key, nil)
}

func (p *participant) Commit() error {
	p.Lock()
	defer p.Unlock()

	for _, key := range p.order {
		v := p.writes[key]
		var err error
		if v == nil {
			err = p.storage.Delete([]byte(key))
		} else {
			err = p.storage.Put([]byte(key), v)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", key, err)
		}
	}
	p.writes = nil
	p.order = nil
	return nil
}

func (p *participant) Rollback() error {
	p.Lock()
	defer p.Unlock()

	p.writes = nil
	p.order = nil
	return nil
}

func (k *KVStore) participant(tx iface.Transaction) (*participant, error) {
	p, err := tx.Participant(fmt.Sprintf("kv/%d", k.id), func() (iface.Participant, error) {
		return &participant{
			storage: k.storage,
			writes:  make(map[string][]byte),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return p.(*participant), nil
}

type entry struct {
	key string
	row shared.Row
}

// scan lists the rows under prefix as seen by p, or the committed rows when p is nil.
func scan(storage iface.KVStorage, p *participant, prefix string) ([]entry, error) {
	keys, err := storage.Keys(prefix)
	if err != nil {
		return nil, err
	}
	if p != nil {
		for _, key := range p.order {
			if strings.HasPrefix(key, prefix) && !slices.Contains(keys, key) {
				keys = append(keys, key)
			}
		}
		slices.Sort(keys)
	}
	result := make([]entry, 0, len(keys))
	for _, key := range keys {
		var dat []byte
		if v, ok := overlay(p, key); ok {
			if v == nil {
				continue
			}
			dat = v
		} else {
			v, found, err := storage.Get([]byte(key))
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			dat = v
		}
		row, err := decodeRow(dat)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		result = append(result, entry{key: key, row: row})
	}
	return result, nil
}

func overlay(p *participant, key string) ([]byte, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.writes[key]
	return v, ok
}
