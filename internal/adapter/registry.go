package adapter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/replication"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

var _ replication.ReplicatorSource = new(Registry)

type Registry struct {
	sync.RWMutex
	stores      map[shared.AdapterId]Store
	replicators map[shared.AdapterId]*Replicator
	catalog     iface.Catalog
}

func NewRegistry(catalog iface.Catalog) *Registry {
	return &Registry{
		stores:      make(map[shared.AdapterId]Store),
		replicators: make(map[shared.AdapterId]*Replicator),
		catalog:     catalog,
	}
}

func (r *Registry) Register(store Store) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.stores[store.Id()]; ok {
		return fmt.Errorf("adapter %d already registered", store.Id())
	}
	r.stores[store.Id()] = store
	r.replicators[store.Id()] = NewReplicator(store, r.catalog)
	return nil
}

func (r *Registry) Store(id shared.AdapterId) (Store, error) {
	r.RLock()
	defer r.RUnlock()

	s, ok := r.stores[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAdapter, id)
	}
	return s, nil
}

func (r *Registry) Replicator(id shared.AdapterId) (replication.DataReplicator, error) {
	r.RLock()
	defer r.RUnlock()

	rep, ok := r.replicators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAdapter, id)
	}
	return rep, nil
}

func (r *Registry) Close() error {
	r.Lock()
	defer r.Unlock()

	var errs []error
	for _, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
