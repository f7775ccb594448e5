package replication

import (
	"errors"
	"fmt"
	"sync"

	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

var (
	ErrRegistryInitialized    = errors.New("replication engine registry already initialized")
	ErrRegistryNotInitialized = errors.New("replication engine registry not initialized")
	ErrEngineNotFound         = errors.New("no replication engine for strategy")
)

type EngineFactory func() ([]Engine, error)

// Registry maps replication strategies to engines. It is initialized once and read
// afterwards.
type Registry struct {
	sync.RWMutex
	engines     map[shared.ReplicationStrategy]Engine
	initialized bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Initialize(factory EngineFactory) error {
	r.Lock()
	defer r.Unlock()

	if r.initialized {
		return ErrRegistryInitialized
	}
	engines, err := factory()
	if err != nil {
		return err
	}
	m := make(map[shared.ReplicationStrategy]Engine, len(engines))
	for _, e := range engines {
		if _, ok := m[e.Strategy()]; ok {
			return fmt.Errorf("duplicate replication engine for strategy %v", e.Strategy())
		}
		m[e.Strategy()] = e
	}
	r.engines = m
	r.initialized = true
	return nil
}

func (r *Registry) Get(strategy shared.ReplicationStrategy) (Engine, error) {
	r.RLock()
	defer r.RUnlock()

	if !r.initialized {
		return nil, ErrRegistryNotInitialized
	}
	e, ok := r.engines[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotFound, strategy)
	}
	return e, nil
}

func (r *Registry) MustGet(strategy shared.ReplicationStrategy) Engine {
	e, err := r.Get(strategy)
	if err != nil {
		panic(err)
	}
	return e
}

// Lookup adapts the registry to the capture buffer handoff.
func (r *Registry) Lookup(strategy shared.ReplicationStrategy) (cdc.Consumer, error) {
	e, err := r.Get(strategy)
	if err != nil {
		return nil, err
	}
	return e, nil
}
