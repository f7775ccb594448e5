package catalog

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

type persistedPlacement struct {
	State             shared.PlacementState    `cbor:"1,keyasint"`
	UpdateInformation shared.UpdateInformation `cbor:"2,keyasint"`
}

func placementStorageKey(key shared.PlacementKey) []byte {
	return []byte(fmt.Sprintf("placement_%d_%d", key.PartitionId, key.AdapterId))
}

// Initialize restores persisted state of the registered partition placements.
// Placements without a persisted record keep their initial state.
func (c *MemCatalog) Initialize() error {
	if c.store == nil {
		return nil
	}
	c.Lock()
	defer c.Unlock()

	for key, p := range c.partitionPlacements {
		dat, found, err := c.store.Get(placementStorageKey(key))
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		var v persistedPlacement
		if err := cbor.Unmarshal(dat, &v); err != nil {
			return fmt.Errorf("decode placement %v: %w", key, err)
		}
		p.State = v.State
		p.UpdateInformation = v.UpdateInformation
		if p.State == shared.StateInfinitelyOutdated {
			c.log.WithField("placement", key.String()).Warnln("restored placement is infinitely outdated, manual re-sync required")
		}
	}
	return nil
}

func (c *MemCatalog) persist(p *shared.PartitionPlacement) error {
	if c.store == nil {
		return nil
	}
	dat, err := shared.Cbor.Marshal(persistedPlacement{
		State:             p.State,
		UpdateInformation: p.UpdateInformation,
	})
	if err != nil {
		return err
	}
	return c.store.Put(placementStorageKey(p.Key()), dat)
}
