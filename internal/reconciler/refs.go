package reconciler

import (
	"context"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
)

// StoreRefs answers cross-kind lookups from the mapping store.
type StoreRefs struct {
	Store storage.Store
}

func (s StoreRefs) Lookup(ctx context.Context, kind models.Kind, side models.Side, id string) (*storage.MappingRecord, error) {
	return storage.GetByID(ctx, s.Store.Mappings(kind), side, id)
}
