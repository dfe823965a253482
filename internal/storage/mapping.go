package storage

import (
	"context"
	"time"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
)

// State is the lifecycle state of a mapping record.
type State string

const (
	StateCreating State = "Creating"
	StateActive   State = "Active"
	StateDeleting State = "Deleting"
)

// MappingRecord pairs a local resource with its upstream twin.
type MappingRecord struct {
	SyncKey      string    `json:"sync_key"`
	LocalID      string    `json:"local_id,omitempty"`
	UpstreamID   string    `json:"upstream_id,omitempty"`
	State        State     `json:"state"`
	UpdateDigest string    `json:"update_digest,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ID returns the id on one side.
func (r *MappingRecord) ID(side models.Side) string {
	if side == models.Upstream {
		return r.UpstreamID
	}
	return r.LocalID
}

// Mappings is the mapping store of one resource kind. Lookups return
// (nil, nil) when nothing matches.
type Mappings interface {
	Kind() models.Kind
	GetByLocalID(ctx context.Context, id string) (*MappingRecord, error)
	GetByUpstreamID(ctx context.Context, id string) (*MappingRecord, error)
	GetBySyncKey(ctx context.Context, key string) (*MappingRecord, error)
	// Create inserts a record holding the one id known so far.
	Create(ctx context.Context, key string, side models.Side, id string, state State) (*MappingRecord, error)
	SetLocalID(ctx context.Context, key, id string) (*MappingRecord, error)
	SetUpstreamID(ctx context.Context, key, id string) (*MappingRecord, error)
	SetState(ctx context.Context, key string, state State) (*MappingRecord, error)
	SetUpdateData(ctx context.Context, key, digest string) (*MappingRecord, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*MappingRecord, error)
	ListByState(ctx context.Context, state State) ([]*MappingRecord, error)
	// FixIncorrectState promotes Deleting records that still hold both ids
	// back to Active and returns how many it changed.
	FixIncorrectState(ctx context.Context) (int, error)
}

// GetByID looks a record up by the id of one side.
func GetByID(ctx context.Context, m Mappings, side models.Side, id string) (*MappingRecord, error) {
	if id == "" {
		return nil, nil
	}
	if side == models.Upstream {
		return m.GetByUpstreamID(ctx, id)
	}
	return m.GetByLocalID(ctx, id)
}

// SetID sets the id of one side; an empty id clears it.
func SetID(ctx context.Context, m Mappings, key string, side models.Side, id string) (*MappingRecord, error) {
	if side == models.Upstream {
		return m.SetUpstreamID(ctx, key, id)
	}
	return m.SetLocalID(ctx, key, id)
}
