// Package repository defines the capability interfaces the synchronizer
// consumes from a control plane, plus the in-memory and REST implementations.
package repository

import (
	"context"
	"time"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
)

// ListOptions are the list filters the synchronizer knows about. Zero values
// mean "not set".
type ListOptions struct {
	Limit      int
	IsPublic   *bool
	AllTenants bool
	DeviceID   string
	TenantID   string
	NetworkID  string
}

// Delta is an update request: attribute replacement, property patch and a
// property remove-list.
type Delta struct {
	Attrs       models.Fields
	Props       map[string]string
	RemoveProps []string
}

func (d Delta) Empty() bool {
	return len(d.Attrs) == 0 && len(d.Props) == 0 && len(d.RemoveProps) == 0
}

// Apply mutates r in place. Repositories that keep resources in memory use it.
func (d Delta) Apply(r models.Resource) error {
	if len(d.Attrs) > 0 {
		if err := r.SetAttrs(d.Attrs); err != nil {
			return err
		}
	}
	meta := r.Base()
	for k, v := range d.Props {
		meta.SetProperty(k, v)
	}
	for _, k := range d.RemoveProps {
		delete(meta.Properties, k)
	}
	return nil
}

// Repository is CRUD over one resource kind on one control plane.
type Repository interface {
	Kind() models.Kind
	List(ctx context.Context, opts ListOptions) ([]models.Resource, error)
	Get(ctx context.Context, id string) (models.Resource, error)
	Create(ctx context.Context, r models.Resource) (models.Resource, error)
	Update(ctx context.Context, id string, d Delta) (models.Resource, error)
	Delete(ctx context.Context, id string) error
}

// ControlPlane hands out per-kind repositories. Optional capabilities below
// are discovered with a type assertion on the ControlPlane.
type ControlPlane interface {
	Resources(kind models.Kind) Repository
	Close() error
}

// Action is the normalized lifecycle action of a notification.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Notification is one decoded bus event. Resource is nil when the payload
// only carried an id.
type Notification struct {
	EventType  string
	Kind       models.Kind
	Action     Action
	ResourceID string
	Resource   models.Resource
	Timestamp  time.Time
}

type Handler func(Notification)

// Subscription is an active notification subscription.
type Subscription interface {
	Unsubscribe() error
}

// Notifier delivers notifications whose event type is in topics.
type Notifier interface {
	Subscribe(ctx context.Context, topics []string, h Handler) (Subscription, error)
}

// SCG is a Storage Connectivity Group.
type SCG struct {
	ID   string `json:"id"`
	Name string `json:"display_name"`
}

// SCGLister is implemented by upstream control planes.
type SCGLister interface {
	ListSCGs(ctx context.Context) ([]SCG, error)
	ListImageIDsForSCG(ctx context.Context, scgID string) ([]string, error)
}

// ImageActivator finalizes a queued image through the v1-style create API.
type ImageActivator interface {
	ActivateImage(ctx context.Context, id, location string) (models.Resource, error)
}

// IdentityResolver maps staging project and user names to ids.
type IdentityResolver interface {
	ProjectID(ctx context.Context, name string) (string, error)
	UserID(ctx context.Context, name string) (string, error)
}

// HostStats is the capacity an upstream reports for its hosts.
type HostStats struct {
	VCPUs    int64 `json:"vcpus"`
	MemoryMB int64 `json:"memory_mb"`
	DiskGB   int64 `json:"local_gb"`
}

type HostStatsReader interface {
	HostStats(ctx context.Context) (HostStats, error)
}
