// Package filter decides which upstream resources are federated, based on
// Storage Connectivity Group membership and name allowlists.
package filter

import (
	"context"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Filter belongs to the synchronizer of one kind. Sync passes judge images
// against the Snapshot they refreshed, event handlers against the latest one.
type Filter struct {
	names     []string
	lister    repository.SCGLister
	allowNets []string
	log       *zap.Logger

	mu     sync.RWMutex
	snap   Snapshot
	scgIDs map[string]string // id -> name
}

// Snapshot is the image membership read by one Refresh. It is never
// modified after Refresh returns it.
type Snapshot struct {
	resolved bool
	images   map[string]bool
}

// Resolved reports whether the Refresh that took the snapshot succeeded.
func (s Snapshot) Resolved() bool { return s.resolved }

func (s Snapshot) HasImage(id string) bool { return s.images[id] }

// New builds a filter over the configured SCG names. networkAllow holds
// shell patterns matched against upstream network names; "*" admits all.
func New(names []string, lister repository.SCGLister, networkAllow []string, log *zap.Logger) *Filter {
	return &Filter{
		names:     append([]string(nil), names...),
		lister:    lister,
		allowNets: append([]string(nil), networkAllow...),
		log:       log,
		scgIDs:    map[string]string{},
	}
}

// Refresh resolves the configured SCG names and reloads the images they
// expose. It fails with SCGNotFound when any name cannot be resolved; the
// current snapshot is then dropped so new upstream resources are not
// adopted until the SCG comes back. Snapshots handed out earlier keep
// their content.
func (f *Filter) Refresh(ctx context.Context) (Snapshot, error) {
	scgs, err := f.lister.ListSCGs(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	byName := make(map[string]string, len(scgs))
	for _, s := range scgs {
		byName[s.Name] = s.ID
	}

	ids := map[string]string{}
	for _, name := range f.names {
		id, ok := byName[name]
		if !ok {
			f.invalidate()
			return Snapshot{}, syncerr.New(syncerr.SCGNotFound, "resolve scg", "storage connectivity group %q not found", name)
		}
		ids[id] = name
	}

	images := map[string]bool{}
	for id, name := range ids {
		list, err := f.lister.ListImageIDsForSCG(ctx, id)
		if err != nil {
			if syncerr.KindOf(err) == syncerr.SCGNotFound {
				f.invalidate()
			}
			return Snapshot{}, err
		}
		for _, img := range list {
			images[img] = true
		}
		f.log.Debug("resolved storage connectivity group", zap.String("scg", name), zap.String("id", id), zap.Int("images", len(list)))
	}

	snap := Snapshot{resolved: true, images: images}
	f.mu.Lock()
	f.snap = snap
	f.scgIDs = ids
	f.mu.Unlock()
	return snap, nil
}

func (f *Filter) invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = Snapshot{}
}

// Snapshot returns the membership of the last Refresh.
func (f *Filter) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

// Resolved reports whether the last Refresh succeeded.
func (f *Filter) Resolved() bool { return f.Snapshot().Resolved() }

// IsAccessible reports whether an upstream resource may be federated.
func (f *Filter) IsAccessible(ctx context.Context, r models.Resource) (bool, error) {
	switch v := r.(type) {
	case *models.Instance:
		if v.SCGID == "" {
			// onboarding instances have no SCG yet
			return true, nil
		}
		if !f.Resolved() {
			return false, syncerr.New(syncerr.SCGNotFound, "filter instance", "storage connectivity group not resolved")
		}
		f.mu.RLock()
		_, ok := f.scgIDs[v.SCGID]
		f.mu.RUnlock()
		return ok, nil
	case *models.Image:
		return f.imageAccessible(ctx, v.ID)
	case *models.Network:
		return f.networkAllowed(v.Name), nil
	}
	return true, nil
}

func (f *Filter) imageAccessible(ctx context.Context, id string) (bool, error) {
	f.mu.RLock()
	resolved, ok := f.snap.resolved, f.snap.images[id]
	ids := make([]string, 0, len(f.scgIDs))
	for scg := range f.scgIDs {
		ids = append(ids, scg)
	}
	f.mu.RUnlock()
	if !resolved {
		return false, syncerr.New(syncerr.SCGNotFound, "filter image", "storage connectivity group not resolved")
	}
	if ok {
		return true, nil
	}
	// The snapshot may predate the image; ask the SCGs directly.
	for _, scg := range ids {
		list, err := f.lister.ListImageIDsForSCG(ctx, scg)
		if err != nil {
			return false, err
		}
		for _, img := range list {
			if img == id {
				f.admitImage(id)
				return true, nil
			}
		}
	}
	return false, nil
}

// admitImage publishes a copy of the current snapshot that also holds id.
func (f *Filter) admitImage(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.snap.resolved {
		return
	}
	images := make(map[string]bool, len(f.snap.images)+1)
	for k := range f.snap.images {
		images[k] = true
	}
	images[id] = true
	f.snap = Snapshot{resolved: true, images: images}
}

// ImageInSnapshot answers from the last Refresh only.
func (f *Filter) ImageInSnapshot(id string) bool { return f.Snapshot().HasImage(id) }

func (f *Filter) networkAllowed(name string) bool {
	for _, p := range f.allowNets {
		if p == "*" {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// SCGNames returns the configured names.
func (f *Filter) SCGNames() []string {
	return append([]string(nil), f.names...)
}
