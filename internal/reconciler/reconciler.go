// Package reconciler applies change events and periodic sync passes for one
// resource kind. A Reconciler is driven by a single goroutine; it is the only
// writer of the mapping records, the master cache, the timestamp table and
// the echo set of its kind.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/echo"
	"github.com/openstack-archive/powervc-driver-sub000/internal/filter"
	"github.com/openstack-archive/powervc-driver-sub000/internal/merge"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/poll"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/translate"
)

// Config tunes one reconciler.
type Config struct {
	// PortCreateDelay is waited before exporting a local port upstream.
	PortCreateDelay time.Duration
	// Spawn bounds the wait for an exported instance to leave BUILD.
	Spawn poll.Options
	// NetworkLimit caps list calls of network kinds; zero means no cap.
	NetworkLimit int
	// ImageLimit is the page size of image list calls.
	ImageLimit int
}

// Deps are the collaborators shared with the rest of the synchronizer.
type Deps struct {
	Local       repository.ControlPlane
	Upstream    repository.ControlPlane
	Store       storage.Store
	Translators translate.Set
	Echo        *echo.Set
	Filter      *filter.Filter
	Observer    Observer
	Log         *zap.Logger
}

// Observer receives outbound call results and suppressed echoes.
type Observer interface {
	Outbound(kind models.Kind, side models.Side, action repository.Action, err error)
	Suppressed(kind models.Kind, side models.Side)
}

type nopObserver struct{}

func (nopObserver) Outbound(models.Kind, models.Side, repository.Action, error) {}
func (nopObserver) Suppressed(models.Kind, models.Side) {}

// Counts tallies the outbound effects of one pass or event.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Merged  int `json:"merged"`
	Adopted int `json:"adopted"`
}

func (c *Counts) Add(o Counts) {
	c.Created += o.Created
	c.Updated += o.Updated
	c.Deleted += o.Deleted
	c.Merged += o.Merged
	c.Adopted += o.Adopted
}

// Zero reports whether nothing was written.
func (c Counts) Zero() bool {
	return c.Created == 0 && c.Updated == 0 && c.Deleted == 0 && c.Merged == 0
}

type Reconciler struct {
	kind     models.Kind
	cfg      Config
	policy   *Policy
	repos    [2]repository.Repository
	planes   [2]repository.ControlPlane
	mappings storage.Mappings
	refs     translate.Refs
	tr       translate.Translator
	echo     *echo.Set
	filter   *filter.Filter
	cache    *merge.Cache
	times    *Timestamps
	obs      Observer
	log      *zap.Logger

	// pending holds sync keys whose update raced an opposite change.
	pending map[string]bool
	counts  Counts
	sleep   func(context.Context, time.Duration) error
}

func New(kind models.Kind, deps Deps, cfg Config) (*Reconciler, error) {
	tr, ok := deps.Translators[kind]
	if !ok {
		return nil, fmt.Errorf("no translator for %s", kind)
	}
	if deps.Local == nil || deps.Upstream == nil || deps.Store == nil {
		return nil, fmt.Errorf("reconciler %s: missing control plane or store", kind)
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	set := deps.Echo
	if set == nil {
		set = echo.NewSet(echo.DefaultTTL)
	}
	if cfg.Spawn.Interval == 0 {
		cfg.Spawn = poll.DefaultOptions()
	}
	r := &Reconciler{
		kind:     kind,
		cfg:      cfg,
		policy:   policyFor(kind),
		repos:    [2]repository.Repository{deps.Local.Resources(kind), deps.Upstream.Resources(kind)},
		planes:   [2]repository.ControlPlane{deps.Local, deps.Upstream},
		mappings: deps.Store.Mappings(kind),
		refs:     StoreRefs{Store: deps.Store},
		tr:       tr,
		echo:     set,
		filter:   deps.Filter,
		cache:    merge.NewCache(),
		times:    NewTimestamps(),
		obs:      obs,
		log:      log.With(zap.String("kind", string(kind))),
		pending:  make(map[string]bool),
		sleep:    sleepCtx,
	}
	return r, nil
}

func (r *Reconciler) Kind() models.Kind { return r.kind }
func (r *Reconciler) Mappings() storage.Mappings { return r.mappings }
func (r *Reconciler) Masters() *merge.Cache { return r.cache }
func (r *Reconciler) Timestamps() *Timestamps { return r.times }
func (r *Reconciler) Echo() *echo.Set { return r.echo }
func (r *Reconciler) Totals() Counts { return r.counts }
func (r *Reconciler) PendingMerges() int { return len(r.pending) }
func (r *Reconciler) repo(side models.Side) repository.Repository { return r.repos[side] }

// Stats counts mapping records by state.
func (r *Reconciler) Stats(ctx context.Context) (map[storage.State]int, error) {
	recs, err := r.mappings.List(ctx)
	if err != nil {
		return nil, err
	}
	out := map[storage.State]int{storage.StateCreating: 0, storage.StateActive: 0, storage.StateDeleting: 0}
	for _, rec := range recs {
		out[rec.State]++
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Reconciler) digest(ctx context.Context, side models.Side, res models.Resource) (string, error) {
	return translate.Digest(ctx, r.tr, side, res)
}

// expect deposits the echo of an outbound call before it is made.
func (r *Reconciler) expect(side models.Side, action repository.Action, id, digest string) {
	r.echo.MarkExpected(echo.Fingerprint{Side: side, Action: action, ResourceID: id, Digest: digest})
}

func (r *Reconciler) outbound(side models.Side, action repository.Action, err error) {
	r.obs.Outbound(r.kind, side, action, err)
}

// destroy removes a record along with its timestamps and master copy.
func (r *Reconciler) destroy(ctx context.Context, rec *storage.MappingRecord) error {
	if rec.UpstreamID != "" {
		r.times.Delete(rec.UpstreamID)
		r.cache.Delete(rec.UpstreamID)
	}
	delete(r.pending, rec.SyncKey)
	if err := r.mappings.Delete(ctx, rec.SyncKey); err != nil {
		return err
	}
	r.log.Debug("mapping destroyed", zap.String("sync_key", rec.SyncKey))
	return nil
}

// agreed records that both sides now hold content with the given canonical
// form.
func (r *Reconciler) agreed(ctx context.Context, rec *storage.MappingRecord, canon models.Fields, local, upstream models.Resource) error {
	digest := models.Digest(canon)
	if rec.UpdateDigest != digest {
		if _, err := r.mappings.SetUpdateData(ctx, rec.SyncKey, digest); err != nil {
			return err
		}
		rec.UpdateDigest = digest
	}
	r.times.Set(upstream.Base().ID, Stamp{Local: local.Base().UpdatedAt, Upstream: upstream.Base().UpdatedAt})
	if r.policy.Merge {
		r.cache.Put(upstream.Base().ID, canon)
	}
	delete(r.pending, rec.SyncKey)
	return nil
}

func sideFields(side models.Side, id string) []zap.Field {
	return []zap.Field{zap.Stringer("side", side), zap.String("id", id)}
}
