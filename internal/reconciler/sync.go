package reconciler

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/filter"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Mode selects how much a sync tick does.
type Mode int

const (
	// Partial lists both sides and runs every pass, but only reconciles
	// twins that moved since their last agreement or wait for a merge.
	Partial Mode = iota
	// Full also compares every Active twin.
	Full
	// Startup is Full after forgetting timestamps and master copies.
	Startup
)

func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case Startup:
		return "startup"
	}
	return "partial"
}

// Sync runs one periodic tick. Per-resource failures are collected and the
// remaining resources still processed; the returned error fails the tick.
func (r *Reconciler) Sync(ctx context.Context, mode Mode) (Counts, error) {
	before := r.counts
	if mode == Startup {
		r.times.Clear()
		r.cache.Clear()
		r.pending = make(map[string]bool)
	}
	if n := r.echo.Purge(); n > 0 {
		r.log.Debug("expired echoes purged", zap.Int("count", n))
	}
	fixed, err := r.mappings.FixIncorrectState(ctx)
	if err != nil {
		return Counts{}, err
	}
	if fixed > 0 {
		r.log.Info("promoted stale deleting records", zap.Int("count", fixed))
	}

	err = r.pass(ctx, mode)
	counts := diff(r.counts, before)
	r.log.Debug("sync tick done", zap.Stringer("mode", mode), zap.Any("counts", counts), zap.Error(err))
	return counts, err
}

func (r *Reconciler) pass(ctx context.Context, mode Mode) error {
	var errs error
	skipNewUpstream := false
	var snap filter.Snapshot
	if r.policy.Filtered && r.filter != nil && (r.kind == models.KindInstance || r.kind == models.KindImage) {
		var err error
		if snap, err = r.filter.Refresh(ctx); err != nil {
			if syncerr.KindOf(err) != syncerr.SCGNotFound {
				return err
			}
			r.log.Warn("storage connectivity group unavailable, new upstream resources are not adopted this tick", zap.Error(err))
			skipNewUpstream = true
			errs = multierr.Append(errs, err)
		}
	}

	var idx [2]map[string]models.Resource
	for _, side := range []models.Side{models.Local, models.Upstream} {
		list, err := r.repo(side).List(ctx, r.listOptions(side))
		if err != nil {
			return multierr.Append(errs, syncerr.Wrap(syncerr.KindOf(err), "list "+side.String(), err))
		}
		idx[side] = models.Index(list)
	}
	find := indexFinder(idx)
	done := map[string]bool{}

	// delete detection
	recs, err := r.mappings.List(ctx)
	if err != nil {
		return multierr.Append(errs, err)
	}
	for _, rec := range recs {
		if rec.State == storage.StateDeleting {
			continue
		}
		for _, side := range []models.Side{models.Local, models.Upstream} {
			id := rec.ID(side)
			if id == "" {
				continue
			}
			if _, ok := idx[side][id]; !ok {
				done[rec.SyncKey] = true
				errs = multierr.Append(errs, r.sideDeleted(ctx, rec, side, nil))
				break
			}
		}
	}
	if r.kind == models.KindImage && !skipNewUpstream {
		errs = multierr.Append(errs, r.evictInaccessible(ctx, snap, done))
	}

	unmapped, err := r.unmapped(ctx, idx)
	if err != nil {
		return multierr.Append(errs, err)
	}
	localByKey := map[string]models.Resource{}
	for _, res := range unmapped[models.Local] {
		key, err := r.admit(ctx, models.Local, res)
		if err != nil {
			if !rejected(err) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		localByKey[key] = res
	}

	// new on upstream
	if !skipNewUpstream {
		for _, res := range unmapped[models.Upstream] {
			ok, err := r.listedAccessible(ctx, snap, res)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if !ok {
				continue
			}
			key, err := r.admit(ctx, models.Upstream, res)
			if err != nil {
				if !rejected(err) {
					errs = multierr.Append(errs, err)
				}
				continue
			}
			twin := localByKey[key]
			delete(localByKey, key)
			done[key] = true
			errs = multierr.Append(errs, r.discover(ctx, models.Upstream, key, res, twin))
		}
	}

	// new on local
	keys := make([]string, 0, len(localByKey))
	for k := range localByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		done[key] = true
		errs = multierr.Append(errs, r.discover(ctx, models.Local, key, localByKey[key], nil))
	}

	// updated
	recs, err = r.mappings.List(ctx)
	if err != nil {
		return multierr.Append(errs, err)
	}
	for _, rec := range recs {
		if done[rec.SyncKey] || rec.State != storage.StateActive {
			continue
		}
		local, upstream := idx[models.Local][rec.LocalID], idx[models.Upstream][rec.UpstreamID]
		if local == nil || upstream == nil {
			continue
		}
		if mode == Partial && !r.moved(rec, local, upstream) {
			continue
		}
		done[rec.SyncKey] = true
		errs = multierr.Append(errs, r.reconcilePair(ctx, rec, local, upstream, mode == Startup))
	}

	errs = multierr.Append(errs, r.reap(ctx, find, snap, done))
	return errs
}

// moved reports whether a twin changed on either side since the timestamps
// of its last agreement, or has a merge pending.
func (r *Reconciler) moved(rec *storage.MappingRecord, local, upstream models.Resource) bool {
	if r.pending[rec.SyncKey] {
		return true
	}
	stamp, ok := r.times.Get(upstream.Base().ID)
	if !ok {
		return true
	}
	return local.Base().UpdatedAt.After(stamp.Local) || upstream.Base().UpdatedAt.After(stamp.Upstream)
}

// reap runs the deleting reaper then the creating reaper over records not
// already handled this tick.
func (r *Reconciler) reap(ctx context.Context, find finder, snap filter.Snapshot, done map[string]bool) error {
	var errs error
	for _, state := range []storage.State{storage.StateDeleting, storage.StateCreating} {
		recs, err := r.mappings.ListByState(ctx, state)
		if err != nil {
			return multierr.Append(errs, err)
		}
		for _, rec := range recs {
			if done[rec.SyncKey] {
				continue
			}
			if state == storage.StateDeleting {
				errs = multierr.Append(errs, r.reapDeleting(ctx, rec, find))
			} else {
				errs = multierr.Append(errs, r.reapCreating(ctx, rec, find, snap))
			}
		}
	}
	return errs
}

// reapCreating retries the outstanding create of a half-mapped record.
func (r *Reconciler) reapCreating(ctx context.Context, rec *storage.MappingRecord, find finder, snap filter.Snapshot) error {
	var side models.Side
	switch {
	case rec.LocalID != "" && rec.UpstreamID != "":
		_, err := r.mappings.SetState(ctx, rec.SyncKey, storage.StateActive)
		return err
	case rec.LocalID != "":
		side = models.Local
	case rec.UpstreamID != "":
		side = models.Upstream
	default:
		return r.destroy(ctx, rec)
	}
	src, err := find(ctx, side, rec.ID(side))
	if err != nil {
		return err
	}
	if src == nil {
		return r.destroy(ctx, rec)
	}

	if side == models.Local && !r.policy.Export {
		upstreamID, ok := strings.CutPrefix(rec.SyncKey, "u:")
		if !ok {
			return nil
		}
		up, err := find(ctx, models.Upstream, upstreamID)
		if err != nil || up == nil {
			return err
		}
		if ok, err := r.listedAccessible(ctx, snap, up); err != nil || !ok {
			return err
		}
		return r.adopt(ctx, rec, models.Upstream, up, src)
	}
	return r.createOn(ctx, rec.SyncKey, side.Opposite(), src)
}

// unmapped returns listed resources that no record references, sorted by id.
func (r *Reconciler) unmapped(ctx context.Context, idx [2]map[string]models.Resource) ([2][]models.Resource, error) {
	var out [2][]models.Resource
	for _, side := range []models.Side{models.Local, models.Upstream} {
		ids := make([]string, 0, len(idx[side]))
		for id := range idx[side] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rec, err := storage.GetByID(ctx, r.mappings, side, id)
			if err != nil {
				return out, err
			}
			if rec == nil {
				out[side] = append(out[side], idx[side][id])
			}
		}
	}
	return out, nil
}

// listedAccessible is the filter check of the periodic path: images are
// judged against the snapshot taken at the start of the tick.
func (r *Reconciler) listedAccessible(ctx context.Context, snap filter.Snapshot, res models.Resource) (bool, error) {
	if r.kind == models.KindImage && r.filter != nil {
		return snap.HasImage(res.Base().ID), nil
	}
	return r.accessible(ctx, models.Upstream, res)
}

// evictInaccessible deletes local copies of images their SCGs no longer
// expose.
func (r *Reconciler) evictInaccessible(ctx context.Context, snap filter.Snapshot, done map[string]bool) error {
	if r.filter == nil || !snap.Resolved() {
		return nil
	}
	recs, err := r.mappings.List(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, rec := range recs {
		if done[rec.SyncKey] || rec.UpstreamID == "" || rec.LocalID == "" {
			continue
		}
		if snap.HasImage(rec.UpstreamID) {
			continue
		}
		done[rec.SyncKey] = true
		r.log.Warn("image is no longer accessible on Storage Connectivity Group, removing local copy",
			zap.String("upstream_id", rec.UpstreamID),
			zap.String("local_id", rec.LocalID),
			zap.Strings("scg", r.filter.SCGNames()))
		errs = multierr.Append(errs, r.deleteOn(ctx, rec, models.Local))
	}
	return errs
}
