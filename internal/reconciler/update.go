package reconciler

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
)

// push replaces the synchronizable content of current, which lives on side,
// with desired. Keys in the side's update filter keep their current value.
// It returns the resource as stored and whether a write happened.
func (r *Reconciler) push(ctx context.Context, side models.Side, current models.Resource, desired models.Fields) (models.Resource, bool, error) {
	cur, err := r.tr.Canonical(ctx, side, current)
	if err != nil {
		return nil, false, err
	}
	filt := r.tr.UpdateFilter(side)
	want := cur.Clone()
	for k := range cur {
		if _, ok := desired[k]; !ok && !filt[k] {
			delete(want, k)
		}
	}
	for k, v := range desired {
		if !filt[k] {
			want[k] = v
		}
	}
	if want.Equal(cur) {
		return current, false, nil
	}

	target, err := r.tr.Apply(ctx, side, want, current)
	if err != nil {
		return nil, false, err
	}
	delta := deltaOf(current, target)
	if delta.Empty() {
		return current, false, nil
	}
	digest, err := r.digest(ctx, side, target)
	if err != nil {
		return nil, false, err
	}
	id := current.Base().ID
	r.expect(side, repository.ActionUpdate, id, digest)
	updated, err := r.repo(side).Update(ctx, id, delta)
	r.outbound(side, repository.ActionUpdate, err)
	if err != nil {
		return nil, false, err
	}
	r.counts.Updated++
	return updated, true, nil
}

// deltaOf is the update turning current into target.
func deltaOf(current, target models.Resource) repository.Delta {
	ca, cp := models.Flatten(current).Split()
	ta, tp := models.Flatten(target).Split()
	d := repository.Delta{Attrs: models.Fields{}, Props: map[string]string{}}
	for k, v := range ta {
		if ca[k] != v {
			d.Attrs[k] = v
		}
	}
	for k, v := range tp {
		if old, ok := cp[k]; !ok || old != v {
			d.Props[k] = v
		}
	}
	for k := range cp {
		if _, ok := tp[k]; !ok {
			d.RemoveProps = append(d.RemoveProps, k)
		}
	}
	sort.Strings(d.RemoveProps)
	return d
}

// propagate makes dst, the twin of src, carry src's content.
func (r *Reconciler) propagate(ctx context.Context, rec *storage.MappingRecord, from models.Side, src, dst models.Resource) error {
	canon, err := r.tr.Canonical(ctx, from, src)
	if err != nil {
		return err
	}
	to := from.Opposite()
	updated, changed, err := r.push(ctx, to, dst, canon)
	if err != nil {
		return err
	}
	local, upstream := pair(from, src, updated)
	if err := r.agreed(ctx, rec, canon, local, upstream); err != nil {
		return err
	}
	if changed {
		r.log.Info("propagated update", zap.String("sync_key", rec.SyncKey), zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return r.afterSync(ctx, rec, local, upstream)
}

// reconcilePair brings an Active twin into agreement. It decides the
// direction from the timestamp table: the side that moved since the last
// agreement wins, both moving means a merge where supported and the newer
// side otherwise. Kinds that only flow downstream always take upstream.
func (r *Reconciler) reconcilePair(ctx context.Context, rec *storage.MappingRecord, local, upstream models.Resource, force bool) error {
	cl, err := r.tr.Canonical(ctx, models.Local, local)
	if err != nil {
		return err
	}
	cu, err := r.tr.Canonical(ctx, models.Upstream, upstream)
	if err != nil {
		return err
	}
	if cl.Equal(cu) {
		if err := r.agreed(ctx, rec, cu, local, upstream); err != nil {
			return err
		}
		return r.afterSync(ctx, rec, local, upstream)
	}

	stamp, hasStamp := r.times.Get(upstream.Base().ID)
	localMoved := !hasStamp || local.Base().UpdatedAt.After(stamp.Local)
	upstreamMoved := !hasStamp || upstream.Base().UpdatedAt.After(stamp.Upstream)
	pending := r.pending[rec.SyncKey]
	if !force && hasStamp && !localMoved && !upstreamMoved && !pending && !r.policy.Merge {
		return r.afterSync(ctx, rec, local, upstream)
	}

	switch {
	case !r.policy.PushUpstream:
		return r.propagate(ctx, rec, models.Upstream, upstream, local)
	case r.policy.Merge && (localMoved == upstreamMoved || pending):
		return r.merge(ctx, rec, local, upstream)
	case localMoved && !upstreamMoved:
		return r.propagate(ctx, rec, models.Local, local, upstream)
	case upstreamMoved && !localMoved:
		return r.propagate(ctx, rec, models.Upstream, upstream, local)
	case local.Base().UpdatedAt.After(upstream.Base().UpdatedAt):
		return r.propagate(ctx, rec, models.Local, local, upstream)
	}
	return r.propagate(ctx, rec, models.Upstream, upstream, local)
}
