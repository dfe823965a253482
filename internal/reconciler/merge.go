package reconciler

import (
	"context"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/merge"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
)

// merge combines the changes both sides made since the master copy and
// writes the result to both. The timestamp table and master cache only
// advance when both writes succeed.
func (r *Reconciler) merge(ctx context.Context, rec *storage.MappingRecord, local, upstream models.Resource) error {
	cl, err := r.tr.Canonical(ctx, models.Local, local)
	if err != nil {
		return err
	}
	cu, err := r.tr.Canonical(ctx, models.Upstream, upstream)
	if err != nil {
		return err
	}
	older, newer := cl, cu
	if local.Base().UpdatedAt.After(upstream.Base().UpdatedAt) {
		older, newer = cu, cl
	}
	master, ok := r.cache.Get(upstream.Base().ID)
	if !ok {
		master = older
	}
	merged := merge.ThreeWay(master, older, newer)

	l2, localChanged, err := r.push(ctx, models.Local, local, merged)
	if err != nil {
		r.log.Warn("merge not applied locally, retrying next tick", zap.String("sync_key", rec.SyncKey), zap.Error(err))
		return err
	}
	u2, upstreamChanged, err := r.push(ctx, models.Upstream, upstream, merged)
	if err != nil {
		r.log.Warn("merge not applied upstream, retrying next tick", zap.String("sync_key", rec.SyncKey), zap.Error(err))
		return err
	}
	if err := r.agreed(ctx, rec, merged, l2, u2); err != nil {
		return err
	}
	if localChanged || upstreamChanged {
		r.counts.Merged++
		r.log.Info("merged concurrent changes", zap.String("sync_key", rec.SyncKey),
			zap.Bool("local_written", localChanged), zap.Bool("upstream_written", upstreamChanged))
	}
	return r.afterSync(ctx, rec, l2, u2)
}
