package reconciler

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// discover handles a resource of side that has no record under its own id.
// twin is the opposite resource with the same sync key when the caller
// already knows it.
func (r *Reconciler) discover(ctx context.Context, side models.Side, key string, res, twin models.Resource) error {
	id := res.Base().ID
	rec, err := r.mappings.GetBySyncKey(ctx, key)
	if err != nil {
		return err
	}
	if rec != nil {
		return r.adopt(ctx, rec, side, res, twin)
	}

	if twin != nil {
		rec, err = r.mappings.Create(ctx, key, side, id, storage.StateCreating)
		if err != nil {
			return err
		}
		return r.adopt(ctx, rec, side.Opposite(), twin, res)
	}

	if side == models.Local && !r.policy.Export {
		if !strings.HasPrefix(key, "u:") {
			return nil
		}
		// a local placeholder waiting for its upstream twin
		_, err = r.mappings.Create(ctx, key, side, id, storage.StateCreating)
		if err == nil {
			r.log.Info("local resource awaits its upstream twin", zap.String("id", id), zap.String("sync_key", key))
		}
		return err
	}

	if _, err := r.mappings.Create(ctx, key, side, id, storage.StateCreating); err != nil {
		if syncerr.KindOf(err) == syncerr.AlreadyMapped {
			r.log.Warn("resource already mapped", append(sideFields(side, id), zap.Error(err))...)
			return nil
		}
		return err
	}
	return r.createOn(ctx, key, side.Opposite(), res)
}

// adopt fills the missing id of rec with res, found on side.
func (r *Reconciler) adopt(ctx context.Context, rec *storage.MappingRecord, side models.Side, res, other models.Resource) error {
	id := res.Base().ID
	if cur := rec.ID(side); cur != "" && cur != id {
		r.log.Warn("sync key already mapped to another resource",
			zap.String("sync_key", rec.SyncKey), zap.Stringer("side", side),
			zap.String("mapped_id", cur), zap.String("id", id))
		return nil
	}
	var err error
	if rec.ID(side) == "" {
		if rec, err = storage.SetID(ctx, r.mappings, rec.SyncKey, side, id); err != nil {
			return err
		}
	}
	opp := side.Opposite()
	if rec.ID(opp) == "" {
		return nil
	}
	if rec.State != storage.StateActive {
		if rec, err = r.mappings.SetState(ctx, rec.SyncKey, storage.StateActive); err != nil {
			return err
		}
	}
	r.counts.Adopted++
	r.log.Info("adopted twin", zap.String("sync_key", rec.SyncKey), zap.String("local_id", rec.LocalID), zap.String("upstream_id", rec.UpstreamID))

	if other == nil {
		other, err = r.repo(opp).Get(ctx, rec.ID(opp))
		if syncerr.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	local, upstream := pair(side, res, other)
	return r.reconcilePair(ctx, rec, local, upstream, false)
}

// createOn creates the twin of src on target and completes the record.
// The record stays Creating on failure so the creating reaper retries.
func (r *Reconciler) createOn(ctx context.Context, key string, target models.Side, src models.Resource) error {
	if target == models.Upstream && !r.policy.Export {
		return nil
	}
	if target == models.Upstream && r.kind == models.KindPort {
		if err := r.sleep(ctx, r.cfg.PortCreateDelay); err != nil {
			return syncerr.Wrap(syncerr.Cancelled, "port create delay", err)
		}
	}
	body, err := r.tr.ForCreate(ctx, target, src)
	if rejected(err) {
		r.log.Debug("create deferred", zap.String("sync_key", key), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	created, err := r.repo(target).Create(ctx, body)
	r.outbound(target, repository.ActionCreate, err)
	if err != nil {
		return err
	}
	cid := created.Base().ID
	digest, err := r.digest(ctx, target, created)
	if err != nil {
		return err
	}
	// The id only exists once Create returns. The echo is queued behind the
	// event or tick being handled, so it cannot be consumed before this point.
	r.expect(target, repository.ActionCreate, cid, digest)
	r.counts.Created++

	if _, err := storage.SetID(ctx, r.mappings, key, target, cid); err != nil {
		return err
	}
	rec, err := r.mappings.SetState(ctx, key, storage.StateActive)
	if err != nil {
		return err
	}
	r.log.Info("created twin", zap.String("sync_key", key), zap.Stringer("side", target), zap.String("id", cid))

	if target == models.Upstream && r.policy.Await != nil {
		created, err = r.policy.Await(ctx, r, src, created)
		if err != nil {
			return err
		}
	}
	canon, err := r.tr.Canonical(ctx, target.Opposite(), src)
	if err != nil {
		return err
	}
	local, upstream := pair(target.Opposite(), src, created)
	return r.agreed(ctx, rec, canon, local, upstream)
}
