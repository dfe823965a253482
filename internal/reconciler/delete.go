package reconciler

import (
	"context"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// sideDeleted records that the resource of side is gone and settles the
// survivor. gone is the deleted body when the notification carried one.
func (r *Reconciler) sideDeleted(ctx context.Context, rec *storage.MappingRecord, side models.Side, gone models.Resource) error {
	if rec.ID(side.Opposite()) == "" {
		return r.destroy(ctx, rec)
	}
	rec, err := storage.SetID(ctx, r.mappings, rec.SyncKey, side, "")
	if err != nil {
		return err
	}
	if rec, err = r.mappings.SetState(ctx, rec.SyncKey, storage.StateDeleting); err != nil {
		return err
	}
	r.log.Info("twin deleted", zap.String("sync_key", rec.SyncKey), zap.Stringer("side", side))
	return r.settle(ctx, rec, side, gone)
}

// settle applies the delete policy to a Deleting record whose deleted side
// is given.
func (r *Reconciler) settle(ctx context.Context, rec *storage.MappingRecord, deleted models.Side, gone models.Resource) error {
	decision := Proceed
	if r.policy.OnDelete != nil {
		d, err := r.policy.OnDelete(ctx, r, rec, deleted, gone)
		if err != nil {
			return err
		}
		decision = d
	}
	switch decision {
	case Skip:
		r.log.Info("delete held back by dependents", zap.String("sync_key", rec.SyncKey), zap.Stringer("deleted", deleted))
		return nil
	case Recreate:
		if r.policy.Recreate != nil {
			return r.policy.Recreate(ctx, r, rec, deleted)
		}
	}
	return r.deleteOn(ctx, rec, deleted.Opposite())
}

// deleteOn deletes the twin on side and destroys the record. The record
// stays Deleting when the call fails.
func (r *Reconciler) deleteOn(ctx context.Context, rec *storage.MappingRecord, side models.Side) error {
	id := rec.ID(side)
	if id != "" {
		r.expect(side, repository.ActionDelete, id, "")
		err := r.repo(side).Delete(ctx, id)
		r.outbound(side, repository.ActionDelete, err)
		switch {
		case err == nil:
			r.counts.Deleted++
			r.log.Info("deleted twin", zap.String("sync_key", rec.SyncKey), zap.Stringer("side", side), zap.String("id", id))
		case syncerr.IsNotFound(err):
		default:
			return err
		}
	}
	return r.destroy(ctx, rec)
}

// finder returns a resource of side, or nil when it does not exist.
type finder func(ctx context.Context, side models.Side, id string) (models.Resource, error)

func indexFinder(idx [2]map[string]models.Resource) finder {
	return func(_ context.Context, side models.Side, id string) (models.Resource, error) {
		return idx[side][id], nil
	}
}

// reapDeleting revisits a Deleting record.
func (r *Reconciler) reapDeleting(ctx context.Context, rec *storage.MappingRecord, find finder) error {
	var deleted models.Side
	switch {
	case rec.LocalID == "" && rec.UpstreamID == "":
		return r.destroy(ctx, rec)
	case rec.LocalID == "":
		deleted = models.Local
	case rec.UpstreamID == "":
		deleted = models.Upstream
	default:
		// both ids present; FixIncorrectState promotes it
		return nil
	}
	survivor, err := find(ctx, deleted.Opposite(), rec.ID(deleted.Opposite()))
	if err != nil {
		return err
	}
	if survivor == nil {
		return r.destroy(ctx, rec)
	}
	return r.settle(ctx, rec, deleted, nil)
}
