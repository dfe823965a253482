package reconciler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/echo"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/queue"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
	"github.com/openstack-archive/powervc-driver-sub000/internal/translate"
)

// rejected reports a resource that cannot be federated yet.
func rejected(err error) bool {
	return errors.Is(err, translate.ErrMissingAttribute)
}

// HandleEvent applies one change notification. It returns only errors the
// caller should log; the event is never retried.
func (r *Reconciler) HandleEvent(ctx context.Context, ev queue.Event) (Counts, error) {
	if ev.Type != queue.LocalChange && ev.Type != queue.UpstreamChange {
		return Counts{}, fmt.Errorf("reconciler: %s is not a change event", ev.Type)
	}
	before := r.counts
	err := r.handle(ctx, ev.Side(), ev.Notification)
	return diff(r.counts, before), err
}

func diff(after, before Counts) Counts {
	return Counts{
		Created: after.Created - before.Created,
		Updated: after.Updated - before.Updated,
		Deleted: after.Deleted - before.Deleted,
		Merged:  after.Merged - before.Merged,
		Adopted: after.Adopted - before.Adopted,
	}
}

func (r *Reconciler) handle(ctx context.Context, side models.Side, n repository.Notification) error {
	id := n.ResourceID
	if id == "" && n.Resource != nil {
		id = n.Resource.Base().ID
	}
	if id == "" {
		return nil
	}
	log := r.log.With(sideFields(side, id)...)

	res := n.Resource
	if res == nil && n.Action != repository.ActionDelete {
		got, err := r.repo(side).Get(ctx, id)
		if syncerr.IsNotFound(err) {
			log.Debug("resource vanished before its event was handled", zap.String("event", n.EventType))
			return nil
		}
		if err != nil {
			return err
		}
		res = got
	}

	digest := ""
	if n.Action != repository.ActionDelete {
		d, err := r.digest(ctx, side, res)
		if err != nil {
			return err
		}
		digest = d
	}
	if r.echo.ConsumeIfExpected(echo.Fingerprint{Side: side, Action: n.Action, ResourceID: id, Digest: digest}) {
		r.obs.Suppressed(r.kind, side)
		log.Debug("echo suppressed", zap.String("event", n.EventType))
		return nil
	}

	switch n.Action {
	case repository.ActionCreate:
		return r.onCreate(ctx, side, res)
	case repository.ActionUpdate:
		return r.onUpdate(ctx, side, res)
	case repository.ActionDelete:
		return r.onDelete(ctx, side, id, n.Resource)
	}
	return nil
}

// accessible applies the SCG filter to upstream resources of filtered
// kinds. Inaccessible resources are logged at INFO and dropped.
func (r *Reconciler) accessible(ctx context.Context, side models.Side, res models.Resource) (bool, error) {
	if side != models.Upstream || !r.policy.Filtered || r.filter == nil {
		return true, nil
	}
	ok, err := r.filter.IsAccessible(ctx, res)
	if err != nil {
		if syncerr.KindOf(err) == syncerr.SCGNotFound {
			r.log.Info("resource not federated, storage connectivity group unavailable", zap.String("id", res.Base().ID), zap.Error(err))
			return false, nil
		}
		return false, err
	}
	if !ok {
		r.log.Info("resource is not accessible through the configured storage connectivity groups", zap.String("id", res.Base().ID), zap.String("name", res.Base().Name))
	}
	return ok, nil
}

func (r *Reconciler) admit(ctx context.Context, side models.Side, res models.Resource) (string, error) {
	if r.policy.Admit != nil {
		if err := r.policy.Admit(ctx, r, side, res); err != nil {
			return "", err
		}
	}
	return r.tr.SyncKey(ctx, side, res)
}

func (r *Reconciler) onCreate(ctx context.Context, side models.Side, res models.Resource) error {
	id := res.Base().ID
	rec, err := storage.GetByID(ctx, r.mappings, side, id)
	if err != nil {
		return err
	}
	if rec != nil {
		// creation already known, treat the event as a content change
		return r.onUpdate(ctx, side, res)
	}
	return r.onNew(ctx, side, res)
}

// onNew federates a resource no record references yet.
func (r *Reconciler) onNew(ctx context.Context, side models.Side, res models.Resource) error {
	id := res.Base().ID
	ok, err := r.accessible(ctx, side, res)
	if err != nil || !ok {
		return err
	}
	key, err := r.admit(ctx, side, res)
	if rejected(err) {
		r.log.Debug("resource not admitted", append(sideFields(side, id), zap.Error(err))...)
		return nil
	}
	if err != nil {
		return err
	}
	return r.discover(ctx, side, key, res, nil)
}

func (r *Reconciler) onUpdate(ctx context.Context, side models.Side, res models.Resource) error {
	id := res.Base().ID
	rec, err := storage.GetByID(ctx, r.mappings, side, id)
	if err != nil {
		return err
	}
	if rec == nil {
		// the create was missed or predates the placeholder record
		return r.onNew(ctx, side, res)
	}
	opp := side.Opposite()
	if rec.State != storage.StateActive || rec.ID(opp) == "" {
		return nil
	}
	other, err := r.repo(opp).Get(ctx, rec.ID(opp))
	if syncerr.IsNotFound(err) {
		// the periodic delete detection owns this case
		return nil
	}
	if err != nil {
		return err
	}
	local, upstream := pair(side, res, other)

	if side == models.Local && !r.policy.PushUpstream {
		return r.afterSync(ctx, rec, local, upstream)
	}
	digest, err := r.digest(ctx, side, res)
	if err != nil {
		return err
	}
	if digest == rec.UpdateDigest {
		return r.afterSync(ctx, rec, local, upstream)
	}
	if stamp, ok := r.times.Get(rec.UpstreamID); ok && other.Base().UpdatedAt.After(stamp.At(opp)) {
		r.pending[rec.SyncKey] = true
		r.log.Info("both sides changed, merge deferred to the next periodic sync", zap.String("sync_key", rec.SyncKey))
		return nil
	}
	return r.propagate(ctx, rec, side, res, other)
}

func (r *Reconciler) onDelete(ctx context.Context, side models.Side, id string, gone models.Resource) error {
	rec, err := storage.GetByID(ctx, r.mappings, side, id)
	if err != nil || rec == nil {
		return err
	}
	return r.sideDeleted(ctx, rec, side, gone)
}

// pair orders two resources as (local, upstream).
func pair(side models.Side, res, other models.Resource) (models.Resource, models.Resource) {
	if side == models.Local {
		return res, other
	}
	return other, res
}

func (r *Reconciler) afterSync(ctx context.Context, rec *storage.MappingRecord, local, upstream models.Resource) error {
	if r.policy.AfterSync == nil {
		return nil
	}
	return r.policy.AfterSync(ctx, r, rec, local, upstream)
}
