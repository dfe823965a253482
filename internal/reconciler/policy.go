package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/poll"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
	"github.com/openstack-archive/powervc-driver-sub000/internal/translate"
)

// DeleteDecision is what happens to the surviving twin after one side of a
// record was deleted.
type DeleteDecision int

const (
	// Proceed deletes the survivor.
	Proceed DeleteDecision = iota
	// Skip keeps the record in Deleting until dependents are gone.
	Skip
	// Recreate restores the deleted side instead.
	Recreate
)

func (d DeleteDecision) String() string {
	switch d {
	case Skip:
		return "skip"
	case Recreate:
		return "recreate"
	}
	return "proceed"
}

// Policy holds what differs between kinds. Nil hooks fall back to the
// generic behavior.
type Policy struct {
	// Export lets local creations reach the upstream.
	Export bool
	// PushUpstream lets local updates reach the upstream.
	PushUpstream bool
	// Merge enables the three-way merge against the master cache.
	Merge bool
	// Filtered kinds pass the SCG filter before being federated.
	Filtered bool

	Admit     func(ctx context.Context, r *Reconciler, side models.Side, res models.Resource) error
	OnDelete  func(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, deleted models.Side, gone models.Resource) (DeleteDecision, error)
	Recreate  func(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, deleted models.Side) error
	AfterSync func(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, local, upstream models.Resource) error
	Await     func(ctx context.Context, r *Reconciler, src, created models.Resource) (models.Resource, error)
	List      func(r *Reconciler, side models.Side) repository.ListOptions
}

func policyFor(kind models.Kind) *Policy {
	switch kind {
	case models.KindInstance:
		return &Policy{
			Export:       true,
			PushUpstream: true,
			Merge:        true,
			Filtered:     true,
			Await:        awaitSpawn,
			List:         allTenantsUpstream,
		}
	case models.KindImage:
		return &Policy{
			PushUpstream: true,
			Merge:        true,
			Filtered:     true,
			OnDelete:     restoreLocal,
			Recreate:     recreateLocal,
			AfterSync:    finalizeSnapshot,
			List:         imageList,
		}
	case models.KindVolumeType:
		return &Policy{
			OnDelete: restoreLocal,
			Recreate: recreateLocal,
		}
	case models.KindVolume:
		return &Policy{
			Export:       true,
			PushUpstream: true,
			List:         allTenantsUpstream,
		}
	case models.KindNetwork:
		return &Policy{
			Filtered: true,
			Admit:    admitNetwork,
			OnDelete: networkDependents,
			Recreate: recreateLocal,
			List:     limitedList,
		}
	case models.KindSubnet:
		return &Policy{
			OnDelete: subnetDependents,
			Recreate: recreateLocal,
			List:     limitedList,
		}
	case models.KindPort:
		return &Policy{
			Export:       true,
			PushUpstream: true,
			Admit:        admitPort,
			OnDelete:     portDependents,
			Recreate:     recreatePort,
			List:         limitedList,
		}
	}
	return &Policy{}
}

func imageList(r *Reconciler, _ models.Side) repository.ListOptions {
	return repository.ListOptions{Limit: r.cfg.ImageLimit}
}

func allTenantsUpstream(_ *Reconciler, side models.Side) repository.ListOptions {
	return repository.ListOptions{AllTenants: side == models.Upstream}
}

func limitedList(r *Reconciler, side models.Side) repository.ListOptions {
	return repository.ListOptions{Limit: r.cfg.NetworkLimit, AllTenants: side == models.Upstream}
}

func (r *Reconciler) listOptions(side models.Side) repository.ListOptions {
	if r.policy.List == nil {
		return repository.ListOptions{}
	}
	return r.policy.List(r, side)
}

// restoreLocal makes the upstream authoritative: a local delete is undone,
// an upstream delete is mirrored.
func restoreLocal(_ context.Context, _ *Reconciler, _ *storage.MappingRecord, deleted models.Side, _ models.Resource) (DeleteDecision, error) {
	if deleted == models.Local {
		return Recreate, nil
	}
	return Proceed, nil
}

// recreateLocal puts the record back to Creating and rebuilds the local copy
// from the upstream resource.
func recreateLocal(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, _ models.Side) error {
	up, err := r.repo(models.Upstream).Get(ctx, rec.UpstreamID)
	if syncerr.IsNotFound(err) {
		return r.destroy(ctx, rec)
	}
	if err != nil {
		return err
	}
	if _, err := r.mappings.SetState(ctx, rec.SyncKey, storage.StateCreating); err != nil {
		return err
	}
	r.log.Info("recreating local copy", zap.String("sync_key", rec.SyncKey), zap.String("upstream_id", rec.UpstreamID))
	return r.createOn(ctx, rec.SyncKey, models.Local, up)
}

func admitNetwork(_ context.Context, _ *Reconciler, side models.Side, res models.Resource) error {
	n := res.(*models.Network)
	if side == models.Upstream && len(n.Subnets) == 0 {
		return syncerr.Wrap(syncerr.InvalidState, "admit network", translate.ErrMissingAttribute)
	}
	return nil
}

// admitPort skips ports owned by network services and ports with no mapped
// subnet.
func admitPort(ctx context.Context, r *Reconciler, side models.Side, res models.Resource) error {
	p := res.(*models.Port)
	if strings.HasPrefix(p.DeviceOwner, "network:") {
		return syncerr.Wrap(syncerr.InvalidState, "admit port", translate.ErrMissingAttribute)
	}
	for _, ip := range p.FixedIPs {
		_, ok, err := translate.Counterpart(ctx, r.refs, models.KindSubnet, side, ip.SubnetID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return syncerr.Wrap(syncerr.InvalidState, "admit port", translate.ErrMissingAttribute)
}

// networkDependents keeps a local network while local ports still use it.
func networkDependents(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, deleted models.Side, _ models.Resource) (DeleteDecision, error) {
	if deleted == models.Local {
		return Recreate, nil
	}
	ports, err := r.planes[models.Local].Resources(models.KindPort).List(ctx, repository.ListOptions{NetworkID: rec.LocalID})
	if err != nil {
		return Skip, err
	}
	for _, p := range ports {
		if !strings.HasPrefix(p.(*models.Port).DeviceOwner, "network:") {
			return Skip, nil
		}
	}
	return Proceed, nil
}

// subnetDependents keeps a local subnet while a local port holds one of its
// addresses.
func subnetDependents(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, deleted models.Side, _ models.Resource) (DeleteDecision, error) {
	if deleted == models.Local {
		return Recreate, nil
	}
	ports, err := r.planes[models.Local].Resources(models.KindPort).List(ctx, repository.ListOptions{})
	if err != nil {
		return Skip, err
	}
	for _, res := range ports {
		p := res.(*models.Port)
		if strings.HasPrefix(p.DeviceOwner, "network:") {
			continue
		}
		for _, ip := range p.FixedIPs {
			if ip.SubnetID == rec.LocalID {
				return Skip, nil
			}
		}
	}
	return Proceed, nil
}

// portDependents keeps a port whose instance on the surviving side is still
// alive. When the upstream port went away the local one is recreated so the
// address stays reserved.
func portDependents(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, deleted models.Side, _ models.Resource) (DeleteDecision, error) {
	survivor := deleted.Opposite()
	res, err := r.repo(survivor).Get(ctx, rec.ID(survivor))
	if syncerr.IsNotFound(err) {
		return Proceed, nil
	}
	if err != nil {
		return Skip, err
	}
	alive, err := r.instanceAlive(ctx, survivor, res.(*models.Port).DeviceID)
	if err != nil || !alive {
		return Proceed, err
	}
	if deleted == models.Upstream {
		return Recreate, nil
	}
	return Skip, nil
}

func (r *Reconciler) instanceAlive(ctx context.Context, side models.Side, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	inst, err := r.planes[side].Resources(models.KindInstance).Get(ctx, id)
	if syncerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(inst.Base().Status) {
	case "DELETED", "DELETING", "SOFT_DELETED":
		return false, nil
	}
	return true, nil
}

// recreatePort replaces the local port by a fresh one holding the same
// addresses. The record then waits in Creating for its upstream twin.
func recreatePort(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, _ models.Side) error {
	local := r.repo(models.Local)
	old, err := local.Get(ctx, rec.LocalID)
	if syncerr.IsNotFound(err) {
		return r.destroy(ctx, rec)
	}
	if err != nil {
		return err
	}
	body := old.Clone()
	body.Base().ID = ""

	r.expect(models.Local, repository.ActionDelete, old.Base().ID, "")
	err = local.Delete(ctx, old.Base().ID)
	r.outbound(models.Local, repository.ActionDelete, err)
	if err != nil && !syncerr.IsNotFound(err) {
		return err
	}
	created, err := local.Create(ctx, body)
	r.outbound(models.Local, repository.ActionCreate, err)
	if err != nil {
		return err
	}
	digest, err := r.digest(ctx, models.Local, created)
	if err != nil {
		return err
	}
	// The id only exists once Create returns. The echo is queued behind the
	// event being handled, so it cannot be consumed before this point.
	r.expect(models.Local, repository.ActionCreate, created.Base().ID, digest)

	if _, err := r.mappings.SetLocalID(ctx, rec.SyncKey, created.Base().ID); err != nil {
		return err
	}
	if _, err := r.mappings.SetState(ctx, rec.SyncKey, storage.StateCreating); err != nil {
		return err
	}
	r.counts.Deleted++
	r.counts.Created++
	r.log.Info("recreated local port to keep its addresses",
		zap.String("sync_key", rec.SyncKey),
		zap.String("old_id", old.Base().ID),
		zap.String("new_id", created.Base().ID))
	return nil
}

// finalizeSnapshot turns a queued local snapshot active once its upstream
// twin is usable.
func finalizeSnapshot(ctx context.Context, r *Reconciler, rec *storage.MappingRecord, local, upstream models.Resource) error {
	if local.Base().Status != models.ImageQueued || upstream.Base().Status != models.ImageActive {
		return nil
	}
	fin, ok := r.tr.(translate.Finalizer)
	if !ok {
		return nil
	}
	digest, err := r.digest(ctx, models.Local, local)
	if err != nil {
		return err
	}
	act, activates := r.planes[models.Local].(repository.ImageActivator)
	echoed := repository.ActionUpdate
	if activates {
		_, echoed, _ = repository.Classify(repository.ImageActivateEvent)
	}
	r.expect(models.Local, echoed, local.Base().ID, digest)
	location := fin.Finalize(upstream.Base().ID)["location"]
	if activates {
		_, err = act.ActivateImage(ctx, local.Base().ID, location)
	} else {
		_, err = r.repo(models.Local).Update(ctx, local.Base().ID, repository.Delta{Attrs: fin.Finalize(upstream.Base().ID)})
	}
	r.outbound(models.Local, repository.ActionUpdate, err)
	if err != nil {
		return err
	}
	r.counts.Updated++
	r.log.Info("snapshot finalized", zap.String("local_id", local.Base().ID), zap.String("upstream_id", upstream.Base().ID))
	return nil
}

// DeferPlacementProperty opts an instance into upstream placement. Such an
// instance may report ACTIVE before the upstream scheduler picked a host.
const DeferPlacementProperty = "powervm:defer_placement"

// awaitSpawn waits for an exported instance to become ACTIVE. An ERROR
// status is copied back onto the local instance as a fault. Deferred
// placement keeps polling until a host is reported, within the same timeout.
func awaitSpawn(ctx context.Context, r *Reconciler, src, created models.Resource) (models.Resource, error) {
	id := created.Base().ID
	deferred := strings.EqualFold(src.Base().Property(DeferPlacementProperty), "true")
	res, err := poll.Until(ctx, r.cfg.Spawn, func(ctx context.Context) poll.Outcome[models.Resource] {
		cur, err := r.repo(models.Upstream).Get(ctx, id)
		if err != nil {
			if syncerr.KindOf(err) == syncerr.Transient {
				return poll.Continue[models.Resource]()
			}
			return poll.Fail[models.Resource](err)
		}
		switch strings.ToUpper(cur.Base().Status) {
		case "ACTIVE":
			if deferred && cur.(*models.Instance).Host == "" {
				return poll.Continue[models.Resource]()
			}
			return poll.Done(cur)
		case "ERROR":
			fault := cur.(*models.Instance).Fault
			if fault == nil {
				fault = &models.Fault{Code: 500, Message: "spawn failed on upstream", Created: cur.Base().UpdatedAt}
			}
			return poll.Fail[models.Resource](syncerr.WithFault("spawn "+id, fault))
		}
		return poll.Continue[models.Resource]()
	})
	if err == nil {
		return res, nil
	}
	var serr *syncerr.Error
	if errors.As(err, &serr) && serr.Fault != nil {
		if ferr := r.recordFault(ctx, src, serr.Fault); ferr != nil {
			r.log.Warn("could not record fault", zap.String("id", src.Base().ID), zap.Error(ferr))
		}
	}
	return nil, err
}

func (r *Reconciler) recordFault(ctx context.Context, local models.Resource, fault *models.Fault) error {
	raw, err := json.Marshal(fault)
	if err != nil {
		return err
	}
	attrs := models.Fields{"status": "ERROR", "fault_json": string(raw)}
	want := local.Clone()
	if err := want.SetAttrs(attrs); err != nil {
		return err
	}
	digest, err := r.digest(ctx, models.Local, want)
	if err != nil {
		return err
	}
	r.expect(models.Local, repository.ActionUpdate, local.Base().ID, digest)
	_, err = r.repo(models.Local).Update(ctx, local.Base().ID, repository.Delta{Attrs: attrs})
	r.outbound(models.Local, repository.ActionUpdate, err)
	return err
}
