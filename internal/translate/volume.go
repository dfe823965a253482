package translate

import (
	"context"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Volume types are keyed by name; extra specs travel as properties.
type volumeTypeTranslator struct{}

func (t *volumeTypeTranslator) Kind() models.Kind { return models.KindVolumeType }

func (t *volumeTypeTranslator) SyncKey(_ context.Context, _ models.Side, r models.Resource) (string, error) {
	if r.Base().Name == "" {
		return "", missing("volume type %s has no name", r.Base().ID)
	}
	return "name:" + r.Base().Name, nil
}

func (t *volumeTypeTranslator) Canonical(_ context.Context, _ models.Side, r models.Resource) (models.Fields, error) {
	vt, ok := r.(*models.VolumeType)
	if !ok {
		return nil, syncerr.New(syncerr.InvalidState, "canonical volume type", "unexpected %s", r.Kind())
	}
	f := models.Fields{}
	pick(f, vt.Attrs(), "name", "is_public")
	props(f, r)
	return f, nil
}

func (t *volumeTypeTranslator) Apply(_ context.Context, _ models.Side, f models.Fields, base models.Resource) (models.Resource, error) {
	return overlay(base, f)
}

func (t *volumeTypeTranslator) ForCreate(ctx context.Context, side models.Side, src models.Resource) (models.Resource, error) {
	if side == models.Upstream {
		return nil, syncerr.New(syncerr.InvalidState, "translate volume type", "volume types are not exported upstream")
	}
	f, err := t.Canonical(ctx, models.Upstream, src)
	if err != nil {
		return nil, err
	}
	return overlay(&models.VolumeType{}, f)
}

var volumeTypeFilter = filterSet()

func (t *volumeTypeTranslator) UpdateFilter(models.Side) map[string]bool { return volumeTypeFilter }

type volumeTranslator struct {
	opts Options
}

func (t *volumeTranslator) Kind() models.Kind { return models.KindVolume }

func (t *volumeTranslator) SyncKey(_ context.Context, side models.Side, r models.Resource) (string, error) {
	return twinKey(side, r), nil
}

// Canonical leaves out status and attachments, which follow the compute
// side.
func (t *volumeTranslator) Canonical(_ context.Context, _ models.Side, r models.Resource) (models.Fields, error) {
	v, ok := r.(*models.Volume)
	if !ok {
		return nil, syncerr.New(syncerr.InvalidState, "canonical volume", "unexpected %s", r.Kind())
	}
	f := models.Fields{}
	pick(f, v.Attrs(), "name", "size", "volume_type", "bootable", "description")
	props(f, r, UpstreamIDProperty)
	return f, nil
}

func (t *volumeTranslator) Apply(_ context.Context, _ models.Side, f models.Fields, base models.Resource) (models.Resource, error) {
	return overlay(base, f, UpstreamIDProperty)
}

func (t *volumeTranslator) ForCreate(ctx context.Context, side models.Side, src models.Resource) (models.Resource, error) {
	f, err := t.Canonical(ctx, side.Opposite(), src)
	if err != nil {
		return nil, err
	}
	out, err := overlay(&models.Volume{}, f)
	if err != nil {
		return nil, err
	}
	v := out.(*models.Volume)
	v.Status = src.Base().Status
	if side == models.Local {
		v.ProjectID = t.opts.StagingProjectID
		v.SetProperty(UpstreamIDProperty, src.Base().ID)
	}
	return v, nil
}

var (
	// Size only grows through an extend call.
	volumeToUpstream = filterSet("size", "bootable")
	volumeToLocal    = filterSet()
)

func (t *volumeTranslator) UpdateFilter(side models.Side) map[string]bool {
	if side == models.Upstream {
		return volumeToUpstream
	}
	return volumeToLocal
}
