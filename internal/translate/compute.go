package translate

import (
	"context"
	"strings"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

type instanceTranslator struct {
	opts Options
	refs Refs
}

func (t *instanceTranslator) Kind() models.Kind { return models.KindInstance }

func (t *instanceTranslator) SyncKey(_ context.Context, side models.Side, r models.Resource) (string, error) {
	return twinKey(side, r), nil
}

// Canonical keeps the upstream flavor id and describes attachments with
// upstream volume ids.
func (t *instanceTranslator) Canonical(ctx context.Context, side models.Side, r models.Resource) (models.Fields, error) {
	inst, ok := r.(*models.Instance)
	if !ok {
		return nil, syncerr.New(syncerr.InvalidState, "canonical instance", "unexpected %s", r.Kind())
	}
	f := models.Fields{}
	pick(f, inst.Attrs(), "name", "status")
	f["flavor_id"] = inst.FlavorID
	atts := inst.Attachments
	if side == models.Local {
		f["flavor_id"] = strings.TrimPrefix(inst.FlavorID, t.opts.FlavorPrefix)
		mapped, err := t.attachments(ctx, models.Local, atts, "")
		if err != nil {
			return nil, err
		}
		atts = mapped
	}
	f["attachments"] = models.EncodeAttachments(atts)
	props(f, r, UpstreamIDProperty)
	return f, nil
}

// attachments rewrites volume ids known on from into ids of the opposite
// side. Unknown volumes become placeholder, or are dropped when it is empty.
func (t *instanceTranslator) attachments(ctx context.Context, from models.Side, atts []models.VolumeAttachment, placeholder string) ([]models.VolumeAttachment, error) {
	out := make([]models.VolumeAttachment, 0, len(atts))
	for _, a := range atts {
		if from == models.Local && a.VolumeID == InvalidID {
			continue
		}
		peer, ok, err := Counterpart(ctx, t.refs, models.KindVolume, from, a.VolumeID)
		if err != nil {
			return nil, err
		}
		switch {
		case ok:
			out = append(out, models.VolumeAttachment{Device: a.Device, VolumeID: peer})
		case placeholder != "":
			out = append(out, models.VolumeAttachment{Device: a.Device, VolumeID: placeholder})
		}
	}
	return out, nil
}

func (t *instanceTranslator) Apply(ctx context.Context, side models.Side, f models.Fields, base models.Resource) (models.Resource, error) {
	f = f.Clone()
	if v, ok := f["flavor_id"]; ok && side == models.Local && v != "" {
		f["flavor_id"] = t.opts.FlavorPrefix + v
	}
	if v, ok := f["attachments"]; ok {
		atts := models.DecodeAttachments(v)
		if side == models.Local {
			mapped, err := t.attachments(ctx, models.Upstream, atts, InvalidID)
			if err != nil {
				return nil, err
			}
			atts = mapped
		}
		f["attachments"] = models.EncodeAttachments(atts)
	}
	return overlay(base, f, UpstreamIDProperty)
}

func (t *instanceTranslator) ForCreate(ctx context.Context, side models.Side, src models.Resource) (models.Resource, error) {
	from := side.Opposite()
	f, err := t.Canonical(ctx, from, src)
	if err != nil {
		return nil, err
	}
	s := src.(*models.Instance)
	out, err := t.Apply(ctx, side, f, &models.Instance{})
	if err != nil {
		return nil, err
	}
	inst := out.(*models.Instance)

	imageID, ok, err := Counterpart(ctx, t.refs, models.KindImage, from, s.ImageID)
	if err != nil {
		return nil, err
	}
	if side == models.Local {
		if !ok {
			imageID = t.opts.DefaultImageName
		}
		inst.ImageID = imageID
		inst.Architecture = t.opts.architecture()
		inst.Host = s.Host
		inst.ProjectID = t.opts.StagingProjectID
		inst.UserID = t.opts.StagingUserID
		inst.SetProperty(UpstreamIDProperty, s.ID)
		return inst, nil
	}

	if !ok {
		return nil, missing("instance %s image %s is not mapped upstream", s.ID, s.ImageID)
	}
	inst.ImageID = imageID
	inst.Status = ""
	inst.Attachments = nil
	return inst, nil
}

var (
	instanceToUpstream = filterSet("status", "attachments")
	instanceToLocal    = filterSet()
)

func (t *instanceTranslator) UpdateFilter(side models.Side) map[string]bool {
	if side == models.Upstream {
		return instanceToUpstream
	}
	return instanceToLocal
}
