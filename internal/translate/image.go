package translate

import (
	"context"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

type imageTranslator struct {
	opts Options
}

func (t *imageTranslator) Kind() models.Kind { return models.KindImage }

func (t *imageTranslator) SyncKey(_ context.Context, side models.Side, r models.Resource) (string, error) {
	return twinKey(side, r), nil
}

// Canonical leaves out status, size and location: the local copy only
// references the upstream bits.
func (t *imageTranslator) Canonical(_ context.Context, _ models.Side, r models.Resource) (models.Fields, error) {
	img, ok := r.(*models.Image)
	if !ok {
		return nil, syncerr.New(syncerr.InvalidState, "canonical image", "unexpected %s", r.Kind())
	}
	f := models.Fields{}
	pick(f, img.Attrs(), "name", "owner", "disk_format", "container_format", "min_disk", "visibility")
	props(f, r, UpstreamIDProperty)
	return f, nil
}

func (t *imageTranslator) Apply(_ context.Context, _ models.Side, f models.Fields, base models.Resource) (models.Resource, error) {
	return overlay(base, f, UpstreamIDProperty)
}

func (t *imageTranslator) ForCreate(ctx context.Context, side models.Side, src models.Resource) (models.Resource, error) {
	if side == models.Upstream {
		return nil, syncerr.New(syncerr.InvalidState, "translate image", "images are not exported upstream")
	}
	f, err := t.Canonical(ctx, models.Upstream, src)
	if err != nil {
		return nil, err
	}
	out, err := overlay(&models.Image{}, f)
	if err != nil {
		return nil, err
	}
	s := src.(*models.Image)
	img := out.(*models.Image)
	img.Status = s.Status
	img.Size = s.Size
	img.Location = t.opts.ImageLocation(s.ID)
	img.SetProperty(UpstreamIDProperty, s.ID)
	return img, nil
}

var imageFilter = filterSet()

func (t *imageTranslator) UpdateFilter(models.Side) map[string]bool { return imageFilter }

// Finalizer is implemented by translators of kinds with a queued state.
type Finalizer interface {
	Finalize(upstreamID string) models.Fields
}

// Finalize returns the attributes that turn a queued local snapshot into an
// active image backed by upstream.
func (t *imageTranslator) Finalize(upstreamID string) models.Fields {
	return models.Fields{
		"status":   models.ImageActive,
		"location": t.opts.ImageLocation(upstreamID),
	}
}
