// Package translate converts resources between the local and upstream
// schemas through a side-neutral canonical form. The canonical form is what
// digests, merges and update deltas are computed over.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
)

// UpstreamIDProperty is the property carrying the upstream id on local
// resources adopted from or destined for the upstream.
const UpstreamIDProperty = "powervc_uuid"

// InvalidID stands in for an upstream volume that has no local twin.
const InvalidID = "invalid"

// ErrMissingAttribute means the resource lacks something needed to federate
// it, for example its network is not mapped yet.
var ErrMissingAttribute = errors.New("missing required attribute")

func missing(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMissingAttribute}, args...)...)
}

// Refs resolves mappings of other kinds. Implementations read the mapping
// store; they never mutate it.
type Refs interface {
	Lookup(ctx context.Context, kind models.Kind, side models.Side, id string) (*storage.MappingRecord, error)
}

// Counterpart returns the id on the opposite side of a mapped resource.
func Counterpart(ctx context.Context, refs Refs, kind models.Kind, from models.Side, id string) (string, bool, error) {
	if id == "" || refs == nil {
		return "", false, nil
	}
	rec, err := refs.Lookup(ctx, kind, from, id)
	if err != nil || rec == nil {
		return "", false, err
	}
	peer := rec.ID(from.Opposite())
	return peer, peer != "", nil
}

// Options are the naming conventions and staging identity used when building
// local resources.
type Options struct {
	FlavorPrefix     string
	DefaultImageName string
	StagingProjectID string
	StagingUserID    string
	Architecture     string
	// ImageLocationBase prefixes the location written on finalized snapshots.
	ImageLocationBase string
}

func (o Options) architecture() string {
	if o.Architecture == "" {
		return "ppc64"
	}
	return o.Architecture
}

// ImageLocation is the location recorded on a local image backed by an
// upstream image.
func (o Options) ImageLocation(upstreamID string) string {
	base := o.ImageLocationBase
	if base == "" {
		base = "powervc://images"
	}
	return strings.TrimSuffix(base, "/") + "/" + upstreamID
}

// Translator converts one kind.
type Translator interface {
	Kind() models.Kind
	// SyncKey derives the rendezvous key of r as seen on side.
	SyncKey(ctx context.Context, side models.Side, r models.Resource) (string, error)
	// Canonical is the side-neutral synchronizable view of r.
	Canonical(ctx context.Context, side models.Side, r models.Resource) (models.Fields, error)
	// Apply overlays canonical fields onto base, which lives on side.
	Apply(ctx context.Context, side models.Side, f models.Fields, base models.Resource) (models.Resource, error)
	// ForCreate renders src, read from the opposite side, as a new resource
	// for side.
	ForCreate(ctx context.Context, side models.Side, src models.Resource) (models.Resource, error)
	// UpdateFilter lists canonical keys that are never pushed to side.
	UpdateFilter(side models.Side) map[string]bool
}

// Set holds one translator per kind.
type Set map[models.Kind]Translator

// NewSet builds translators for every kind.
func NewSet(opts Options, refs Refs) Set {
	return Set{
		models.KindInstance:   &instanceTranslator{opts: opts, refs: refs},
		models.KindImage:      &imageTranslator{opts: opts},
		models.KindVolumeType: &volumeTypeTranslator{},
		models.KindVolume:     &volumeTranslator{opts: opts},
		models.KindNetwork:    &networkTranslator{opts: opts},
		models.KindSubnet:     &subnetTranslator{opts: opts, refs: refs},
		models.KindPort:       &portTranslator{opts: opts, refs: refs},
	}
}

// Digest is the digest of the canonical form of r.
func Digest(ctx context.Context, t Translator, side models.Side, r models.Resource) (string, error) {
	f, err := t.Canonical(ctx, side, r)
	if err != nil {
		return "", err
	}
	return models.Digest(f), nil
}

// twinKey is the key of kinds that rendezvous through the upstream id: the
// upstream id itself, or the UpstreamIDProperty a local resource carries.
func twinKey(side models.Side, r models.Resource) string {
	meta := r.Base()
	if side == models.Upstream {
		return "u:" + meta.ID
	}
	if peer := meta.Property(UpstreamIDProperty); peer != "" {
		return "u:" + peer
	}
	return "l:" + meta.ID
}

// pick copies the named attributes of r into f.
func pick(f models.Fields, attrs models.Fields, keys ...string) {
	for _, k := range keys {
		f[k] = attrs[k]
	}
}

// props adds the properties of r to f, minus the hidden ones.
func props(f models.Fields, r models.Resource, hidden ...string) {
	skip := make(map[string]bool, len(hidden))
	for _, h := range hidden {
		skip[h] = true
	}
	for k, v := range r.Base().Properties {
		if !skip[k] {
			f[models.PropPrefix+k] = v
		}
	}
}

// overlay applies canonical fields, already rewritten for the side of base,
// to a clone of base. Properties other than the hidden ones are replaced
// wholesale by f's.
func overlay(base models.Resource, f models.Fields, hidden ...string) (models.Resource, error) {
	out := base.Clone()
	attrs, fprops := f.Split()
	if err := out.SetAttrs(attrs); err != nil {
		return nil, err
	}
	meta := out.Base()
	skip := make(map[string]bool, len(hidden))
	for _, h := range hidden {
		skip[h] = true
	}
	for k := range meta.Properties {
		if !skip[k] {
			delete(meta.Properties, k)
		}
	}
	for k, v := range fprops {
		meta.SetProperty(k, v)
	}
	return out, nil
}

func newOf(kind models.Kind) models.Resource {
	r, _ := models.New(kind)
	return r
}

func filterSet(keys ...string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}
