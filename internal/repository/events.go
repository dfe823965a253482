package repository

import (
	"strings"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
)

// ImageActivateEvent announces a queued image becoming active. It classifies
// as a create.
const ImageActivateEvent = "image.activate"

type eventSpec struct {
	kind   models.Kind
	action Action
}

// eventTable lists every bus event the synchronizer recognizes.
var eventTable = map[string]eventSpec{
	"compute.instance.create.end":               {models.KindInstance, ActionCreate},
	"compute.instance.import.end":               {models.KindInstance, ActionCreate},
	"compute.instance.delete.end":               {models.KindInstance, ActionDelete},
	"compute.instance.update":                   {models.KindInstance, ActionUpdate},
	"compute.instance.power_on.end":             {models.KindInstance, ActionUpdate},
	"compute.instance.power_off.end":            {models.KindInstance, ActionUpdate},
	"compute.instance.resize.confirm.end":       {models.KindInstance, ActionUpdate},
	"compute.instance.live_migration._post.end": {models.KindInstance, ActionUpdate},
	"compute.instance.snapshot.end":             {models.KindInstance, ActionUpdate},
	"compute.instance.volume.attach":            {models.KindInstance, ActionUpdate},
	"compute.instance.volume.detach":            {models.KindInstance, ActionUpdate},

	"image.create":   {models.KindImage, ActionCreate},
	ImageActivateEvent: {models.KindImage, ActionCreate},
	"image.update":   {models.KindImage, ActionUpdate},
	"image.delete":   {models.KindImage, ActionDelete},

	"volume_type.create":             {models.KindVolumeType, ActionCreate},
	"volume_type.delete":             {models.KindVolumeType, ActionDelete},
	"volume_type.extra_specs.update": {models.KindVolumeType, ActionUpdate},

	"volume.create.end": {models.KindVolume, ActionCreate},
	"volume.import.end": {models.KindVolume, ActionCreate},
	"volume.delete.end": {models.KindVolume, ActionDelete},
	"volume.update":     {models.KindVolume, ActionUpdate},
	"volume.attach.end": {models.KindVolume, ActionUpdate},
	"volume.detach.end": {models.KindVolume, ActionUpdate},

	"network.create.end": {models.KindNetwork, ActionCreate},
	"network.update.end": {models.KindNetwork, ActionUpdate},
	"network.delete.end": {models.KindNetwork, ActionDelete},
	"subnet.create.end":  {models.KindSubnet, ActionCreate},
	"subnet.update.end":  {models.KindSubnet, ActionUpdate},
	"subnet.delete.end":  {models.KindSubnet, ActionDelete},
	"port.create.end":    {models.KindPort, ActionCreate},
	"port.update.end":    {models.KindPort, ActionUpdate},
	"port.delete.end":    {models.KindPort, ActionDelete},
}

// Classify maps a raw event type to its kind and action.
func Classify(eventType string) (models.Kind, Action, bool) {
	spec, ok := eventTable[eventType]
	return spec.kind, spec.action, ok
}

// EventTypes returns the recognized event types of a kind.
func EventTypes(kind models.Kind) []string {
	var out []string
	for name, spec := range eventTable {
		if spec.kind == kind {
			out = append(out, name)
		}
	}
	return out
}

// EventTypeFor is the canonical event emitted for an action on a kind. The
// in-memory control plane uses it when it publishes its own changes.
func EventTypeFor(kind models.Kind, action Action) string {
	switch kind {
	case models.KindInstance:
		if action == ActionUpdate {
			return "compute.instance.update"
		}
		return "compute.instance." + string(action) + ".end"
	case models.KindImage:
		return "image." + string(action)
	case models.KindVolumeType:
		if action == ActionUpdate {
			return "volume_type.extra_specs.update"
		}
		return "volume_type." + string(action)
	case models.KindVolume:
		if action == ActionUpdate {
			return "volume.update"
		}
		return "volume." + string(action) + ".end"
	}
	return string(kind) + "." + string(action) + ".end"
}

// MatchTopic reports whether eventType is selected by topics. A topic is an
// exact event type, "*", or a prefix ending in ".*".
func MatchTopic(topics []string, eventType string) bool {
	for _, t := range topics {
		if t == eventType || t == "*" || (strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(t, "*"))) {
			return true
		}
	}
	return false
}
