package models

import (
	"encoding/json"
	"fmt"
)

// Instance is a compute server.
type Instance struct {
	Meta
	FlavorID     string             `json:"flavor_id"`
	ImageID      string             `json:"image_id"`
	Host         string             `json:"host,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	ProjectID    string             `json:"project_id,omitempty"`
	Architecture string             `json:"architecture,omitempty"`
	SCGID        string             `json:"storage_connectivity_group_id,omitempty"`
	Fault        *Fault             `json:"fault,omitempty"`
	Attachments  []VolumeAttachment `json:"attachments,omitempty"`
}

// VolumeAttachment ties a volume to a device name on an instance.
type VolumeAttachment struct {
	VolumeID string `json:"volume_id"`
	Device   string `json:"device"`
}

func (i *Instance) Kind() Kind  { return KindInstance }
func (i *Instance) Base() *Meta { return &i.Meta }

func (i *Instance) Attrs() Fields {
	f := Fields{
		"flavor_id":                     i.FlavorID,
		"image_id":                      i.ImageID,
		"host":                          i.Host,
		"user_id":                       i.UserID,
		"project_id":                    i.ProjectID,
		"architecture":                  i.Architecture,
		"storage_connectivity_group_id": i.SCGID,
		"attachments":                   EncodeAttachments(i.Attachments),
		"fault":                         "",
	}
	if i.Fault != nil {
		f["fault"] = i.Fault.Message
	}
	i.metaAttrs(f)
	return f
}

func (i *Instance) SetAttrs(f Fields) error {
	for k, v := range f {
		if i.setMeta(k, v) {
			continue
		}
		switch k {
		case "flavor_id":
			i.FlavorID = v
		case "image_id":
			i.ImageID = v
		case "host":
			i.Host = v
		case "user_id":
			i.UserID = v
		case "project_id":
			i.ProjectID = v
		case "architecture":
			i.Architecture = v
		case "storage_connectivity_group_id":
			i.SCGID = v
		case "attachments":
			i.Attachments = DecodeAttachments(v)
		case "fault":
			if v == "" {
				i.Fault = nil
			} else if i.Fault == nil || i.Fault.Message != v {
				i.Fault = &Fault{Code: 500, Message: v, Created: i.UpdatedAt}
			}
		case "fault_json":
			var fault Fault
			if err := json.Unmarshal([]byte(v), &fault); err != nil {
				return fmt.Errorf("instance fault: %w", err)
			}
			i.Fault = &fault
		default:
			return fmt.Errorf("instance has no attribute %q", k)
		}
	}
	return nil
}

func (i *Instance) Clone() Resource {
	out := *i
	out.Meta = i.cloneMeta()
	if i.Fault != nil {
		fault := *i.Fault
		out.Fault = &fault
	}
	out.Attachments = append([]VolumeAttachment(nil), i.Attachments...)
	return &out
}

// EncodeAttachments renders attachments as device=volume pairs sorted by
// device. Devices are the comparison key.
func EncodeAttachments(atts []VolumeAttachment) string {
	pairs := make(map[string]string, len(atts))
	for _, a := range atts {
		pairs[a.Device] = a.VolumeID
	}
	return encodePairs(pairs)
}

func DecodeAttachments(s string) []VolumeAttachment {
	pairs := decodePairs(s)
	out := make([]VolumeAttachment, 0, len(pairs))
	for _, dev := range Fields(pairs).Keys() {
		out = append(out, VolumeAttachment{Device: dev, VolumeID: pairs[dev]})
	}
	return out
}
