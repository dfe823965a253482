package models

import "fmt"

// VolumeType carries its extra specs as properties.
type VolumeType struct {
	Meta
	IsPublic bool `json:"is_public"`
}

func (t *VolumeType) Kind() Kind  { return KindVolumeType }
func (t *VolumeType) Base() *Meta { return &t.Meta }

func (t *VolumeType) Attrs() Fields {
	f := Fields{"is_public": formatBool(t.IsPublic)}
	t.metaAttrs(f)
	return f
}

func (t *VolumeType) SetAttrs(f Fields) error {
	for k, v := range f {
		if t.setMeta(k, v) {
			continue
		}
		if k != "is_public" {
			return fmt.Errorf("volume type has no attribute %q", k)
		}
		t.IsPublic = parseBool(v)
	}
	return nil
}

func (t *VolumeType) Clone() Resource {
	out := *t
	out.Meta = t.cloneMeta()
	return &out
}

type Volume struct {
	Meta
	Size        int64  `json:"size"`
	VolumeType  string `json:"volume_type,omitempty"`
	Bootable    bool   `json:"bootable"`
	ProjectID   string `json:"project_id,omitempty"`
	Description string `json:"description,omitempty"`
	// Attachments maps server id to device name.
	Attachments map[string]string `json:"attachments,omitempty"`
}

func (v *Volume) Kind() Kind  { return KindVolume }
func (v *Volume) Base() *Meta { return &v.Meta }

func (v *Volume) Attrs() Fields {
	f := Fields{
		"size":        formatInt(v.Size),
		"volume_type": v.VolumeType,
		"bootable":    formatBool(v.Bootable),
		"project_id":  v.ProjectID,
		"description": v.Description,
		"attachments": encodePairs(v.Attachments),
	}
	v.metaAttrs(f)
	return f
}

func (v *Volume) SetAttrs(f Fields) error {
	for k, val := range f {
		if v.setMeta(k, val) {
			continue
		}
		switch k {
		case "size":
			v.Size = parseInt(val)
		case "volume_type":
			v.VolumeType = val
		case "bootable":
			v.Bootable = parseBool(val)
		case "project_id":
			v.ProjectID = val
		case "description":
			v.Description = val
		case "attachments":
			v.Attachments = decodePairs(val)
		default:
			return fmt.Errorf("volume has no attribute %q", k)
		}
	}
	return nil
}

func (v *Volume) Clone() Resource {
	out := *v
	out.Meta = v.cloneMeta()
	if v.Attachments != nil {
		out.Attachments = make(map[string]string, len(v.Attachments))
		for k, d := range v.Attachments {
			out.Attachments[k] = d
		}
	}
	return &out
}
