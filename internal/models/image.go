package models

import "fmt"

// Image statuses used by the snapshot finalization path.
const (
	ImageQueued = "queued"
	ImageActive = "active"
)

type Image struct {
	Meta
	Owner           string `json:"owner,omitempty"`
	DiskFormat      string `json:"disk_format,omitempty"`
	ContainerFormat string `json:"container_format,omitempty"`
	Size            int64  `json:"size,omitempty"`
	MinDisk         int64  `json:"min_disk,omitempty"`
	Location        string `json:"location,omitempty"`
	Visibility      string `json:"visibility,omitempty"`
}

func (i *Image) Kind() Kind  { return KindImage }
func (i *Image) Base() *Meta { return &i.Meta }

func (i *Image) Attrs() Fields {
	f := Fields{
		"owner":            i.Owner,
		"disk_format":      i.DiskFormat,
		"container_format": i.ContainerFormat,
		"size":             formatInt(i.Size),
		"min_disk":         formatInt(i.MinDisk),
		"location":         i.Location,
		"visibility":       i.Visibility,
	}
	i.metaAttrs(f)
	return f
}

func (i *Image) SetAttrs(f Fields) error {
	for k, v := range f {
		if i.setMeta(k, v) {
			continue
		}
		switch k {
		case "owner":
			i.Owner = v
		case "disk_format":
			i.DiskFormat = v
		case "container_format":
			i.ContainerFormat = v
		case "size":
			i.Size = parseInt(v)
		case "min_disk":
			i.MinDisk = parseInt(v)
		case "location":
			i.Location = v
		case "visibility":
			i.Visibility = v
		default:
			return fmt.Errorf("image has no attribute %q", k)
		}
	}
	return nil
}

func (i *Image) Clone() Resource {
	out := *i
	out.Meta = i.cloneMeta()
	return &out
}
