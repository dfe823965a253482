package models

import (
	"fmt"
	"sort"
	"time"
)

// Kind names a federated resource kind.
type Kind string

const (
	KindInstance   Kind = "instance"
	KindImage      Kind = "image"
	KindVolumeType Kind = "volume_type"
	KindVolume     Kind = "volume"
	KindNetwork    Kind = "network"
	KindSubnet     Kind = "subnet"
	KindPort       Kind = "port"
)

// AllKinds returns every kind in dependency order: a kind only refers to
// kinds listed before it.
func AllKinds() []Kind {
	return []Kind{KindImage, KindVolumeType, KindVolume, KindNetwork, KindSubnet, KindPort, KindInstance}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// Side identifies one of the two control planes.
type Side int

const (
	Local Side = iota
	Upstream
)

func (s Side) String() string {
	if s == Upstream {
		return "upstream"
	}
	return "local"
}

// Opposite returns the other control plane.
func (s Side) Opposite() Side {
	if s == Upstream {
		return Local
	}
	return Upstream
}

// Meta is the part of a resource every kind shares.
type Meta struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     string            `json:"status,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Resource is a tagged variant over the concrete kinds. Attrs exposes the
// typed core flattened into strings so that digests, merges and deltas can be
// computed without knowing the concrete type.
type Resource interface {
	Kind() Kind
	Base() *Meta
	Attrs() Fields
	SetAttrs(f Fields) error
	Clone() Resource
}

// New returns an empty resource of the given kind.
func New(kind Kind) (Resource, error) {
	switch kind {
	case KindInstance:
		return &Instance{}, nil
	case KindImage:
		return &Image{}, nil
	case KindVolumeType:
		return &VolumeType{}, nil
	case KindVolume:
		return &Volume{}, nil
	case KindNetwork:
		return &Network{}, nil
	case KindSubnet:
		return &Subnet{}, nil
	case KindPort:
		return &Port{}, nil
	}
	return nil, fmt.Errorf("unknown resource kind %q", kind)
}

func (m *Meta) cloneMeta() Meta {
	out := *m
	if m.Properties != nil {
		out.Properties = make(map[string]string, len(m.Properties))
		for k, v := range m.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// Property returns a property value, tolerating a nil map.
func (m *Meta) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

func (m *Meta) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = map[string]string{}
	}
	m.Properties[key] = value
}

func (m *Meta) metaAttrs(f Fields) {
	f["name"] = m.Name
	f["status"] = m.Status
}

// setMeta consumes the shared keys and returns true when key was one of them.
func (m *Meta) setMeta(key, value string) bool {
	switch key {
	case "name":
		m.Name = value
	case "status":
		m.Status = value
	default:
		return false
	}
	return true
}

// Fault is the OpenStack-style fault object saved on a failed resource.
type Fault struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Created time.Time `json:"created"`
}

// IDs returns the ids of a resource list, sorted.
func IDs(rs []Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Base().ID)
	}
	sort.Strings(out)
	return out
}

// Index maps a listing by id.
func Index(rs []Resource) map[string]Resource {
	out := make(map[string]Resource, len(rs))
	for _, r := range rs {
		out[r.Base().ID] = r
	}
	return out
}
