// Package merge implements the three-way merge used when both control planes
// changed the same resource since the last agreed copy.
package merge

import (
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
)

type ChangeType int

const (
	Add ChangeType = iota
	Update
	Delete
)

func (c ChangeType) String() string {
	switch c {
	case Add:
		return "add"
	case Update:
		return "update"
	}
	return "delete"
}

type Change struct {
	Type  ChangeType
	Value string
}

// ChangeSet is keyed by field name.
type ChangeSet map[string]Change

// Changes returns what current did relative to master.
func Changes(master, current models.Fields) ChangeSet {
	out := ChangeSet{}
	for k, v := range current {
		mv, ok := master[k]
		switch {
		case !ok:
			out[k] = Change{Type: Add, Value: v}
		case mv != v:
			out[k] = Change{Type: Update, Value: v}
		}
	}
	for k := range master {
		if _, ok := current[k]; !ok {
			out[k] = Change{Type: Delete}
		}
	}
	return out
}

// Apply returns a copy of base with cs applied.
func (cs ChangeSet) Apply(base models.Fields) models.Fields {
	out := base.Clone()
	for k, c := range cs {
		if c.Type == Delete {
			delete(out, k)
			continue
		}
		out[k] = c.Value
	}
	return out
}

// Combine overlays newer on older: newer wins every conflicting key, so a
// delete from older survives only when newer left the key untouched.
func Combine(older, newer ChangeSet) ChangeSet {
	out := make(ChangeSet, len(older)+len(newer))
	for k, c := range older {
		out[k] = c
	}
	for k, c := range newer {
		out[k] = c
	}
	return out
}

// ThreeWay merges the changes of both sides onto master.
func ThreeWay(master, older, newer models.Fields) models.Fields {
	return Combine(Changes(master, older), Changes(master, newer)).Apply(master)
}
