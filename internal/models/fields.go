package models

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PropPrefix marks property keys inside a flattened Fields map.
const PropPrefix = "prop:"

// Fields is a flat string view over a resource: typed attributes by name and
// properties under PropPrefix.
type Fields map[string]string

func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f Fields) Equal(o Fields) bool {
	if len(f) != len(o) {
		return false
	}
	for k, v := range f {
		ov, ok := o[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Without returns a copy of f minus the excluded keys.
func (f Fields) Without(excluded map[string]bool) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if !excluded[k] {
			out[k] = v
		}
	}
	return out
}

// Split separates attributes from properties.
func (f Fields) Split() (attrs Fields, props map[string]string) {
	attrs = Fields{}
	props = map[string]string{}
	for k, v := range f {
		if strings.HasPrefix(k, PropPrefix) {
			props[strings.TrimPrefix(k, PropPrefix)] = v
			continue
		}
		attrs[k] = v
	}
	return attrs, props
}

// Flatten returns the attributes of r together with its properties.
func Flatten(r Resource) Fields {
	f := r.Attrs()
	for k, v := range r.Base().Properties {
		f[PropPrefix+k] = v
	}
	return f
}

// Digest is a stable hash of a Fields map. Two maps with the same content
// always produce the same digest regardless of insertion order.
func Digest(f Fields) string {
	h := xxhash.New()
	for _, k := range f.Keys() {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(f[k])
		_, _ = h.Write([]byte{'\n'})
	}
	var buf [8]byte
	sum := h.Sum(buf[:0])
	return hex.EncodeToString(sum)
}

func formatBool(b bool) string { return strconv.FormatBool(b) }

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func formatInt(i int64) string { return strconv.FormatInt(i, 10) }

func parseInt(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}

// encodePairs renders key=value pairs sorted by key, separated by ';'.
func encodePairs(pairs map[string]string) string {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+pairs[k])
	}
	return strings.Join(parts, ";")
}

func decodePairs(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, part := range strings.Split(s, ";") {
		k, v, _ := strings.Cut(part, "=")
		out[k] = v
	}
	return out
}

func encodeList(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
