// Package message defines the wire-agnostic Request/Response/Headers/
// RequestContext data model shared by the HTTP/1.1, HTTP/2, and WebSocket
// transports.
package message

import "net/textproto"

// Headers is an ordered, case-insensitive multimap from header name to its
// list of values, preserving insertion order so that headers such as
// Set-Cookie are never folded by comma on the wire.
type Headers struct {
	order  []string // canonical names, in first-seen order
	values map[string][]string
}

// NewHeaders returns an empty Headers container.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

func canon(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Add appends a value, preserving any existing values for name.
func (h *Headers) Add(name, value string) {
	name = canon(name)
	if _, ok := h.values[name]; !ok {
		h.order = append(h.order, name)
	}
	h.values[name] = append(h.values[name], value)
}

// Set replaces all values for name with the single value provided.
func (h *Headers) Set(name, value string) {
	name = canon(name)
	if _, ok := h.values[name]; !ok {
		h.order = append(h.order, name)
	}
	h.values[name] = []string{value}
}

// Del removes all values for name.
func (h *Headers) Del(name string) {
	name = canon(name)
	if _, ok := h.values[name]; !ok {
		return
	}
	delete(h.values, name)
	for i, n := range h.order {
		if n == name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Get returns the first value for name, or "" if absent.
func (h *Headers) Get(name string) string {
	vs := h.values[canon(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for name, in insertion order. The returned
// slice is a copy; mutating it does not affect the Headers.
func (h *Headers) Values(name string) []string {
	vs := h.values[canon(name)]
	if vs == nil {
		return nil
	}
	out := make([]string, len(vs))
	copy(out, vs)
	return out
}

// Has reports whether name has at least one value.
func (h *Headers) Has(name string) bool {
	return len(h.values[canon(name)]) > 0
}

// Names returns header names in first-seen order.
func (h *Headers) Names() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Each calls fn once per (name, value) pair in wire order: for each name in
// insertion order, for each of its values in insertion order. This is the
// iteration order the serializer must use so that multi-value headers emit
// one line per value.
func (h *Headers) Each(fn func(name, value string)) {
	for _, name := range h.order {
		for _, v := range h.values[name] {
			fn(name, v)
		}
	}
}

// Clone returns a defensive deep copy.
func (h *Headers) Clone() *Headers {
	out := NewHeaders()
	if h == nil {
		return out
	}
	out.order = append([]string(nil), h.order...)
	out.values = make(map[string][]string, len(h.values))
	for k, v := range h.values {
		out.values[k] = append([]string(nil), v...)
	}
	return out
}

// Equal reports whether h and other have the same names (case-insensitively,
// canonicalized) each mapped to the same ordered list of values, independent
// of the relative order between distinct names.
func (h *Headers) Equal(other *Headers) bool {
	if h == nil || other == nil {
		return h == other
	}
	if len(h.values) != len(other.values) {
		return false
	}
	for k, v := range h.values {
		ov, ok := other.values[k]
		if !ok || len(ov) != len(v) {
			return false
		}
		for i := range v {
			if v[i] != ov[i] {
				return false
			}
		}
	}
	return true
}
