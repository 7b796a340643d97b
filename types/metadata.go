package types

import "slices"

// Item is a single custom metadata key/value pair on a VM.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Items is an ordered snapshot of a VM's custom metadata.
//
// Fingerprint is an opaque token issued by the control plane with each read.
// Writing back with a stale fingerprint is rejected by control planes that
// support it; an empty fingerprint means an unconditional write.
type Items struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Items       []Item `json:"items"`
}

// Get returns the value stored under key.
func (m *Items) Get(key string) (string, bool) {
	for _, it := range m.Items {
		if it.Key == key {
			return it.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present.
func (m *Items) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Clone returns a deep copy, detached from the receiver's backing array.
func (m *Items) Clone() Items {
	return Items{
		Fingerprint: m.Fingerprint,
		Items:       slices.Clone(m.Items),
	}
}

// Filter returns the items whose key is in keys, preserving order.
func Filter(items []Item, keys []string) []Item {
	var out []Item
	for _, it := range items {
		if slices.Contains(keys, it.Key) {
			out = append(out, it)
		}
	}
	return out
}

// ToMap flattens items into a map. Later duplicates win.
func ToMap(items []Item) map[string]string {
	out := make(map[string]string, len(items))
	for _, it := range items {
		out[it.Key] = it.Value
	}
	return out
}
