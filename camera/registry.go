// Package camera maps snapshot folders to camera identifiers and reads their
// latest frames from disk.
package camera

import (
	"fmt"
	"sort"
)

// Registry is an immutable exact-match table from folder display name to
// camera identifier.
type Registry struct {
	ids map[string]string
}

func NewRegistry(m map[string]string) (*Registry, error) {
	ids := make(map[string]string, len(m))
	for name, id := range m {
		if name == "" || id == "" {
			return nil, fmt.Errorf("camera mapping %q -> %q has an empty side", name, id)
		}
		ids[name] = id
	}
	return &Registry{ids: ids}, nil
}

// Lookup matches name byte for byte; no case folding or normalization.
func (r *Registry) Lookup(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	id, ok := r.ids[name]
	return id, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ids)
}

// Names returns the registered folder names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.ids))
	for name := range r.ids {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the table for the twelve Ho Chi Minh City intersections.
// Camera C uses an en dash, the others a hyphen.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(map[string]string{
		"Lý_Thái_Tổ_-_Sư_Vạn_Hạnh":            "A",
		"Ba_Tháng_Hai_-_Cao_Thắng":            "B",
		"Điện_Biên_Phủ_–_Cao_Thắng":           "C",
		"Ngã_sáu_Nguyễn_Tri_Phương_1":         "D",
		"Ngã_sáu_Nguyễn_Tri_Phương":           "E",
		"Lê_Đại_Hành_2_(Lê_Đại_Hành)":         "F",
		"Lý_Thái_Tổ_-_Nguyễn_Đình_Chiểu":      "G",
		"Ngã_sáu_Cộng_Hòa_1":                  "H",
		"Ngã_sáu_Cộng_Hòa":                    "I",
		"Điện_Biên_Phủ_-_Cách_Mạng_Tháng_Tám": "J",
		"Công_Trường_Dân_Chủ":                 "K",
		"Công_Trường_Dân_Chủ_1":               "L",
	})
	return r
}
