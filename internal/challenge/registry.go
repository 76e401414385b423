package challenge

import (
	"fmt"
	"sort"

	"github.com/agentauth/backend/internal/core"
)

// Registry maps driver names to drivers. Registration order is preserved:
// it is the tie-break for selection and the iteration order of List.
// The registry is immutable after startup; Register is not safe to call
// concurrently with Select.
type Registry struct {
	byName map[string]Driver
	order  []Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Driver)}
}

// Register adds a driver. Registering the same name twice is an error.
func (r *Registry) Register(d Driver) error {
	name := d.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("challenge driver %q already registered", name)
	}
	r.byName[name] = d
	r.order = append(r.order, d)
	return nil
}

// Get returns the driver with the given name, or nil.
func (r *Registry) Get(name string) Driver {
	return r.byName[name]
}

// List returns all drivers in registration order.
func (r *Registry) List() []Driver {
	out := make([]Driver, len(r.order))
	copy(out, r.order)
	return out
}

// Select returns up to count drivers best covering the requested dimensions.
// Drivers are ranked by the size of the intersection between their declared
// dimensions and the request; ties keep registration order. An empty request
// returns drivers in registration order.
func (r *Registry) Select(dimensions []core.Dimension, count int) []Driver {
	if count <= 0 {
		count = 1
	}

	ranked := make([]Driver, len(r.order))
	copy(ranked, r.order)

	if len(dimensions) > 0 {
		requested := make(map[core.Dimension]bool, len(dimensions))
		for _, d := range dimensions {
			requested[d] = true
		}
		overlap := func(d Driver) int {
			n := 0
			for _, dim := range d.Dimensions() {
				if requested[dim] {
					n++
				}
			}
			return n
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			return overlap(ranked[i]) > overlap(ranked[j])
		})
	}

	if count > len(ranked) {
		count = len(ranked)
	}
	return ranked[:count]
}
