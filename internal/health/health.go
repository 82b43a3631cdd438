// Package health answers /health for swapd: the swap store, the database
// behind it and the counterparty peer each report in under a fixed name.
package health

import (
	"context"
	"sync"
)

// Status is one subsystem's line in the health report. Name is filled in
// by the registry.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type Checker func(ctx context.Context) Status

// FromError turns a ping-style check into a Checker; a non-nil error is
// unhealthy with its text as detail.
func FromError(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

type check struct {
	name string
	fn   Checker
}

// Registry is safe for concurrent Register and CheckAll.
type Registry struct {
	mu     sync.RWMutex
	checks []check
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(name string, fn Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, check{name: name, fn: fn})
}

// CheckAll runs the checks concurrently so one slow dependency does not
// delay the others. Results keep registration order; healthy is false if any
// check failed.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := append([]check(nil), r.checks...)
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Go(func() {
			st := c.fn(ctx)
			st.Name = c.name
			statuses[i] = st
		})
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}
