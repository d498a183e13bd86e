// Package tenant implements the static tenant registry: named scheduling
// principals with a weight, a set of bound cores, and the per-class
// sent/total packet counters the weighted fair scheduler reads every
// sub-round.
package tenant

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coldmem/farswap/pkg/vqueue"
)

// ErrNotRegistered is returned by operations on a tenant name that has
// not been registered.
var ErrNotRegistered = errors.New("tenant: not registered")

// ErrInvalidWeight is returned by Register when weight < 1.
var ErrInvalidWeight = errors.New("tenant: weight must be >= 1")

// Tenant is one registered scheduling principal.
type Tenant struct {
	Name        string
	Weight      int
	ThreadCount int
	Cores       []int
	Priorities  []int

	sentPkts  [vqueue.NumClass]atomic.Int64
	totalPkts [vqueue.NumClass]atomic.Int64
}

// SentPkts returns the in-flight count for class c.
func (t *Tenant) SentPkts(c vqueue.Class) int64 { return t.sentPkts[c].Load() }

// TotalPkts returns the lifetime dispatched count for class c.
func (t *Tenant) TotalPkts(c vqueue.Class) int64 { return t.totalPkts[c].Load() }

// recordDispatch increments both sentPkts and totalPkts for class c,
// the bookkeeping step after one request has been handed to the
// transport.
func (t *Tenant) recordDispatch(c vqueue.Class) {
	t.sentPkts[c].Add(1)
	t.totalPkts[c].Add(1)
}

// recordCompletion decrements sentPkts for class c, called when a
// transport completion for this tenant's request arrives.
func (t *Tenant) recordCompletion(c vqueue.Class) {
	t.sentPkts[c].Add(-1)
}

// Registry is the singleton table of registered tenants, keyed by name,
// and the core-to-tenant binding map used to enforce "at most one
// tenant per core."
//
// total_weight aggregates multiplicatively (total *= weight on
// register, total /= weight on clear) rather than as the additive sum a
// weighted-fair-queueing reader would expect. Deliberate; see the Open
// Questions section of DESIGN.md before changing it.
type Registry struct {
	mu          sync.Mutex
	tenants     map[string]*Tenant
	coreBinding map[int]string
	totalWeight int64

	// totalSent aggregates sent_pkts across all tenants per class:
	// incremented with each tenant's dispatch, decremented with each
	// completion, so the sum over tenants' sentPkts equals totalSent at
	// every quiescent point.
	totalSent [vqueue.NumClass]atomic.Int64
}

// NewRegistry returns an empty tenant registry with total_weight == 1,
// the multiplicative identity.
func NewRegistry() *Registry {
	return &Registry{
		tenants:     make(map[string]*Tenant),
		coreBinding: make(map[int]string),
		totalWeight: 1,
	}
}

// Register adds a new tenant with the given weight, thread count, and
// core bindings. Any core in cores already bound to a different tenant
// is rebound — its previous binding is cleared first.
func (r *Registry) Register(name string, weight, threadCount int, cores, priorities []int) (*Tenant, error) {
	if weight < 1 {
		return nil, ErrInvalidWeight
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tenants[name]; exists {
		return nil, fmt.Errorf("tenant: %q already registered", name)
	}

	t := &Tenant{
		Name:        name,
		Weight:      weight,
		ThreadCount: threadCount,
		Cores:       append([]int(nil), cores...),
		Priorities:  append([]int(nil), priorities...),
	}

	for _, core := range cores {
		r.rebindCoreLocked(core, name)
	}

	r.tenants[name] = t
	r.totalWeight *= int64(weight)
	return t, nil
}

// rebindCoreLocked clears any existing binding for core and binds it to
// name. Callers must hold r.mu.
func (r *Registry) rebindCoreLocked(core int, name string) {
	delete(r.coreBinding, core)
	r.coreBinding[core] = name
}

// Deregister removes a tenant, dividing its weight back out of
// total_weight and releasing its core bindings.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[name]
	if !ok {
		return ErrNotRegistered
	}

	for _, core := range t.Cores {
		if r.coreBinding[core] == name {
			delete(r.coreBinding, core)
		}
	}
	delete(r.tenants, name)
	if t.Weight != 0 {
		r.totalWeight /= int64(t.Weight)
	}
	return nil
}

// SetWeight updates a tenant's weight, adjusting total_weight by
// dividing out the old weight and multiplying in the new one.
func (r *Registry) SetWeight(name string, weight int) error {
	if weight < 1 {
		return ErrInvalidWeight
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[name]
	if !ok {
		return ErrNotRegistered
	}
	if t.Weight != 0 {
		r.totalWeight /= int64(t.Weight)
	}
	t.Weight = weight
	r.totalWeight *= int64(weight)
	return nil
}

// TotalWeight returns the current multiplicative aggregate.
func (r *Registry) TotalWeight() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalWeight
}

// Get returns the tenant registered under name.
func (r *Registry) Get(name string) (*Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[name]
	if !ok {
		return nil, ErrNotRegistered
	}
	return t, nil
}

// TenantForCore returns the tenant bound to core, if any.
func (r *Registry) TenantForCore(core int) (*Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.coreBinding[core]
	if !ok {
		return nil, false
	}
	return r.tenants[name], true
}

// All returns a snapshot slice of all registered tenants.
func (r *Registry) All() []*Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out
}

// RecordDispatch increments the tenant's sent/total packet counters and
// the registry-wide aggregate for class c. Exported for the scheduler
// package.
func (r *Registry) RecordDispatch(t *Tenant, c vqueue.Class) {
	t.recordDispatch(c)
	r.totalSent[c].Add(1)
}

// RecordCompletion decrements the tenant's sent-packet counter and the
// registry-wide aggregate for class c. Exported for the transport
// completion callback.
func (r *Registry) RecordCompletion(t *Tenant, c vqueue.Class) {
	t.recordCompletion(c)
	r.totalSent[c].Add(-1)
}

// TotalSentPkts returns the registry-wide in-flight aggregate for class
// c, which equals the sum of every registered tenant's SentPkts(c).
func (r *Registry) TotalSentPkts(c vqueue.Class) int64 { return r.totalSent[c].Load() }
