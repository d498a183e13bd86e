// Package scheduler implements the weighted fair scheduler: a single
// task that drains per-core virtual queues into the transport,
// enforcing weighted-fair bandwidth allocation between registered
// tenants across the three traffic classes.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/coldmem/farswap/pkg/chunktable"
	"github.com/coldmem/farswap/pkg/pin"
	"github.com/coldmem/farswap/pkg/tenant"
	"github.com/coldmem/farswap/pkg/transport"
	"github.com/coldmem/farswap/pkg/vqueue"
)

// subRounds is the number of sub-rounds performed per loop iteration.
const subRounds = 10

// Core is one core's worth of scheduling state: its vqueue triple and
// the transport queues it feeds.
type Core struct {
	ID     int
	Triple *vqueue.Triple
	Txn    *transport.Set
}

// Option configures a Scheduler at construction.
type Option func(*scheduler)

// WithLogger sets the zerolog.Logger used for dispatch/idle logging.
// Default is a disabled logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *scheduler) { s.log = log }
}

// WithBandwidthControl enables or disables per-round budget
// enforcement for the multi-active-tenant case. Disabled means
// budget := tenant.ThreadCount (fill as fast as the ring accepts).
// Default is enabled.
func WithBandwidthControl(enabled bool) Option {
	return func(s *scheduler) { s.bwControl = enabled }
}

// WithSleep overrides the inter-iteration sleep, normally a random
// 1-2us yield. Tests use this to make the loop's idle path fast and
// deterministic.
func WithSleep(sleep func()) Option {
	return func(s *scheduler) { s.sleep = sleep }
}

// WithPinnedCore pins the goroutine that calls Run to the given core,
// via pkg/pin, before entering the loop. Default is unpinned (-1).
func WithPinnedCore(core int) Option {
	return func(s *scheduler) { s.pinCore = core }
}

// scheduler is the unexported implementation behind the exported
// Scheduler handle: the mutable struct stays private and is configured
// via functional options before use.
type scheduler struct {
	reg   *tenant.Registry
	tbl   *chunktable.Table
	cores map[int]*Core

	bwControl bool
	log       zerolog.Logger
	sleep     func()
	pinCore   int
}

// Scheduler is the weighted fair scheduler. It owns no goroutine of its
// own until Run is called; construct with New, register cores with
// AddCore, then call Run in a pinned goroutine.
type Scheduler struct {
	s *scheduler
}

// New returns a Scheduler bound to a tenant registry and chunk table.
func New(reg *tenant.Registry, tbl *chunktable.Table, opts ...Option) *Scheduler {
	s := &scheduler{
		reg:       reg,
		tbl:       tbl,
		cores:     make(map[int]*Core),
		bwControl: true,
		log:       zerolog.Nop(),
		pinCore:   -1,
	}
	s.sleep = defaultSleep
	for _, o := range opts {
		o(s)
	}
	return &Scheduler{s: s}
}

func defaultSleep() {
	d := time.Duration(1+rand.Intn(2)) * time.Microsecond
	time.Sleep(d)
}

// AddCore registers a core's vqueue triple and transport queues with
// the scheduler.
func (sch *Scheduler) AddCore(c *Core) { sch.s.cores[c.ID] = c }

// Run drives the scheduler loop until ctx is cancelled. It is intended
// to run on a goroutine pinned to a dedicated core (see pkg/pin).
func (sch *Scheduler) Run(ctx context.Context) {
	s := sch.s
	if s.pinCore >= 0 {
		if err := pin.ToCore(s.pinCore); err != nil {
			s.log.Warn().Err(err).Int("core", s.pinCore).Msg("scheduler: pin to core failed, continuing unpinned")
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		found := s.iteration()
		if !found {
			s.pollIdleCores()
		}
		s.sleep()
	}
}

// iteration performs up to subRounds sub-rounds, each draining STORE
// and LOAD_SYNC to a fixpoint before polling LOAD_ASYNC once. It
// reports whether any work was found across the whole iteration.
func (s *scheduler) iteration() bool {
	var globalFound bool
	for round := 0; round < subRounds; round++ {
		storeFound := true
		loadSyncFound := true
		roundFound := false
		for storeFound || loadSyncFound {
			storeFound = s.pollClass(vqueue.Store)
			loadSyncFound = s.pollClass(vqueue.LoadSync)
			roundFound = roundFound || storeFound || loadSyncFound
		}
		if s.pollClass(vqueue.LoadAsync) {
			roundFound = true
		}
		globalFound = globalFound || roundFound
	}
	return globalFound
}

// tenantPressure is the per-tenant working set for one polling pass.
type tenantPressure struct {
	t      *tenant.Tenant
	active int64
}

// pollClass runs one polling pass for a single class C: compute each
// tenant's active pressure, pick the
// minimum-weighted-pressure baseline, and either serve every core of a
// lone active tenant or round-robin the baseline's cores under a
// budget. Returns whether any request was dispatched.
func (s *scheduler) pollClass(class vqueue.Class) bool {
	active := s.activeTenants(class)
	if len(active) == 0 {
		return false
	}
	if len(active) == 1 {
		return s.serveAllCores(active[0].t, class)
	}

	totalWeight := s.reg.TotalWeight()
	baseline := slices.MinFunc(active, func(a, b tenantPressure) int {
		aw, bw := weighted(totalWeight, a.t.Weight, a.active), weighted(totalWeight, b.t.Weight, b.active)
		switch {
		case aw < bw:
			return -1
		case aw > bw:
			return 1
		default:
			return 0
		}
	})

	// budget = active(baseline) * t.weight/baseline.weight - t.sent_pkts[C],
	// evaluated for t == baseline since only the baseline is served this
	// round; the weight ratio is 1 against itself, so this is
	// active(baseline) - baseline.sent_pkts[C]. See Open Question (b) in
	// DESIGN.md for why no other tenant's budget is ever computed here.
	var budget int64
	if s.bwControl {
		budget = baseline.active - baseline.t.SentPkts(class)
	} else {
		budget = int64(baseline.t.ThreadCount)
	}
	if budget <= 0 {
		return false
	}

	return s.roundRobinCores(baseline.t, class, budget)
}

func weighted(totalWeight int64, tenantWeight int, active int64) int64 {
	if tenantWeight == 0 {
		return active
	}
	return (totalWeight / int64(tenantWeight)) * active
}

// activeTenants computes active = sent_pkts[class] + sum of per-core
// vqueue cnt for every registered tenant, skipping tenants with zero
// pressure.
func (s *scheduler) activeTenants(class vqueue.Class) []tenantPressure {
	var out []tenantPressure
	for _, t := range s.reg.All() {
		var pressure int64 = t.SentPkts(class)
		for _, core := range t.Cores {
			c, ok := s.cores[core]
			if !ok {
				continue
			}
			pressure += c.Triple.Queue(class).Len()
		}
		if pressure == 0 {
			continue
		}
		out = append(out, tenantPressure{t: t, active: pressure})
	}
	return out
}

// serveAllCores dequeues and dispatches exactly one request from each
// of t's cores' vqueue[class], used when t is the sole active tenant.
func (s *scheduler) serveAllCores(t *tenant.Tenant, class vqueue.Class) bool {
	var dispatched bool
	for _, coreID := range t.Cores {
		c, ok := s.cores[coreID]
		if !ok {
			continue
		}
		if s.dispatchOne(c, t, class) {
			dispatched = true
		}
	}
	return dispatched
}

// roundRobinCores dequeues from t's cores in turn, one request per
// pass, decrementing budget, until budget is exhausted or a full pass
// finds no work.
func (s *scheduler) roundRobinCores(t *tenant.Tenant, class vqueue.Class, budget int64) bool {
	var dispatched bool
	for budget > 0 {
		foundThisPass := false
		for _, coreID := range t.Cores {
			if budget <= 0 {
				break
			}
			c, ok := s.cores[coreID]
			if !ok {
				continue
			}
			if s.dispatchOne(c, t, class) {
				foundThisPass = true
				dispatched = true
				budget--
			}
		}
		if !foundThisPass {
			return dispatched
		}
	}
	return dispatched
}

// dispatchOne dequeues one request from c's vqueue[class] and hands it
// to the transport, recording the dispatch against t on success.
func (s *scheduler) dispatchOne(c *Core, t *tenant.Tenant, class vqueue.Class) bool {
	q := c.Triple.Queue(class)
	req, err := q.Dequeue()
	if err != nil {
		return false
	}

	txq := c.Txn.Queue(c.ID, class)
	if txq == nil {
		q.Commit()
		return false
	}
	if err := txq.Submit(req, s.tbl, t, s.reg); err != nil {
		s.log.Error().Err(err).Int("core", c.ID).Str("class", class.String()).Msg("transport submit failed, request discarded")
		q.Commit()
		return true
	}
	s.reg.RecordDispatch(t, class)
	q.Commit()
	return true
}

// pollIdleCores dequeues one request per class from every core that is
// neither bound to a tenant nor the scheduler's own pinned core,
// matching the idle-core path run after a full iteration finds no work.
func (s *scheduler) pollIdleCores() {
	for coreID, c := range s.cores {
		if s.pinCore >= 0 && coreID == s.pinCore {
			continue
		}
		if _, bound := s.reg.TenantForCore(coreID); bound {
			continue
		}
		for class := 0; class < vqueue.NumClass; class++ {
			q := c.Triple.Queue(vqueue.Class(class))
			req, err := q.Dequeue()
			if err != nil {
				continue
			}
			txq := c.Txn.Queue(coreID, vqueue.Class(class))
			if txq == nil {
				q.Commit()
				continue
			}
			if err := txq.Submit(req, s.tbl, nil, nil); err != nil {
				s.log.Error().Err(err).Int("core", coreID).Msg("idle-core submit failed, request discarded")
			}
			q.Commit()
		}
	}
}
