package transport

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/coldmem/farswap/pkg/chunktable"
	"github.com/coldmem/farswap/pkg/page"
	"github.com/coldmem/farswap/pkg/tenant"
	"github.com/coldmem/farswap/pkg/vqueue"
	"github.com/coldmem/farswap/pkg/wire"
)

// DefaultDepth is the default transport queue depth. The backoff margin
// (below) leaves headroom for in-flight completions to land before the
// queue is declared saturated.
const DefaultDepth = 128

// backoffMargin is subtracted from depth to decide when a queue counts
// as saturated: Submit backs off once in_flight would exceed
// depth-backoffMargin, not depth itself, giving completions room to
// drain concurrently with new submissions.
const backoffMargin = 16

// NRWriteQueue caps the number of STORE-class queues a Set will
// allocate, regardless of core count.
const NRWriteQueue = 48

// ErrChunkNotMapped is returned by Submit when the target offset
// resolves to a chunk that is not yet mapped.
var ErrChunkNotMapped = chunktable.ErrNotMapped

// Option configures a Queue at construction.
type Option func(*Queue)

// WithLogger sets the zerolog.Logger used for completion-failure
// logging. Default is a disabled logger.
func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// pending is the per-request bookkeeping kept alive between Submit and
// the completion callback: everything the callback needs to apply the
// per-class policy to the originating page and tenant.
type pending struct {
	class  vqueue.Class
	page   *page.Page
	tenant *tenant.Tenant
	tn     *tenant.Registry
}

// Queue is a single (core, class) transport queue: a Fabric, an
// in-flight counter, and the slab of pending requests awaiting
// completion.
type Queue struct {
	Core  int
	Class vqueue.Class

	fabric   Fabric
	depth    int
	inFlight atomic.Int64

	// admit bounds the number of in-flight DMA-mapped pages without
	// resorting to a spin-only admission loop: Submit acquires one
	// weight before posting, complete releases it. Spin+drain remains
	// the fallback when TryAcquire fails outright (queue genuinely
	// saturated), rather than busy-spinning on the semaphore itself.
	admit *semaphore.Weighted

	mu     sync.Mutex
	slab   map[uint64]*pending
	nextID uint64

	log zerolog.Logger

	// LazyPoll controls the LOAD_SYNC completion policy: if true, a
	// successful LOAD_SYNC leaves the page locked for an explicit
	// later drain instead of unlocking it in the callback.
	LazyPoll bool
}

// NewQueue returns a Queue bound to a core/class pair, backed by fab,
// with the given depth (DefaultDepth if depth <= 0).
func NewQueue(core int, class vqueue.Class, fab Fabric, depth int, opts ...Option) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	q := &Queue{
		Core:   core,
		Class:  class,
		fabric: fab,
		depth:  depth,
		admit:  semaphore.NewWeighted(int64(depth - backoffMargin)),
		slab:   make(map[uint64]*pending),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// InFlight returns the queue's current in-flight count.
func (q *Queue) InFlight() int64 { return q.inFlight.Load() }

// Submit resolves offset against tbl, builds the one-sided data
// operation for req's class, and posts it to the fabric. If the queue
// is within backoffMargin of its depth, Submit drains completions and
// retries rather than posting immediately — the spin+drain backoff
// described for a saturated physical queue.
func (q *Queue) Submit(req vqueue.Request, tbl *chunktable.Table, tn *tenant.Tenant, reg *tenant.Registry) error {
	addr, err := tbl.Resolve(req.Offset)
	if err != nil {
		return fmt.Errorf("transport: resolve offset %d: %w", req.Offset, err)
	}

	op := wire.Read
	if req.Class == vqueue.Store {
		op = wire.Write
	}
	dataOp := wire.NewDataOp(addr, op)

	for !q.admit.TryAcquire(1) {
		// The queue is saturated: drain completions to free up admission
		// weight and retry, rather than blocking on the semaphore.
		q.Drain()
		runtime.Gosched()
	}
	q.inFlight.Add(1)

	id := q.nextSlabID()
	q.mu.Lock()
	q.slab[id] = &pending{class: req.Class, page: req.Page, tenant: tn, tn: reg}
	q.mu.Unlock()

	if err := q.fabric.Post(WorkRequest{ID: id, Op: dataOp}); err != nil {
		q.inFlight.Add(-1)
		q.admit.Release(1)
		q.mu.Lock()
		delete(q.slab, id)
		q.mu.Unlock()
		return fmt.Errorf("transport: post: %w", err)
	}
	return nil
}

func (q *Queue) nextSlabID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	return q.nextID
}

// DrainBatch is the poll batch size used by Drain.
const DrainBatch = 4

// WriteDrainBatch is the poll batch size used by DrainWrite for write
// drains, which run with preemption enabled and can afford a larger
// batch.
const WriteDrainBatch = 64

// Drain polls completions in batches of DrainBatch until in-flight
// reaches zero or pending (the observed in-flight count at entry) have
// been processed. Intended for read drains, which are latency
// sensitive; callers running on a pinned core may wrap this in their
// own preemption-disable region.
func (q *Queue) Drain() {
	q.drain(DrainBatch, q.InFlight())
}

// DrainWrite polls completions in larger batches, for write drains
// where latency is less critical and preemption stays enabled.
func (q *Queue) DrainWrite() {
	q.drain(WriteDrainBatch, q.InFlight())
}

func (q *Queue) drain(batch int, pendingAtEntry int64) {
	var processed int64
	for q.InFlight() > 0 && processed < pendingAtEntry {
		comps := q.fabric.PollCompletions(batch)
		if len(comps) == 0 {
			return
		}
		for _, c := range comps {
			q.complete(c)
			processed++
		}
	}
}

// Peek polls one nonblocking batch and returns the resulting in-flight
// count, used by the prefetcher to decide whether to wait.
func (q *Queue) Peek() int64 {
	comps := q.fabric.PollCompletions(DrainBatch)
	for _, c := range comps {
		q.complete(c)
	}
	return q.InFlight()
}

// complete applies the per-class completion policy to one finished
// request, then retires its slab entry and decrements in-flight. This
// is the transport's single commit point for a page's post-I/O state.
func (q *Queue) complete(c Completion) {
	q.mu.Lock()
	p, ok := q.slab[c.ID]
	if ok {
		delete(q.slab, c.ID)
	}
	q.mu.Unlock()

	defer q.inFlight.Add(-1)
	defer q.admit.Release(1)

	if !ok {
		return
	}
	if p.tenant != nil && p.tn != nil {
		p.tn.RecordCompletion(p.tenant, p.class)
	}

	if !c.Success {
		// Remote failure: the page stays locked so a higher layer can
		// retry or kill the faulter.
		q.log.Warn().
			Uint64("id", c.ID).
			Int("core", q.Core).
			Str("class", p.class.String()).
			Uint64("offset", p.page.Offset).
			Msg("remote completion failed, page left locked")
		return
	}

	switch p.class {
	case vqueue.Store:
		p.page.Unlock()
	case vqueue.LoadSync:
		p.page.MarkUpToDate()
		if !q.LazyPoll {
			p.page.Unlock()
		}
	case vqueue.LoadAsync:
		p.page.MarkUpToDate()
		p.page.Unlock()
	}
}

// Set is the collection of per-(core,class) Queues for a session:
// onlineCores * NumClass queues, with the STORE class capped at
// NRWriteQueue regardless of core count.
type Set struct {
	queues map[int][vqueue.NumClass]*Queue
}

// NewSet builds a Set of queues for the given cores, all backed by fab,
// with opts applied to every queue. Cores beyond NRWriteQueue still get
// LOAD_SYNC/LOAD_ASYNC queues; only their STORE class queue is omitted.
func NewSet(cores []int, fab Fabric, depth int, opts ...Option) *Set {
	s := &Set{queues: make(map[int][vqueue.NumClass]*Queue, len(cores))}
	for i, core := range cores {
		var triple [vqueue.NumClass]*Queue
		for c := 0; c < vqueue.NumClass; c++ {
			if vqueue.Class(c) == vqueue.Store && i >= NRWriteQueue {
				continue
			}
			triple[c] = NewQueue(core, vqueue.Class(c), fab, depth, opts...)
		}
		s.queues[core] = triple
	}
	return s
}

// Queue returns the (core, class) queue, or nil if it was capped out of
// the set (an over-limit STORE queue on a core beyond NRWriteQueue).
func (s *Set) Queue(core int, class vqueue.Class) *Queue {
	triple, ok := s.queues[core]
	if !ok {
		return nil
	}
	return triple[class]
}
