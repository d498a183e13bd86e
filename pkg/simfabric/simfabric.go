// Package simfabric provides an in-process, loopback implementation of
// transport.Fabric: a bounded channel plus a small worker pool that
// "completes" posted work requests after simulating network latency.
// It stands in where no physical RDMA NIC is reachable, and is good
// enough to drive the scheduler and reclamation controller end-to-end
// in tests and in a local demo binary.
package simfabric

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/coldmem/farswap/pkg/transport"
)

// errFabricClosed is returned by Post once the fabric has been closed.
var errFabricClosed = errors.New("simfabric: fabric closed")

// Option configures a Fabric at construction, following the same
// functional-options shape used across this module's config surfaces.
type Option func(*Fabric)

// WithWorkers sets the number of goroutines servicing posted work
// requests. Default is 4.
func WithWorkers(n int) Option {
	return func(f *Fabric) {
		if n > 0 {
			f.workers = n
		}
	}
}

// WithLatency sets the simulated per-operation latency range
// [min, max). Default is [0, 0) — immediate completion.
func WithLatency(min, max time.Duration) Option {
	return func(f *Fabric) {
		f.latencyMin = min
		f.latencyMax = max
	}
}

// WithFailureRate sets the fraction of operations (in [0,1]) that
// complete with Success == false, for exercising the remote-failure
// path deterministically in tests.
func WithFailureRate(rate float64) Option {
	return func(f *Fabric) {
		f.failureRate = rate
	}
}

// Fabric is a loopback transport.Fabric: Post enqueues work onto an
// internal channel, a fixed pool of workers "transmits" it (optionally
// with simulated latency/failure), and completions land on a second
// bounded channel that PollCompletions drains non-blockingly.
type Fabric struct {
	workers     int
	latencyMin  time.Duration
	latencyMax  time.Duration
	failureRate float64

	posted      chan transport.WorkRequest
	completions chan transport.Completion

	inFlight int64
	mu       sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// New returns a running Fabric with the given options applied.
func New(opts ...Option) *Fabric {
	f := &Fabric{
		workers: 4,
		posted:  make(chan transport.WorkRequest, 4096),
		// generous buffer: PollCompletions is nonblocking, so a slow
		// consumer must never stall a worker trying to report success.
		completions: make(chan transport.Completion, 4096),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	for i := 0; i < f.workers; i++ {
		go f.worker()
	}
	return f
}

// Close stops the worker pool. A Post after Close does not panic: it
// returns errFabricClosed, or, while the posted buffer has room, may
// still enqueue the request, which no worker then completes. Callers
// must not call Post concurrently with Close.
func (f *Fabric) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *Fabric) worker() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-f.done:
			return
		case wr := <-f.posted:
			if f.latencyMax > f.latencyMin {
				d := f.latencyMin + time.Duration(rng.Int63n(int64(f.latencyMax-f.latencyMin)))
				time.Sleep(d)
			} else if f.latencyMin > 0 {
				time.Sleep(f.latencyMin)
			}

			success := true
			if f.failureRate > 0 && rng.Float64() < f.failureRate {
				success = false
			}

			select {
			case f.completions <- transport.Completion{ID: wr.ID, Success: success}:
			case <-f.done:
				return
			}
		}
	}
}

// Post enqueues wr for the worker pool, incrementing the in-flight
// counter immediately.
func (f *Fabric) Post(wr transport.WorkRequest) error {
	f.mu.Lock()
	f.inFlight++
	f.mu.Unlock()

	select {
	case f.posted <- wr:
		return nil
	case <-f.done:
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		return errFabricClosed
	}
}

// PollCompletions drains up to max completions without blocking.
func (f *Fabric) PollCompletions(max int) []transport.Completion {
	if max <= 0 {
		return nil
	}
	out := make([]transport.Completion, 0, max)
	for len(out) < max {
		select {
		case c := <-f.completions:
			out = append(out, c)
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
		default:
			return out
		}
	}
	return out
}

// InFlight returns the number of posted operations not yet completed.
func (f *Fabric) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.inFlight)
}
