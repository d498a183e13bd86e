// Package transport moves one vqueue request at a time onto a Fabric,
// tracks it until completion, and applies the per-class completion
// policy (unlock/up-to-date bits) to the originating page.
package transport

import "github.com/coldmem/farswap/pkg/wire"

// WorkRequest is what gets posted to a Fabric: an opaque ID the fabric
// must echo back on completion, and the data-operation descriptor.
type WorkRequest struct {
	ID uint64
	Op wire.DataOp
}

// Completion is what a Fabric reports back for a previously posted
// WorkRequest.
type Completion struct {
	ID      uint64
	Success bool
}

// Fabric is the abstract reliable bidirectional byte channel the
// transport drives. It stands in for an RDMA-capable NIC: Post enqueues
// a one-sided operation, PollCompletions drains up to max finished
// operations without blocking, and InFlight reports how many posted
// operations have not yet completed.
type Fabric interface {
	Post(wr WorkRequest) error
	PollCompletions(max int) []Completion
	InFlight() int
}
