package vqueue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldmem/farswap/pkg/page"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New()
	for i := uint64(0); i < 5; i++ {
		q.Enqueue(Request{Offset: i, Page: page.New(i), Class: Store})
	}
	require.EqualValues(t, 5, q.Len())

	for i := uint64(0); i < 5; i++ {
		req, err := q.Dequeue()
		require.NoError(t, err)
		require.Equal(t, i, req.Offset)
		q.Commit()
	}
	require.EqualValues(t, 0, q.Len())

	_, err := q.Dequeue()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestEnlargeGrowsAndPreservesOrder(t *testing.T) {
	q := New()
	initialCap := q.Cap()

	n := initialCap + 10
	for i := 0; i < n; i++ {
		q.Enqueue(Request{Offset: uint64(i), Class: Store})
	}
	require.Greater(t, q.Cap(), initialCap, "ring must have enlarged to hold more than its initial capacity")

	for i := 0; i < n; i++ {
		req, err := q.Dequeue()
		require.NoError(t, err)
		require.EqualValues(t, i, req.Offset)
		q.Commit()
	}
}

func TestEnlargeWithWrappedHeadTail(t *testing.T) {
	q := New()
	cap0 := q.Cap()

	// Fill and drain half, so head/tail sit mid-buffer, then fill past
	// capacity to force enlarge to handle a wrapped segment.
	for i := 0; i < cap0/2; i++ {
		q.Enqueue(Request{Offset: uint64(i)})
	}
	for i := 0; i < cap0/2; i++ {
		_, err := q.Dequeue()
		require.NoError(t, err)
		q.Commit()
	}

	const total = 100
	for i := 0; i < total; i++ {
		q.Enqueue(Request{Offset: uint64(1000 + i)})
	}

	for i := 0; i < total; i++ {
		req, err := q.Dequeue()
		require.NoError(t, err)
		require.EqualValues(t, 1000+i, req.Offset)
		q.Commit()
	}
}

func TestCommitLagsDequeue(t *testing.T) {
	q := New()
	q.Enqueue(Request{Offset: 1})
	q.Enqueue(Request{Offset: 2})
	require.EqualValues(t, 2, q.Len())

	req, err := q.Dequeue()
	require.NoError(t, err)
	require.EqualValues(t, 1, req.Offset)

	// Commit not yet called: backlog pressure must still reflect the
	// dequeued-but-not-handed-off request.
	require.EqualValues(t, 2, q.Len())

	q.Commit()
	require.EqualValues(t, 1, q.Len())
}

func TestTripleActivePkts(t *testing.T) {
	tr := NewTriple(0, 42)
	tr.Queue(Store).Enqueue(Request{Offset: 1, Class: Store})
	tr.Queue(LoadSync).Enqueue(Request{Offset: 2, Class: LoadSync})
	require.EqualValues(t, 2, tr.ActivePkts())
}
