package transport_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coldmem/farswap/pkg/chunktable"
	"github.com/coldmem/farswap/pkg/page"
	"github.com/coldmem/farswap/pkg/simfabric"
	"github.com/coldmem/farswap/pkg/tenant"
	"github.com/coldmem/farswap/pkg/transport"
	"github.com/coldmem/farswap/pkg/vqueue"
)

func mappedTable(t *testing.T) *chunktable.Table {
	t.Helper()
	tbl, err := chunktable.New(64, chunktable.DefaultRegionSizeGB)
	require.NoError(t, err)
	for i := 0; i < tbl.Len(); i++ {
		require.NoError(t, tbl.Bind(i, uint64(i)*chunktable.OneGB*chunktable.DefaultRegionSizeGB, uint32(i+1), chunktable.DefaultRegionSizeGB*chunktable.OneGB))
	}
	return tbl
}

func TestSubmitAndDrainStoreUnlocksPage(t *testing.T) {
	fab := simfabric.New()
	defer fab.Close()

	tbl := mappedTable(t)
	reg := tenant.NewRegistry()
	tn, err := reg.Register("a", 1, 1, []int{0}, nil)
	require.NoError(t, err)

	q := transport.NewQueue(0, vqueue.Store, fab, transport.DefaultDepth)
	p := page.New(42)
	p.Lock()
	require.NoError(t, q.Submit(vqueue.Request{Offset: 0, Page: p, Class: vqueue.Store}, tbl, tn, reg))

	require.Eventually(t, func() bool {
		q.Drain()
		return !p.Locked()
	}, time.Second, time.Millisecond, "STORE completion must unlock the page")
}

func TestLoadSyncLazyPollLeavesPageLocked(t *testing.T) {
	fab := simfabric.New()
	defer fab.Close()

	tbl := mappedTable(t)
	reg := tenant.NewRegistry()
	tn, err := reg.Register("a", 1, 1, []int{0}, nil)
	require.NoError(t, err)

	q := transport.NewQueue(0, vqueue.LoadSync, fab, transport.DefaultDepth)
	q.LazyPoll = true

	p := page.New(1)
	p.Lock()
	require.NoError(t, q.Submit(vqueue.Request{Offset: 0, Page: p, Class: vqueue.LoadSync}, tbl, tn, reg))

	require.Eventually(t, func() bool {
		q.Drain()
		return p.UpToDate()
	}, time.Second, time.Millisecond)
	require.True(t, p.Locked(), "lazy-poll LOAD_SYNC must leave the page locked after the callback")
}

func TestLoadSyncEagerUnlocksPage(t *testing.T) {
	fab := simfabric.New()
	defer fab.Close()

	tbl := mappedTable(t)
	reg := tenant.NewRegistry()
	tn, err := reg.Register("a", 1, 1, []int{0}, nil)
	require.NoError(t, err)

	q := transport.NewQueue(0, vqueue.LoadSync, fab, transport.DefaultDepth)
	q.LazyPoll = false

	p := page.New(1)
	p.Lock()
	require.NoError(t, q.Submit(vqueue.Request{Offset: 0, Page: p, Class: vqueue.LoadSync}, tbl, tn, reg))

	require.Eventually(t, func() bool {
		q.Drain()
		return !p.Locked()
	}, time.Second, time.Millisecond, "non-lazy LOAD_SYNC must unlock in the callback")
}

func TestLoadAsyncAlwaysUnlocks(t *testing.T) {
	fab := simfabric.New()
	defer fab.Close()

	tbl := mappedTable(t)
	reg := tenant.NewRegistry()
	tn, err := reg.Register("a", 1, 1, []int{0}, nil)
	require.NoError(t, err)

	q := transport.NewQueue(0, vqueue.LoadAsync, fab, transport.DefaultDepth)
	q.LazyPoll = true // must not matter for LOAD_ASYNC

	p := page.New(1)
	p.Lock()
	require.NoError(t, q.Submit(vqueue.Request{Offset: 0, Page: p, Class: vqueue.LoadAsync}, tbl, tn, reg))

	require.Eventually(t, func() bool {
		q.Drain()
		return !p.Locked()
	}, time.Second, time.Millisecond)
}

func TestFailedCompletionLeavesPageLockedAndLogs(t *testing.T) {
	fab := simfabric.New(simfabric.WithFailureRate(1))
	defer fab.Close()

	tbl := mappedTable(t)
	reg := tenant.NewRegistry()
	tn, err := reg.Register("a", 1, 1, []int{0}, nil)
	require.NoError(t, err)

	var logBuf bytes.Buffer
	q := transport.NewQueue(0, vqueue.Store, fab, transport.DefaultDepth,
		transport.WithLogger(zerolog.New(&logBuf)))
	p := page.New(1)
	p.Lock()
	require.NoError(t, q.Submit(vqueue.Request{Offset: 0, Page: p, Class: vqueue.Store}, tbl, tn, reg))

	require.Eventually(t, func() bool {
		q.Drain()
		return q.InFlight() == 0
	}, time.Second, time.Millisecond)
	require.True(t, p.Locked(), "a failed completion must leave the page locked")
	require.Contains(t, logBuf.String(), "remote completion failed", "a failed completion must be logged")
}

func TestSubmitRejectsUnmappedChunk(t *testing.T) {
	tbl, err := chunktable.New(64, chunktable.DefaultRegionSizeGB)
	require.NoError(t, err)

	fab := simfabric.New()
	defer fab.Close()

	q := transport.NewQueue(0, vqueue.Store, fab, transport.DefaultDepth)
	err = q.Submit(vqueue.Request{Offset: 0, Page: page.New(1), Class: vqueue.Store}, tbl, nil, nil)
	require.Error(t, err)
}

func TestSetCapsStoreQueuesAtNRWriteQueue(t *testing.T) {
	fab := simfabric.New()
	defer fab.Close()

	cores := make([]int, transport.NRWriteQueue+5)
	for i := range cores {
		cores[i] = i
	}
	set := transport.NewSet(cores, fab, transport.DefaultDepth)

	require.NotNil(t, set.Queue(0, vqueue.Store))
	require.Nil(t, set.Queue(transport.NRWriteQueue, vqueue.Store), "stores beyond NRWriteQueue are not allocated")
	require.NotNil(t, set.Queue(transport.NRWriteQueue, vqueue.LoadSync), "non-store classes are unaffected by the write-queue cap")
}
