package tenant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldmem/farswap/pkg/vqueue"
)

func TestRegisterAndTotalWeightMultiplicative(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("a", 2, 4, []int{0, 1}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, r.TotalWeight())

	_, err = r.Register("b", 3, 4, []int{2, 3}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 6, r.TotalWeight(), "total_weight aggregates multiplicatively, not by sum")
}

func TestRegisterRejectsSubUnitWeight(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("a", 0, 1, nil, nil)
	require.ErrorIs(t, err, ErrInvalidWeight)
}

func TestRebindingClearsPreviousBinding(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("a", 1, 1, []int{0}, nil)
	require.NoError(t, err)

	_, err = r.Register("b", 1, 1, []int{0}, nil)
	require.NoError(t, err)

	owner, ok := r.TenantForCore(0)
	require.True(t, ok)
	require.Equal(t, "b", owner.Name)
}

func TestDeregisterDividesOutWeight(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("a", 2, 1, []int{0}, nil)
	require.NoError(t, err)
	_, err = r.Register("b", 5, 1, []int{1}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 10, r.TotalWeight())

	require.NoError(t, r.Deregister("a"))
	require.EqualValues(t, 5, r.TotalWeight())

	_, ok := r.TenantForCore(0)
	require.False(t, ok)
}

func TestRecordDispatchAndCompletion(t *testing.T) {
	r := NewRegistry()
	tn, err := r.Register("a", 1, 1, []int{0}, nil)
	require.NoError(t, err)

	r.RecordDispatch(tn, vqueue.Store)
	r.RecordDispatch(tn, vqueue.Store)
	require.EqualValues(t, 2, tn.SentPkts(vqueue.Store))
	require.EqualValues(t, 2, tn.TotalPkts(vqueue.Store))

	r.RecordCompletion(tn, vqueue.Store)
	require.EqualValues(t, 1, tn.SentPkts(vqueue.Store))
	require.EqualValues(t, 2, tn.TotalPkts(vqueue.Store), "total_pkts is never decremented on completion")
}

func TestTotalSentPktsTracksPerTenantSum(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register("a", 1, 1, []int{0}, nil)
	require.NoError(t, err)
	b, err := r.Register("b", 2, 1, []int{1}, nil)
	require.NoError(t, err)

	r.RecordDispatch(a, vqueue.Store)
	r.RecordDispatch(a, vqueue.Store)
	r.RecordDispatch(b, vqueue.Store)
	r.RecordDispatch(b, vqueue.LoadSync)

	require.EqualValues(t, 3, r.TotalSentPkts(vqueue.Store))
	require.EqualValues(t, 1, r.TotalSentPkts(vqueue.LoadSync))
	require.Equal(t, a.SentPkts(vqueue.Store)+b.SentPkts(vqueue.Store), r.TotalSentPkts(vqueue.Store))

	r.RecordCompletion(a, vqueue.Store)
	r.RecordCompletion(b, vqueue.Store)
	require.EqualValues(t, 1, r.TotalSentPkts(vqueue.Store))
	require.Equal(t, a.SentPkts(vqueue.Store)+b.SentPkts(vqueue.Store), r.TotalSentPkts(vqueue.Store))
}
