package control

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := New()
	require.EqualValues(t, 16, s.GetVar(SthdCnt))
	require.EqualValues(t, 0, s.GetVar(ReclaimMode))
	for f := BypassSwapcache; f <= AptReclaim; f++ {
		require.False(t, s.GetFlag(f), "%s must default false", f)
	}
}

func TestSetVarRange(t *testing.T) {
	s := New()
	require.NoError(t, s.SetVar(SthdCnt, 32))
	require.Error(t, s.SetVar(SthdCnt, 33))
	require.Error(t, s.SetVar(SthdCnt, 0))
	require.NoError(t, s.SetVar(ReclaimMode, 2))
	require.Error(t, s.SetVar(ReclaimMode, 3))
}

func TestResetSwapStats(t *testing.T) {
	s := New()
	s.RecordOndemandSwapin()
	s.RecordPrefetchSwapin()
	s.RecordHitOnPrefetch()
	stats := s.GetSwapStats()
	require.EqualValues(t, 1, stats.OndemandSwapinCount)

	s.ResetSwapStats()
	require.Equal(t, SwapStats{}, s.GetSwapStats())
}

func TestFlagNames(t *testing.T) {
	require.Equal(t, "speculative_io", SpeculativeIO.String())
	require.Equal(t, "apt_reclaim", AptReclaim.String())
	require.Equal(t, "reclaim_mode", ReclaimMode.String())
}

func TestFlagByNameRoundTrips(t *testing.T) {
	for f := BypassSwapcache; f <= AptReclaim; f++ {
		got, ok := FlagByName(f.String())
		require.True(t, ok, "%s must resolve", f)
		require.Equal(t, f, got)
	}
	_, ok := FlagByName("no_such_flag")
	require.False(t, ok)
}

func TestVarByName(t *testing.T) {
	v, ok := VarByName("sthd_cnt")
	require.True(t, ok)
	require.Equal(t, SthdCnt, v)
	v, ok = VarByName("reclaim_mode")
	require.True(t, ok)
	require.Equal(t, ReclaimMode, v)
	_, ok = VarByName("nope")
	require.False(t, ok)
}
