package chunktable

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newMappedTable(t *testing.T, memSizeGB uint64) *Table {
	t.Helper()
	tbl, err := New(memSizeGB, DefaultRegionSizeGB)
	require.NoError(t, err)
	for i := 0; i < tbl.Len(); i++ {
		require.NoError(t, tbl.Bind(i, uint64(i)*OneGB*DefaultRegionSizeGB, uint32(i+1), DefaultRegionSizeGB*OneGB))
	}
	return tbl
}

func TestResolveAddressing(t *testing.T) {
	// 8GB regions: chunk boundaries land every 0x200000 pages.
	tbl := newMappedTable(t, 64)

	a, err := tbl.Resolve(0)
	require.NoError(t, err)
	require.Equal(t, 0, a.ChunkIdx)
	require.EqualValues(t, 0, a.OffsetInChunk)

	// 8GiB / 4KiB = 0x200000 pages
	a, err = tbl.Resolve(0x200000)
	require.NoError(t, err)
	require.Equal(t, 1, a.ChunkIdx)
	require.EqualValues(t, 0, a.OffsetInChunk)

	a, err = tbl.Resolve(0x200001)
	require.NoError(t, err)
	want := Addr{
		ChunkIdx:      1,
		OffsetInChunk: 0x1000,
		RemoteAddr:    1*OneGB*DefaultRegionSizeGB + 0x1000,
		RemoteKey:     2,
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("resolved address mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveUnmappedChunk(t *testing.T) {
	tbl, err := New(64, DefaultRegionSizeGB)
	require.NoError(t, err)
	_, err = tbl.Resolve(0)
	require.ErrorIs(t, err, ErrNotMapped)
}

func TestNewCapsAtMaxRegionNum(t *testing.T) {
	_, err := New(129*8, DefaultRegionSizeGB)
	require.Error(t, err)
}

func TestNewRejectsNonPowerOfTwoRegion(t *testing.T) {
	_, err := New(64, 6)
	require.Error(t, err)
}

func TestResolveOutOfRange(t *testing.T) {
	tbl := newMappedTable(t, 8)
	_, err := tbl.Resolve(0x400000) // 16GiB in: chunk 2, beyond the single chunk
	require.Error(t, err)
}
