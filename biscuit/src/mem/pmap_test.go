package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"biscuitcore/biscuit/src/common"
)

const demoArenaSize = 64 << 20 // 64MiB simulated physical RAM
const dataBase = 32 << 20      // data frames start well past the table bump region

func newTestEngine(t *testing.T) (*Engine, *SimPhysMem, *RecordingFlusher) {
	t.Helper()
	phys := NewSimPhysMem(demoArenaSize)
	flusher := &RecordingFlusher{}
	e := NewEngine(phys, flusher)
	return e, phys, flusher
}

func TestMapRoundTripsToPhysicalFromVirtual(t *testing.T) {
	e, _, _ := newTestEngine(t)
	const v = uintptr(0x4000_0000_0000)
	const length = 3 * PageSize
	p := common.Pa_t(dataBase)

	e.Map(v, p, length, DefaultFlags().Writable())

	for delta := uintptr(0); delta < length; delta += 777 {
		got := e.PhysicalFromVirtual(v + delta)
		require.Equal(t, p+common.Pa_t(delta), got)
	}
}

func TestMapChoosesLargePagesWhenAligned(t *testing.T) {
	// needs both v and p aligned to 1GiB, so this test gets its own
	// generously sized arena rather than sharing demoArenaSize.
	phys := NewSimPhysMem(2 * PageSize1G)
	e := NewEngine(phys, &RecordingFlusher{})
	v := uintptr(1) << 30 // 1GiB aligned
	p := common.Pa_t(1) << 30

	e.Map(v, p, PageSize1G, DefaultFlags().Writable())

	lvl, slot := e.lookup(v)
	require.Equal(t, 2, lvl)
	require.True(t, slot.BlockMapping())
}

func TestMapRespectsMinPage(t *testing.T) {
	e, _, _ := newTestEngine(t)
	v := uintptr(1) << 30
	p := common.Pa_t(dataBase)

	// MinPage forces 4K pages even though v is 1GiB-aligned; keep the
	// range small since a disallowed-large-page mapping walks one 4K
	// entry at a time.
	e.Map(v, p, 3*PageSize, DefaultFlags().Writable().MinPage())

	lvl, slot := e.lookup(v)
	require.Equal(t, 4, lvl)
	require.False(t, slot.BlockMapping())
}

func TestUnmapClearsTranslation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	const v = uintptr(0x5000_0000_0000)
	e.Map(v, common.Pa_t(dataBase), PageSize, DefaultFlags().Writable())
	require.NotEqual(t, InvalidPhysical, e.PhysicalFromVirtual(v))

	e.Unmap(v, PageSize)
	require.Equal(t, InvalidPhysical, e.PhysicalFromVirtual(v))
}

func TestUnmapPagesWithHandlerVisitsFreedFrames(t *testing.T) {
	e, _, _ := newTestEngine(t)
	const v = uintptr(0x5000_0000_0000)
	const n = 4
	e.Map(v, common.Pa_t(dataBase), n*PageSize, DefaultFlags().Writable())

	var seen []common.Pa_t
	e.UnmapPagesWithHandler(v, n*PageSize, func(p common.Pa_t, size uintptr) {
		require.Equal(t, uintptr(PageSize), size)
		seen = append(seen, p)
	})
	require.Len(t, seen, n)
	for i, p := range seen {
		require.Equal(t, common.Pa_t(dataBase+i*PageSize), p)
	}
}

func TestUpdateMapFlagsIsIdempotentAndPreservesPhysical(t *testing.T) {
	e, _, _ := newTestEngine(t)
	const v = uintptr(0x6000_0000_0000)
	const length = 2 * PageSize
	p := common.Pa_t(dataBase)
	e.Map(v, p, length, DefaultFlags().Writable())

	newFlags := DefaultFlags().User()
	e.UpdateMapFlags(v, length, newFlags)
	_, slot1 := e.lookup(v)
	snap1 := *slot1

	e.UpdateMapFlags(v, length, newFlags)
	_, slot2 := e.lookup(v)
	snap2 := *slot2

	require.Equal(t, snap1, snap2)
	require.Equal(t, p, snap2.Frame())
}

func TestRemapPreservesPhysicalAndFlags(t *testing.T) {
	e, _, _ := newTestEngine(t)
	const oldV = uintptr(0x7000_0000_0000)
	const newV = uintptr(0x7100_0000_0000)
	const length = 2 * PageSize
	p := common.Pa_t(dataBase)
	flags := DefaultFlags().Writable().User()
	e.Map(oldV, p, length, flags)

	e.Remap(newV, oldV, length)

	require.Equal(t, InvalidPhysical, e.PhysicalFromVirtual(oldV))
	require.Equal(t, p, e.PhysicalFromVirtual(newV))
	_, slot := e.lookup(newV)
	require.Equal(t, flags.w, slot.Flags().w)
}

func TestMapAndZeroReadOnlyStillReadsAsZero(t *testing.T) {
	e, phys, _ := newTestEngine(t)
	const v = uintptr(0x8000_0000_0000)
	p := common.Pa_t(dataBase)

	// poison the backing frame before mapping, to prove MapAndZero clears it
	poison := phys.Dmap(p, PageSize)
	for i := range poison {
		poison[i] = 0xff
	}

	e.MapAndZero(v, p, PageSize, DefaultFlags(), nil)

	buf := phys.Dmap(e.PhysicalFromVirtual(v), PageSize)
	for _, b := range buf {
		require.Zero(t, b)
	}
	_, slot := e.lookup(v)
	require.True(t, slot.Flags().IsReadOnly())
}

func TestTraversePtesCoversExactlyIntersectingLeaves(t *testing.T) {
	e, _, _ := newTestEngine(t)
	const v = uintptr(0x9000_0000_0000)
	const n = 5
	e.Map(v, common.Pa_t(dataBase), n*PageSize, DefaultFlags().Writable())

	var levels []int
	var vaddrs []uintptr
	ok := e.TraversePtes(v, n*PageSize, func(level int, vaddr uintptr, entry *PTE) bool {
		levels = append(levels, level)
		vaddrs = append(vaddrs, vaddr)
		return true
	})
	require.True(t, ok)
	require.Len(t, levels, n)
	for _, l := range levels {
		require.Equal(t, 4, l)
	}
	for i, va := range vaddrs {
		require.Equal(t, v+uintptr(i)*PageSize, va)
	}
}

func TestTraversePtesEarlyStop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	const v = uintptr(0xa000_0000_0000)
	e.Map(v, common.Pa_t(dataBase), 3*PageSize, DefaultFlags().Writable())

	count := 0
	ok := e.TraversePtes(v, 3*PageSize, func(level int, vaddr uintptr, entry *PTE) bool {
		count++
		return count < 1
	})
	require.False(t, ok)
	require.Equal(t, 1, count)
}

func TestPhysicalFromVirtualUnmappedIsSentinel(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.Equal(t, InvalidPhysical, e.PhysicalFromVirtual(0x1234000))
}

func TestMapWithCompleteFiresAfterShootdown(t *testing.T) {
	e, _, flusher := newTestEngine(t)
	const v = uintptr(0xb000_0000_0000)
	done := false
	e.MapWithComplete(v, common.Pa_t(dataBase), PageSize, DefaultFlags().Writable(), func() {
		done = true
	})
	require.True(t, done)
	require.Len(t, flusher.Shootdowns, 1)
	require.Equal(t, []uintptr{v}, flusher.Shootdowns[0])
}
