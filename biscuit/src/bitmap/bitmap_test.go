package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOutOfRangeIsFalse(t *testing.T) {
	b := New(NewHeap(), 1<<20)
	require.False(t, b.Get(100))
}

func TestSetExtendsAndRoundsToQuantum(t *testing.T) {
	b := New(NewHeap(), 1<<20)
	b.Set(100, true)
	require.True(t, b.Get(100))
	require.Zero(t, b.Mapbits()%ExtendQuantum)
	require.GreaterOrEqual(t, b.Mapbits(), uint64(101))
}

func TestSetClear(t *testing.T) {
	b := New(NewHeap(), 1<<20)
	b.Set(5, true)
	require.True(t, b.Get(5))
	b.Set(5, false)
	require.False(t, b.Get(5))
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	b := New(NewHeap(), 1<<20)
	b.Set(7, true) // pre-existing unrelated bit

	before := snapshot(b)

	bit := b.Alloc(3) // 8 consecutive bits, 8-aligned
	require.NotEqual(t, NoSpace, bit)
	require.Zero(t, bit%8)

	wasSet := b.Dealloc(bit, 3)
	require.True(t, wasSet, "the run claimed by Alloc must read as set when Dealloc clears it")

	after := snapshot(b)
	require.Equal(t, before, after)
}

func TestAllocNeverOverlapsLiveRun(t *testing.T) {
	b := New(NewHeap(), 1<<20)
	first := b.Alloc(2)
	second := b.Alloc(2)
	require.NotEqual(t, NoSpace, first)
	require.NotEqual(t, NoSpace, second)
	require.NotEqual(t, first, second)
}

func TestAllocFailsPastMaxbits(t *testing.T) {
	b := New(NewHeap(), ExtendQuantum) // cap at exactly one quantum
	for {
		if b.Alloc(0) == NoSpace {
			break
		}
	}
	// bitmap is now saturated; any further alloc of any order fails
	require.Equal(t, NoSpace, b.Alloc(0))
}

func TestForEachSetAscendingAndExhaustive(t *testing.T) {
	b := New(NewHeap(), 1<<20)
	want := []uint64{0, 1, 63, 64, 65, 500, 4095, 4096}
	for _, i := range want {
		b.Set(i, true)
	}

	var got []uint64
	for i := range b.ForEachSet() {
		got = append(got, i)
	}
	require.Equal(t, want, got)
}

func TestForEachSetRestartable(t *testing.T) {
	b := New(NewHeap(), 1<<20)
	b.Set(3, true)
	b.Set(9, true)

	var first []uint64
	for i := range b.ForEachSet() {
		first = append(first, i)
	}
	var second []uint64
	for i := range b.ForEachSet() {
		second = append(second, i)
	}
	require.Equal(t, first, second)
}

func TestForEachSetEarlyStop(t *testing.T) {
	b := New(NewHeap(), 1<<20)
	b.Set(1, true)
	b.Set(2, true)
	b.Set(3, true)

	var got []uint64
	for i := range b.ForEachSet() {
		got = append(got, i)
		if len(got) == 1 {
			break
		}
	}
	require.Equal(t, []uint64{1}, got)
}

func snapshot(b *Bitmap) []byte {
	cp := make([]byte, len(b.buf))
	copy(cp, b.buf)
	return cp
}
