package epoll

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Regression: exceptFDs/writeFDs are ordinarily passed in empty (the
// select()/pselect6() equivalent of a NULL exceptfds) and never have Set
// called on them beforehand, so their backing bitmap's Mapbits() is 0.
// selectInternal must not rebuild them with that 0 as the new capacity --
// doing so leaves them unable to hold the very event it is about to record.
func TestSelectDeliversHangupToInitiallyEmptyExceptFDs(t *testing.T) {
	table := NewTable(newFakeScheduler(), &fakeTimerService{})
	files := map[int]File{5: &syncFile{hangup: true}}
	lookup := func(fd int) File { return files[fd] }

	readFDs := NewFDSet(16)
	writeFDs := NewFDSet(16)
	exceptFDs := NewFDSet(16)
	readFDs.Set(5, true)

	n := table.Select("thread-1", 16, readFDs, writeFDs, exceptFDs, -1, lookup)

	require.Equal(t, 1, n)
	require.True(t, exceptFDs.Has(5))
	require.False(t, readFDs.Has(5))
}

// Same regression via Pselect6, and with an initially-empty readFDs instead.
func TestPselect6DeliversReadableToInitiallyEmptyReadFDs(t *testing.T) {
	table := NewTable(newFakeScheduler(), &fakeTimerService{})
	files := map[int]File{6: &syncFile{readable: true}}
	lookup := func(fd int) File { return files[fd] }

	readFDs := NewFDSet(16)
	writeFDs := NewFDSet(16)
	exceptFDs := NewFDSet(16)
	exceptFDs.Set(6, true)

	n := table.Pselect6("thread-1", 16, readFDs, writeFDs, exceptFDs, -1, nil, lookup)

	require.Equal(t, 1, n)
	require.True(t, readFDs.Has(6))
	require.False(t, exceptFDs.Has(6))
}
