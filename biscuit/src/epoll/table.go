package epoll

import (
	"sync"

	"biscuitcore/biscuit/src/bitmap"
	"biscuitcore/biscuit/src/common"
)

// maxEpollInstances bounds how many live multiplexors a single Table will
// hand out before returning -EMFILE, mirroring the teacher's own
// hard-coded per-process limits (main.go's aplim, _deflimits) rather than
// making the cap configurable.
const maxEpollInstances = 256

// Table is the process-local fd-table wrapper exposing the syscall
// surface named in the dispatch table: epoll_create, epoll_create1,
// epoll_ctl, epoll_wait, epoll_pwait, select, pselect6. Every method
// returns a sysreturn-flavored int: a nonnegative count or fd on success,
// one of -ENOMEM/-EMFILE/-EBADF on failure.
type Table struct {
	mu     sync.Mutex
	muxes  map[int]*Multiplexor
	nextFd int

	scheduler Scheduler
	timers    TimerService

	// selectEpoll backs select/pselect6's per-caller ephemeral
	// multiplexor (current->select_epoll upstream), lazily created and
	// reused across calls from the same thread.
	selectEpoll map[Thread]*Multiplexor
}

// NewTable creates an empty fd table bound to the given collaborators.
func NewTable(scheduler Scheduler, timers TimerService) *Table {
	return &Table{
		muxes:       make(map[int]*Multiplexor),
		scheduler:   scheduler,
		timers:      timers,
		selectEpoll: make(map[Thread]*Multiplexor),
	}
}

func (t *Table) allocFdLocked() (int, bool) {
	if len(t.muxes) >= maxEpollInstances {
		return 0, false
	}
	fd := t.nextFd
	t.nextFd++
	return fd, true
}

// EpollCreate allocates a new multiplexor and returns its fd, or -EMFILE
// once maxEpollInstances is reached. flags is accepted for parity with
// EpollCreate1 but otherwise unused.
func (t *Table) EpollCreate(flags int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd, ok := t.allocFdLocked()
	if !ok {
		return errReturn(common.EMFILE)
	}
	t.muxes[fd] = Create(fd, t.scheduler, t.timers)
	return fd
}

// EpollCreate1 is epoll_create's real second entry point: it accepts a
// flags argument (EPOLL_CLOEXEC is accepted and ignored, since this
// module has no exec to honor it against) and otherwise does exactly
// what EpollCreate does, matching register_poll_syscalls registering
// both SYS_epoll_create and SYS_epoll_create1 against the same handler.
func (t *Table) EpollCreate1(flags int) int {
	return t.EpollCreate(flags)
}

func (t *Table) lookup(fd int) (*Multiplexor, common.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.muxes[fd]
	if !ok {
		return nil, common.EBADF
	}
	return m, 0
}

// EpollCtl dispatches ADD/MOD/DEL against epfd's multiplexor. ADD and MOD
// always succeed once epfd resolves; DEL fails with -EBADF if fd was
// never added.
func (t *Table) EpollCtl(epfd, op, fd int, file File, cookie uint64, mask uint32) int {
	m, err := t.lookup(epfd)
	if err != 0 {
		return errReturn(err)
	}
	switch op {
	case CtlAdd:
		m.Add(fd, file, cookie, mask)
	case CtlMod:
		m.Mod(fd, cookie, mask)
	case CtlDel:
		if err := m.Del(fd); err != 0 {
			return errReturn(err)
		}
	}
	return 0
}

// EpollWait blocks thread until epfd produces events or timeoutMs
// elapses, per Multiplexor.Wait.
func (t *Table) EpollWait(epfd int, thread Thread, events []Event, timeoutMs int) int {
	m, err := t.lookup(epfd)
	if err != 0 {
		return errReturn(err)
	}
	return m.Wait(thread, events, timeoutMs)
}

// EpollPWait is epoll_wait with an additional signal mask applied for the
// duration of the call. sigmask is accepted and ignored -- per the
// source's own comment ("sigmask unused right now") -- rather than
// silently dropped from the Go signature.
func (t *Table) EpollPWait(epfd int, thread Thread, events []Event, timeoutMs int, sigmask []byte) int {
	return t.EpollWait(epfd, thread, events, timeoutMs)
}

// Close releases epfd's multiplexor (draining its registrations and
// waiters) and removes it from the table. Closing an unknown fd returns
// -EBADF.
func (t *Table) Close(epfd int) int {
	t.mu.Lock()
	m, ok := t.muxes[epfd]
	if ok {
		delete(t.muxes, epfd)
	}
	t.mu.Unlock()
	if !ok {
		return errReturn(common.EBADF)
	}
	m.Close()
	return 0
}

// FDSet is a dense bitmap-backed set of fds, standing in for the raw
// fd_set word arrays select/pselect6 take upstream -- the same bitmap
// primitive the multiplexor itself uses for its watch set, reused here as
// select's own fd-set representation.
type FDSet struct {
	bm    *bitmap.Bitmap
	maxFD uint64
}

// NewFDSet creates an empty set capable of holding fds up to maxFD-1.
func NewFDSet(maxFD uint64) *FDSet {
	return &FDSet{bm: bitmap.New(bitmap.NewHeap(), maxFD), maxFD: maxFD}
}

// Set marks fd present or absent in the set.
func (s *FDSet) Set(fd int, v bool) { s.bm.Set(uint64(fd), v) }

// Has reports whether fd is present in the set.
func (s *FDSet) Has(fd int) bool { return s.bm.Get(uint64(fd)) }

// clear resets the set to empty, preserving its original capacity. Replacing
// the backing bitmap with bitmap.New(bitmap.NewHeap(), s.bm.Mapbits()) would
// instead use the *current* logical size, which is 0 for any set that has
// never had Set called (a typical empty exceptfds/writefds) -- the resulting
// zero-maxbits bitmap then panics on the first Set.
func (s *FDSet) clear() { s.bm = bitmap.New(bitmap.NewHeap(), s.maxFD) }

func (s *FDSet) union(others ...*FDSet) []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	add := func(fs *FDSet) {
		for fd := range fs.bm.ForEachSet() {
			if !seen[fd] {
				seen[fd] = true
				out = append(out, fd)
			}
		}
	}
	add(s)
	for _, o := range others {
		add(o)
	}
	return out
}

// selectEpollFor returns the calling thread's lazily-created ephemeral
// multiplexor, mirroring current->select_epoll.
func (t *Table) selectEpollFor(thread Thread) *Multiplexor {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.selectEpoll[thread]
	if !ok {
		fd, _ := t.allocFdLocked()
		m = Create(fd, t.scheduler, t.timers)
		t.selectEpoll[thread] = m
	}
	return m
}

// fileLookup resolves an fd to a File for registration purposes; the
// caller supplies it since Table itself has no fd-to-file mapping of its
// own (file descriptors belong to the process, out of this module's
// scope).
type fileLookup func(fd int) File

// Select and Pselect6 are designed fresh: the source calls halt
// unconditionally and the code after it is dead. This implements only the
// shape the dead code documents -- a readiness delta between the
// multiplexor's currently-registered fds and the union of the three
// caller fd sets, new fds Added and dropped fds Deleted, then a bounded
// Wait -- projected back onto readFDs/exceptFDs. There is no
// write-readiness source (per the write-notification non-goal), so
// writeFDs always comes back empty.
func (t *Table) selectInternal(thread Thread, readFDs, writeFDs, exceptFDs *FDSet, timeoutMs int, lookup fileLookup) int {
	m := t.selectEpollFor(thread)
	want := readFDs.union(writeFDs, exceptFDs)

	wantSet := make(map[uint64]bool, len(want))
	for _, fd := range want {
		wantSet[fd] = true
	}
	var toAdd, toDel []int
	for _, fd := range m.registeredFDs() {
		if !wantSet[fd] {
			toDel = append(toDel, int(fd))
		}
	}
	for _, fd := range want {
		if !m.hasRegistration(int(fd)) {
			toAdd = append(toAdd, int(fd))
		}
	}

	for _, fd := range toDel {
		m.Del(fd)
	}
	for _, fd := range toAdd {
		f := lookup(fd)
		if f == nil {
			continue
		}
		m.Add(fd, f, uint64(fd), In|Hup)
	}

	events := make([]Event, len(want))
	n := m.Wait(thread, events, timeoutMs)

	readFDs.clear()
	exceptFDs.clear()
	for _, e := range events[:n] {
		if e.Events&Hup != 0 {
			exceptFDs.Set(int(e.Cookie), true)
		} else {
			readFDs.Set(int(e.Cookie), true)
		}
	}
	writeFDs.clear()
	return n
}

// Select implements the select(2) surface.
func (t *Table) Select(thread Thread, nfds int, readFDs, writeFDs, exceptFDs *FDSet, timeoutMs int, lookup fileLookup) int {
	return t.selectInternal(thread, readFDs, writeFDs, exceptFDs, timeoutMs, lookup)
}

// Pselect6 implements the pselect6(2) surface; sigmask is accepted and
// ignored, same as EpollPWait.
func (t *Table) Pselect6(thread Thread, nfds int, readFDs, writeFDs, exceptFDs *FDSet, timeoutMs int, sigmask []byte, lookup fileLookup) int {
	return t.selectInternal(thread, readFDs, writeFDs, exceptFDs, timeoutMs, lookup)
}
