package epoll

import (
	"sync"

	"biscuitcore/biscuit/src/bitmap"
	"biscuitcore/biscuit/src/common"
)

// maxWatchedFDs caps how large a single multiplexor's fd bitmap may grow,
// standing in for nanos's allocate_bitmap(h, infinity) -- a from-scratch
// kernel still needs some concrete tunable, so this one is sized generously
// rather than left truly unbounded.
const maxWatchedFDs = 1 << 16

// Multiplexor is one epoll instance: a sparse table of registrations
// indexed by fd, a dense bitmap of which fds are registered, and the list
// of callers currently blocked in Wait. All of it is protected by mu;
// concurrent callbacks serialize on the same lock so the event buffer's
// tail advances monotonically.
type Multiplexor struct {
	mu sync.Mutex

	fd    int
	table map[int]*registration
	fds   *bitmap.Bitmap

	blockedHead waiter // sentinel; never itself queued for wakeup

	scheduler Scheduler
	timers    TimerService
	closed    bool
}

// Create allocates a fresh multiplexor bound to the given fd and
// collaborators, with an empty blocked list, table, and watch bitmap.
func Create(fd int, scheduler Scheduler, timers TimerService) *Multiplexor {
	m := &Multiplexor{
		fd:        fd,
		table:     make(map[int]*registration),
		fds:       bitmap.New(bitmap.NewHeap(), maxWatchedFDs),
		scheduler: scheduler,
		timers:    timers,
	}
	m.blockedHead.next = &m.blockedHead
	m.blockedHead.prev = &m.blockedHead
	return m
}

// Add registers fd for mask against file, with the given user cookie.
// Per the design notes, ADD on a slot that already holds a live
// registration overwrites it without releasing the old one -- this
// mirrors a documented leak in the source rather than silently fixing it;
// preserved here for the reviewer rather than guessed at.
func (m *Multiplexor) Add(fd int, file File, cookie uint64, mask uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.table[fd] = &registration{
		fd:        fd,
		file:      file,
		cookie:    cookie,
		eventmask: mask,
		refcnt:    1,
	}
	m.fds.Set(uint64(fd), true)
}

// Mod updates the event mask and cookie of an existing registration. Not
// implemented, per the source's own stub (`rprintf("epoll mod\n")`) --
// kept as a deliberate no-op rather than invented.
func (m *Multiplexor) Mod(fd int, cookie uint64, mask uint32) {}

// Del marks fd's registration zombie, clears its table slot and bitmap
// bit, and releases the table's reference. Any in-flight callback still
// referring to it observes zombie and drops its event instead of
// delivering it. Deleting an fd with no registration returns EBADF, which
// EpollCtl negates into its -EBADF result.
func (m *Multiplexor) Del(fd int) common.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.table[fd]
	if !ok {
		return common.EBADF
	}
	delete(m.table, fd)
	m.fds.Set(uint64(fd), false)
	reg.zombie = true
	reg.releaseLocked()
	return 0
}

// Wait blocks the caller until at least one registered fd produces a
// readiness event or timeoutMs elapses (-1: infinite, 0: poll, >0:
// bounded), filling events (up to its length) and returning the count
// produced.
func (m *Multiplexor) Wait(thread Thread, events []Event, timeoutMs int) int {
	m.mu.Lock()
	w := newWaiter(thread, len(events))
	m.linkWaiterLocked(w)

	var toArm []*registration
	for fd := range m.fds.ForEachSet() {
		reg := m.table[int(fd)]
		if reg != nil && !reg.registered {
			reg.registered = true
			reg.acquireLocked()
			toArm = append(toArm, reg)
		}
	}
	m.mu.Unlock()

	// Check is invoked outside the lock: either callback may fire
	// synchronously, and it re-enters the multiplexor to append an
	// event and run finish, which would deadlock against this same
	// goroutine if mu were still held here.
	for _, reg := range toArm {
		reg.file.Check(m.edgeCallback(reg, In), m.edgeCallback(reg, Hup))
	}

	m.mu.Lock()
	produced := len(w.events)
	if timeoutMs == 0 || produced > 0 {
		m.releaseWaiterLocked(w)
		copy(events, w.events)
		m.mu.Unlock()
		return produced
	}

	if timeoutMs > 0 {
		w.timer = m.timers.Register(timeoutMs, func() { m.finish(w) })
	}
	w.sleeping = true
	m.mu.Unlock()

	m.scheduler.Sleep(thread)

	m.mu.Lock()
	result := w.result
	copy(events, w.events)
	m.mu.Unlock()
	return result
}

// edgeCallback returns a one-shot notification closure bound to reg and a
// single event bit (In or Hup), matching nanos's CLOSURE_2_0
// epoll_wait_notify(epollfd, events). Firing is idempotent with respect
// to re-arming: it always clears reg.registered, so the next Wait re-arms
// the check regardless of whether an event was actually delivered.
func (m *Multiplexor) edgeCallback(reg *registration, bit uint32) func() {
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		reg.registered = false
		if w := m.frontWaiterLocked(); !reg.zombie && w != nil {
			w.append(Event{Cookie: reg.cookie, Events: bit})
			m.finishLocked(w)
		}
		reg.releaseLocked()
	}
}

// finish runs finishLocked under the multiplexor lock; it is the shape a
// timer fires through, since a timer callback has no lock of its own.
func (m *Multiplexor) finish(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.sleeping {
		// This expiry is what wakes the thread, so no timer remains
		// outstanding to hold an extra reference for.
		w.timer = nil
	}
	m.finishLocked(w)
}

// finishLocked resolves a waiter once either a callback or its timer
// reaches it first; the loser of that race becomes a no-op but must still
// release its reference.
func (m *Multiplexor) finishLocked(w *waiter) {
	switch {
	case w.sleeping:
		w.result = len(w.events)
		w.sleeping = false
		m.scheduler.SetSyscallReturn(w.thread, w.result)
		m.scheduler.Wakeup(w.thread)
		if w.timer != nil {
			// The source does not cancel an outstanding timer when
			// events arrive first; it keeps the waiter alive by
			// bumping the refcount so a late expiry still finds a
			// valid object, a behavior its own comment marks "to be
			// revisited" rather than fixed.
			w.refcnt++
		}
		m.releaseWaiterLocked(w)
	case w.timer != nil:
		// Expiry after syscall return: the event-fire path already
		// released its reference and bumped one extra for this timer,
		// so exactly one reference should remain.
		if w.refcnt != 1 {
			panic("epoll: waiter refcount invariant violated at timer expiry")
		}
		m.releaseWaiterLocked(w)
	default:
		// Racing against the synchronous collection phase of Wait;
		// the running call will observe the events directly before
		// returning.
	}
}

func (m *Multiplexor) linkWaiterLocked(w *waiter) {
	w.next = m.blockedHead.next
	w.prev = &m.blockedHead
	m.blockedHead.next.prev = w
	m.blockedHead.next = w
	w.linked = true
}

func (m *Multiplexor) unlinkWaiterLocked(w *waiter) {
	if !w.linked {
		return
	}
	w.prev.next = w.next
	w.next.prev = w.prev
	w.next, w.prev = nil, nil
	w.linked = false
}

func (m *Multiplexor) frontWaiterLocked() *waiter {
	if m.blockedHead.next == &m.blockedHead {
		return nil
	}
	return m.blockedHead.next
}

func (m *Multiplexor) releaseWaiterLocked(w *waiter) {
	m.unlinkWaiterLocked(w)
	if w.refcnt == 0 {
		panic("epoll: waiter refcount underflow")
	}
	w.refcnt--
}

// registeredFDs returns a snapshot of the currently-watched fds, for
// Table's select/pselect6 delta computation.
func (m *Multiplexor) registeredFDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint64
	for fd := range m.fds.ForEachSet() {
		out = append(out, fd)
	}
	return out
}

// hasRegistration reports whether fd currently has a live registration.
func (m *Multiplexor) hasRegistration(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.table[fd]
	return ok
}

// Close releases every registration as if by Del and unlinks every
// blocked waiter, waking any that is still sleeping in Wait with the count
// of events produced so far -- what the source leaves as an open "XXX need
// to dealloc epollfd and epoll_blocked structs too" todo. A pending timer
// cannot be cancelled (no cancel API in the collaborator contract), so it
// is left to fire later; finishLocked then finds its waiter no longer
// sleeping and only drops the reference held for the timer.
func (m *Multiplexor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for fd, reg := range m.table {
		delete(m.table, fd)
		m.fds.Set(uint64(fd), false)
		reg.zombie = true
		reg.releaseLocked()
	}
	for w := m.blockedHead.next; w != &m.blockedHead; {
		next := w.next
		if w.sleeping {
			w.result = len(w.events)
			w.sleeping = false
			m.scheduler.SetSyscallReturn(w.thread, w.result)
			m.scheduler.Wakeup(w.thread)
		}
		w.next, w.prev = nil, nil
		w.linked = false
		w = next
	}
	m.blockedHead.next = &m.blockedHead
	m.blockedHead.prev = &m.blockedHead
}
