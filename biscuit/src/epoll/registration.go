package epoll

// registration is one file added to a multiplexor (epollfd upstream).
// refcnt = 1 for being stored in the table, +1 per outstanding in-flight
// check. All fields are touched only while the owning multiplexor's lock
// is held.
type registration struct {
	fd         int
	file       File
	cookie     uint64
	eventmask  uint32
	refcnt     uint64
	registered bool
	zombie     bool
}

// acquireLocked bumps the refcount for a new in-flight check.
func (r *registration) acquireLocked() {
	r.refcnt++
}

// releaseLocked drops one reference, returning true once the last one is
// gone. The caller holds the multiplexor lock throughout; there is no
// slab to return the object to (heap/objcache is out of scope and Go's
// GC stands in for it), but the reference count is still tracked so the
// zero-crossing invariant can be asserted.
func (r *registration) releaseLocked() bool {
	if r.refcnt == 0 {
		panic("epoll: registration refcount underflow")
	}
	r.refcnt--
	return r.refcnt == 0
}
