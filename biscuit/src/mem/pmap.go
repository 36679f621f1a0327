// Package mem owns the hardware-visible 4-level, 48-bit-virtual page table
// radix tree: the root, the walk, mapping/unmapping, flag updates, remap,
// zero-on-map, and TLB invalidation batching. It is the architecture-
// specific engine BiscuitOS's own "mem" package plays the same role for;
// here it is ported from nanos's src/x86_64/page.h algorithms and written
// in the teacher's pg2pmap(dmap(...))-style direct-map-and-cast idiom (see
// main.go's _pmcount for the pattern this is lifted from).
package mem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"biscuitcore/biscuit/src/common"
)

// Page and block sizes for this architecture.
const (
	PageSize   = 1 << 12
	PageSize2M = 1 << 21
	PageSize1G = 1 << 30
)

// InvalidPhysical is the sentinel physical address meaning "no mapping",
// distinguishable from any real frame.
const InvalidPhysical = common.Pa_t(^uint64(0))

const entriesPerTable = 512

// table is one physical page reinterpreted as 512 page-table entries.
type table = [entriesPerTable]PTE

const (
	shiftL1 = 39
	shiftL2 = 30
	shiftL3 = 21
	shiftL4 = 12
)

var levelShifts = [...]uint{shiftL1, shiftL2, shiftL3, shiftL4}

// canonicalize sign-extends addresses above the canonical boundary (bit 47)
// to 64 bits, as the hardware requires.
func canonicalize(v uintptr) uintptr {
	if v&(1<<47) != 0 {
		return v | 0xffff000000000000
	}
	return v
}

// leafSize returns the mapping size in bytes for a leaf found at level.
func leafSize(level int) uintptr {
	switch level {
	case 2:
		return PageSize1G
	case 3:
		return PageSize2M
	default:
		return PageSize
	}
}

// PhysMem is the out-of-scope heap/physical-frame-allocator collaborator:
// translating a physical address into addressable memory (the direct map),
// and allocating/freeing the frames backing intermediate table levels.
// heap/objcache themselves are external to this module; only this contract
// is captured.
type PhysMem interface {
	// Dmap returns a byte slice directly mapping size bytes of physical
	// memory starting at p.
	Dmap(p common.Pa_t, size uintptr) []byte
	// AllocTable allocates and zeroes a PageSize-aligned physical frame
	// for use as an intermediate page-table level, or returns
	// InvalidPhysical if the page-table heap is exhausted.
	AllocTable() common.Pa_t
	// FreeFrame returns a frame of the given size to the physical
	// allocator.
	FreeFrame(p common.Pa_t, size uintptr)
}

// TLBFlusher is the architecture-dependent shootdown collaborator.
type TLBFlusher interface {
	Shootdown(addrs []uintptr)
}

// Engine owns the root of the page table radix tree and serializes
// mutations. Translation reads (PhysicalFromVirtual, TraversePtes) are
// lock-free: the walk tolerates concurrent PTE writes as long as individual
// PTE updates are atomic 64-bit stores, which every mutator here uses.
type Engine struct {
	mu      sync.Mutex
	root    common.Pa_t
	phys    PhysMem
	flusher TLBFlusher
}

// NewEngine allocates a fresh root table and returns an Engine over it.
// Exhaustion of the page-table heap at this point is fatal, per the
// design's error-handling rules.
func NewEngine(phys PhysMem, flusher TLBFlusher) *Engine {
	root := phys.AllocTable()
	if root == InvalidPhysical {
		panic("mem: page-table heap exhausted")
	}
	return &Engine{root: root, phys: phys, flusher: flusher}
}

// Root returns the physical address of the root table (pagebase). It is
// installed exactly once, at construction.
func (e *Engine) Root() common.Pa_t { return e.root }

func (e *Engine) tableAt(p common.Pa_t) *table {
	buf := e.phys.Dmap(p, PageSize)
	return (*table)(unsafe.Pointer(&buf[0]))
}

func loadPTE(slot *PTE) PTE {
	return PTE(atomic.LoadUint64((*uint64)(unsafe.Pointer(slot))))
}

func storePTE(slot *PTE, v PTE) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(slot)), uint64(v))
}

// lookup descends from the root following existing present entries and
// stops at the first leaf (a level-4 entry, or a block mapping at level 2
// or 3). It returns the level the walk stopped at and the leaf slot, or a
// nil slot if it hit a non-present entry first (in which case level is the
// level of the missing entry).
func (e *Engine) lookup(vaddr uintptr) (level int, slot *PTE) {
	vaddr = canonicalize(vaddr)
	cur := e.root
	for lvl := 1; lvl <= 4; lvl++ {
		tbl := e.tableAt(cur)
		idx := (vaddr >> levelShifts[lvl-1]) & 0x1ff
		s := &tbl[idx]
		pte := loadPTE(s)
		if !pte.Present() {
			return lvl, nil
		}
		if lvl == 4 || (lvl != 1 && pte.BlockMapping()) {
			return lvl, s
		}
		cur = pte.Frame()
	}
	panic("mem: unreachable")
}

// walkAlloc descends from the root, allocating and installing zeroed
// intermediate tables as needed, down to (but not including the contents
// of) targetLevel, and returns the slot at targetLevel.
func (e *Engine) walkAlloc(vaddr uintptr, targetLevel int) *PTE {
	vaddr = canonicalize(vaddr)
	cur := e.root
	for lvl := 1; lvl <= targetLevel; lvl++ {
		tbl := e.tableAt(cur)
		idx := (vaddr >> levelShifts[lvl-1]) & 0x1ff
		s := &tbl[idx]
		if lvl == targetLevel {
			return s
		}
		pte := loadPTE(s)
		if !pte.Present() {
			newtab := e.phys.AllocTable()
			if newtab == InvalidPhysical {
				panic("mem: page-table heap exhausted")
			}
			pte = newLevelPTE(newtab)
			storePTE(s, pte)
		}
		cur = pte.Frame()
	}
	panic("mem: unreachable")
}

// chooseMappingLevel greedily picks the largest aligned block that fits,
// unless flags disallow large pages.
func chooseMappingLevel(v uintptr, p common.Pa_t, remaining uintptr, flags PageFlags) (level int, size uintptr) {
	if !flags.DisallowsLargePage() {
		if v&(PageSize1G-1) == 0 && uintptr(p)&(PageSize1G-1) == 0 && remaining >= PageSize1G {
			return 2, PageSize1G
		}
		if v&(PageSize2M-1) == 0 && uintptr(p)&(PageSize2M-1) == 0 && remaining >= PageSize2M {
			return 3, PageSize2M
		}
	}
	return 4, PageSize
}

// GetPageFlushEntry returns a fresh batch for accumulating TLB
// invalidations ahead of a single shootdown.
func (e *Engine) GetPageFlushEntry() *FlushEntry {
	return &FlushEntry{e: e}
}

// FlushEntry accumulates virtual addresses to invalidate, issued together
// as one architecture-dependent shootdown.
type FlushEntry struct {
	e     *Engine
	addrs []uintptr
}

// Invalidate enqueues one virtual address into the batch.
func (f *FlushEntry) Invalidate(v uintptr) { f.addrs = append(f.addrs, v) }

// InvalidateSync drains the batch, performs the shootdown if anything was
// queued, and signals completion.
func (f *FlushEntry) InvalidateSync(complete func()) {
	if len(f.addrs) > 0 {
		f.e.flusher.Shootdown(f.addrs)
		f.addrs = f.addrs[:0]
	}
	if complete != nil {
		complete()
	}
}

// Map installs mappings covering [vaddr, vaddr+length) to physical memory
// starting at phys, allocating intermediate table levels as needed and
// automatically using 2MiB/1GiB block mappings when alignment, length, and
// flags permit. This is the wrapper form with no completion callback; use
// MapWithComplete when the caller must be notified once the mapping and
// its TLB shootdown are both done.
func (e *Engine) Map(vaddr uintptr, phys common.Pa_t, length uintptr, flags PageFlags) {
	e.MapWithComplete(vaddr, phys, length, flags, nil)
}

// MapWithComplete is Map with an explicit completion callback.
func (e *Engine) MapWithComplete(vaddr uintptr, phys common.Pa_t, length uintptr, flags PageFlags, complete func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fe := e.GetPageFlushEntry()
	v, p, remaining := vaddr, phys, length
	for remaining > 0 {
		lvl, size := chooseMappingLevel(v, p, remaining, flags)
		slot := e.walkAlloc(v, lvl)
		var entry PTE
		if lvl == 4 {
			entry = pagePTE(p, flags)
		} else {
			entry = blockPTE(p, flags)
		}
		storePTE(slot, entry)
		fe.Invalidate(v)
		v += size
		p += common.Pa_t(size)
		remaining -= size
	}
	fe.InvalidateSync(complete)
}

// Unmap clears the PTEs covering [vaddr, vaddr+length).
func (e *Engine) Unmap(vaddr, length uintptr) {
	e.unmapRange(vaddr, length, nil)
}

// UnmapPagesWithHandler clears the PTEs covering the range, streaming each
// freed (physical address, size) pair to rh -- used by callers that need to
// drop a reference on the underlying frame rather than free it outright.
func (e *Engine) UnmapPagesWithHandler(vaddr, length uintptr, rh func(phys common.Pa_t, size uintptr)) {
	e.unmapRange(vaddr, length, rh)
}

// UnmapAndFreePhys clears the PTEs covering the range and returns each
// freed frame directly to the physical allocator.
func (e *Engine) UnmapAndFreePhys(vaddr, length uintptr) {
	e.unmapRange(vaddr, length, func(p common.Pa_t, size uintptr) {
		e.phys.FreeFrame(p, size)
	})
}

func (e *Engine) unmapRange(vaddr, length uintptr, visit func(common.Pa_t, uintptr)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fe := e.GetPageFlushEntry()
	end := vaddr + length
	for v := vaddr; v < end; {
		lvl, slot := e.lookup(v)
		if slot == nil {
			v += PageSize
			continue
		}
		size := leafSize(lvl)
		phys := loadPTE(slot).Frame()
		storePTE(slot, 0)
		fe.Invalidate(v)
		if visit != nil {
			visit(phys, size)
		}
		v += size
	}
	fe.InvalidateSync(nil)
}

// UpdateMapFlags walks the range and rewrites only the flag bits of
// existing leaf entries; the physical frame each entry points at is
// preserved exactly.
func (e *Engine) UpdateMapFlags(vaddr, length uintptr, flags PageFlags) {
	e.UpdateMapFlagsWithComplete(vaddr, length, flags, nil)
}

// UpdateMapFlagsWithComplete is UpdateMapFlags with an explicit completion
// callback, fired once the rewrite's TLB shootdown completes.
func (e *Engine) UpdateMapFlagsWithComplete(vaddr, length uintptr, flags PageFlags, complete func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fe := e.GetPageFlushEntry()
	end := vaddr + length
	for v := vaddr; v < end; {
		lvl, slot := e.lookup(v)
		if slot == nil {
			v += PageSize
			continue
		}
		size := leafSize(lvl)
		phys := loadPTE(slot).Frame()
		var entry PTE
		if lvl == 4 {
			entry = pagePTE(phys, flags)
		} else {
			entry = blockPTE(phys, flags)
		}
		storePTE(slot, entry)
		fe.Invalidate(v)
		v += size
	}
	fe.InvalidateSync(complete)
}

// Remap installs the mapping covering [oldVirtual, oldVirtual+length) at
// newVirtual instead, and clears it at oldVirtual, without disturbing the
// underlying physical frames or flags. Intermediate table entries at the
// new range are created as required.
func (e *Engine) Remap(newVirtual, oldVirtual, length uintptr) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fe := e.GetPageFlushEntry()
	delta := newVirtual - oldVirtual
	end := oldVirtual + length
	for v := oldVirtual; v < end; {
		lvl, slot := e.lookup(v)
		if slot == nil {
			v += PageSize
			continue
		}
		size := leafSize(lvl)
		entry := loadPTE(slot)
		storePTE(slot, 0)
		fe.Invalidate(v)

		newv := v + delta
		newslot := e.walkAlloc(newv, lvl)
		storePTE(newslot, entry)
		fe.Invalidate(newv)
		v += size
	}
	fe.InvalidateSync(nil)
}

// ZeroMappedPages writes zero into an already-mapped range, used for lazy
// zero-on-fault pages. It panics if any part of the range is unmapped.
func (e *Engine) ZeroMappedPages(vaddr, length uintptr) {
	end := vaddr + length
	for v := vaddr; v < end; {
		lvl, slot := e.lookup(v)
		if slot == nil {
			panic("mem: zero of unmapped range")
		}
		size := leafSize(lvl)
		buf := e.phys.Dmap(loadPTE(slot).Frame(), size)
		clear(buf)
		v += size
	}
}

// MapAndZero maps [vaddr, vaddr+length) to phys and guarantees the caller
// sees zeros there even when the final mapping is read-only: it maps
// writable first, zeros the backing memory, and only then downgrades the
// flags (rather than faulting on write or aliasing a temporary mapping).
func (e *Engine) MapAndZero(vaddr uintptr, phys common.Pa_t, length uintptr, flags PageFlags, complete func()) {
	if flags.IsReadOnly() {
		e.Map(vaddr, phys, length, flags.Writable())
		e.ZeroMappedPages(vaddr, length)
		e.UpdateMapFlagsWithComplete(vaddr, length, flags, complete)
	} else {
		e.Map(vaddr, phys, length, flags)
		e.ZeroMappedPages(vaddr, length)
		if complete != nil {
			complete()
		}
	}
}

// EntryHandler is invoked by TraversePtes for every leaf PTE covering the
// requested range, with the level, the virtual address, and a pointer to
// the entry itself. Returning false stops the traversal early.
type EntryHandler func(level int, vaddr uintptr, entry *PTE) bool

// TraversePtes invokes handler for every leaf PTE whose virtual span
// intersects [vaddr, vaddr+length). It returns false if the handler
// requested an early stop.
func (e *Engine) TraversePtes(vaddr, length uintptr, handler EntryHandler) bool {
	end := vaddr + length
	for v := vaddr; v < end; {
		lvl, slot := e.lookup(v)
		if slot == nil {
			v += PageSize
			continue
		}
		if !handler(lvl, v, slot) {
			return false
		}
		v += leafSize(lvl)
	}
	return true
}

// PhysicalFromVirtual translates a virtual address by walking the table.
// It returns InvalidPhysical if the walk encounters a non-present entry.
// This is a lock-free read: it tolerates concurrent mutation because every
// PTE update in this package is a single atomic 64-bit store.
func (e *Engine) PhysicalFromVirtual(vaddr uintptr) common.Pa_t {
	lvl, slot := e.lookup(vaddr)
	if slot == nil {
		return InvalidPhysical
	}
	pte := loadPTE(slot)
	off := vaddr & (leafSize(lvl) - 1)
	return pte.Frame() + common.Pa_t(off)
}
