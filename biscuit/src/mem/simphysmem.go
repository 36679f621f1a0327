package mem

import "biscuitcore/biscuit/src/common"

// SimPhysMem is the one concrete PhysMem this module provides: a flat byte
// arena standing in for physical RAM. Real BiscuitOS backs PhysMem with the
// kernel's actual direct map (dmap) over real hardware; since this module
// never boots on hardware, tests and the kernel demo both exercise the
// engine against this simulated arena instead -- the same seam gopher-os's
// vmm tests use injected frame-allocator/flush functions to stand in for
// hardware it likewise cannot touch in a unit test.
//
// The low end of the arena is reserved for page-table frames (bump
// allocated by AllocTable); callers should take data frames from higher
// addresses to avoid the two regions colliding.
type SimPhysMem struct {
	arena    []byte
	nextFree uintptr
}

// NewSimPhysMem allocates a simulated physical address space of the given
// size in bytes.
func NewSimPhysMem(size uintptr) *SimPhysMem {
	return &SimPhysMem{arena: make([]byte, size)}
}

// Dmap implements PhysMem.
func (s *SimPhysMem) Dmap(p common.Pa_t, size uintptr) []byte {
	off := uintptr(p)
	return s.arena[off : off+size]
}

// AllocTable implements PhysMem by bump-allocating a zeroed page from the
// low end of the arena.
func (s *SimPhysMem) AllocTable() common.Pa_t {
	if s.nextFree+PageSize > uintptr(len(s.arena)) {
		return InvalidPhysical
	}
	p := s.nextFree
	s.nextFree += PageSize
	clear(s.arena[p : p+PageSize])
	return common.Pa_t(p)
}

// FreeFrame implements PhysMem. The bump allocator never reclaims, so this
// is a no-op; it exists to satisfy the PhysMem contract for callers (e.g.
// UnmapAndFreePhys) that need somewhere to return frames to.
func (s *SimPhysMem) FreeFrame(p common.Pa_t, size uintptr) {}

// TablesUsed reports how many page-table frames have been bump-allocated,
// for test assertions.
func (s *SimPhysMem) TablesUsed() int { return int(s.nextFree / PageSize) }

// NullFlusher is a TLBFlusher that does nothing, for tests and the demo
// kernel where there is no real MMU to shoot down.
type NullFlusher struct{}

// Shootdown implements TLBFlusher.
func (NullFlusher) Shootdown(addrs []uintptr) {}

// RecordingFlusher is a TLBFlusher that remembers every address it was
// asked to invalidate, for test assertions about batching behavior.
type RecordingFlusher struct {
	Shootdowns [][]uintptr
}

// Shootdown implements TLBFlusher.
func (f *RecordingFlusher) Shootdown(addrs []uintptr) {
	cp := make([]uintptr, len(addrs))
	copy(cp, addrs)
	f.Shootdowns = append(f.Shootdowns, cp)
}
