package mem

import "biscuitcore/biscuit/src/common"

// PTE is a single 64-bit page-table entry. Bit 0 is present, bit 7 is the
// page-size (block mapping) bit, bits 12-51 hold the physical frame, and
// the remaining bits (<12, plus bit 63) hold flags. Levels run 1 (root)
// through 4 (leaf 4K page); level 1 is never a leaf.
type PTE uint64

// Present reports whether this entry is installed.
func (p PTE) Present() bool { return p&flagPresent != 0 }

// BlockMapping reports whether this entry's page-size bit is set, meaning
// it is a 1GiB (level 2) or 2MiB (level 3) block mapping rather than a
// pointer to the next table level.
func (p PTE) BlockMapping() bool { return p&flagPS != 0 }

// Frame returns the physical frame (or block, or next-level table) this
// entry points at.
func (p PTE) Frame() common.Pa_t { return common.Pa_t(p & flagAddrMask) }

// Flags extracts the PageFlags portion of this entry, discarding the
// present/page-size/physical-frame bits.
func (p PTE) Flags() PageFlags {
	return PageFlags{w: uint64(p) & flagFlagsMask &^ (flagPresent | flagPS)}
}

// Dirty reports the hardware dirty bit. Software may clear it but must not
// assume it remains clear, since the MMU owns it.
func (p PTE) Dirty() bool { return p&flagDirty != 0 }

// Accessed reports the hardware accessed bit.
func (p PTE) Accessed() bool { return p&flagAccessed != 0 }

// pagePTE builds a level-4 leaf entry mapping a 4K page.
func pagePTE(phys common.Pa_t, f PageFlags) PTE {
	return PTE(uint64(phys) | (f.w &^ flagNoMinPage) | flagPresent)
}

// blockPTE builds a level-2 or level-3 leaf entry mapping a 1GiB/2MiB block.
func blockPTE(phys common.Pa_t, f PageFlags) PTE {
	return PTE(uint64(phys) | (f.w &^ flagNoMinPage) | flagPresent | flagPS)
}

// newLevelPTE builds an intermediate table-pointer entry. Intermediate
// levels always get the default user+writable+present control bits
// regardless of the final leaf's flags -- per-page protection happens only
// at the leaf.
func newLevelPTE(tablePhys common.Pa_t) PTE {
	return PTE(uint64(tablePhys) | flagWritable | flagUser | flagPresent)
}
