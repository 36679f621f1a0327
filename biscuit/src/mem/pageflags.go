package mem

// PageFlags is an opaque handle over the architecture's raw PTE flag bits.
// It is composed only through the named combinators below; raw bits never
// leak across the package boundary. This mirrors nanos's pageflags type
// verbatim (src/x86_64/page.h): a one-field struct kept private so a port
// to another MMU architecture can redefine the bit layout without touching
// any caller.
type PageFlags struct {
	w uint64
}

const (
	flagPresent        = 1 << 0
	flagWritable       = 1 << 1
	flagUser           = 1 << 2
	flagWriteThrough   = 1 << 3
	flagCacheDisable   = 1 << 4
	flagAccessed       = 1 << 5
	flagDirty          = 1 << 6
	flagPS             = 1 << 7
	flagNoMinPage      = 1 << 9 // AVL[0]; "disallow large page" bit, software-defined
	flagNoExec         = 1 << 63
	flagDefault        = flagNoExec // read-only, kernel-only, no-execute
	flagAddrMask       = 0x000ffffffffff000
	flagFlagsMask      = flagNoExec | 0xfff
)

// DefaultFlags returns the minimum-permission default: read-only,
// kernel-only, no-execute.
func DefaultFlags() PageFlags { return PageFlags{w: flagDefault} }

// MemoryFlags is an alias for DefaultFlags, named for parity with the
// upstream pageflags_memory constructor.
func MemoryFlags() PageFlags { return DefaultFlags() }

// MemoryWritethroughFlags returns the default flags with writethrough
// caching enabled.
func MemoryWritethroughFlags() PageFlags {
	return PageFlags{w: flagDefault | flagWriteThrough}
}

// DeviceFlags returns the default flags with caching disabled, suitable for
// mapping MMIO regions.
func DeviceFlags() PageFlags {
	return PageFlags{w: flagDefault | flagCacheDisable}
}

// DefaultUserFlags returns no-exec, read-only, user-accessible, 4K-only
// flags -- the baseline for ordinary user mappings.
func DefaultUserFlags() PageFlags {
	return DefaultFlags().User().MinPage()
}

// Writable returns flags with the writable bit set.
func (f PageFlags) Writable() PageFlags { return PageFlags{f.w | flagWritable} }

// ReadOnly returns flags with the writable bit cleared.
func (f PageFlags) ReadOnly() PageFlags { return PageFlags{f.w &^ flagWritable} }

// User returns flags with user-mode access permitted.
func (f PageFlags) User() PageFlags { return PageFlags{f.w | flagUser} }

// NoExec returns flags with instruction fetch disallowed.
func (f PageFlags) NoExec() PageFlags { return PageFlags{f.w | flagNoExec} }

// Exec returns flags with instruction fetch permitted.
func (f PageFlags) Exec() PageFlags { return PageFlags{f.w &^ flagNoExec} }

// MinPage returns flags that disallow a large (block) mapping, forcing 4K
// pages for this range.
func (f PageFlags) MinPage() PageFlags { return PageFlags{f.w | flagNoMinPage} }

// NoMinPage clears the disallow-large-page flag.
func (f PageFlags) NoMinPage() PageFlags { return PageFlags{f.w &^ flagNoMinPage} }

// WriteThrough returns flags with writethrough caching enabled.
func (f PageFlags) WriteThrough() PageFlags { return PageFlags{f.w | flagWriteThrough} }

// Device returns flags with caching disabled.
func (f PageFlags) Device() PageFlags { return PageFlags{f.w | flagCacheDisable} }

// IsWritable reports whether the writable bit is set.
func (f PageFlags) IsWritable() bool { return f.w&flagWritable != 0 }

// IsReadOnly reports the negation of IsWritable.
func (f PageFlags) IsReadOnly() bool { return !f.IsWritable() }

// IsNoExec reports whether instruction fetch is disallowed.
func (f PageFlags) IsNoExec() bool { return f.w&flagNoExec != 0 }

// IsExec reports the negation of IsNoExec.
func (f PageFlags) IsExec() bool { return !f.IsNoExec() }

// DisallowsLargePage reports whether this range must only ever be mapped
// with 4K pages.
func (f PageFlags) DisallowsLargePage() bool { return f.w&flagNoMinPage != 0 }
