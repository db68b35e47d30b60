package pmm

// FrameState is the allocation state of one 4 KiB frame.
type FrameState uint8

const (
	// StateUnusable marks frames that must never be handed out (firmware
	// reservations, MMIO holes). Addresses outside every region are
	// implicitly unusable.
	StateUnusable FrameState = iota
	// StateAllocated marks frames currently owned by a caller.
	StateAllocated
	// StateFree marks frames available for allocation.
	StateFree
)

// IsUsable reports whether the frame can ever be allocated.
func (s FrameState) IsUsable() bool { return s != StateUnusable }

func (s FrameState) String() string {
	switch s {
	case StateUnusable:
		return "unusable"
	case StateAllocated:
		return "allocated"
	case StateFree:
		return "free"
	default:
		return "invalid"
	}
}

// Region is a contiguous run of 4 KiB frames starting at a base address,
// with a dense per-frame state array. Regions never overlap and the boot
// shim hands them over sorted by base, with its own stage-1 allocations
// already marked StateAllocated.
type Region struct {
	base   PhysAddr
	frames []FrameState
}

// NewRegion creates a region of n frames, all in the given initial state.
func NewRegion(base PhysAddr, n int, state FrameState) *Region {
	frames := make([]FrameState, n)
	for i := range frames {
		frames[i] = state
	}
	return &Region{base: base, frames: frames}
}

// RegionWithFrames creates a region adopting the given per-frame states.
func RegionWithFrames(base PhysAddr, states []FrameState) *Region {
	return &Region{base: base, frames: states}
}

// Base returns the region's base address.
func (r *Region) Base() PhysAddr { return r.base }

// Len returns the number of 4 KiB frames in the region.
func (r *Region) Len() int { return len(r.frames) }

// State returns the state of the frame at the given local index.
func (r *Region) State(idx int) FrameState { return r.frames[idx] }

// SetState sets the state of the frame at the given local index.
func (r *Region) SetState(idx int, s FrameState) { r.frames[idx] = s }

// FrameIndex returns the local index of the frame containing addr, or
// false if the address falls outside the region.
func (r *Region) FrameIndex(addr PhysAddr) (int, bool) {
	if addr < r.base {
		return 0, false
	}
	idx := int((uint64(addr) - uint64(r.base)) / Size4KiB.Bytes())
	if idx >= len(r.frames) {
		return 0, false
	}
	return idx, true
}

// FrameAddress returns the physical address of the frame at the given
// local index, or false if the index is out of bounds.
func (r *Region) FrameAddress(idx int) (PhysAddr, bool) {
	if idx < 0 || idx >= len(r.frames) {
		return 0, false
	}
	return r.base + PhysAddr(uint64(idx)*Size4KiB.Bytes()), true
}

// firstFreeFrom returns the index of the first StateFree frame at or after
// start, or false if none remains.
func (r *Region) firstFreeFrom(start int) (int, bool) {
	for i := start; i < len(r.frames); i++ {
		if r.frames[i] == StateFree {
			return i, true
		}
	}
	return 0, false
}

// allFree reports whether every frame in [start, start+n) is StateFree.
// The caller guarantees the window is in bounds.
func (r *Region) allFree(start, n int) bool {
	for i := start; i < start+n; i++ {
		if r.frames[i] != StateFree {
			return false
		}
	}
	return true
}

// fill sets every frame in [start, start+n) to the given state.
func (r *Region) fill(start, n int, s FrameState) {
	for i := start; i < start+n; i++ {
		r.frames[i] = s
	}
}
