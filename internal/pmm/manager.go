package pmm

import "sync"

// cursor identifies a frame by region index plus local frame index, so the
// pair can never disagree about which region it refers to.
type cursor struct {
	region int
	frame  int
}

// before reports whether c is strictly earlier than o (lower region, or
// same region with a lower frame index).
func (c cursor) before(o cursor) bool {
	return c.region < o.region || (c.region == o.region && c.frame < o.frame)
}

// Manager tracks the state of every usable frame in the system using a
// sparse set of regions, and serves aligned contiguous allocations at any
// of the three page sizes.
//
// Invariant: whenever the first-free cursor is present it points at a
// StateFree frame and no StateFree frame exists earlier than it. All
// methods serialise through the mutex; region state must never be read
// outside it.
type Manager struct {
	mu        sync.Mutex
	regions   []*Region
	firstFree cursor
	hasFree   bool
}

// NewManager creates a manager from pre-populated regions. Each region
// already carries its own frame states; the boot shim marks stage-1
// allocations StateAllocated before handover. The regions must be sorted
// by base address and must not overlap.
func NewManager(regions []*Region) *Manager {
	m := &Manager{regions: regions}
	m.firstFree, m.hasFree = m.findFirstFree(0, 0)
	return m
}

// findFirstFree scans for the earliest StateFree frame at or after the
// given position. Caller holds the lock (or is the constructor).
func (m *Manager) findFirstFree(startRegion, startFrame int) (cursor, bool) {
	for ri := startRegion; ri < len(m.regions); ri++ {
		from := 0
		if ri == startRegion {
			from = startFrame
		}
		if from >= m.regions[ri].Len() {
			continue
		}
		if fi, ok := m.regions[ri].firstFreeFrom(from); ok {
			return cursor{region: ri, frame: fi}, true
		}
	}
	return cursor{}, false
}

// findFrame locates the region and local index for a physical address.
func (m *Manager) findFrame(addr PhysAddr) (cursor, bool) {
	for ri, region := range m.regions {
		if fi, ok := region.FrameIndex(addr); ok {
			return cursor{region: ri, frame: fi}, true
		}
	}
	return cursor{}, false
}

// AllocateFrame allocates a single frame of the given page size.
// It reports false when no suitably aligned free window exists.
func (m *Manager) AllocateFrame(size PageSize) (Frame, bool) {
	r, ok := m.AllocateFrames(size, 1)
	if !ok {
		return Frame{}, false
	}
	return r.Start, true
}

// AllocateFrames allocates n contiguous frames of the given page size and
// returns them as an inclusive range. The start address is size-aligned.
// All returned frames were StateFree and are StateAllocated on return.
// It reports false when no region contains a suitable window (out of
// memory): a normal, recoverable condition.
//
// The search starts at the first-free cursor and never crosses region
// boundaries (an acknowledged limitation: a window spanning two adjacent
// regions is not found).
func (m *Manager) AllocateFrames(size PageSize, n int) (FrameRange, bool) {
	if n <= 0 {
		return FrameRange{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasFree {
		return FrameRange{}, false
	}

	perFrame := size.BaseFrames()
	want := n * perFrame
	ff := m.firstFree

	for ri := ff.region; ri < len(m.regions); ri++ {
		region := m.regions[ri]
		searchStart := 0
		if ri == ff.region {
			searchStart = ff.frame
		}
		if searchStart >= region.Len() {
			continue
		}

		// Align the search start up to the page size, accounting for the
		// region's base address: compute the byte misalignment of the
		// candidate address and convert it to a 4 KiB frame skip.
		startAddr, ok := region.FrameAddress(searchStart)
		if !ok {
			continue
		}
		if mis := uint64(startAddr) % size.Bytes(); mis != 0 {
			searchStart += int((size.Bytes() - mis) / Size4KiB.Bytes())
		}

		for cur := searchStart; cur+want <= region.Len(); cur += perFrame {
			if !region.allFree(cur, want) {
				continue
			}

			firstIdx := cur
			lastIdx := cur + want - 1
			startAddr, _ := region.FrameAddress(firstIdx)
			// End identifies the start of the last page in the range.
			lastPageIdx := firstIdx + (n-1)*perFrame
			endAddr, _ := region.FrameAddress(lastPageIdx)

			region.fill(firstIdx, want, StateAllocated)

			// Refresh the cursor only when the window consumed it.
			if ri == ff.region && firstIdx <= ff.frame {
				m.firstFree, m.hasFree = m.findFirstFree(ri, lastIdx+1)
			}

			return FrameRange{
				Start: Frame{Addr: startAddr, Size: size},
				End:   Frame{Addr: endAddr, Size: size},
			}, true
		}
	}

	return FrameRange{}, false
}

// DeallocateFrame marks the frame free again and reports false if the
// frame was not in StateAllocated (double free, or an address the manager
// never handed out — the caller's bug, reported rather than panicked on).
// For 2 MiB and 1 GiB frames the operation cascades through the 4 KiB
// sub-frames and fails if any of them is not StateAllocated.
func (m *Manager) DeallocateFrame(f Frame) bool {
	switch f.Size {
	case Size4KiB:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.deallocateBase(f.Addr)
	case Size2MiB, Size1GiB:
		m.mu.Lock()
		defer m.mu.Unlock()
		n := f.Size.BaseFrames()
		for i := 0; i < n; i++ {
			if !m.deallocateBase(f.Addr + PhysAddr(uint64(i)*Size4KiB.Bytes())) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// DeallocateFrames deallocates every frame in the range, stopping at the
// first failure.
func (m *Manager) DeallocateFrames(r FrameRange) bool {
	for _, f := range r.Frames() {
		if !m.DeallocateFrame(f) {
			return false
		}
	}
	return true
}

// deallocateBase frees a single 4 KiB frame. Caller holds the lock.
func (m *Manager) deallocateBase(addr PhysAddr) bool {
	loc, ok := m.findFrame(addr)
	if !ok {
		return false
	}
	region := m.regions[loc.region]
	if region.State(loc.frame) != StateAllocated {
		return false
	}
	region.SetState(loc.frame, StateFree)

	// A freed frame may only relax the cursor earlier, never later.
	if !m.hasFree || loc.before(m.firstFree) {
		m.firstFree = loc
		m.hasFree = true
	}
	return true
}

// FreeFrames returns the total number of StateFree 4 KiB frames.
func (m *Manager) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, region := range m.regions {
		for i := 0; i < region.Len(); i++ {
			if region.State(i) == StateFree {
				total++
			}
		}
	}
	return total
}

// checkCursor validates the first-free invariant. Test hook.
func (m *Manager) checkCursor() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	want, ok := m.findFirstFree(0, 0)
	if ok != m.hasFree {
		return false
	}
	return !ok || want == m.firstFree
}
