package pmm

import "testing"

func TestNewManagerAdoptsRegionState(t *testing.T) {
	states := []FrameState{StateFree, StateAllocated, StateUnusable, StateFree}
	m := NewManager([]*Region{RegionWithFrames(0, states)})

	if len(m.regions) != 1 {
		t.Fatalf("regions = %d, want 1", len(m.regions))
	}
	if m.regions[0].Len() != 4 {
		t.Fatalf("region len = %d, want 4", m.regions[0].Len())
	}
	for i, want := range states {
		if got := m.regions[0].State(i); got != want {
			t.Errorf("frame %d state = %v, want %v", i, got, want)
		}
	}
	if !m.checkCursor() {
		t.Error("cursor invariant violated after construction")
	}
}

func TestNewManagerNoRegions(t *testing.T) {
	m := NewManager(nil)
	if _, ok := m.AllocateFrame(Size4KiB); ok {
		t.Error("allocation from empty manager succeeded")
	}
}

func TestAllocateDeallocate4KiB(t *testing.T) {
	m := NewManager([]*Region{NewRegion(0, 4, StateFree)})

	var frames []Frame
	for i := 0; i < 4; i++ {
		f, ok := m.AllocateFrame(Size4KiB)
		if !ok {
			t.Fatalf("allocation %d failed", i)
		}
		if want := PhysAddr(uint64(i) * 4096); f.Addr != want {
			t.Errorf("allocation %d addr = %v, want %v", i, f.Addr, want)
		}
		frames = append(frames, f)
	}
	if _, ok := m.AllocateFrame(Size4KiB); ok {
		t.Error("allocation from full region succeeded")
	}

	if !m.DeallocateFrame(frames[1]) {
		t.Error("deallocate frame 1 failed")
	}
	if m.DeallocateFrame(frames[1]) {
		t.Error("double free reported success")
	}

	if !m.DeallocateFrame(frames[3]) {
		t.Error("deallocate frame 3 failed")
	}
	// First-fit: the earlier freed frame comes back first.
	f, ok := m.AllocateFrame(Size4KiB)
	if !ok || f.Addr != frames[1].Addr {
		t.Errorf("reallocation = %v, %v, want %v", f.Addr, ok, frames[1].Addr)
	}

	if !m.checkCursor() {
		t.Error("cursor invariant violated")
	}
}

func TestDeallocateRestoresState(t *testing.T) {
	m := NewManager([]*Region{NewRegion(0, 16, StateFree)})
	r, ok := m.AllocateFrames(Size4KiB, 4)
	if !ok {
		t.Fatal("allocation failed")
	}
	if r.Count() != 4 {
		t.Fatalf("range count = %d, want 4", r.Count())
	}
	if !m.DeallocateFrames(r) {
		t.Fatal("deallocation failed")
	}
	for i := 0; i < 16; i++ {
		if m.regions[0].State(i) != StateFree {
			t.Errorf("frame %d = %v after round trip, want free", i, m.regions[0].State(i))
		}
	}
	if !m.checkCursor() {
		t.Error("cursor invariant violated")
	}
}

func TestAllocate2MiBAlignment(t *testing.T) {
	// 1024 frames = 4 MiB backing, so one misaligned 4 KiB hole forces the
	// 2 MiB allocation to skip to frame index 512.
	m := NewManager([]*Region{NewRegion(0, 1024, StateFree)})

	small, ok := m.AllocateFrame(Size4KiB)
	if !ok || small.Addr != 0 {
		t.Fatalf("small frame = %v, %v, want addr 0", small.Addr, ok)
	}

	large, ok := m.AllocateFrame(Size2MiB)
	if !ok {
		t.Fatal("2MiB allocation failed")
	}
	if large.Addr != 0x200000 {
		t.Errorf("2MiB frame addr = 0x%x, want 0x200000", uint64(large.Addr))
	}
	if !large.Addr.IsAligned(Size2MiB.Bytes()) {
		t.Error("2MiB frame not 2MiB-aligned")
	}

	// No second aligned window remains.
	if _, ok := m.AllocateFrame(Size2MiB); ok {
		t.Error("second 2MiB allocation succeeded in a 4MiB region")
	}

	// The gap before the aligned window is still allocatable.
	gap, ok := m.AllocateFrame(Size4KiB)
	if !ok || gap.Addr != 0x1000 {
		t.Errorf("gap frame = %v, %v, want addr 0x1000", gap.Addr, ok)
	}

	if !m.DeallocateFrame(small) || !m.DeallocateFrame(large) || !m.DeallocateFrame(gap) {
		t.Error("deallocation failed")
	}
	if got := m.FreeFrames(); got != 1024 {
		t.Errorf("free frames = %d after teardown, want 1024", got)
	}
}

func TestAllocate2MiBFromMisalignedRegion(t *testing.T) {
	// Region starts at 0x1000; the first 2MiB-aligned address is 0x200000,
	// frame index 511 within the region.
	m := NewManager([]*Region{NewRegion(0x1000, 1024, StateFree)})

	large, ok := m.AllocateFrame(Size2MiB)
	if !ok {
		t.Fatal("2MiB allocation failed")
	}
	if large.Addr != 0x200000 {
		t.Errorf("2MiB frame addr = 0x%x, want 0x200000", uint64(large.Addr))
	}

	small, ok := m.AllocateFrame(Size4KiB)
	if !ok || small.Addr != 0x1000 {
		t.Errorf("small frame = %v, %v, want addr 0x1000", small.Addr, ok)
	}
}

func TestAllocate2MiBDeallocateCascade(t *testing.T) {
	m := NewManager([]*Region{NewRegion(0, 1024, StateFree)})
	large, ok := m.AllocateFrame(Size2MiB)
	if !ok {
		t.Fatal("2MiB allocation failed")
	}
	if !m.DeallocateFrame(large) {
		t.Error("2MiB deallocation failed")
	}
	// Every sub-frame is free again; a second cascade must fail.
	if m.DeallocateFrame(large) {
		t.Error("double free of 2MiB frame reported success")
	}
	if got := m.FreeFrames(); got != 1024 {
		t.Errorf("free frames = %d, want 1024", got)
	}
}

func TestSparseRegions(t *testing.T) {
	m := NewManager([]*Region{
		NewRegion(0x0000_0000, 4, StateFree),
		NewRegion(0x1000_0000, 4, StateFree),
	})

	f1, _ := m.AllocateFrame(Size4KiB)
	f2, _ := m.AllocateFrame(Size4KiB)
	if f1.Addr != 0x0000 || f2.Addr != 0x1000 {
		t.Fatalf("first allocations = 0x%x, 0x%x", uint64(f1.Addr), uint64(f2.Addr))
	}

	if !m.DeallocateFrame(f1) {
		t.Fatal("deallocate failed")
	}
	f3, _ := m.AllocateFrame(Size4KiB)
	if f3.Addr != f1.Addr {
		t.Errorf("reallocation addr = %v, want %v", f3.Addr, f1.Addr)
	}
}

func TestCursorCrossesRegions(t *testing.T) {
	m := NewManager([]*Region{
		NewRegion(0x0000_0000, 2, StateFree),
		NewRegion(0x1000_0000, 2, StateFree),
	})

	m.AllocateFrame(Size4KiB)
	m.AllocateFrame(Size4KiB)
	if !m.hasFree || m.firstFree.region != 1 || m.firstFree.frame != 0 {
		t.Fatalf("cursor = %+v (hasFree=%v), want region 1 frame 0", m.firstFree, m.hasFree)
	}

	f3, _ := m.AllocateFrame(Size4KiB)
	if f3.Addr != 0x1000_0000 {
		t.Errorf("third allocation = 0x%x, want 0x10000000", uint64(f3.Addr))
	}
	if m.firstFree.region != 1 || m.firstFree.frame != 1 {
		t.Errorf("cursor = %+v, want region 1 frame 1", m.firstFree)
	}
}

func TestCursorRelaxedByDeallocate(t *testing.T) {
	m := NewManager([]*Region{NewRegion(0, 10, StateFree)})

	f1, _ := m.AllocateFrame(Size4KiB)
	f2, _ := m.AllocateFrame(Size4KiB)
	f3, _ := m.AllocateFrame(Size4KiB)
	if m.firstFree.frame != 3 {
		t.Fatalf("cursor frame = %d, want 3", m.firstFree.frame)
	}

	m.DeallocateFrame(f2)
	if m.firstFree.frame != 1 {
		t.Errorf("cursor frame = %d after freeing f2, want 1", m.firstFree.frame)
	}
	m.DeallocateFrame(f1)
	if m.firstFree.frame != 0 {
		t.Errorf("cursor frame = %d after freeing f1, want 0", m.firstFree.frame)
	}
	// Freeing after the cursor must not move it forward.
	m.DeallocateFrame(f3)
	if m.firstFree.frame != 0 {
		t.Errorf("cursor frame = %d after freeing f3, want 0", m.firstFree.frame)
	}
	if !m.checkCursor() {
		t.Error("cursor invariant violated")
	}
}

func TestCursorAbsentWhenExhausted(t *testing.T) {
	m := NewManager([]*Region{NewRegion(0, 3, StateFree)})
	for i := 0; i < 3; i++ {
		if _, ok := m.AllocateFrame(Size4KiB); !ok {
			t.Fatalf("allocation %d failed", i)
		}
	}
	if m.hasFree {
		t.Error("cursor present with no free frames")
	}
	if _, ok := m.AllocateFrame(Size4KiB); ok {
		t.Error("allocation succeeded with no free frames")
	}
}

func TestDeallocateToEarlierRegion(t *testing.T) {
	m := NewManager([]*Region{
		NewRegion(0x0000_0000, 2, StateFree),
		NewRegion(0x1000_0000, 2, StateFree),
	})

	f1, _ := m.AllocateFrame(Size4KiB)
	f2, _ := m.AllocateFrame(Size4KiB)
	m.AllocateFrame(Size4KiB)
	if m.firstFree.region != 1 {
		t.Fatalf("cursor region = %d, want 1", m.firstFree.region)
	}

	m.DeallocateFrame(f1)
	if m.firstFree.region != 0 || m.firstFree.frame != 0 {
		t.Errorf("cursor = %+v, want region 0 frame 0", m.firstFree)
	}
	m.DeallocateFrame(f2)
	if m.firstFree.region != 0 || m.firstFree.frame != 0 {
		t.Errorf("cursor = %+v, want unchanged region 0 frame 0", m.firstFree)
	}
}

func TestPreallocatedFramesSkipped(t *testing.T) {
	region := NewRegion(0, 8, StateFree)
	region.SetState(1, StateAllocated)
	region.SetState(3, StateAllocated)
	region.SetState(5, StateAllocated)
	m := NewManager([]*Region{region})

	f1, _ := m.AllocateFrame(Size4KiB)
	if f1.Addr != 0x0000 {
		t.Errorf("first allocation = 0x%x, want 0", uint64(f1.Addr))
	}
	f2, _ := m.AllocateFrame(Size4KiB)
	if f2.Addr != 0x2000 {
		t.Errorf("second allocation = 0x%x, want 0x2000", uint64(f2.Addr))
	}
}

func TestRegionTooSmallForAlignment(t *testing.T) {
	// A region that can never satisfy 2 MiB alignment is skipped in favour
	// of a later one that can.
	m := NewManager([]*Region{
		NewRegion(0x1000, 8, StateFree), // 32 KiB, never 2MiB-aligned
		NewRegion(0x200000, 512, StateFree),
	})

	large, ok := m.AllocateFrame(Size2MiB)
	if !ok {
		t.Fatal("2MiB allocation failed")
	}
	if large.Addr != 0x200000 {
		t.Errorf("2MiB frame addr = 0x%x, want 0x200000", uint64(large.Addr))
	}
}

func TestAllocateMultiplePages(t *testing.T) {
	m := NewManager([]*Region{NewRegion(0, 2048, StateFree)})
	r, ok := m.AllocateFrames(Size2MiB, 2)
	if !ok {
		t.Fatal("2x2MiB allocation failed")
	}
	if r.Start.Addr != 0 || r.End.Addr != 0x200000 {
		t.Errorf("range = [0x%x, 0x%x], want [0, 0x200000]", uint64(r.Start.Addr), uint64(r.End.Addr))
	}
	if r.Count() != 2 {
		t.Errorf("count = %d, want 2", r.Count())
	}
}

func TestFrameAlignmentGuarantee(t *testing.T) {
	for _, size := range []PageSize{Size4KiB, Size2MiB} {
		m := NewManager([]*Region{NewRegion(0x1000, 2048, StateFree)})
		f, ok := m.AllocateFrame(size)
		if !ok {
			t.Fatalf("%v allocation failed", size)
		}
		if !f.Addr.IsAligned(size.Bytes()) {
			t.Errorf("%v frame addr 0x%x not aligned", size, uint64(f.Addr))
		}
	}
}

func TestFrameAt(t *testing.T) {
	if _, ok := FrameAt(0x1000, Size2MiB); ok {
		t.Error("FrameAt accepted a misaligned address")
	}
	f, ok := FrameAt(0x200000, Size2MiB)
	if !ok || f.Number() != 1 {
		t.Errorf("FrameAt = %v, %v, want number 1", f, ok)
	}
}
