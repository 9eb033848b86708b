package pmm

import (
	"testing"

	"helios/kernel/mm"
	"helios/multiboot"
)

// initAllocator returns a BitmapAllocator bootstrapped from the supplied
// memory regions.
func initAllocator(t *testing.T, regions []multiboot.MemoryMapEntry) *BitmapAllocator {
	t.Helper()

	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
	}()
	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
		for i := range regions {
			if !visitor(&regions[i]) {
				return
			}
		}
	}

	alloc := new(BitmapAllocator)
	if err := alloc.init(); err != nil {
		t.Fatal(err)
	}
	return alloc
}

func TestInit(t *testing.T) {
	alloc := initAllocator(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x4000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x6000, Length: 0x1000, Type: multiboot.MemReserved},
		{PhysAddress: 0x8000, Length: 0x3000, Type: multiboot.MemAvailable},
	})

	// Frame 0 is covered by the first region but must be reserved at init
	// time. Frames 1-3 and 8-10 are free.
	if alloc.isFree(0) {
		t.Error("expected frame 0 to be reserved")
	}

	for _, spec := range []struct {
		frame   uintptr
		expFree bool
	}{
		{1, true}, {2, true}, {3, true},
		{4, false}, {5, false}, {6, false}, {7, false},
		{8, true}, {9, true}, {10, true},
		{11, false},
	} {
		if got := alloc.isFree(spec.frame); got != spec.expFree {
			t.Errorf("expected isFree(%d) to return %t; got %t", spec.frame, spec.expFree, got)
		}
	}

	if exp, got := uintptr(1), alloc.firstFree; got != exp {
		t.Errorf("expected firstFree to be %d; got %d", exp, got)
	}
	if exp, got := uintptr(10), alloc.lastFree; got != exp {
		t.Errorf("expected lastFree to be %d; got %d", exp, got)
	}
	if exp, got := uintptr(6), alloc.freeCount; got != exp {
		t.Errorf("expected freeCount to be %d; got %d", exp, got)
	}
}

func TestInitRoundsRegionBoundsInwards(t *testing.T) {
	// The region covers frames 2-4 only partially at both ends; only
	// frame 3 is fully covered.
	alloc := initAllocator(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x2800, Length: 0x2000, Type: multiboot.MemAvailable},
	})

	for _, spec := range []struct {
		frame   uintptr
		expFree bool
	}{
		{2, false}, {3, true}, {4, false},
	} {
		if got := alloc.isFree(spec.frame); got != spec.expFree {
			t.Errorf("expected isFree(%d) to return %t; got %t", spec.frame, spec.expFree, got)
		}
	}
}

func TestInitWithNoUsableMemory(t *testing.T) {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
	}()
	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
		region := multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x100000, Type: multiboot.MemReserved}
		visitor(&region)
	}

	alloc := new(BitmapAllocator)
	if err := alloc.init(); err != errNoUsableMemory {
		t.Fatalf("expected init to return errNoUsableMemory; got %v", err)
	}
}

func TestBitmapRoundTrip(t *testing.T) {
	alloc := initAllocator(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x40000, Type: multiboot.MemAvailable},
	})

	for index := uintptr(1); index < 64; index++ {
		if !alloc.isFree(index) {
			t.Fatalf("expected frame %d to start out free", index)
		}

		alloc.setUsed(index)
		if alloc.isFree(index) {
			t.Errorf("expected isFree(%d) to return false after setUsed", index)
		}

		alloc.setUnused(index)
		if !alloc.isFree(index) {
			t.Errorf("expected isFree(%d) to return true after setUnused", index)
		}
	}
}

func TestFirstLastFreeMaintenance(t *testing.T) {
	alloc := initAllocator(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x1000, Length: 0x7000, Type: multiboot.MemAvailable},
	})

	// Frames 1-7 free.
	if exp := uintptr(1); alloc.firstFree != exp {
		t.Fatalf("expected firstFree to be %d; got %d", exp, alloc.firstFree)
	}

	// Consuming the first free frame advances the cache past any used
	// frames that follow it.
	alloc.setUsed(1)
	alloc.setUsed(3)
	alloc.setUsed(2)
	if exp := uintptr(4); alloc.firstFree != exp {
		t.Errorf("expected firstFree to advance to %d; got %d", exp, alloc.firstFree)
	}

	// Consuming the last free frame retreats the cache symmetrically.
	alloc.setUsed(7)
	alloc.setUsed(5)
	alloc.setUsed(6)
	if exp := uintptr(4); alloc.lastFree != exp {
		t.Errorf("expected lastFree to retreat to %d; got %d", exp, alloc.lastFree)
	}

	// Freeing a frame beyond either boundary extends it.
	alloc.setUnused(7)
	if exp := uintptr(7); alloc.lastFree != exp {
		t.Errorf("expected lastFree to extend to %d; got %d", exp, alloc.lastFree)
	}
	alloc.setUnused(1)
	if exp := uintptr(1); alloc.firstFree != exp {
		t.Errorf("expected firstFree to extend to %d; got %d", exp, alloc.firstFree)
	}
}

func TestAllocFrameUniqueness(t *testing.T) {
	alloc := initAllocator(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x10000, Type: multiboot.MemAvailable},
	})

	// Frames 1-15 free; drain the allocator and verify that no frame is
	// handed out twice.
	seen := make(map[mm.Frame]bool)
	for i := 0; i < 15; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("[alloc %d] frame %d returned twice without an intervening free", i, frame)
		}
		seen[frame] = true
	}

	// Exhaustion is a detected error.
	if _, err := alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory after exhausting all frames; got %v", err)
	}

	// Freeing a frame makes exactly that frame allocatable again.
	alloc.FreeFrame(mm.Frame(9))
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.Frame(9); frame != exp {
		t.Fatalf("expected AllocFrame to return freed frame %d; got %d", exp, frame)
	}
}

func TestAllocFrameReturnsLowestFree(t *testing.T) {
	// Spec scenario: one usable region [0x1000, 0x500000); the first
	// allocation returns the frame at 0x1000, never frame 0.
	alloc := initAllocator(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x1000, Length: 0x4ff000, Type: multiboot.MemAvailable},
	})

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0x1000); frame.Address() != exp {
		t.Fatalf("expected first allocated frame to have address 0x%x; got 0x%x", exp, frame.Address())
	}
}

func TestDoubleFreePanics(t *testing.T) {
	alloc := initAllocator(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x10000, Type: multiboot.MemAvailable},
	})

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	alloc.FreeFrame(frame)

	defer func() {
		if r := recover(); r != errFrameDoubleFree {
			t.Fatalf("expected panic with errFrameDoubleFree; got %v", r)
		}
	}()
	alloc.FreeFrame(frame)
}

func TestOutOfRangeIndexPanics(t *testing.T) {
	alloc := initAllocator(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x10000, Type: multiboot.MemAvailable},
	})

	for specIndex, fn := range []func(){
		func() { alloc.isFree(frameCount) },
		func() { alloc.setUsed(frameCount + 1) },
		func() { alloc.setUnused(^uintptr(0)) },
	} {
		func() {
			defer func() {
				if r := recover(); r != errFrameOutOfRange {
					t.Errorf("[spec %d] expected panic with errFrameOutOfRange; got %v", specIndex, r)
				}
			}()
			fn()
		}()
	}
}

func TestInitRegistersAllocator(t *testing.T) {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
		mm.SetFrameAllocator(nil)
		mm.SetFrameFreer(nil)
	}()
	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
		region := multiboot.MemoryMapEntry{PhysAddress: 0x0, Length: 0x10000, Type: multiboot.MemAvailable}
		visitor(&region)
	}

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !frame.Valid() {
		t.Fatal("expected mm.AllocFrame to return a valid frame via the registered allocator")
	}
	mm.FreeFrame(frame)
}
