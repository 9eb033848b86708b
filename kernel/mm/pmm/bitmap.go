// Package pmm implements the kernel's physical memory manager: a bitmap
// based frame allocator bootstrapped from the memory map reported by the
// bootloader.
package pmm

import (
	"helios/kernel"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/multiboot"
)

const (
	// frameCount defines the total number of frames tracked by the
	// allocator. It is derived from the compile-time physical memory
	// ceiling.
	frameCount = mm.MaxPhysMem >> mm.PageShift

	// bitmapLen defines the number of 64-bit words that back the frame
	// bitmap.
	bitmapLen = frameCount / 64
)

var (
	// ErrOutOfMemory is returned by AllocFrame when no physical frame is
	// available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errNoUsableMemory  = &kernel.Error{Module: "pmm", Message: "bootloader reported no usable memory regions"}
	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame index exceeds max supported physical memory"}
	errFrameDoubleFree = &kernel.Error{Module: "pmm", Message: "attempt to free an unallocated frame"}

	// visitMemRegionsFn is used by tests to override the memory region
	// scan performed at initialization time.
	visitMemRegionsFn = multiboot.VisitMemRegions

	// frameAllocator is the bitmap allocator singleton used for all frame
	// allocations while the kernel runs.
	frameAllocator BitmapAllocator
)

// BitmapAllocator tracks the state of each physical frame up to the
// compile-time physical memory ceiling using one bit per frame. A set bit
// marks the frame as used or unusable; frames are only allocatable once the
// bootloader-reported memory map has flagged them as available.
//
// The allocator caches the indices of the first and last free frames and
// maintains them incrementally on every state change so that allocations do
// not need to scan the bitmap. A running count of free frames makes
// exhaustion a detected, reportable condition rather than silent corruption.
type BitmapAllocator struct {
	bitmap    [bitmapLen]uint64
	firstFree uintptr
	lastFree  uintptr
	freeCount uintptr
}

// init marks every frame as used and then releases the frames fully covered
// by an available memory region. Frame 0 is always reserved so that no
// allocation can alias the null address.
func (alloc *BitmapAllocator) init() *kernel.Error {
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint64(0)
	}
	alloc.firstFree = frameCount
	alloc.lastFree = 0
	alloc.freeCount = 0

	var totalFree uintptr
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("[pmm] memory region [0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type != multiboot.MemAvailable {
			return true
		}
		totalFree += uintptr(region.Length)

		// Only frames fully covered by the region are released; the
		// region bounds are rounded inwards to frame boundaries.
		firstFrame := (uintptr(region.PhysAddress) + mm.PageSize - 1) >> mm.PageShift
		endFrame := uintptr(region.PhysAddress+region.Length) >> mm.PageShift
		if endFrame > frameCount {
			endFrame = frameCount
		}

		for frame := firstFrame; frame < endFrame; frame++ {
			alloc.setUnused(frame)
		}
		return true
	})

	if alloc.freeCount == 0 {
		return errNoUsableMemory
	}

	// Reserve frame 0: handing it out would make the allocation
	// indistinguishable from a null pointer.
	if alloc.isFree(0) {
		alloc.setUsed(0)
	}

	kfmt.Printf("[pmm] available memory: %dKb (%d frames)\n", uint64(totalFree>>10), uint64(alloc.freeCount))
	return nil
}

// isFree returns true if the frame with the given index is not allocated.
// It panics if index exceeds the compile-time frame ceiling.
func (alloc *BitmapAllocator) isFree(index uintptr) bool {
	if index >= frameCount {
		panic(errFrameOutOfRange)
	}
	return alloc.bitmap[index>>6]&(1<<(index&63)) == 0
}

// setUsed marks the frame with the given index as allocated and updates the
// cached first/last free indices. It panics if index exceeds the
// compile-time frame ceiling.
func (alloc *BitmapAllocator) setUsed(index uintptr) {
	if index >= frameCount {
		panic(errFrameOutOfRange)
	}

	word, mask := index>>6, uint64(1)<<(index&63)
	if alloc.bitmap[word]&mask != 0 {
		return
	}
	alloc.bitmap[word] |= mask
	alloc.freeCount--

	if alloc.freeCount == 0 {
		alloc.firstFree = frameCount
		alloc.lastFree = 0
		return
	}

	// Walk outwards from the changed index up to the first true boundary;
	// the free count guarantees both scans terminate.
	if index == alloc.firstFree {
		next := index + 1
		for !alloc.isFree(next) {
			next++
		}
		alloc.firstFree = next
	}
	if index == alloc.lastFree {
		prev := index - 1
		for !alloc.isFree(prev) {
			prev--
		}
		alloc.lastFree = prev
	}
}

// setUnused marks the frame with the given index as free and updates the
// cached first/last free indices. It panics if index exceeds the
// compile-time frame ceiling.
func (alloc *BitmapAllocator) setUnused(index uintptr) {
	if index >= frameCount {
		panic(errFrameOutOfRange)
	}

	word, mask := index>>6, uint64(1)<<(index&63)
	if alloc.bitmap[word]&mask == 0 {
		return
	}
	alloc.bitmap[word] &^= mask
	alloc.freeCount++

	if index < alloc.firstFree {
		alloc.firstFree = index
	}
	if index > alloc.lastFree {
		alloc.lastFree = index
	}
}

// AllocFrame reserves the lowest free frame and returns it. If all frames
// are in use, AllocFrame returns ErrOutOfMemory.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	frame := mm.Frame(alloc.firstFree)
	alloc.setUsed(alloc.firstFree)
	return frame, nil
}

// FreeFrame releases a previously allocated frame. It panics if the frame
// lies outside the supported physical memory range or is already free.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	index := uintptr(frame)
	if alloc.isFree(index) {
		panic(errFrameDoubleFree)
	}
	alloc.setUnused(index)
}

// Init bootstraps the bitmap allocator from the bootloader-provided memory
// map and registers it as the system frame allocator.
func Init() *kernel.Error {
	if err := frameAllocator.init(); err != nil {
		return err
	}

	mm.SetFrameAllocator(AllocFrame)
	mm.SetFrameFreer(FreeFrame)
	return nil
}

// AllocFrame reserves the lowest free physical frame using the allocator
// singleton.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.AllocFrame()
}

// FreeFrame releases a physical frame using the allocator singleton.
func FreeFrame(frame mm.Frame) {
	frameAllocator.FreeFrame(frame)
}
