// Package kheap implements the kernel heap allocator. The heap hands out
// arbitrarily sized and aligned chunks of virtual memory starting at
// heapStartVirtAddr and maps physical frames to back them on demand.
//
// Allocated blocks are tracked by an intrusive, address-ordered linked
// list whose nodes (blockHeader values) are embedded in the heap memory
// itself, immediately before the data region they describe.
package kheap

import (
	"unsafe"

	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/kernel/mm/vmm"
)

const (
	// heapStartVirtAddr is the virtual address where the kernel heap
	// begins. The region above it is reserved for the heap and backed
	// by physical frames on demand.
	heapStartVirtAddr = uintptr(0xfffff00000000000)

	// headerSize is the size of the block header that precedes each
	// allocated chunk.
	headerSize = unsafe.Sizeof(blockHeader{})

	// headerAlign is the alignment of every block header. It exceeds
	// headerSize so that a header can never straddle a page boundary
	// which allows headers to be accessed through a single pointer.
	headerAlign = uintptr(64)
)

var (
	// The heap delegates page bookkeeping to the vmm package. Tests
	// override these hooks to redirect the heap to fake memory.
	isMappedFn = vmm.IsMapped
	mapFn      = vmm.Map
	unmapFn    = vmm.Unmap

	// headerPtrFn returns a pointer to the block header residing at
	// the given heap virtual address.
	headerPtrFn = headerPtrForAddr

	// memsetFn wipes freshly mapped heap pages. Frames handed out by
	// the frame allocator may contain stale data.
	memsetFn = kernel.Memset

	// Alloc and Free mutate the block list with interrupts disabled.
	// Tests override these hooks with recording stubs.
	readFlagsFn         = cpu.ReadFlags
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	errInvalidSize      = &kernel.Error{Module: "kheap", Message: "allocation size must not be zero"}
	errInvalidAlignment = &kernel.Error{Module: "kheap", Message: "allocation alignment must be a power of two"}
	errBadFreePointer   = &kernel.Error{Module: "kheap", Message: "freed pointer does not point to an allocated block"}
)

// blockHeader describes an allocated heap block. Headers are laid out in
// heap memory at headerAlign boundaries and linked in ascending address
// order. The prev and next fields hold the heap virtual addresses of the
// neighboring headers with zero marking the end of the list.
type blockHeader struct {
	prev uintptr
	next uintptr

	// data points to the first byte of the block's usable region;
	// size and align record the layout that was requested for it. The
	// block extends from the header start to data+size.
	data  uintptr
	size  uintptr
	align uintptr
}

func headerPtrForAddr(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// Init sets up the kernel heap by installing the list sentinel at the
// start of the heap region. The sentinel is a zero-sized block that is
// never freed; it anchors the block list so that allocation and free
// never deal with an empty list. Init must be called after vmm.Init and
// before any call to Alloc.
func Init() *kernel.Error {
	if err := ensurePagesMapped(
		mm.PageFromAddress(heapStartVirtAddr),
		mm.PageFromAddress(heapStartVirtAddr+headerSize-1),
	); err != nil {
		return err
	}

	sentinel := headerPtrFn(heapStartVirtAddr)
	sentinel.prev = 0
	sentinel.next = 0
	sentinel.data = heapStartVirtAddr + headerSize
	sentinel.size = 0
	sentinel.align = headerAlign

	kfmt.Printf("[kheap] kernel heap starts at: 0x%16x\n", heapStartVirtAddr)

	return nil
}

// Alloc reserves a chunk of heap memory with the given size and alignment
// and returns its virtual address. The alignment must be a power of two.
// Any heap pages touched by the new block that are not yet backed by
// physical memory get a frame mapped on demand; if the system runs out of
// free frames the allocation fails with the frame allocator's error.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		panic(errInvalidSize)
	}

	if align == 0 || align&(align-1) != 0 {
		panic(errInvalidAlignment)
	}

	flags := readFlagsFn()
	disableInterruptsFn()

	addr, err := alloc(size, align)

	if flags&cpu.FlagsIF != 0 {
		enableInterruptsFn()
	}

	return addr, err
}

func alloc(size, align uintptr) (uintptr, *kernel.Error) {
	// First-fit scan over the address-ordered block list. For each
	// visited block, the candidate placement is the lowest address
	// past the block's end that satisfies both the header and the
	// requested data alignment.
	hAddr := heapStartVirtAddr
	for {
		h := headerPtrFn(hAddr)

		dataAddr := alignUp(alignUp(h.data+h.size, headerAlign)+headerSize, align)
		blockAddr := alignDown(dataAddr-headerSize, headerAlign)
		blockEnd := dataAddr + size

		if h.next == 0 || blockEnd <= h.next {
			if err := ensurePagesMapped(
				mm.PageFromAddress(blockAddr),
				mm.PageFromAddress(blockEnd-1),
			); err != nil {
				return 0, err
			}

			newBlock := headerPtrFn(blockAddr)
			newBlock.prev = hAddr
			newBlock.next = h.next
			newBlock.data = dataAddr
			newBlock.size = size
			newBlock.align = align

			if h.next != 0 {
				headerPtrFn(h.next).prev = blockAddr
			}
			h.next = blockAddr

			return dataAddr, nil
		}

		hAddr = h.next
	}
}

// Free releases the heap block whose data region starts at addr. Pages
// covered only by the freed block are unmapped and their frames released;
// pages shared with a neighboring block remain mapped. Freeing an address
// that was not returned by Alloc is treated as a bug in the caller.
func Free(addr uintptr) {
	flags := readFlagsFn()
	disableInterruptsFn()

	free(addr)

	if flags&cpu.FlagsIF != 0 {
		enableInterruptsFn()
	}
}

func free(addr uintptr) {
	// Recover the header location from the data address. This mirrors
	// the placement arithmetic in alloc: the header occupies the last
	// headerAlign slot that ends at or before the data region.
	blockAddr := alignDown(addr-headerSize, headerAlign)
	if blockAddr <= heapStartVirtAddr {
		panic(errBadFreePointer)
	}

	h := headerPtrFn(blockAddr)
	if h.data != addr {
		panic(errBadFreePointer)
	}

	prevAddr, nextAddr := h.prev, h.next
	blockEnd := h.data + h.size

	// Unlink the block while its header is still mapped.
	prev := headerPtrFn(prevAddr)
	prev.next = nextAddr
	if nextAddr != 0 {
		headerPtrFn(nextAddr).prev = prevAddr
	}

	// Poison the header so a double free of the same address trips the
	// validation above for as long as the header page stays mapped.
	h.data = 0

	// Unmap the pages covered by this block but keep any page that is
	// shared with one of its neighbors.
	firstPage := mm.PageFromAddress(blockAddr)
	lastPage := mm.PageFromAddress(blockEnd - 1)

	prevEnd := prev.data + prev.size
	if prevLastPage := mm.PageFromAddress(prevEnd - 1); firstPage <= prevLastPage {
		firstPage = prevLastPage + 1
	}

	if nextAddr != 0 {
		if nextFirstPage := mm.PageFromAddress(nextAddr); lastPage >= nextFirstPage {
			lastPage = nextFirstPage - 1
		}
	}

	for page := firstPage; page <= lastPage; page++ {
		if err := unmapFn(page); err != nil {
			panic(err)
		}
	}
}

// ensurePagesMapped backs every page in [firstPage, lastPage] that is not
// already mapped with a freshly allocated frame. If a frame allocation or
// mapping fails midway, the pages mapped so far are unmapped again before
// the error is returned to the caller.
func ensurePagesMapped(firstPage, lastPage mm.Page) *kernel.Error {
	// Only the boundary pages can be premapped: an interior page would
	// have to be covered by another block which the address-ordered
	// placement rules out.
	firstWasMapped := isMappedFn(firstPage.Address())

	for page := firstPage; page <= lastPage; page++ {
		if isMappedFn(page.Address()) {
			continue
		}

		frame, err := mm.AllocFrame()
		if err != nil {
			rollbackMappedPages(firstPage, page, firstWasMapped)
			return err
		}

		if err = mapFn(page, frame, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			mm.FreeFrame(frame)
			rollbackMappedPages(firstPage, page, firstWasMapped)
			return err
		}

		memsetFn(page.Address(), 0, mm.PageSize)
	}

	return nil
}

func rollbackMappedPages(firstPage, failedPage mm.Page, firstWasMapped bool) {
	for page := firstPage; page < failedPage; page++ {
		if page == firstPage && firstWasMapped {
			continue
		}

		unmapFn(page)
	}
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

func alignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}
