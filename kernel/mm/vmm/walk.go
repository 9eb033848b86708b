package vmm

import (
	"unsafe"
)

var (
	// tablePtrFn returns a pointer to the page table that starts at the
	// given physical address. It is defined as a variable so that tests
	// can override it and redirect table accesses to fake memory. The
	// default implementation relies on the linear physical memory mapping
	// established by the boot stage.
	tablePtrFn = tablePtrForPhysAddr
)

// tablePtrForPhysAddr returns a virtual address pointer to the page table
// residing at the given physical address. The caller must ensure that
// tablePhysAddr is frame-aligned and points to an actual page table.
func tablePtrForPhysAddr(tablePhysAddr uintptr) *pageTable {
	return (*pageTable)(unsafe.Pointer(physMapOffset + tablePhysAddr))
}

// tableIndex extracts the page table entry index for the given level out of
// a virtual address.
func tableIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls
// the suppplied walkFn with the page table entry that corresponds to each
// page level, starting at the active level 0 table. If walkFn returns
// false then the walk is aborted.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	tablePhysAddr := rootTablePhysAddr

	for level := uint8(0); level < pageLevels; level++ {
		pte := &tablePtrFn(tablePhysAddr)[tableIndex(virtAddr, level)]
		if !walkFn(level, pte) {
			return
		}

		tablePhysAddr = pte.Frame().Address()
	}
}
