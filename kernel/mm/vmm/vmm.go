package vmm

import (
	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/kfmt"
)

var (
	// activePDTFn is used by tests to override reading the physical
	// address of the active level 0 page table out of the CR3 register.
	activePDTFn = cpu.ActivePDT

	// rootTablePhysAddr is the physical address of the level 0 page
	// table that all translations start from. It is captured once by
	// Init and never changes afterwards.
	rootTablePhysAddr uintptr
)

// Init bootstraps the virtual memory manager by capturing the physical
// address of the page table hierarchy that the boot stage installed. It
// must be called after the frame allocator has been initialized and
// before any call to Map, Unmap or Translate.
func Init() *kernel.Error {
	// The low bits of CR3 carry control flags and must be masked off
	// to recover the table address.
	rootTablePhysAddr = activePDTFn() & ptePhysPageMask
	kfmt.Printf("[vmm] active page table hierarchy root: 0x%x\n", rootTablePhysAddr)

	return nil
}
