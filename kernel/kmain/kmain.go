package kmain

import (
	"helios/kernel"
	"helios/kernel/kfmt"
	"helios/kernel/mm/kheap"
	"helios/kernel/mm/pmm"
	"helios/kernel/mm/vmm"
	"helios/multiboot"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader.
//
// Kmain brings up the memory subsystem in dependency order: the physical
// frame allocator scans the multiboot memory map, the virtual memory
// manager captures the active page tables and the kernel heap installs
// its sentinel on top of both.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = pmm.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = kheap.Init(); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Panic(errKmainReturned)
}
