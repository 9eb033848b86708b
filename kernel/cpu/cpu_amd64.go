// Package cpu provides access to amd64-specific CPU instructions that are
// not directly reachable from Go code.
package cpu

// FlagsIF is the interrupt-enable bit in the RFLAGS register. When set,
// maskable hardware interrupts are delivered to the CPU.
const FlagsIF = uint64(1 << 9)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// ReadFlags returns the current value of the RFLAGS register.
func ReadFlags() uint64

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr
