package vmm

import (
	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override the TLB invalidation
	// that follows any change to an active mapping.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when a page table operation is
	// attempted on a virtual address that is not mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped page"}

	// ErrAlreadyMapped is returned by Map when the target page is
	// already mapped to a frame.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped to a frame"}

	// ErrHugePageCollision is returned when a page table operation
	// reaches an intermediate entry that maps a huge (2Mb or 1Gb)
	// region instead of pointing to a next-level table.
	ErrHugePageCollision = &kernel.Error{Module: "vmm", Message: "address range is covered by a huge page mapping"}
)

// Map establishes a mapping of the given virtual page to a physical frame
// applying the given flags to the leaf page table entry. Any intermediate
// page tables missing from the translation hierarchy are allocated on
// demand and zeroed before use.
//
// Attempts to map an already mapped page are treated as a bug in the
// caller and yield ErrAlreadyMapped.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = ErrHugePageCollision
				return false
			}

			return true
		}

		// The next-level table does not exist yet; allocate a frame
		// for it and wipe any stale contents before linking it in.
		tableFrame, allocErr := mm.AllocFrame()
		if allocErr != nil {
			err = allocErr
			return false
		}

		*tablePtrFn(tableFrame.Address()) = pageTable{}

		*pte = 0
		pte.SetFrame(tableFrame)
		pte.SetFlags(FlagPresent | FlagRW)
		return true
	})

	return err
}

// Unmap removes the mapping for the given virtual page, invalidates its
// TLB entry and releases the frame that backed it back to the frame
// allocator. Intermediate page tables that become empty as a result are
// unlinked from their parent and their frames released as well; the level
// 0 table is never reclaimed.
//
// Attempts to unmap a page that is not mapped are treated as a bug in the
// caller and yield ErrInvalidMapping.
func Unmap(page mm.Page) *kernel.Error {
	var (
		virtAddr = page.Address()
		tables   [pageLevels]*pageTable
		indices  [pageLevels]uintptr
	)

	tablePhysAddr := rootTablePhysAddr
	for level := uint8(0); level < pageLevels; level++ {
		table := tablePtrFn(tablePhysAddr)
		entryIndex := tableIndex(virtAddr, level)
		tables[level], indices[level] = table, entryIndex

		pte := table[entryIndex]
		if !pte.HasFlags(FlagPresent) {
			return ErrInvalidMapping
		}

		if level < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			return ErrHugePageCollision
		}

		tablePhysAddr = pte.Frame().Address()
	}

	leaf := &tables[pageLevels-1][indices[pageLevels-1]]
	pageFrame := leaf.Frame()
	*leaf = 0
	flushTLBEntryFn(virtAddr)
	mm.FreeFrame(pageFrame)

	// Walk back up the hierarchy releasing any table that the unmap
	// left empty. A non-empty table still serves other mappings and
	// terminates the collapse.
	for level := pageLevels - 1; level > 0; level-- {
		if !tables[level].empty() {
			break
		}

		parent := &tables[level-1][indices[level-1]]
		tableFrame := parent.Frame()
		*parent = 0
		mm.FreeFrame(tableFrame)
	}

	return nil
}

// IsMapped returns true if the given virtual address is backed by physical
// memory, either through a regular 4Kb leaf entry or through a huge page
// mapping at one of the intermediate levels.
func IsMapped(virtAddr uintptr) bool {
	var mapped bool

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			mapped = false
			return false
		}

		mapped = true
		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			return false
		}

		return true
	})

	return mapped
}
