package vmm

import (
	"helios/kernel"
	"helios/kernel/mm"
)

// Translate resolves a virtual address into the physical address it is
// mapped to. Huge page mappings at the intermediate levels resolve to an
// address inside the huge region; regular mappings resolve through the
// leaf entry. ErrInvalidMapping is returned if the address is not mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      *kernel.Error
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			// The entry maps a region larger than a page; the bits
			// below this level's shift select the byte inside it.
			regionOffsetMask := (uintptr(1) << pageLevelShifts[pteLevel]) - 1
			physAddr = pte.Frame().Address() + (virtAddr & regionOffsetMask)
			return false
		}

		if pteLevel == pageLevels-1 {
			physAddr = pte.Frame().Address() + (virtAddr & (mm.PageSize - 1))
		}

		return true
	})

	if err != nil {
		return 0, err
	}

	return physAddr, nil
}
