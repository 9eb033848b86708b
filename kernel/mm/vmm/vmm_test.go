package vmm

import (
	"bytes"
	"testing"

	"helios/kernel/kfmt"
)

func TestInit(t *testing.T) {
	defer func() {
		restoreHooks()
		kfmt.SetOutputSink(nil)
	}()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	// CR3 carries control flags in its low bits which must not leak
	// into the captured table address.
	activePDTFn = func() uintptr {
		return 0x123000 | 0x18
	}

	if err := Init(); err != nil {
		t.Fatalf("unexpected error initializing the vmm: %v", err)
	}

	if exp := uintptr(0x123000); rootTablePhysAddr != exp {
		t.Fatalf("expected the captured root table address to be 0x%x; got 0x%x", exp, rootTablePhysAddr)
	}
}
