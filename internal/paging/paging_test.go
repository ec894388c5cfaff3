package paging

import (
	"testing"

	"github.com/hermit-go/uhyve/internal/consts"
)

func newTestMem() []byte {
	return make([]byte, consts.BootPDE+pageSize)
}

func TestInitIdentityMapsLowMemory(t *testing.T) {
	mem := newTestMem()
	Init(mem)

	cases := []uint64{0, 0x1000, 0x200000, 0x3FFFFFFF, 1<<30 - 1}
	for _, vaddr := range cases {
		phys, ok := VirtToPhys(mem, vaddr)
		if !ok {
			t.Fatalf("VirtToPhys(0x%x): not mapped", vaddr)
		}
		if phys != vaddr {
			t.Fatalf("VirtToPhys(0x%x) = 0x%x, want identity 0x%x", vaddr, phys, vaddr)
		}
	}
}

func TestInitGDTHasThreeFlatEntries(t *testing.T) {
	mem := newTestMem()
	Init(mem)

	// Null descriptor must be all zero.
	null := entry(mem[consts.BootGDT:], 0)
	if null != 0 {
		t.Fatalf("null GDT entry = 0x%x, want 0", null)
	}

	code := entry(mem[consts.BootGDT:], 1)
	if code == 0 {
		t.Fatalf("code GDT entry is zero")
	}
	data := entry(mem[consts.BootGDT:], 2)
	if data == 0 {
		t.Fatalf("data GDT entry is zero")
	}
	if code == data {
		t.Fatalf("code and data GDT entries must differ (access byte at least)")
	}
}

func TestVirtToPhysUnmappedAboveIdentityRange(t *testing.T) {
	mem := newTestMem()
	Init(mem)

	// The PML4's self-referential entry (index 511) points at itself,
	// not at a second-level PDPT; an address whose PML4 index lands
	// elsewhere, with no PDPT installed, must fail the walk.
	_, ok := VirtToPhys(mem, uint64(5)<<39)
	if ok {
		t.Fatalf("expected unmapped high-half address to fail translation")
	}
}

func TestNewGDTEntryEncodesBaseLimitFlags(t *testing.T) {
	e := NewGDTEntry(0xA09B, 0, 0xFFFFF)
	if uint64(e)&0xFFFF != 0xFFFF {
		t.Fatalf("low limit bits not encoded: 0x%x", e)
	}
	if (uint64(e)>>40)&0xFFFF != 0xA09B {
		t.Fatalf("flags not encoded at bit 40: 0x%x", e)
	}
	if (uint64(e)>>48)&0xF != 0xF {
		t.Fatalf("high limit nibble not encoded: 0x%x", e)
	}
}
