// Package paging builds the guest's initial long-mode page tables and
// GDT, and walks those tables to translate guest virtual addresses.
//
// The entry layout (GDTEntry, explicit-offset PDE/PTE bit helpers) and
// branch-free single-PML4/PDPT/PDE construction follow the style of
// the teacher's hypervisor.NewGDTEntry/NewPDE4MB helpers, generalized
// from a 32-bit single-4MiB-page scheme to the 64-bit 512x2MiB
// identity map this hypervisor's long-mode guests require.
package paging

import (
	"encoding/binary"

	"github.com/hermit-go/uhyve/internal/consts"
)

// Page table entry flags (4-level x86-64 paging).
const (
	flagPresent  uint64 = 1 << 0
	flagWritable uint64 = 1 << 1
	flagHuge     uint64 = 1 << 7
)

const pageSize = 0x1000

// GDTEntry is a single 64-bit flat segment descriptor.
type GDTEntry uint64

// NewGDTEntry builds a flat descriptor: base and limit are ignored in
// long mode except for the access/flag bits, exactly as uhyve's
// create_gdt_entry does.
func NewGDTEntry(flags uint16, base uint32, limit uint32) GDTEntry {
	var e uint64
	e |= uint64(limit) & 0xFFFF
	e |= (uint64(base) & 0xFFFFFF) << 16
	e |= (uint64(flags) & 0xFFFF) << 40
	e |= ((uint64(limit) >> 16) & 0xF) << 48
	e |= ((uint64(base) >> 24) & 0xFF) << 56
	return GDTEntry(e)
}

const (
	gdtNullFlags = 0x0000
	gdtCodeFlags = 0xA09B // present, ring0, code, execute/read, long-mode
	gdtDataFlags = 0xC093 // present, ring0, data, read/write, 32-bit
)

// Init writes the GDT and the PML4/PDPT/PDE identity-mapping chain
// described in the data model into mem, the guest-physical-addressed
// byte slice backing HostMem.
func Init(mem []byte) {
	writeGDT(mem)
	writePageTables(mem)
}

func writeGDT(mem []byte) {
	entries := []GDTEntry{
		NewGDTEntry(gdtNullFlags, 0, 0),
		NewGDTEntry(gdtCodeFlags, 0, 0xFFFFF),
		NewGDTEntry(gdtDataFlags, 0, 0xFFFFF),
	}
	base := consts.BootGDT
	for i, e := range entries {
		binary.LittleEndian.PutUint64(mem[base+uint64(i)*8:], uint64(e))
	}
}

func writePageTables(mem []byte) {
	pml4 := mem[consts.BootPML4 : consts.BootPML4+pageSize]
	pdpt := mem[consts.BootPDPTE : consts.BootPDPTE+pageSize]
	pde := mem[consts.BootPDE : consts.BootPDE+pageSize]

	for i := range pml4 {
		pml4[i] = 0
	}
	for i := range pdpt {
		pdpt[i] = 0
	}
	for i := range pde {
		pde[i] = 0
	}

	setEntry(pml4, 0, consts.BootPDPTE, flagPresent|flagWritable)
	setEntry(pml4, 511, consts.BootPML4, flagPresent|flagWritable)
	setEntry(pdpt, 0, consts.BootPDE, flagPresent|flagWritable)

	for i := 0; i < 512; i++ {
		addr := uint64(i) * (2 << 20)
		setEntry(pde, i, addr, flagPresent|flagWritable|flagHuge)
	}
}

func setEntry(table []byte, index int, addr uint64, flags uint64) {
	binary.LittleEndian.PutUint64(table[index*8:], (addr&^0xFFF)|flags)
}

func entry(table []byte, index int) uint64 {
	return binary.LittleEndian.Uint64(table[index*8:])
}

// VirtToPhys walks PML4->PDPT->PDE->PTE rooted at consts.BootPML4,
// honoring the HUGE bit at the PDE level as a terminal 2 MiB mapping.
// ok is false if any level of the walk is not present, which the
// caller must treat as a guest bug (vCPU crash).
func VirtToPhys(mem []byte, vaddr uint64) (phys uint64, ok bool) {
	pml4Idx := (vaddr >> 39) & 0x1FF
	pdptIdx := (vaddr >> 30) & 0x1FF
	pdeIdx := (vaddr >> 21) & 0x1FF
	pteIdx := (vaddr >> 12) & 0x1FF
	pageOff := vaddr & 0xFFF

	pml4 := mem[consts.BootPML4 : consts.BootPML4+pageSize]
	pml4e := entry(pml4, int(pml4Idx))
	if pml4e&flagPresent == 0 {
		return 0, false
	}

	pdpt := mem[pml4e&^0xFFF : pml4e&^0xFFF+pageSize]
	pdpte := entry(pdpt, int(pdptIdx))
	if pdpte&flagPresent == 0 {
		return 0, false
	}

	pde := mem[pdpte&^0xFFF : pdpte&^0xFFF+pageSize]
	pdee := entry(pde, int(pdeIdx))
	if pdee&flagPresent == 0 {
		return 0, false
	}
	if pdee&flagHuge != 0 {
		base := pdee &^ 0x1FFFFF
		return base | (vaddr & 0x1FFFFF), true
	}

	pt := mem[pdee&^0xFFF : pdee&^0xFFF+pageSize]
	pte := entry(pt, int(pteIdx))
	if pte&flagPresent == 0 {
		return 0, false
	}
	return (pte &^ 0xFFF) | pageOff, true
}
