// Package consts holds the fixed guest-physical layout and hypercall
// port numbers that both host and guest agree on out of band.
package consts

const (
	// BootGDT is the guest-physical address of the three-entry GDT
	// (null, code, data) installed by the page table builder.
	BootGDT uint64 = 0x1000
	// BootPML4 is the guest-physical address of the single PML4 page.
	BootPML4 uint64 = 0x10000
	// BootPDPTE is the guest-physical address of the single PDPT page.
	BootPDPTE uint64 = 0x11000
	// BootPDE is the guest-physical address of the single PDE page,
	// holding 512 identity-mapped 2 MiB entries.
	BootPDE uint64 = 0x12000
	// BootInfoAddr is where the Loader publishes the BootInfo structure.
	BootInfoAddr uint64 = 0x9000
	// SharedQueueStart is the guest-physical base of the RX/TX
	// SharedQueue pair used by the paravirtual network path.
	SharedQueueStart uint64 = 0x13000

	// KernelStackSize is subtracted from the image base to obtain the
	// guest's initial stack address.
	KernelStackSize uint64 = 0x8000

	// UhyveUartPort is the I/O port the guest writes one byte to per
	// console hypercall.
	UhyveUartPort uint16 = 0x499

	// UhyveIrqNet is the IRQ line raised on the guest when the TAP
	// reader thread has enqueued a frame.
	UhyveIrqNet uint32 = 11

	// UhyveQueueSize is the number of slots in each SharedQueue ring.
	UhyveQueueSize uint32 = 8
	// Mtu bounds the payload carried in a single SharedQueue slot.
	Mtu = 1514

	// MaxArgc/MaxEnvc bound the CMDSIZE hypercall's fixed-size arrays.
	MaxArgc = 128
	MaxEnvc = 128
)

// Hypercall port numbers. Each is a distinct I/O port the guest writes
// a guest-physical argument-block address to (or, for UART, the byte
// itself).
const (
	PortCmdsize uint16 = 0x500
	PortCmdval  uint16 = 0x501
	PortOpen    uint16 = 0x502
	PortClose   uint16 = 0x503
	PortRead    uint16 = 0x504
	PortWrite   uint16 = 0x505
	PortLseek   uint16 = 0x506
	PortUnlink  uint16 = 0x507
	PortExit    uint16 = 0x508
	PortNetinfo uint16 = 0x509
)

// KVM32BitGapStart/Size describe the legacy MMIO hole: memory in
// [KVM32BitGapStart, KVM32BitGapStart+KVM32BitGapSize) is never backed
// by guest RAM; a region straddling it gets a second host memory slot
// starting at the 4 GiB mark.
const (
	KVM32BitMaxMemSize = 1 << 32
	KVM32BitGapSize    = 768 << 20
	KVM32BitGapStart   = KVM32BitMaxMemSize - KVM32BitGapSize
)
