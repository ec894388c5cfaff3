// Package kvm wraps the subset of the Linux KVM ioctl interface that
// the hypervisor core needs: VM and vCPU creation, memory slots, the
// in-kernel IRQ chip, capability negotiation, IRQFD registration, and
// the run/exit cycle.
package kvm

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, as defined by linux/kvm.h. These are the real
// values (not placeholders): KVM's ioctl numbers are stable ABI.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMmapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmGetCPUID2           = 0xC008AE91
	kvmSetCPUID2           = 0x4008AE90
	kvmCreateIRQChip       = 0xAE60
	kvmIRQLineStatus       = 0xC008AE67
	kvmIRQFD               = 0x4020AE76
	kvmCheckExtension      = 0xAE03
	kvmEnableCap           = 0x4068AEA3
)

// KVM capability numbers used by VmContext construction.
const (
	CapIRQFD              = 32
	CapX2APICAPI          = 129
	CapTSCDeadlineTimer    = 72
	CapX86DisableExits     = 143
	X2APICAPIUse32BitIDs   = 1 << 0
	X2APICAPIDisableBcast  = 1 << 1
	X86DisableExitsMwait   = 1 << 0
	X86DisableExitsHLT     = 1 << 1
	X86DisableExitsPause   = 1 << 2
)

// ExitReason enumerates the kvm_run.exit_reason values this hypervisor
// names. VirtualCpu.Continue treats ExitShutdown, ExitFailEntry,
// ExitInternalErr and ExitUnknown as a vCPU crash; any other value it
// does not dispatch (listed here or not) is logged and the vCPU resumes.
type ExitReason uint32

const (
	ExitUnknown    ExitReason = 0
	ExitException  ExitReason = 1
	ExitIO         ExitReason = 2
	ExitHypercall  ExitReason = 3
	ExitDebug      ExitReason = 4
	ExitHLT        ExitReason = 5
	ExitMMIO       ExitReason = 6
	ExitShutdown   ExitReason = 8
	ExitFailEntry  ExitReason = 9
	ExitInternalErr ExitReason = 17
)

const (
	ExitIODirIn  uint8 = 0
	ExitIODirOut uint8 = 1
)

// Regs mirrors struct kvm_regs for x86-64.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (used for GDT/IDT pointers).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs for x86-64.
type Sregs struct {
	CS, DS, ES, FS, GS, SS   Segment
	TR, LDT                  Segment
	GDT, IDT                 DTable
	CR0, CR2, CR3, CR4, CR8  uint64
	EFER                     uint64
	ApicBase                 uint64
	InterruptBitmap          [(256 + 63) / 64]uint64
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// EnableCap mirrors struct kvm_enable_cap.
type EnableCap struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	Pad   [64]uint8
}

// IRQLevel mirrors struct kvm_irq_level, used to assert/deassert an
// IRQ line on the in-kernel IRQ chip.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQFD mirrors struct kvm_irqfd, registering an eventfd as an
// interrupt source for the given IRQ line.
type IRQFD struct {
	FD     uint32
	GSI    uint32
	Flags  uint32
	Resamplefd uint32
	Pad    [16]uint8
}

// RunIO mirrors the `io` member of the kvm_run exit union for
// KVM_EXIT_IO.
type RunIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// RunMMIO mirrors the `mmio` member of the kvm_run exit union for
// KVM_EXIT_MMIO.
type RunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

// Run is the fixed-size prefix of struct kvm_run common to every exit
// reason, followed by a reason-specific union that callers reinterpret
// via RunIO/RunMMIO/etc. at the fixed union offset.
type Run struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Union                  [32]uint64
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return res, errno
	}
	return res, nil
}

// OpenDevice opens /dev/kvm, the system-wide KVM device node.
func OpenDevice() (int, error) {
	fd, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/kvm: %w", err)
	}
	return fd, nil
}

// CreateVM issues KVM_CREATE_VM against the system KVM fd.
func CreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, kvmCreateVM, 0)
	if err != nil {
		return -1, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	return int(fd), nil
}

// GetVCPUMmapSize returns the size in bytes of the kvm_run mmap region.
func GetVCPUMmapSize(kvmFD int) (int, error) {
	sz, err := ioctl(kvmFD, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(sz), nil
}

// CreateVCPU issues KVM_CREATE_VCPU for vCPU id on the given VM fd.
func CreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return -1, fmt.Errorf("KVM_CREATE_VCPU(%d): %w", id, err)
	}
	return int(fd), nil
}

// SetUserMemoryRegion installs or updates a guest memory slot.
func SetUserMemoryRegion(vmFD int, region UserspaceMemoryRegion) error {
	_, err := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION(slot=%d): %w", region.Slot, err)
	}
	return nil
}

// CreateIRQChip creates the in-kernel interrupt controller.
func CreateIRQChip(vmFD int) error {
	_, err := ioctl(vmFD, kvmCreateIRQChip, 0)
	if err != nil {
		return fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err)
	}
	return nil
}

// CheckExtension reports whether the given capability is supported.
func CheckExtension(kvmFD int, cap uintptr) (int, error) {
	n, err := ioctl(kvmFD, kvmCheckExtension, cap)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// EnableCapability issues KVM_ENABLE_CAP with the given capability
// number and up to one 64-bit argument word.
func EnableCapability(vmFD int, cap uint32, arg0 uint64) error {
	ec := EnableCap{Cap: cap}
	ec.Args[0] = arg0
	_, err := ioctl(vmFD, kvmEnableCap, uintptr(unsafe.Pointer(&ec)))
	return err
}

// RegisterIRQFD wires an eventfd as the trigger for the given IRQ line
// on the in-kernel IRQ chip.
func RegisterIRQFD(vmFD int, eventFD int, gsi uint32) error {
	irqfd := IRQFD{FD: uint32(eventFD), GSI: gsi}
	_, err := ioctl(vmFD, kvmIRQFD, uintptr(unsafe.Pointer(&irqfd)))
	if err != nil {
		return fmt.Errorf("KVM_IRQFD(gsi=%d): %w", gsi, err)
	}
	return nil
}

// SetIRQLine asserts or deasserts a legacy IRQ line directly (used by
// tests and as a fallback where IRQFD is unavailable).
func SetIRQLine(vmFD int, irq uint32, level uint32) error {
	lvl := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFD, kvmIRQLineStatus, uintptr(unsafe.Pointer(&lvl)))
	return err
}

// GetRegs reads the general-purpose registers of a vCPU.
func GetRegs(vcpuFD int) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return Regs{}, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	return regs, nil
}

// SetRegs writes the general-purpose registers of a vCPU.
func SetRegs(vcpuFD int, regs Regs) error {
	_, err := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// GetSregs reads the special (segment/control) registers of a vCPU.
func GetSregs(vcpuFD int) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return Sregs{}, fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	return sregs, nil
}

// SetSregs writes the special (segment/control) registers of a vCPU.
func SetSregs(vcpuFD int, sregs Sregs) error {
	_, err := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// RunOnce issues KVM_RUN, resuming the vCPU until the next exit. EINTR
// is swallowed; the caller simply re-reads kvm_run.exit_reason.
func RunOnce(vcpuFD int) error {
	_, err := ioctl(vcpuFD, kvmRun, 0)
	if err != nil && err != syscall.EINTR && err != syscall.EAGAIN {
		return fmt.Errorf("KVM_RUN: %w", err)
	}
	return nil
}

// NewEventFD creates a Linux eventfd used as an IRQFD trigger.
func NewEventFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}
	return fd, nil
}

// SignalEventFD writes 1 to an eventfd, asserting whatever it is wired
// to (an IRQFD-registered interrupt line, in this codebase).
func SignalEventFD(fd int) error {
	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := syscall.Write(fd, buf[:])
	return err
}

// ExitReasonName renders an exit reason for logs and crash reports.
func ExitReasonName(r ExitReason) string {
	switch r {
	case ExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case ExitException:
		return "KVM_EXIT_EXCEPTION"
	case ExitIO:
		return "KVM_EXIT_IO"
	case ExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case ExitDebug:
		return "KVM_EXIT_DEBUG"
	case ExitHLT:
		return "KVM_EXIT_HLT"
	case ExitMMIO:
		return "KVM_EXIT_MMIO"
	case ExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case ExitInternalErr:
		return "KVM_EXIT_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("KVM_EXIT(%d)", r)
	}
}
