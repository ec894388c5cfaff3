package vm

import (
	"fmt"
	"log"
	"syscall"

	"github.com/hermit-go/uhyve/internal/config"
	"github.com/hermit-go/uhyve/internal/consts"
	"github.com/hermit-go/uhyve/internal/hverrors"
	"github.com/hermit-go/uhyve/internal/kvm"
	"github.com/hermit-go/uhyve/internal/loader"
	"github.com/hermit-go/uhyve/internal/memory"
	"github.com/hermit-go/uhyve/internal/netio"
	"github.com/hermit-go/uhyve/internal/paging"
)

// VmContext owns everything a VM needs that is not per-vCPU: the KVM
// handles, HostMem, the TapWorker pair, and the boot-time state the
// Loader produced. Construction follows spec's §4.4 sequence,
// generalized from the teacher's NewVirtualMachine (single mmap,
// single memory slot, devices wired up front) to KVM's real 64-bit
// long-mode requirements: a split memory slot around the legacy MMIO
// hole, the in-kernel IRQ chip, and the capability negative-test the
// original Rust implementation performs.
type VmContext struct {
	cfg config.Config

	kvmFD int
	vmFD  int
	mem   *memory.HostMem

	runSize int

	irqFD int
	tap   *netio.TapWorker

	vcpus []*VirtualCpu

	entry      uint64
	stackAddr  uint64
	exitStatus chan int
}

// New performs the full VmContext construction sequence: create the VM
// handle, allocate and register HostMem (split around the 3.25-4 GiB
// hole when required), create the IRQ chip, enable/assert
// capabilities, wire up networking if configured, and install the
// initial page tables and GDT. It does not load the kernel image or
// create any vCPU; callers do that via Load and CreateCPU.
func New(cfg config.Config) (*VmContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kvmFD, err := kvm.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hverrors.ErrMemoryAllocFailed, err)
	}

	vmFD, err := kvm.CreateVM(kvmFD)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hverrors.ErrMemoryAllocFailed, err)
	}

	runSize, err := kvm.GetVCPUMmapSize(kvmFD)
	if err != nil {
		return nil, err
	}

	mem, err := memory.New(cfg.MemorySize, cfg.THP, cfg.KSM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hverrors.ErrMemoryAllocFailed, err)
	}

	v := &VmContext{
		cfg:        cfg,
		kvmFD:      kvmFD,
		vmFD:       vmFD,
		mem:        mem,
		runSize:    runSize,
		exitStatus: make(chan int, 1),
	}

	if err := v.registerMemorySlots(); err != nil {
		v.Close()
		return nil, err
	}

	if err := kvm.CreateIRQChip(vmFD); err != nil {
		v.Close()
		return nil, fmt.Errorf("%w: %v", hverrors.ErrHostIfaceUnavailable, err)
	}

	if err := v.enableCapabilities(); err != nil {
		v.Close()
		return nil, err
	}

	irqFD, err := kvm.NewEventFD()
	if err != nil {
		v.Close()
		return nil, err
	}
	v.irqFD = irqFD
	if err := kvm.RegisterIRQFD(vmFD, irqFD, consts.UhyveIrqNet); err != nil {
		v.Close()
		return nil, fmt.Errorf("%w: %v", hverrors.ErrHostIfaceUnavailable, err)
	}

	if cfg.NIC != "" {
		tap, err := netio.NewTapWorker(cfg.NIC, mem.AsSlice(), int(consts.SharedQueueStart), irqFD)
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("%w: %v", hverrors.ErrHostIfaceUnavailable, err)
		}
		v.tap = tap
		tap.Start()
	}

	if cfg.GDBPort != 0 && cfg.CPUCount != 1 {
		v.Close()
		return nil, fmt.Errorf("%w: gdb_port requires a single vCPU", hverrors.ErrConfigInvalid)
	}

	paging.Init(mem.AsSlice())

	return v, nil
}

// memorySlotPlan computes the guest-physical layout registerMemorySlots
// installs, split out as a pure function so the 3.25/4/5 GiB boundary
// math is checkable without a real KVM device. Slot 0 always covers
// [0, lowSize); slot 1, only present when hasHigh, covers
// [consts.KVM32BitMaxMemSize, consts.KVM32BitMaxMemSize+highSize),
// carving out the legacy 3.25-4 GiB MMIO hole per spec's §3 HostMem
// invariant.
func memorySlotPlan(size uint64) (lowSize, highSize uint64, hasHigh bool) {
	lowSize = size
	if lowSize > consts.KVM32BitGapStart {
		lowSize = consts.KVM32BitGapStart
	}
	if size > consts.KVM32BitMaxMemSize {
		highSize = size - consts.KVM32BitMaxMemSize
		hasHigh = true
	}
	return lowSize, highSize, hasHigh
}

// registerMemorySlots installs one or two KVM user memory regions per
// memorySlotPlan. The underlying host mapping stays a single
// contiguous mmap (simpler than two separate allocations); only the
// portion KVM is told about changes.
func (v *VmContext) registerMemorySlots() error {
	size := v.mem.Size()
	base := v.mem.BaseAddr()

	lowSize, highSize, hasHigh := memorySlotPlan(size)

	if err := kvm.SetUserMemoryRegion(v.vmFD, kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    lowSize,
		UserspaceAddr: uint64(base),
	}); err != nil {
		return fmt.Errorf("%w: %v", hverrors.ErrMemoryAllocFailed, err)
	}

	if hasHigh {
		if err := kvm.SetUserMemoryRegion(v.vmFD, kvm.UserspaceMemoryRegion{
			Slot:          1,
			GuestPhysAddr: consts.KVM32BitMaxMemSize,
			MemorySize:    highSize,
			UserspaceAddr: uint64(base) + consts.KVM32BitMaxMemSize,
		}); err != nil {
			return fmt.Errorf("%w: %v", hverrors.ErrMemoryAllocFailed, err)
		}
	}
	return nil
}

// enableCapabilities enables the capabilities the guest unconditionally
// depends on, and asserts the two fatal host preconditions spec's §4.4
// and Open Questions describe: TSC-deadline timer must not be exposed,
// and IRQ-FD must be available. Following the source's own approach
// (and spec's suggestion that an explicit query is preferable where
// available), IRQ-FD is checked with KVM_CHECK_EXTENSION directly;
// TSC-deadline is checked with the documented negative enable-capability
// test since no dedicated extension query exists for it.
func (v *VmContext) enableCapabilities() error {
	has, err := kvm.CheckExtension(v.kvmFD, kvm.CapIRQFD)
	if err != nil || has == 0 {
		return fmt.Errorf("%w: KVM_CAP_IRQFD not available", hverrors.ErrHostIfaceUnavailable)
	}

	if err := kvm.EnableCapability(v.vmFD, kvm.CapTSCDeadlineTimer, 0); err == nil {
		return fmt.Errorf("%w: host unexpectedly exposes TSC-deadline timer", hverrors.ErrHostIfaceUnavailable)
	}

	x2apicArg := uint64(kvm.X2APICAPIUse32BitIDs | kvm.X2APICAPIDisableBcast)
	if err := kvm.EnableCapability(v.vmFD, kvm.CapX2APICAPI, x2apicArg); err != nil {
		return fmt.Errorf("%w: x2APIC API: %v", hverrors.ErrHostIfaceUnavailable, err)
	}

	disableExits := uint64(kvm.X86DisableExitsMwait | kvm.X86DisableExitsHLT | kvm.X86DisableExitsPause)
	if err := kvm.EnableCapability(v.vmFD, kvm.CapX86DisableExits, disableExits); err != nil {
		return fmt.Errorf("%w: disable-exits: %v", hverrors.ErrHostIfaceUnavailable, err)
	}
	return nil
}

// Load parses the kernel image and installs it into guest memory,
// publishing BootInfo at consts.BootInfoAddr and remembering the entry
// point and stack address every CreateCPU call will use.
func (v *VmContext) Load(cpuFreqMHz uint32) error {
	ip, gw, mask := v.cfg.NetInfoOctets()
	result, err := loader.Load(v.cfg.KernelPath, v.mem.AsSlice(), v.cfg.Verbose, loader.NetParams{IP: ip, Gateway: gw, Mask: mask}, cpuFreqMHz)
	if err != nil {
		return err
	}

	result.BootInfo.HostLogicalAddr = uint64(v.mem.BaseAddr())
	result.BootInfo.PossibleCPUs = v.cfg.CPUCount
	encoded := result.BootInfo.Encode()
	copy(v.mem.AsSlice()[consts.BootInfoAddr:], encoded)

	v.entry = result.EntryPoint
	v.stackAddr = result.BootInfo.CurrentStackAddr
	return nil
}

// CreateCPU creates host vCPU id, wraps it as a VirtualCpu sharing this
// VmContext's memory and TapWorker, and initializes its registers to
// start at the loaded kernel's entry point.
func (v *VmContext) CreateCPU(id int) (*VirtualCpu, error) {
	vcpu, err := newVirtualCpu(v, id)
	if err != nil {
		return nil, err
	}
	if err := vcpu.Init(v.entry, v.stackAddr); err != nil {
		vcpu.close()
		return nil, err
	}
	v.vcpus = append(v.vcpus, vcpu)
	return vcpu, nil
}

// Run creates cfg.CPUCount vCPUs and runs each on its own host thread,
// returning the exit status carried by the first EXIT hypercall or
// vCPU crash observed, per spec's "EXIT hypercall integer is returned
// to the host driver as the process exit code".
func (v *VmContext) Run() (int, error) {
	errs := make(chan error, v.cfg.CPUCount)

	for i := uint32(0); i < v.cfg.CPUCount; i++ {
		vcpu, err := v.CreateCPU(int(i))
		if err != nil {
			return -1, err
		}
		go func(c *VirtualCpu) {
			code, err := c.Run()
			if err != nil {
				errs <- err
				return
			}
			select {
			case v.exitStatus <- code:
			default:
			}
			errs <- nil
		}(vcpu)
	}

	var firstErr error
	for i := uint32(0); i < v.cfg.CPUCount; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return -1, firstErr
	}

	select {
	case code := <-v.exitStatus:
		return code, nil
	default:
		return 0, nil
	}
}

// Close tears down every resource VmContext owns, in reverse
// construction order, logging (not failing on) cleanup errors the way
// the teacher's VirtualMachine.Close does.
func (v *VmContext) Close() {
	for _, c := range v.vcpus {
		c.close()
	}
	if v.tap != nil {
		if err := v.tap.Stop(); err != nil {
			log.Printf("vm: error stopping tap worker: %v", err)
		}
	}
	if v.irqFD != 0 {
		syscall.Close(v.irqFD)
		v.irqFD = 0
	}
	if v.mem != nil {
		if err := v.mem.Close(); err != nil {
			log.Printf("vm: error unmapping guest memory: %v", err)
		}
	}
	if v.vmFD != 0 {
		syscall.Close(v.vmFD)
		v.vmFD = 0
	}
	if v.kvmFD != 0 {
		syscall.Close(v.kvmFD)
		v.kvmFD = 0
	}
}
