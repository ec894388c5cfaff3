// Package vm ties together HostMem, the page tables, the Loader's
// output and the KVM run loop into a runnable guest: VmContext owns
// construction and shared state, VirtualCpu drives one host thread
// through KVM_RUN and dispatches the hypercall catalogue.
package vm

import (
	"fmt"
	"log"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/hermit-go/uhyve/internal/consts"
	"github.com/hermit-go/uhyve/internal/hverrors"
	"github.com/hermit-go/uhyve/internal/kvm"
)

// Long-mode CR0/CR4/EFER bits, grounded on the corpus's own long-mode
// vCPU bring-up (other_examples' gokvm machine package), since the
// teacher's vcpu.go only ever sets up 16/32-bit protected mode.
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10

	codeSelector = 1 << 3
	dataSelector = 2 << 3
)

// StopReason is the result of one VirtualCpu.Continue call.
type StopReason int

const (
	StopDebug StopReason = iota
	StopExit
	StopKick
)

// VirtualCpu drives a single host vCPU through the KVM run loop and
// dispatches the hypercall catalogue against the owning VmContext.
type VirtualCpu struct {
	id      int
	fd      int
	vm      *VmContext
	run     *kvm.Run
	runSize int
	kick    chan struct{}
}

func newVirtualCpu(v *VmContext, id int) (*VirtualCpu, error) {
	fd, err := kvm.CreateVCPU(v.vmFD, id)
	if err != nil {
		return nil, err
	}

	runData, err := syscall.Mmap(fd, 0, v.runSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("mmap kvm_run for vcpu %d: %w", id, err)
	}

	vcpu := &VirtualCpu{
		id:      id,
		fd:      fd,
		vm:      v,
		run:     (*kvm.Run)(unsafe.Pointer(&runData[0])),
		runSize: v.runSize,
		kick:    make(chan struct{}, 1),
	}
	return vcpu, nil
}

// Init sets the vCPU's registers and segment registers for 64-bit long
// mode, enables paging against the tables PageTableBuilder installed,
// and loads the GDT. It does not set CPUID leaves: the vCPU keeps the
// CPUID table KVM gives a freshly created vCPU.
func (c *VirtualCpu) Init(entry uint64, stackAddr uint64) error {
	sregs, err := kvm.GetSregs(c.fd)
	if err != nil {
		return fmt.Errorf("vcpu %d: %w", c.id, err)
	}

	sregs.CR3 = consts.BootPML4
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.EFER = eferLME | eferLMA

	sregs.GDT = kvm.DTable{Base: consts.BootGDT, Limit: 3*8 - 1}

	code := kvm.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: codeSelector,
		Type: 11, Present: 1, DPL: 0, S: 1, L: 1, G: 1,
	}
	data := code
	data.Type = 3
	data.L = 0
	data.Selector = dataSelector

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	if err := kvm.SetSregs(c.fd, sregs); err != nil {
		return fmt.Errorf("vcpu %d: %w", c.id, err)
	}

	regs := kvm.Regs{
		RFLAGS: 2,
		RIP:    entry,
		RSP:    stackAddr,
		RDI:    consts.BootInfoAddr,
		RSI:    uint64(c.id),
	}
	if err := kvm.SetRegs(c.fd, regs); err != nil {
		return fmt.Errorf("vcpu %d: %w", c.id, err)
	}
	return nil
}

// Kick causes the next Continue to return StopKick promptly.
func (c *VirtualCpu) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Continue resumes the vCPU until the next stop condition: an EXIT
// hypercall (carrying the guest's exit status) or a Kick. It blocks
// inside KVM_RUN for everything else, looping the dispatcher over I/O
// and MMIO exits transparently. It never returns StopDebug: a debug
// exit goes to the default branch, which logs it and resumes.
func (c *VirtualCpu) Continue() (StopReason, int, error) {
	for {
		select {
		case <-c.kick:
			return StopKick, 0, nil
		default:
		}

		if err := kvm.RunOnce(c.fd); err != nil {
			return StopExit, -1, fmt.Errorf("vcpu %d: %w", c.id, err)
		}

		switch kvm.ExitReason(c.run.ExitReason) {
		case kvm.ExitIO:
			exitCode, handled, err := c.handleIO()
			if err != nil {
				return StopExit, -1, err
			}
			if handled {
				return StopExit, exitCode, nil
			}
		case kvm.ExitMMIO:
			log.Printf("vcpu %d: unexpected MMIO exit, ignoring", c.id)
		case kvm.ExitHLT:
			// guest halted waiting for an interrupt; nothing to do but
			// resume, the in-kernel IRQ chip wakes it.
		case kvm.ExitShutdown:
			return StopExit, -1, fmt.Errorf("%w: vcpu %d received shutdown (triple fault)", hverrors.ErrVcpuCrash, c.id)
		case kvm.ExitFailEntry, kvm.ExitInternalErr, kvm.ExitUnknown:
			return StopExit, -1, fmt.Errorf("%w: vcpu %d exit reason %s", hverrors.ErrVcpuCrash, c.id, kvm.ExitReasonName(kvm.ExitReason(c.run.ExitReason)))
		default:
			log.Printf("vcpu %d: unhandled exit reason %s", c.id, kvm.ExitReasonName(kvm.ExitReason(c.run.ExitReason)))
		}
	}
}

// Run pins the calling goroutine's OS thread (KVM vCPU file
// descriptors are thread-affine) and loops Continue until the guest
// exits, returning its status code.
func (c *VirtualCpu) Run() (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		reason, code, err := c.Continue()
		if err != nil {
			return -1, err
		}
		switch reason {
		case StopExit:
			return code, nil
		case StopKick:
			return 0, nil
		}
	}
}

func (c *VirtualCpu) close() {
	if c.run != nil {
		runData := unsafe.Slice((*byte)(unsafe.Pointer(c.run)), c.runSize)
		syscall.Munmap(runData)
		c.run = nil
	}
	if c.fd != 0 {
		syscall.Close(c.fd)
		c.fd = 0
	}
}
