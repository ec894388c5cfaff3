// Package config holds the validated configuration record handed to
// the hypervisor core by its CLI front-end. Parsing and validation
// here follow the teacher's fail-fast, fmt.Errorf-wrapped style; the
// newtype-with-validation shape (reject too-small memory, reject zero
// CPUs) is grounded on original_source/src/params.rs's
// GuestMemorySize/CpuCount types.
package config

import (
	"fmt"
	"net"

	"github.com/hermit-go/uhyve/internal/hverrors"
	"github.com/hermit-go/uhyve/internal/memory"
)

// DefaultMemorySize and DefaultCPUCount mirror uhyve's Params::default.
const (
	DefaultMemorySize uint64 = 64 * 1024 * 1024
	DefaultCPUCount   uint32 = 1
)

// Config is the validated set of options the hypervisor core is
// constructed from. Everything needed to build one is assumed to have
// already been parsed and range-checked by an external CLI front-end;
// Validate exists so the core can assert its own preconditions too.
type Config struct {
	KernelPath string
	Args       []string // forwarded to the guest as argv[1..]
	Verbose    bool
	MemorySize uint64
	THP        bool
	KSM        bool
	CPUCount   uint32
	GDBPort    uint16 // 0 means "no gdb stub"
	IP         net.IP
	Gateway    net.IP
	Mask       net.IP
	NIC        string // empty means "no TAP device"
}

// Default returns a Config with uhyve's documented defaults applied.
func Default() Config {
	return Config{
		MemorySize: DefaultMemorySize,
		THP:        true,
		KSM:        true,
		CPUCount:   DefaultCPUCount,
	}
}

// Validate enforces the invariants spec.md §6 requires of a
// configuration record before it is used to construct a VmContext.
func (c Config) Validate() error {
	if c.KernelPath == "" {
		return fmt.Errorf("%w: kernel path is required", hverrors.ErrConfigInvalid)
	}
	if c.MemorySize < memory.MinSize {
		return fmt.Errorf("%w: memory_size %d below minimum %d", hverrors.ErrConfigInvalid, c.MemorySize, memory.MinSize)
	}
	if c.CPUCount == 0 {
		return fmt.Errorf("%w: cpu_count must be >= 1", hverrors.ErrConfigInvalid)
	}
	if c.GDBPort != 0 && c.CPUCount != 1 {
		return fmt.Errorf("%w: gdb_port requires cpu_count == 1, got %d", hverrors.ErrConfigInvalid, c.CPUCount)
	}
	return nil
}

// NetInfoOctets renders IP/Gateway/Mask as the octet triples BootInfo
// carries; an unset address renders as 0.0.0.0.
func (c Config) NetInfoOctets() (ip, gw, mask [4]byte) {
	toOctets := func(a net.IP) [4]byte {
		var out [4]byte
		if a4 := a.To4(); a4 != nil {
			copy(out[:], a4)
		}
		return out
	}
	return toOctets(c.IP), toOctets(c.Gateway), toOctets(c.Mask)
}
