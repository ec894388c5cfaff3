//go:build amd64

package arch

// cpuidFrequencyMHz implements the first two discovery tiers from
// CPUID directly: the invariant TSC/crystal-clock leaf (0x15), and
// failing that the hypervisor TSC-frequency leaf KVM and most other
// hypervisors publish at 0x40000010.
func cpuidFrequencyMHz() (uint32, bool) {
	if mhz, ok := invariantTSCFrequencyMHz(); ok {
		return mhz, true
	}
	if mhz, ok := hypervisorTSCFrequencyMHz(); ok {
		return mhz, true
	}
	return 0, false
}

// invariantTSCFrequencyMHz reads CPUID leaf 0x15, which reports the TSC
// to core-crystal-clock ratio (EBX/EAX) and, on newer CPUs, the crystal
// frequency itself in ECX. A zero ECX means the CPU doesn't report a
// crystal frequency and this tier can't resolve one.
func invariantTSCFrequencyMHz() (uint32, bool) {
	maxLeaf, _, _, _ := cpuid(0, 0)
	if maxLeaf < 0x15 {
		return 0, false
	}
	denom, numer, crystalHz, _ := cpuid(0x15, 0)
	if denom == 0 || numer == 0 || crystalHz == 0 {
		return 0, false
	}
	tscHz := uint64(crystalHz) * uint64(numer) / uint64(denom)
	return uint32(tscHz / 1_000_000), true
}

// hypervisorTSCFrequencyMHz reads the KVM/hypervisor TSC-frequency leaf
// (0x40000010), present when CPUID leaf 1's hypervisor-present bit
// (ECX bit 31) is set and the hypervisor vendor leaf advertises it.
func hypervisorTSCFrequencyMHz() (uint32, bool) {
	_, _, ecx1, _ := cpuid(1, 0)
	if ecx1&(1<<31) == 0 {
		return 0, false
	}
	hvMaxLeaf, _, _, _ := cpuid(0x40000000, 0)
	if hvMaxLeaf < 0x40000010 {
		return 0, false
	}
	tscKHz, _, _, _ := cpuid(0x40000010, 0)
	if tscKHz == 0 {
		return 0, false
	}
	return tscKHz / 1000, true
}
