//go:build !amd64

package arch

// cpuidFrequencyMHz has no CPUID-based tier on non-x86 hosts; callers
// fall straight through to the /proc/cpuinfo tier.
func cpuidFrequencyMHz() (uint32, bool) {
	return 0, false
}
