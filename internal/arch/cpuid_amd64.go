//go:build amd64

package arch

// cpuid executes the CPUID instruction with EAX=eaxArg, ECX=ecxArg and
// returns the resulting EAX/EBX/ECX/EDX, implemented in cpuid_amd64.s
// since Go has no intrinsic for it.
func cpuid(eaxArg, ecxArg uint32) (eax, ebx, ecx, edx uint32)
