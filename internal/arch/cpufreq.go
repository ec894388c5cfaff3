// Package arch discovers the host CPU's TSC frequency so it can be
// published to the guest in BootInfo, in the order spec prescribes:
// an invariant-TSC CPUID leaf, then a hypervisor-published TSC leaf,
// then whatever the host kernel reports for the CPU's base frequency.
package arch

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// DetectCPUFrequencyMHz returns the host's TSC frequency in MHz, trying
// each discovery tier in turn and falling back to 0 (with a logged
// warning) if every tier fails. A zero frequency tells the guest not
// to rely on the TSC for wall-clock timing.
func DetectCPUFrequencyMHz() uint32 {
	if mhz, ok := cpuidFrequencyMHz(); ok {
		return mhz
	}
	if mhz, ok := procCPUInfoFrequencyMHz(); ok {
		return mhz
	}
	log.Printf("arch: could not determine host CPU frequency, reporting 0 to guest")
	return 0
}

// procCPUInfoFrequencyMHz parses the first "cpu MHz" line out of
// /proc/cpuinfo, the host-reported-frequency tier used when CPUID
// offers no usable leaf.
func procCPUInfoFrequencyMHz() (uint32, bool) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	return parseCPUMHz(f)
}

// parseCPUMHz scans /proc/cpuinfo-formatted text for the first
// "cpu MHz" field, split out so the parsing logic can be exercised
// without a real /proc/cpuinfo.
func parseCPUMHz(r io.Reader) (uint32, bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		name, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) != "cpu MHz" {
			continue
		}
		mhz, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return uint32(mhz), true
	}
	return 0, false
}
