// Command uhyve boots a single unikernel image inside a KVM guest.
// Argument parsing, logging and CPU-frequency discovery are the
// ambient CLI front-end the core assumes as an external collaborator;
// everything else lives in the internal packages.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/hermit-go/uhyve/internal/arch"
	"github.com/hermit-go/uhyve/internal/config"
	"github.com/hermit-go/uhyve/internal/vm"
)

func main() {
	cfg := config.Default()

	var memSize, ipStr, gwStr, maskStr string
	flag.StringVar(&memSize, "memsize", "64MiB", "guest memory size, e.g. 256MiB")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "publish the UART port and echo guest console output")
	flag.BoolVar(&cfg.THP, "thp", true, "advise transparent huge pages for guest memory")
	flag.BoolVar(&cfg.KSM, "ksm", true, "advise kernel samepage merging for guest memory")
	cpuCount := flag.Uint("cpus", 1, "number of virtual CPUs")
	gdbPort := flag.Uint("gdbport", 0, "gdb stub port; only checked against -cpus=1, no stub is started")
	flag.StringVar(&cfg.NIC, "nic", "", "TAP interface name; empty disables networking")
	flag.StringVar(&ipStr, "ip", "", "guest IPv4 address")
	flag.StringVar(&gwStr, "gateway", "", "guest default gateway")
	flag.StringVar(&maskStr, "mask", "", "guest subnet mask")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: uhyve [flags] <kernel-image>")
		os.Exit(2)
	}
	cfg.KernelPath = flag.Arg(0)
	cfg.Args = flag.Args()[1:]

	size, err := parseByteSize(memSize)
	if err != nil {
		log.Fatalf("uhyve: -memsize: %v", err)
	}
	cfg.MemorySize = size
	cfg.CPUCount = uint32(*cpuCount)
	cfg.GDBPort = uint16(*gdbPort)
	cfg.IP = net.ParseIP(ipStr)
	cfg.Gateway = net.ParseIP(gwStr)
	cfg.Mask = net.ParseIP(maskStr)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("uhyve: %v", err)
	}

	vmCtx, err := vm.New(cfg)
	if err != nil {
		log.Fatalf("uhyve: %v", err)
	}
	defer vmCtx.Close()

	if err := vmCtx.Load(arch.DetectCPUFrequencyMHz()); err != nil {
		log.Fatalf("uhyve: loading %s: %v", cfg.KernelPath, err)
	}

	status, err := vmCtx.Run()
	if err != nil {
		log.Fatalf("uhyve: %v", err)
	}
	os.Exit(status)
}

// parseByteSize accepts a decimal number optionally suffixed with
// KiB/MiB/GiB (case-insensitive), the notation used throughout uhyve's
// own CLI help text.
func parseByteSize(s string) (uint64, error) {
	suffixes := []struct {
		suffix string
		mult   uint64
	}{
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
	}
	for _, sfx := range suffixes {
		if n := len(s) - len(sfx.suffix); n > 0 && strings.EqualFold(s[n:], sfx.suffix) {
			value, err := strconv.ParseUint(s[:n], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q", s)
			}
			return value * sfx.mult, nil
		}
	}
	value, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return value, nil
}
