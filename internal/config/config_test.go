package config

import (
	"errors"
	"net"
	"testing"

	"github.com/hermit-go/uhyve/internal/hverrors"
)

func validConfig() Config {
	c := Default()
	c.KernelPath = "/tmp/kernel.elf"
	return c
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingKernelPath(t *testing.T) {
	c := validConfig()
	c.KernelPath = ""
	if err := c.Validate(); !errors.Is(err, hverrors.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestValidateRejectsUndersizedMemory(t *testing.T) {
	c := validConfig()
	c.MemorySize = 1024
	if err := c.Validate(); !errors.Is(err, hverrors.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestValidateRejectsZeroCPUs(t *testing.T) {
	c := validConfig()
	c.CPUCount = 0
	if err := c.Validate(); !errors.Is(err, hverrors.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestValidateRejectsGDBWithMultipleCPUs(t *testing.T) {
	c := validConfig()
	c.GDBPort = 1234
	c.CPUCount = 2
	if err := c.Validate(); !errors.Is(err, hverrors.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}

	c.CPUCount = 1
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error with single cpu + gdb: %v", err)
	}
}

func TestNetInfoOctets(t *testing.T) {
	c := validConfig()
	c.IP = net.ParseIP("10.0.5.2")
	c.Gateway = net.ParseIP("10.0.5.1")
	c.Mask = net.ParseIP("255.255.255.0")

	ip, gw, mask := c.NetInfoOctets()
	if ip != [4]byte{10, 0, 5, 2} {
		t.Fatalf("ip = %v", ip)
	}
	if gw != [4]byte{10, 0, 5, 1} {
		t.Fatalf("gw = %v", gw)
	}
	if mask != [4]byte{255, 255, 255, 0} {
		t.Fatalf("mask = %v", mask)
	}
}

func TestNetInfoOctetsUnsetAddressIsZero(t *testing.T) {
	c := validConfig()
	ip, gw, mask := c.NetInfoOctets()
	zero := [4]byte{}
	if ip != zero || gw != zero || mask != zero {
		t.Fatalf("expected zero octets for unset addresses, got ip=%v gw=%v mask=%v", ip, gw, mask)
	}
}
