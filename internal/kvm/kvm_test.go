package kvm

import (
	"syscall"
	"testing"
)

func TestExitReasonNameKnownValues(t *testing.T) {
	cases := map[ExitReason]string{
		ExitIO:       "KVM_EXIT_IO",
		ExitHLT:      "KVM_EXIT_HLT",
		ExitShutdown: "KVM_EXIT_SHUTDOWN",
		ExitMMIO:     "KVM_EXIT_MMIO",
	}
	for reason, want := range cases {
		if got := ExitReasonName(reason); got != want {
			t.Fatalf("ExitReasonName(%d) = %q, want %q", reason, got, want)
		}
	}
}

func TestExitReasonNameUnknownValue(t *testing.T) {
	got := ExitReasonName(ExitReason(999))
	if got != "KVM_EXIT(999)" {
		t.Fatalf("ExitReasonName(999) = %q", got)
	}
}

// NewEventFD/SignalEventFD use the plain eventfd(2) syscall, not any
// KVM ioctl, so they can be exercised without a /dev/kvm device.
func TestEventFDSignalRoundTrip(t *testing.T) {
	fd, err := NewEventFD()
	if err != nil {
		t.Skipf("eventfd unavailable in this environment: %v", err)
	}
	defer syscall.Close(fd)

	if err := SignalEventFD(fd); err != nil {
		t.Fatalf("SignalEventFD: %v", err)
	}

	var buf [8]byte
	n, err := syscall.Read(fd, buf[:])
	if err != nil {
		t.Fatalf("read eventfd: %v", err)
	}
	if n != 8 {
		t.Fatalf("read %d bytes from eventfd, want 8", n)
	}
	if buf[0] != 1 {
		t.Fatalf("eventfd counter low byte = %d, want 1", buf[0])
	}
}
