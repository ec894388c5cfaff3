package memory

import "testing"

func TestNewRejectsUndersizedRequest(t *testing.T) {
	if _, err := New(1024, false, false); err == nil {
		t.Fatalf("expected error for size below MinSize")
	}
}

func TestNewAllocatesZeroedMemory(t *testing.T) {
	hm, err := New(MinSize, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer hm.Close()

	if hm.Size() != MinSize {
		t.Fatalf("Size() = %d, want %d", hm.Size(), MinSize)
	}

	mem := hm.AsSlice()
	for i, b := range mem {
		if b != 0 {
			t.Fatalf("byte %d not zero: 0x%x", i, b)
			break
		}
	}
}

func TestHostAddressOffsetsFromBase(t *testing.T) {
	hm, err := New(MinSize, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer hm.Close()

	base := hm.BaseAddr()
	if got := hm.HostAddress(0x1000); got != base+0x1000 {
		t.Fatalf("HostAddress(0x1000) = 0x%x, want base+0x1000 = 0x%x", got, base+0x1000)
	}
}

func TestCloseIsSafeToCallOnce(t *testing.T) {
	hm, err := New(MinSize, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := hm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
