package vm

import (
	"testing"

	"github.com/hermit-go/uhyve/internal/consts"
)

func TestMemorySlotPlan(t *testing.T) {
	const gib = 1 << 30

	cases := []struct {
		name           string
		size           uint64
		wantLow        uint64
		wantHigh       uint64
		wantHasHigh    bool
	}{
		{
			name:        "below the gap",
			size:        64 * (1 << 20),
			wantLow:     64 * (1 << 20),
			wantHasHigh: false,
		},
		{
			name:        "exactly at the gap start (3.25 GiB)",
			size:        consts.KVM32BitGapStart,
			wantLow:     consts.KVM32BitGapStart,
			wantHasHigh: false,
		},
		{
			name:        "inside the gap",
			size:        consts.KVM32BitGapStart + consts.KVM32BitGapSize/2,
			wantLow:     consts.KVM32BitGapStart,
			wantHasHigh: false,
		},
		{
			name:        "exactly 4 GiB",
			size:        consts.KVM32BitMaxMemSize,
			wantLow:     consts.KVM32BitGapStart,
			wantHasHigh: false,
		},
		{
			name:        "5 GiB, one GiB past the 4 GiB boundary",
			size:        5 * gib,
			wantLow:     consts.KVM32BitGapStart,
			wantHigh:    1 * gib,
			wantHasHigh: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			low, high, hasHigh := memorySlotPlan(tc.size)
			if low != tc.wantLow {
				t.Errorf("lowSize = %d, want %d", low, tc.wantLow)
			}
			if hasHigh != tc.wantHasHigh {
				t.Errorf("hasHigh = %v, want %v", hasHigh, tc.wantHasHigh)
			}
			if hasHigh && high != tc.wantHigh {
				t.Errorf("highSize = %d, want %d", high, tc.wantHigh)
			}
			if low+high != tc.size && tc.size <= consts.KVM32BitGapStart {
				// below the gap, the two slots must exactly reconstruct size
				t.Errorf("low+high = %d, want %d", low+high, tc.size)
			}
		})
	}
}
