package main

import "testing"

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"64MiB", 64 * 1024 * 1024, false},
		{"1GiB", 1 << 30, false},
		{"512KiB", 512 * 1024, false},
		{"1048576", 1048576, false},
		{"2mib", 2 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"GiB", 0, true},
	}

	for _, tc := range cases {
		got, err := parseByteSize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseByteSize(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseByteSize(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
