package loader

// TLSInfo is the TLS template descriptor copied into BootInfo for a
// single PT_TLS segment, if the image has one.
type TLSInfo struct {
	Start  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// NetInfo carries the statically configured guest network identity as
// octet triples, the wire format BootInfo and the guest's network
// stack agree on.
type NetInfo struct {
	IP      [4]byte
	Gateway [4]byte
	Mask    [4]byte
}

// BootInfo is the fixed-layout structure published once, at guest
// physical address consts.BootInfoAddr, by the Loader. After
// publication only CPUOnline is ever mutated again, and only by the
// guest (via a volatile/atomic write the host may observe).
//
// Field order and widths are explicit and stable: this struct is
// marshaled with a fixed-offset writer (see Encode) rather than relied
// upon for Go's in-memory layout, since the guest reads it as raw
// bytes at a fixed address agreed out of band.
type BootInfo struct {
	Base              uint64
	Limit             uint64
	ImageSize         uint64
	TLS               TLSInfo
	CurrentStackAddr  uint64
	HostLogicalAddr   uint64
	BootGTOD          uint64
	CPUFreq           uint32
	PossibleCPUs      uint32
	UARTPort          uint32
	UhyveFeatures     uint32
	Net               NetInfo
	CPUOnline         uint32
	RAMStart          uint64 // AArch64-only; 0 on x86-64
}

// EncodedSize is the wire size of BootInfo, fixed regardless of host
// architecture's native struct alignment.
const EncodedSize = 8*3 + 8*4 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 12 + 4 + 8

// Encode renders the BootInfo as a flat little-endian byte sequence
// matching the field order declared above. The caller is responsible
// for placing it at consts.BootInfoAddr within guest memory.
func (b BootInfo) Encode() []byte {
	out := make([]byte, 0, EncodedSize)
	putU64 := func(v uint64) { out = leAppendU64(out, v) }
	putU32 := func(v uint32) { out = leAppendU32(out, v) }

	putU64(b.Base)
	putU64(b.Limit)
	putU64(b.ImageSize)
	putU64(b.TLS.Start)
	putU64(b.TLS.Filesz)
	putU64(b.TLS.Memsz)
	putU64(b.TLS.Align)
	putU64(b.CurrentStackAddr)
	putU64(b.HostLogicalAddr)
	putU64(b.BootGTOD)
	putU32(b.CPUFreq)
	putU32(b.PossibleCPUs)
	putU32(b.UARTPort)
	putU32(b.UhyveFeatures)
	out = append(out, b.Net.IP[:]...)
	out = append(out, b.Net.Gateway[:]...)
	out = append(out, b.Net.Mask[:]...)
	putU32(b.CPUOnline)
	putU64(b.RAMStart)
	return out
}

func leAppendU64(buf []byte, v uint64) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func leAppendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// cpuOnlineOffset is the byte offset of the CPUOnline field within the
// encoded structure.
const cpuOnlineOffset = 8*3 + 8*4 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 12

// CPUOnlineOffset exposes cpuOnlineOffset, the position of the
// online-CPU counter relative to consts.BootInfoAddr once BootInfo has
// been published. No host code in this module reads the counter.
func CPUOnlineOffset() uint64 { return uint64(cpuOnlineOffset) }
