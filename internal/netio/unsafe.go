package netio

import "unsafe"

// ptrAt returns a pointer into mem at the given byte offset, used to
// hand atomic.LoadUint64/StoreUint32 et al. an address inside guest
// memory. Callers are responsible for keeping offsets aligned to the
// width they intend to load/store.
func ptrAt(mem []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
