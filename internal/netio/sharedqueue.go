// Package netio implements the paravirtual TAP networking path: a
// pair of fixed-slot ring buffers living inside guest memory
// (SharedQueue) and the host reader/writer threads that service them
// against a Linux TAP device (TapWorker).
//
// Aliasing rationale follows spec's design note: the guest and a
// single host thread share one buffer with no host-side exclusion,
// which is sound only because each queue has exactly one producer and
// one consumer. SharedQueue exposes only push/pop so callers can never
// reach around that discipline.
package netio

import (
	"sync/atomic"

	"github.com/hermit-go/uhyve/internal/consts"
)

// Each slot has a fixed layout: a u32 length prefix (slotLenSize)
// followed by MTU bytes of frame data.
const (
	slotLenSize = 4
	slotSize    = slotLenSize + consts.Mtu
	queueSlots  = int(consts.UhyveQueueSize)
	alignment   = 64
)

// QueueSize is sizeof(SharedQueue) rounded up to the 64-byte alignment
// spec.md §4.6 requires between the reader and writer queue bases.
var QueueSize = roundUp(headerSize+queueSlots*slotSize, alignment)

// headerSize accounts for the two monotonically increasing counters,
// written and read, stored at the front of the queue.
const headerSize = 8 + 8

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// SharedQueue is a neutral handle over a single-producer/single-
// consumer ring buffer living inside guest memory at a fixed base
// offset. All accesses go through atomic loads/stores so the host's
// view stays consistent with a guest using ordered memory accesses,
// without either side taking a lock.
type SharedQueue struct {
	mem  []byte // guest memory slice, sized to cover [base, base+QueueSize)
	base int
}

// NewSharedQueue wraps the region of mem starting at base as a
// SharedQueue. mem must extend at least QueueSize bytes past base.
func NewSharedQueue(mem []byte, base int) *SharedQueue {
	return &SharedQueue{mem: mem, base: base}
}

func (q *SharedQueue) writtenPtr() *uint64 {
	return (*uint64)(ptrAt(q.mem, q.base))
}

func (q *SharedQueue) readPtr() *uint64 {
	return (*uint64)(ptrAt(q.mem, q.base+8))
}

func (q *SharedQueue) written() uint64 { return atomic.LoadUint64(q.writtenPtr()) }
func (q *SharedQueue) read() uint64    { return atomic.LoadUint64(q.readPtr()) }

func (q *SharedQueue) slotOffset(counter uint64) int {
	idx := int(counter % uint64(queueSlots))
	return q.base + headerSize + idx*slotSize
}

// Full reports whether the queue has no room for another frame from
// the producer side.
func (q *SharedQueue) Full() bool {
	return q.written()-q.read() >= uint64(queueSlots)
}

// Empty reports whether the consumer side has nothing left to drain.
func (q *SharedQueue) Empty() bool {
	return q.written() == q.read()
}

// Push writes frame into the next free slot and advances written.
// Callers must have already checked Full(); Push does not block.
func (q *SharedQueue) Push(frame []byte) {
	off := q.slotOffset(q.written())
	atomic.StoreUint32((*uint32)(ptrAt(q.mem, off)), uint32(len(frame)))
	copy(q.mem[off+slotLenSize:off+slotLenSize+len(frame)], frame)
	atomic.AddUint64(q.writtenPtr(), 1)
}

// Pop reads the oldest unread slot's frame and advances read. Callers
// must have already checked Empty(); Pop does not block. The returned
// slice aliases guest memory and is only valid until the next Pop.
func (q *SharedQueue) Pop() []byte {
	off := q.slotOffset(q.read())
	n := atomic.LoadUint32((*uint32)(ptrAt(q.mem, off)))
	frame := q.mem[off+slotLenSize : off+slotLenSize+int(n)]
	atomic.AddUint64(q.readPtr(), 1)
	return frame
}
