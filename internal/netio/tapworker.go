package netio

import (
	"fmt"
	"log"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hermit-go/uhyve/internal/kvm"
)

// tapDevice is a thin wrapper over a Linux TUN/TAP file descriptor,
// grounded on the teacher's network.TapDevice: same /dev/net/tun open
// call and TUNSETIFF ioctl, generalized to return raw syscall errors
// instead of swallowing them into log lines, since TapWorker needs to
// distinguish EAGAIN from a hard failure.
type tapDevice struct {
	fd   int
	name string
}

func openTapDevice(name string) (*tapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF for %s: %w", name, errno)
	}
	return &tapDevice{fd: fd, name: name}, nil
}

func (t *tapDevice) read(buf []byte) (int, error) {
	n, err := syscall.Read(t.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *tapDevice) write(buf []byte) error {
	_, err := syscall.Write(t.fd, buf)
	return err
}

func (t *tapDevice) close() error {
	return syscall.Close(t.fd)
}

// TapWorker owns the reader/writer thread pair and the two
// SharedQueues they service: guestToHost is written by the guest and
// drained by the writer thread onto the TAP device; hostToGuest is
// filled by the reader thread from the TAP device and drained by the
// guest.
//
// Shape (bounded capacity-1 nudge channel for the writer, an event FD
// the reader signals on every enqueued frame) is grounded on spec.md
// §4.6's description of uhyve's own network threads, adapted onto
// Go's goroutine/channel idiom rather than raw OS threads since the
// teacher's own concurrency idiom (core_engine/hypervisor goroutines)
// already uses channels for cross-thread signaling.
type TapWorker struct {
	tap         *tapDevice
	guestToHost *SharedQueue // host-consumer / guest-producer
	hostToGuest *SharedQueue // host-producer / guest-consumer
	irqFD       int
	nudge       chan struct{}
	done        chan struct{}
}

// NewTapWorker opens the named TAP device and wires it to the two
// queues placed at SHAREDQUEUE_START by VmContext. irqFD is the
// eventfd already registered with KVM_IRQFD for UHYVE_IRQ_NET.
func NewTapWorker(nic string, mem []byte, base int, irqFD int) (*TapWorker, error) {
	tap, err := openTapDevice(nic)
	if err != nil {
		return nil, err
	}
	readerBase := base
	writerBase := base + QueueSize

	w := &TapWorker{
		tap:         tap,
		guestToHost: NewSharedQueue(mem, writerBase),
		hostToGuest: NewSharedQueue(mem, readerBase),
		irqFD:       irqFD,
		nudge:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	return w, nil
}

// Start launches the reader and writer goroutines. Both exit when
// Stop is called.
func (w *TapWorker) Start() {
	go w.runWriter()
	go w.runReader()
}

// Nudge signals the writer that the guest has produced frames; it is
// what the NETINFO hypercall does. The channel's capacity-1 buffer
// coalesces bursts: if a nudge is already pending, this is a no-op.
func (w *TapWorker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Stop closes the TAP device and unblocks both goroutines.
func (w *TapWorker) Stop() error {
	close(w.done)
	return w.tap.close()
}

func (w *TapWorker) runWriter() {
	for {
		select {
		case <-w.done:
			return
		case <-w.nudge:
			for !w.guestToHost.Empty() {
				frame := w.guestToHost.Pop()
				if err := w.tap.write(frame); err != nil {
					log.Printf("netio: tap write failed: %v", err)
				}
			}
		}
	}
}

func (w *TapWorker) runReader() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-w.done:
			return
		default:
		}

		if w.hostToGuest.Full() {
			runtime.Gosched()
			continue
		}

		n, err := w.tap.read(buf)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				continue
			}
			log.Printf("netio: tap read failed: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		w.hostToGuest.Push(buf[:n])
		if err := kvm.SignalEventFD(w.irqFD); err != nil {
			log.Printf("netio: irqfd signal failed: %v", err)
		}
	}
}
