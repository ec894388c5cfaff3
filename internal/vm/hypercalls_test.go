package vm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/hermit-go/uhyve/internal/config"
	"github.com/hermit-go/uhyve/internal/consts"
	"github.com/hermit-go/uhyve/internal/kvm"
	"github.com/hermit-go/uhyve/internal/memory"
	"github.com/hermit-go/uhyve/internal/paging"
)

// runBuffer backs a fake kvm_run region: the fixed-size struct at the
// front, with plenty of trailing space to park an I/O exit's data
// bytes at an arbitrary DataOffset, exactly as the real mmap'd
// kvm_run region does.
func newTestRun(t *testing.T) (*kvm.Run, []byte) {
	t.Helper()
	buf := make([]byte, 8192)
	run := (*kvm.Run)(unsafe.Pointer(&buf[0]))
	return run, buf
}

func newTestVCPU(t *testing.T) (*VirtualCpu, []byte) {
	t.Helper()
	mem, err := memory.New(memory.MinSize, false, false)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	paging.Init(mem.AsSlice())

	cfg := config.Default()
	cfg.KernelPath = "/tmp/test-kernel.elf"

	vmCtx := &VmContext{cfg: cfg, mem: mem}
	run, buf := newTestRun(t)

	c := &VirtualCpu{id: 0, vm: vmCtx, run: run}
	return c, buf
}

// setPortWrite arranges run's union as a KVM_EXIT_IO write of value,
// with the data bytes parked at dataOff within buf.
func setPortWrite(run *kvm.Run, buf []byte, port uint16, value uint64, dataOff int) {
	io := (*kvm.RunIO)(unsafe.Pointer(&run.Union[0]))
	io.Direction = kvm.ExitIODirOut
	io.Size = 8
	io.Port = port
	io.Count = 1
	io.DataOffset = uint64(dataOff)
	binary.LittleEndian.PutUint64(buf[dataOff:dataOff+8], value)
}

const testDataOff = 4096

func TestHandleIOExit(t *testing.T) {
	c, buf := newTestVCPU(t)
	run := c.run
	mem := c.vm.mem.AsSlice()

	const gpa = 0x20000
	binary.LittleEndian.PutUint32(mem[gpa:], uint32(int32(42)))
	setPortWrite(run, buf, consts.PortExit, gpa, testDataOff)

	code, exited, err := c.handleIO()
	if err != nil {
		t.Fatalf("handleIO: %v", err)
	}
	if !exited {
		t.Fatalf("expected exited=true for PortExit")
	}
	if code != 42 {
		t.Fatalf("code = %d, want 42", code)
	}
}

func TestHandleIOOpenCloseRoundTrip(t *testing.T) {
	c, buf := newTestVCPU(t)
	run := c.run
	mem := c.vm.mem.AsSlice()

	dir := t.TempDir()
	path := filepath.Join(dir, "guest-file.txt")

	// OPEN: namePtr, flags, mode, ret(out). Place the path string and
	// the argument block directly at guest-physical addresses (no page
	// tables are installed in this test, so gpaSlice's direct indexing
	// is exercised, not gvaSlice's translation).
	const nameGPA = 0x21000
	const openBlockGPA = 0x22000
	copy(mem[nameGPA:], path)
	mem[nameGPA+uint64(len(path))] = 0

	binary.LittleEndian.PutUint64(mem[openBlockGPA:], nameGPA)
	binary.LittleEndian.PutUint32(mem[openBlockGPA+8:], uint32(os.O_RDWR|os.O_CREATE))
	binary.LittleEndian.PutUint32(mem[openBlockGPA+12:], 0o644)

	setPortWrite(run, buf, consts.PortOpen, openBlockGPA, testDataOff)
	if _, _, err := c.handleIO(); err != nil {
		t.Fatalf("OPEN: %v", err)
	}
	fd := int32(binary.LittleEndian.Uint32(mem[openBlockGPA+16:]))
	if fd < 0 {
		t.Fatalf("OPEN returned fd %d", fd)
	}

	// CLOSE: fd, ret(out).
	const closeBlockGPA = 0x23000
	binary.LittleEndian.PutUint32(mem[closeBlockGPA:], uint32(fd))
	setPortWrite(run, buf, consts.PortClose, closeBlockGPA, testDataOff)
	if _, _, err := c.handleIO(); err != nil {
		t.Fatalf("CLOSE: %v", err)
	}
	ret := int32(binary.LittleEndian.Uint32(mem[closeBlockGPA+4:]))
	if ret != 0 {
		t.Fatalf("CLOSE ret = %d, want 0", ret)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected OPEN to have created %s: %v", path, err)
	}
}

func TestWriteCmdsizeReportsKernelPath(t *testing.T) {
	c, buf := newTestVCPU(t)
	run := c.run
	mem := c.vm.mem.AsSlice()

	const blockGPA = 0x24000
	setPortWrite(run, buf, consts.PortCmdsize, blockGPA, testDataOff)
	if _, _, err := c.handleIO(); err != nil {
		t.Fatalf("CMDSIZE: %v", err)
	}

	argc := binary.LittleEndian.Uint32(mem[blockGPA:])
	if argc != 1 {
		t.Fatalf("argc = %d, want 1", argc)
	}
	argsz0 := binary.LittleEndian.Uint32(mem[blockGPA+4:])
	if int(argsz0) != len(c.vm.cfg.KernelPath)+1 {
		t.Fatalf("argsz[0] = %d, want %d", argsz0, len(c.vm.cfg.KernelPath)+1)
	}
}

func TestWriteCmdsizeAndCmdvalForwardTrailingArgs(t *testing.T) {
	c, buf := newTestVCPU(t)
	run := c.run
	mem := c.vm.mem.AsSlice()
	c.vm.cfg.Args = []string{"-v", "hello"}

	const sizeBlockGPA = 0x25000
	setPortWrite(run, buf, consts.PortCmdsize, sizeBlockGPA, testDataOff)
	if _, _, err := c.handleIO(); err != nil {
		t.Fatalf("CMDSIZE: %v", err)
	}

	argc := binary.LittleEndian.Uint32(mem[sizeBlockGPA:])
	if argc != 3 {
		t.Fatalf("argc = %d, want 3", argc)
	}
	argsz1 := binary.LittleEndian.Uint32(mem[sizeBlockGPA+4+4:])
	if int(argsz1) != len("-v")+1 {
		t.Fatalf("argsz[1] = %d, want %d", argsz1, len("-v")+1)
	}
	argsz2 := binary.LittleEndian.Uint32(mem[sizeBlockGPA+4+8:])
	if int(argsz2) != len("hello")+1 {
		t.Fatalf("argsz[2] = %d, want %d", argsz2, len("hello")+1)
	}

	// CMDVAL: point argv at guest-virtual addresses identity-mapped by
	// paging.Init, and give each argv slot a buffer sized by CMDSIZE.
	const argvArrayGVA = 0x26000
	const envpArrayGVA = 0x27000
	const strBufGVA = 0x28000
	const cmdvalBlockGPA = 0x29000

	strs := []string{c.vm.cfg.KernelPath, "-v", "hello"}
	off := uint64(0)
	for i, s := range strs {
		bufGVA := strBufGVA + off
		binary.LittleEndian.PutUint64(mem[argvArrayGVA+uint64(i)*8:], bufGVA)
		off += uint64(len(s) + 1)
	}

	binary.LittleEndian.PutUint64(mem[cmdvalBlockGPA:], argvArrayGVA)
	binary.LittleEndian.PutUint64(mem[cmdvalBlockGPA+8:], envpArrayGVA)
	setPortWrite(run, buf, consts.PortCmdval, cmdvalBlockGPA, testDataOff)
	if _, _, err := c.handleIO(); err != nil {
		t.Fatalf("CMDVAL: %v", err)
	}

	off = 0
	for _, want := range strs {
		gva := strBufGVA + off
		got, err := c.readGVAString(gva)
		if err != nil {
			t.Fatalf("readGVAString: %v", err)
		}
		if got != want {
			t.Fatalf("argv string = %q, want %q", got, want)
		}
		off += uint64(len(want) + 1)
	}
}
