// Package loader parses a 64-bit ELF unikernel image, places its
// segments and TLS template into guest memory, patches RELATIVE
// relocations, and publishes the resulting BootInfo.
//
// Algorithm and field semantics are grounded on
// original_source/src/vm.rs's Vm::load_kernel, translated from
// goblin's low-level ELF API onto Go's stdlib debug/elf (the ELF
// parser used by the retrieved corpus's own Go kernel loader,
// other_examples/...gokvm__machine-machine.go) rather than a
// third-party ELF crate.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hermit-go/uhyve/internal/consts"
	"github.com/hermit-go/uhyve/internal/hverrors"
)

const (
	staticBase       uint64 = 0x800000
	positionIndepBase uint64 = 0x400000

	ntHermitEntryVersion = 5 // matches hermit_entry::NT_HERMIT_ENTRY_VERSION
	hermitNoteName       = "HERMIT"
	expectedHermitVersion = 1
)

// Result is everything the Loader learned from the image, handed back
// to VmContext so it can set up the vCPU's initial RIP.
type Result struct {
	EntryPoint uint64
	Offset     uint64
	ImageSize  uint64
	BootInfo   BootInfo
}

// NetParams is the subset of config.Config the loader needs to
// populate BootInfo.Net, kept narrow to avoid an import cycle with
// package config.
type NetParams struct {
	IP, Gateway, Mask [4]byte
}

// Load reads the ELF image at path, places its LOAD segments (and TLS
// template, if any) into mem, patches RELATIVE relocations, and
// returns the resulting Result. BootInfo.Limit is set to len(mem);
// the BootInfo is NOT written into mem by Load -- the caller does that
// via BootInfo.Encode() at consts.BootInfoAddr, since Load has no
// opinion on when guest memory becomes guest-visible.
func Load(path string, mem []byte, verbose bool, net NetParams, cpuFreqMHz uint32) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read kernel image %s: %w", path, err)
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("%w: parse ELF: %v", hverrors.ErrInvalidImage, err)
	}
	defer f.Close()

	if libs, err := f.ImportedLibraries(); err == nil && len(libs) > 0 {
		return Result{}, fmt.Errorf("%w: image depends on shared libraries %v", hverrors.ErrInvalidImage, libs)
	}

	if f.Machine != elf.EM_X86_64 && f.Machine != elf.EM_AARCH64 {
		return Result{}, fmt.Errorf("%w: unsupported machine type %s", hverrors.ErrInvalidImage, f.Machine)
	}

	isDyn := f.Type == elf.ET_DYN

	var base, entry uint64
	if isDyn {
		base = positionIndepBase
		entry = positionIndepBase + f.Entry
	} else {
		base = staticBase
		entry = f.Entry
	}

	if err := checkHermitNote(f, raw); err != nil {
		return Result{}, err
	}

	var imageSize uint64
	var tls TLSInfo
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			regionStart := prog.Vaddr
			if isDyn {
				regionStart = base + prog.Vaddr
			}
			regionEnd := regionStart + prog.Filesz

			if regionStart+prog.Memsz > uint64(len(mem)) {
				return Result{}, fmt.Errorf("%w: segment at 0x%x needs 0x%x bytes, guest memory is 0x%x",
					hverrors.ErrInsufficientMemory, regionStart, prog.Memsz, len(mem))
			}

			fileBytes := raw[prog.Off : prog.Off+prog.Filesz]
			copy(mem[regionStart:regionEnd], fileBytes)
			for i := regionEnd; i < regionStart+prog.Memsz; i++ {
				mem[i] = 0
			}

			if isDyn {
				imageSize = prog.Vaddr + prog.Memsz
			} else {
				imageSize += prog.Memsz
			}

		case elf.PT_TLS:
			start := prog.Vaddr
			if isDyn {
				start = base + prog.Vaddr
			}
			tls = TLSInfo{Start: start, Filesz: prog.Filesz, Memsz: prog.Memsz, Align: prog.Align}
		}
	}

	if err := applyRelativeRelocations(f, raw, mem, base); err != nil {
		return Result{}, err
	}

	bootInfo := BootInfo{
		Base:             base,
		Limit:            uint64(len(mem)),
		ImageSize:        imageSize,
		TLS:              tls,
		CurrentStackAddr: base - consts.KernelStackSize,
		HostLogicalAddr:  0, // filled in by VmContext with the host base address
		BootGTOD:         uint64(time.Now().UnixMicro()),
		CPUFreq:          cpuFreqMHz,
		PossibleCPUs:     1,
		Net:              NetInfo{IP: net.IP, Gateway: net.Gateway, Mask: net.Mask},
		UhyveFeatures:    0b11,
	}
	if verbose {
		bootInfo.UARTPort = uint32(consts.UhyveUartPort)
	}

	return Result{EntryPoint: entry, Offset: base, ImageSize: imageSize, BootInfo: bootInfo}, nil
}

func checkHermitNote(f *elf.File, raw []byte) error {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		notes := raw[prog.Off : prog.Off+prog.Filesz]
		for len(notes) >= 12 {
			namesz := binary.LittleEndian.Uint32(notes[0:4])
			descsz := binary.LittleEndian.Uint32(notes[4:8])
			ntype := binary.LittleEndian.Uint32(notes[8:12])
			off := 12
			nameEnd := off + int(namesz)
			if nameEnd > len(notes) {
				break
			}
			name := string(bytes.TrimRight(notes[off:nameEnd], "\x00"))
			off = align4(nameEnd)
			descEnd := off + int(descsz)
			if descEnd > len(notes) {
				break
			}
			desc := notes[off:descEnd]

			if name == hermitNoteName && ntype == ntHermitEntryVersion {
				if len(desc) < 1 || desc[0] != expectedHermitVersion {
					return fmt.Errorf("%w: expected hermit entry version %d, found %v", hverrors.ErrInvalidImage, expectedHermitVersion, desc)
				}
				return nil
			}
			notes = notes[align4(descEnd):]
		}
	}
	log.Printf("loader: kernel does not specify a hermit entry version note; this will be deprecated")
	return nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func applyRelativeRelocations(f *elf.File, raw []byte, mem []byte, base uint64) error {
	sec := f.Section(".rela.dyn")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("read .rela.dyn: %w", err)
	}

	const relaSize = 24
	for off := 0; off+relaSize <= len(data); off += relaSize {
		rOffset := binary.LittleEndian.Uint64(data[off : off+8])
		info := binary.LittleEndian.Uint64(data[off+8 : off+16])
		addend := int64(binary.LittleEndian.Uint64(data[off+16 : off+24]))
		rType := elf.R_TYPE64(info)

		isRelative := (f.Machine == elf.EM_X86_64 && elf.R_X86_64(rType) == elf.R_X86_64_RELATIVE) ||
			(f.Machine == elf.EM_AARCH64 && elf.R_AARCH64(rType) == elf.R_AARCH64_RELATIVE)
		if !isRelative {
			log.Printf("loader: ignoring unsupported relocation type %d", rType)
			continue
		}

		target := base + rOffset
		if target+8 > uint64(len(mem)) {
			return fmt.Errorf("%w: relocation at 0x%x out of bounds", hverrors.ErrInsufficientMemory, target)
		}
		value := uint64(int64(base) + addend)
		binary.LittleEndian.PutUint64(mem[target:target+8], value)
	}
	return nil
}
