// Package elfx opens the ELF binary an export was made from and maps virtual
// addresses to file bytes, so resolved instruction addresses can be checked
// against the code they claim to describe.
package elfx

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"slices"
	"syscall"

	"binmerchant/internal/disasm"
	"binmerchant/internal/model"
)

type Image struct {
	Path  string
	File  *elf.File
	All   []byte
	Loads []Seg
	// Funcs maps function symbol addresses to names, from .symtab with .dynsym
	// filling the gaps.
	Funcs map[model.Address]string
	f     *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, Funcs: map[model.Address]string{}, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
	}

	im.loadSymbols()
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (im *Image) loadSymbols() {
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Value == 0 || elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
				continue
			}
			a := model.Address(sym.Value)
			if _, ok := im.Funcs[a]; !ok {
				im.Funcs[a] = sym.Name
			}
		}
	}
	// Both return an error on stripped binaries.
	if syms, err := im.File.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := im.File.DynamicSymbols(); err == nil {
		add(syms)
	}
}

// Arch is the BinExport2 architecture name of the binary's machine, or the
// ELF machine name when BinExport has none for it.
func (im *Image) Arch() string {
	switch im.File.Machine {
	case elf.EM_X86_64:
		return "x86-64"
	case elf.EM_386:
		return "x86-32"
	case elf.EM_AARCH64:
		return "ARM-64"
	case elf.EM_ARM:
		return "ARM-32"
	}
	return im.File.Machine.String()
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns the mapped bytes of [va, va+size). It returns (nil, false)
// if the VA is unmapped or the range runs past the file.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// ReadBytesVA reads exactly size bytes from a virtual address.
func (im *Image) ReadBytesVA(va uint64, size int) ([]byte, bool) {
	if size <= 0 {
		return []byte{}, true
	}
	return im.SliceVA(va, uint64(size))
}

// InText reports whether va lies in an executable PT_LOAD segment. Section
// headers are not consulted; stripped binaries often have none.
func (im *Image) InText(va uint64) bool {
	for _, l := range im.Loads {
		if l.Flags&elf.PF_X != 0 && va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return true
		}
	}
	return false
}

// Mismatch is an instruction whose bytes in the export differ from the bytes
// at its resolved address in the binary. Got is nil when the address is not
// in executable code.
type Mismatch struct {
	Address     model.Address
	Instruction int
	Want        []byte
	Got         []byte
}

func (m Mismatch) String() string {
	if m.Got == nil {
		return fmt.Sprintf("%s: instruction %d: address not in executable code", m.Address.Hex(), m.Instruction)
	}
	return fmt.Sprintf("%s: instruction %d: export % x, binary % x", m.Address.Hex(), m.Instruction, m.Want, m.Got)
}

// Verify compares every instruction of fg with the binary. Instructions
// without raw bytes are skipped.
func (im *Image) Verify(fg *model.FlowGraph) []Mismatch {
	var out []Mismatch
	for _, bb := range fg.BasicBlocks {
		for _, insn := range bb.Instructions {
			if len(insn.RawBytes) == 0 {
				continue
			}
			got, ok := im.ReadBytesVA(uint64(insn.Address), len(insn.RawBytes))
			if !ok || !im.InText(uint64(insn.Address)) {
				out = append(out, Mismatch{Address: insn.Address, Instruction: insn.Index, Want: insn.RawBytes})
				continue
			}
			if !bytes.Equal(got, insn.RawBytes) {
				out = append(out, Mismatch{
					Address:     insn.Address,
					Instruction: insn.Index,
					Want:        insn.RawBytes,
					Got:         slices.Clone(got),
				})
			}
		}
	}
	return out
}

// Disassemble decodes the binary's bytes at every instruction of fg that has
// raw bytes. Instructions outside executable code or rejected by the decoder
// are left out; insns lines up with the returned stream.
func (im *Image) Disassemble(fg *model.FlowGraph) (stream disasm.Stream, insns []*model.Instruction, err error) {
	arch := im.Arch()
	if _, ok := disasm.Mode(arch); !ok {
		return nil, nil, fmt.Errorf("%w: %s", disasm.ErrUnsupportedArch, arch)
	}
	for i := range fg.BasicBlocks {
		bb := &fg.BasicBlocks[i]
		for j := range bb.Instructions {
			insn := &bb.Instructions[j]
			va := uint64(insn.Address)
			if len(insn.RawBytes) == 0 || !im.InText(va) {
				continue
			}
			raw, ok := im.ReadBytesVA(va, len(insn.RawBytes))
			if !ok {
				continue
			}
			inst, err := disasm.Decode(arch, raw, va)
			if err != nil {
				continue
			}
			stream = append(stream, inst)
			insns = append(insns, insn)
		}
	}
	return stream, insns, nil
}
