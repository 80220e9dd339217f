package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"binmerchant/internal/model"
)

var code = []byte{0x55, 0x48, 0x89, 0xe5, 0xc3} // push rbp; mov rbp, rsp; ret

// writeELF writes a section-less x86-64 executable with one PT_LOAD segment
// mapping file offset 0 at 0x400000. code sits at 0x401000.
func writeELF(t *testing.T) string {
	t.Helper()
	const codeOff = 0x1000
	size := uint64(codeOff + len(code))

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x401000,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  0x400000,
		Paddr:  0x400000,
		Filesz: size,
		Memsz:  size,
		Align:  0x1000,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, &prog)
	buf.Write(make([]byte, codeOff-buf.Len()))
	buf.Write(code)

	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpen(t *testing.T) {
	im, err := Open(writeELF(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer im.Close()

	if got := im.Arch(); got != "x86-64" {
		t.Errorf("Arch() = %q, want x86-64", got)
	}
	if len(im.Loads) != 1 {
		t.Fatalf("loads = %d, want 1", len(im.Loads))
	}
	if !im.InText(0x401000) || im.InText(0x500000) {
		t.Error("InText should follow the executable segment")
	}
	if len(im.Funcs) != 0 {
		t.Errorf("funcs = %v, want none in a binary without symbols", im.Funcs)
	}

	tests := []struct {
		va   uint64
		size int
		want []byte
		ok   bool
	}{
		{0x401000, 1, []byte{0x55}, true},
		{0x401001, 3, []byte{0x48, 0x89, 0xe5}, true},
		{0x401004, 2, nil, false},
		{0x500000, 1, nil, false},
		{0x401000, 0, []byte{}, true},
	}
	for _, tt := range tests {
		got, ok := im.ReadBytesVA(tt.va, tt.size)
		if ok != tt.ok || !bytes.Equal(got, tt.want) {
			t.Errorf("ReadBytesVA(%x, %d) = % x, %v; want % x, %v", tt.va, tt.size, got, ok, tt.want, tt.ok)
		}
	}
}

func TestVerify(t *testing.T) {
	im, err := Open(writeELF(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer im.Close()

	fg := &model.FlowGraph{
		BasicBlocks: []model.BasicBlock{{
			Index: 0,
			Instructions: []model.Instruction{
				{Index: 0, Address: 0x401000, RawBytes: []byte{0x55}},
				{Index: 1, Address: 0x401001, RawBytes: []byte{0x48, 0x89, 0xe5}},
				{Index: 2, Address: 0x401004, RawBytes: []byte{0x90}},
				{Index: 3, Address: 0x401005},
				{Index: 4, Address: 0x500000, RawBytes: []byte{0xc3}},
			},
		}},
	}

	got := im.Verify(fg)
	if len(got) != 2 {
		t.Fatalf("mismatches = %v, want 2", got)
	}
	if got[0].Instruction != 2 || !bytes.Equal(got[0].Got, []byte{0xc3}) {
		t.Errorf("first mismatch = %+v, want instruction 2 with binary byte c3", got[0])
	}
	if got[1].Instruction != 4 || got[1].Got != nil {
		t.Errorf("second mismatch = %+v, want unmapped instruction 4", got[1])
	}
	if s := got[0].String(); s != "401004: instruction 2: export 90, binary c3" {
		t.Errorf("String() = %q", s)
	}
	if s := got[1].String(); s != "500000: instruction 4: address not in executable code" {
		t.Errorf("String() = %q", s)
	}
}

func TestDisassemble(t *testing.T) {
	im, err := Open(writeELF(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer im.Close()

	fg := &model.FlowGraph{
		BasicBlocks: []model.BasicBlock{{
			Index: 0,
			Instructions: []model.Instruction{
				{Index: 0, Address: 0x401000, Mnemonic: "push", RawBytes: []byte{0x55}},
				{Index: 1, Address: 0x401001, Mnemonic: "lea", RawBytes: []byte{0x48, 0x89, 0xe5}},
				{Index: 2, Address: 0x401004, Mnemonic: "ret", RawBytes: []byte{0xc3}},
				{Index: 3, Address: 0x500000, Mnemonic: "ret", RawBytes: []byte{0xc3}},
			},
		}},
	}

	stream, insns, err := im.Disassemble(fg)
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if len(stream) != 3 || len(insns) != 3 {
		t.Fatalf("decoded %d instructions, want 3 mapped ones", len(stream))
	}
	want := make([]string, len(insns))
	for i, insn := range insns {
		want[i] = insn.Mnemonic
	}
	if got := stream.Mismatches(want); len(got) != 1 || insns[got[0]].Index != 1 {
		t.Errorf("Mismatches() = %v, want the mov listed as lea", got)
	}
}
