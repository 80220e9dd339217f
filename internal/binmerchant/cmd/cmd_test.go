package cmd

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"binmerchant/internal/binexport"
	"binmerchant/internal/binexport/binexporttest"
	"binmerchant/internal/store"
)

const digest = "0501d09a219131657c54dba71faf2b9d793e466f2c7fdf6b0b3c50ec5b866b2a"

// dataDir writes one export to a fresh data directory:
//
//	fg 0 main at 401000: bb0 {push; call 402000; ret}, bb3 {int3} unreachable
//	fg 1 helper at 402000: bb1 {ret}
//	fg 2 at 403000: bb2 {ret} with an edge to a block that does not exist
func dataDir(t *testing.T) string {
	t.Helper()
	t.Setenv("BINMERCHANT_CONFIG", "")
	t.Setenv("BINMERCHANT_LOG_TO_FILE", "")
	t.Setenv("BINMERCHANT_NO_COLOR", "1")

	b := binexporttest.New()
	i0 := b.Insn(0x401000, "push", []byte{0x55}, b.RegisterOperand("rbp"))
	i1 := b.Insn(0, "call", []byte{0xe8, 0, 0, 0, 0}, b.ImmediateOperand(0x402000))
	b.Call(i1, 0x402000)
	b.Insn(0, "ret", []byte{0xc3})
	i3 := b.Insn(0x402000, "ret", []byte{0xc3})
	i4 := b.Insn(0x403000, "ret", []byte{0xc3})
	i5 := b.Insn(0x401100, "int3", []byte{0xcc})

	bb0 := b.BasicBlock(binexporttest.Range(i0, i0+3))
	bb1 := b.BasicBlock(binexporttest.Single(i3))
	bb2 := b.BasicBlock(binexporttest.Single(i4))
	bb3 := b.BasicBlock(binexporttest.Single(i5))
	b.FlowGraph(bb0, []int32{bb0, bb3})
	b.FlowGraph(bb1, []int32{bb1})
	b.FlowGraph(bb2, []int32{bb2}, binexporttest.Edge(bb2, 99, binexport.EdgeUnconditional))
	b.Function(0x401000, "main", "")
	b.Function(0x402000, "_Z6helperv", "")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, digest+".BinExport"), binexporttest.Marshal(b.Export()), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestFunctions(t *testing.T) {
	out, err := run(t, dataDir(t), "functions")
	if err != nil {
		t.Fatalf("functions failed: %v", err)
	}
	want := "401000  main\n402000  helper()\n403000  sub_403000\n"
	if out != want {
		t.Errorf("functions output:\n%s\nwant:\n%s", out, want)
	}
}

func TestShow(t *testing.T) {
	dir := dataDir(t)

	out, err := run(t, dir, "show", "0x401000")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	for _, want := range []string{"; main", "; block 0 (entry)", "; block 3", "401001", "call 402000h", "→402000 helper()*", "401100"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("listing to a buffer is colored")
	}

	tests := []struct {
		name string
		addr string
		want string
	}{
		{"not an entry", "401001", "no function starts at 401001"},
		{"build failure", "403000", "flow graph 2"},
		{"bad address", "xyz", "invalid address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, dir, "show", tt.addr)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("show %s error = %v, want it to mention %q", tt.addr, err, tt.want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	dir := dataDir(t)

	tests := []struct {
		addr string
		want string
	}{
		{"401000", "401000  flow graph 0  main\n"},
		{"0X402000", "402000  flow graph 1  helper()\n"},
		{"401100", "401100  instruction 5, not a function entry\n"},
		{"401001", "401001  not found\n"},
		{"500000", "500000  not found\n"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			out, err := run(t, dir, "lookup", tt.addr)
			if err != nil {
				t.Fatalf("lookup failed: %v", err)
			}
			if out != tt.want {
				t.Errorf("lookup %s = %q, want %q", tt.addr, out, tt.want)
			}
		})
	}
}

func TestDot(t *testing.T) {
	dir := dataDir(t)

	out, err := run(t, dir, "dot", "401000")
	if err != nil {
		t.Fatalf("dot failed: %v", err)
	}
	for _, want := range []string{"digraph", "rankdir", "bb0", "bb3"} {
		if !strings.Contains(out, want) {
			t.Errorf("DOT missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, dir, "dot", "--lattice", "401000")
	if err != nil {
		t.Fatalf("dot --lattice failed: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty lattice DOT output")
	}

	if _, err := run(t, dir, "dot", "403000"); err == nil {
		t.Error("dot of a broken flow graph succeeded")
	}
}

func TestInfo(t *testing.T) {
	out, err := run(t, dataDir(t), "info")
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	for _, want := range []string{
		"export:        " + digest + ".BinExport",
		"sha256:        ",
		"executable:    test.exe",
		"architecture:  x86-64",
		"functions:     3",
		"flow graphs:   3",
		"instructions:  6",
		"start:         401000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("info missing %q:\n%s", want, out)
		}
	}
}

func TestCheck(t *testing.T) {
	out, err := run(t, dataDir(t), "check")
	if !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("check error = %v, want ErrCheckFailed", err)
	}
	for _, want := range []string{
		"flow graph 2:",
		"flow graph 0: unreachable blocks [3]",
		"3 flow graphs, 1 failed, 1 with unreachable blocks",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("check output missing %q:\n%s", want, out)
		}
	}
}

func TestExportFlag(t *testing.T) {
	dir := dataDir(t)
	path := filepath.Join(dir, digest+".BinExport")

	out, err := run(t, t.TempDir(), "--export", path, "lookup", "402000")
	if err != nil {
		t.Fatalf("lookup with --export failed: %v", err)
	}
	if !strings.HasPrefix(out, "402000  flow graph 1") {
		t.Errorf("lookup = %q", out)
	}

	if _, err := run(t, t.TempDir(), "functions"); !errors.Is(err, ErrNoExports) {
		t.Errorf("empty data dir error = %v, want ErrNoExports", err)
	}
}

func TestLogs(t *testing.T) {
	dir := dataDir(t)
	old := filepath.Join(dir, "binmerchant-20260101-000000-debug.log")
	newest := filepath.Join(dir, "binmerchant-20260102-000000-debug.log")
	if err := os.WriteFile(old, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newest, []byte("first\nsecond\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, dir, "logs")
	if err != nil {
		t.Fatalf("logs failed: %v", err)
	}
	if out != "first\nsecond\n" {
		t.Errorf("logs = %q, want the newest file", out)
	}
}

func TestSchemaCmd(t *testing.T) {
	out, err := run(t, t.TempDir(), "schema")
	if err != nil {
		t.Fatalf("schema failed: %v", err)
	}
	for _, want := range []string{`"data-dir"`, `"cache-size"`, `"zero-address-is-absent"`} {
		if !strings.Contains(out, want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestBadCacheSize(t *testing.T) {
	if _, err := run(t, dataDir(t), "--cache-size", "0", "functions"); err == nil {
		t.Error("cache size 0 accepted")
	}
}

func TestConfigLayers(t *testing.T) {
	dir := dataDir(t)
	cfg := filepath.Join(t.TempDir(), "binmerchant.json")
	if err := os.WriteFile(cfg, []byte(`{"data-dir": "/nonexistent", "cache-size": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// The file's cache size is invalid until the environment overrides it,
	// and --data-dir beats the file's directory.
	t.Setenv("BINMERCHANT_CACHE_SIZE", "4")
	out, err := run(t, dir, "--config", cfg, "functions")
	if err != nil {
		t.Fatalf("functions failed: %v", err)
	}
	if !strings.HasPrefix(out, "401000  main") {
		t.Errorf("functions = %q", out)
	}

	t.Setenv("BINMERCHANT_CACHE_SIZE", "")
	if _, err := run(t, dir, "--config", cfg, "functions"); err == nil {
		t.Error("cache size 0 from the config file accepted")
	}
}

// writeBinary writes an x86-64 ELF whose code at 0x401000 matches the export
// of dataDir, except for the byte at 0x401100 which is int3 only when match is
// set.
func writeBinary(t *testing.T, match bool) string {
	t.Helper()
	code := make([]byte, 0x1001)
	copy(code, []byte{0x55, 0xe8, 0, 0, 0, 0, 0xc3})
	code[0x100] = 0x90
	if match {
		code[0x100] = 0xcc
	}
	code[0x1000] = 0xc3

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

	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerify(t *testing.T) {
	dir := dataDir(t)

	// The export is found by the binary's digest.
	bin := writeBinary(t, true)
	sum, err := store.Digest(bin)
	if err != nil {
		t.Fatal(err)
	}
	export, err := os.ReadFile(filepath.Join(dir, digest+".BinExport"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, sum+".BinExport"), export, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, dir, "verify", bin)
	if err != nil {
		t.Fatalf("verify failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 flow graphs checked, 0 mismatched") {
		t.Errorf("verify output:\n%s", out)
	}

	out, err = run(t, dir, "--export", digest, "verify", writeBinary(t, false), "401000")
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("verify error = %v, want ErrVerifyFailed", err)
	}
	for _, want := range []string{"401000 main:", "401100: instruction 5: export cc, binary 90", "1 flow graphs checked, 1 mismatched"} {
		if !strings.Contains(out, want) {
			t.Errorf("verify output missing %q:\n%s", want, out)
		}
	}
}

func TestVerifyDecode(t *testing.T) {
	dir := dataDir(t)

	out, err := run(t, dir, "--decode", "--export", digest, "verify", writeBinary(t, true))
	if err != nil {
		t.Fatalf("verify --decode failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 flow graphs checked, 0 mismatched") {
		t.Errorf("verify --decode output:\n%s", out)
	}

	out, err = run(t, dir, "--decode", "--export", digest, "verify", writeBinary(t, false), "401000")
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("verify --decode error = %v, want ErrVerifyFailed", err)
	}
	if !strings.Contains(out, "401100: instruction 5: export int3, decoder nop") {
		t.Errorf("verify --decode output missing the mnemonic mismatch:\n%s", out)
	}
}
