package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"binmerchant/internal/binexport/binexporttest"
)

const digest = "0501d09a219131657c54dba71faf2b9d793e466f2c7fdf6b0b3c50ec5b866b2a"

func writeExport(t *testing.T, dir, name string) []byte {
	t.Helper()
	b := binexporttest.New()
	i := b.Insn(0x401000, "ret", []byte{0xc3})
	bb := b.BasicBlock(binexporttest.Single(i))
	b.FlowGraph(bb, []int32{bb})
	data := binexporttest.Marshal(b.Export())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestValidDigest(t *testing.T) {
	tests := map[string]bool{
		digest:                  true,
		strings.ToUpper(digest): true,
		digest[:63]:             false,
		digest[:63] + "g":       false,
		"":                      false,
		digest + "0":            false,
	}
	for in, want := range tests {
		if got := ValidDigest(in); got != want {
			t.Errorf("ValidDigest(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	data := writeExport(t, dir, digest+Ext)
	s := New(dir)

	l, err := s.Load(digest)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	sum := sha256.Sum256(data)
	if l.ID != hex.EncodeToString(sum[:]) {
		t.Errorf("ID = %s, want file hash", l.ID)
	}
	if l.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", l.Size, len(data))
	}
	if len(l.Export.FlowGraphs) != 1 || l.Export.Meta.ArchitectureName != "x86-64" {
		t.Errorf("decoded export = %+v", l.Export)
	}

	if _, err := s.Load("abc"); !errors.Is(err, ErrInvalidDigest) {
		t.Errorf("Load(abc) error = %v, want ErrInvalidDigest", err)
	}
	if _, err := s.Load(strings.Repeat("0", 64)); err == nil {
		t.Error("expected an error for a missing export")
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writeExport(t, dir, digest+Ext)
	writeExport(t, dir, "loose.BinExport")
	s := New(dir)

	if l, err := s.Resolve(digest); err != nil || filepath.Base(l.Path) != digest+Ext {
		t.Errorf("Resolve(digest) = %v, %v", l, err)
	}
	if l, err := s.Resolve(filepath.Join(dir, "loose.BinExport")); err != nil || l.Export == nil {
		t.Errorf("Resolve(path) = %v, %v", l, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "junk.BinExport"), []byte{0x0a, 0x05}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve(filepath.Join(dir, "junk.BinExport")); err == nil {
		t.Error("expected a decode error")
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	other := strings.Repeat("f", 64)
	writeExport(t, dir, other+Ext)
	writeExport(t, dir, digest+Ext)
	writeExport(t, dir, "notes.BinExport")
	if err := os.Mkdir(filepath.Join(dir, strings.Repeat("a", 64)+Ext), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := New(dir).List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{digest, other}
	if !slices.Equal(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	if _, err := New(filepath.Join(dir, "missing")).List(); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("Digest() = %s", got)
	}
}
