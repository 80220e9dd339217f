// Package disasm decodes raw instruction bytes with golang.org/x/arch. It is
// used to cross-check an export's mnemonics against an independent decoder.
package disasm

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Inst is a simplified decoded instruction.
type Inst struct {
	VA   uint64 // virtual address of instruction
	Text string // formatted disassembly string
	Op   string // mnemonic in lowercase
	Len  int    // encoded length in bytes
}

var ErrUnsupportedArch = errors.New("unsupported architecture")

// Mode maps a BinExport2 architecture name to a decoder. ok is false for
// architectures without one.
func Mode(arch string) (mode int, ok bool) {
	switch strings.ToLower(arch) {
	case "x86-64", "x86_64", "amd64", "metapc-64":
		return 64, true
	case "x86-32", "x86", "i386", "metapc-32":
		return 32, true
	case "arm-64", "aarch64", "arm64":
		return arm64Mode, true
	}
	return 0, false
}

const arm64Mode = -64

// Decode decodes the instruction in raw, located at va.
func Decode(arch string, raw []byte, va uint64) (Inst, error) {
	mode, ok := Mode(arch)
	if !ok {
		return Inst{}, fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
	}

	if mode == arm64Mode {
		if len(raw) < 4 {
			return Inst{}, fmt.Errorf("decode at %x: need 4 bytes, have %d", va, len(raw))
		}
		inst, err := arm64asm.Decode(raw[:4])
		if err != nil {
			return Inst{}, fmt.Errorf("decode at %x: %w", va, err)
		}
		return Inst{
			VA:   va,
			Text: strings.ToLower(arm64asm.GNUSyntax(inst)),
			Op:   strings.ToLower(inst.Op.String()),
			Len:  4,
		}, nil
	}

	inst, err := x86asm.Decode(raw, mode)
	if err != nil {
		return Inst{}, fmt.Errorf("decode at %x: %w", va, err)
	}
	return Inst{
		VA:   va,
		Text: x86asm.IntelSyntax(inst, va, nil),
		Op:   strings.ToLower(inst.Op.String()),
		Len:  inst.Len,
	}, nil
}

// Is reports whether mnemonic names inst. Besides the decoder's opcode name,
// the mnemonic as printed in the text is accepted, so int3 matches 0xcc.
func (inst Inst) Is(mnemonic string) bool {
	m := strings.ToLower(mnemonic)
	if inst.Op == m {
		return true
	}
	words := strings.Fields(inst.Text)
	// a prefix such as lock or rep may come first
	for _, w := range words[:min(2, len(words))] {
		if w == m {
			return true
		}
	}
	return false
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Mismatches returns the instructions whose decoded mnemonic differs from the
// export's. want is indexed like s.
func (s Stream) Mismatches(want []string) []int {
	var out []int
	for i, inst := range s {
		if i >= len(want) {
			break
		}
		if !inst.Is(want[i]) {
			out = append(out, i)
		}
	}
	return out
}
