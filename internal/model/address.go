// Package model rebuilds navigable per-function models from a flat BinExport2
// export: instruction address inference, expression trees, validated flow
// graph models, and the address index used for navigation.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"binmerchant/internal/binexport"
)

// Address is an exact 64-bit virtual address.
type Address uint64

func (a Address) String() string {
	return strconv.FormatUint(uint64(a), 16)
}

// Hex formats the address the way listings show it: upper case, no prefix.
func (a Address) Hex() string {
	return strings.ToUpper(a.String())
}

// ParseAddress parses a hexadecimal address with an optional 0x prefix.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse address %q: %w", s, err)
	}
	return Address(v), nil
}

// Resolver computes instruction addresses. The same Resolver must be used for
// the address index and for model building so both agree on what counts as an
// explicit address.
type Resolver struct {
	// ZeroAddressIsAbsent treats an explicit address of 0 as missing. Exporters
	// write 0 for "inherit from predecessor" in some files.
	ZeroAddressIsAbsent bool
	// AllowUnanchored lets instructions that precede every explicit address
	// resolve from a cursor starting at 0 instead of failing.
	AllowUnanchored bool
}

// DefaultResolver treats zero as absent and rejects unanchored instructions.
func DefaultResolver() Resolver {
	return Resolver{ZeroAddressIsAbsent: true}
}

// AddressOf returns the instruction's explicit address. ok is false when the
// instruction inherits its address from its predecessor.
func (r Resolver) AddressOf(insn *binexport.Instruction) (Address, bool) {
	if insn == nil || insn.Address == nil {
		return 0, false
	}
	if *insn.Address == 0 && r.ZeroAddressIsAbsent {
		return 0, false
	}
	return Address(*insn.Address), true
}

// ResolveSequence assigns an address to every instruction of a traversal.
// An instruction without an explicit address sits right after its
// predecessor: previous address plus previous raw length. An instruction
// without raw bytes does not advance the cursor. Errors report the position
// within insns.
func (r Resolver) ResolveSequence(insns []*binexport.Instruction) ([]Address, error) {
	addrs := make([]Address, len(insns))
	var cursor Address
	anchored := r.AllowUnanchored
	wrapped := false

	for i, insn := range insns {
		if a, ok := r.AddressOf(insn); ok {
			cursor = a
			anchored = true
			wrapped = false
		} else if !anchored {
			return nil, &AddressResolutionError{Instruction: i}
		} else if wrapped {
			return nil, &AddressResolutionError{Instruction: i, Overflow: true}
		}
		addrs[i] = cursor
		if insn != nil {
			next := cursor + Address(len(insn.RawBytes))
			wrapped = next < cursor
			cursor = next
		}
	}
	return addrs, nil
}
