package model

import (
	"errors"
	"fmt"
)

// ErrNotInFlowGraph is returned when an instruction is not reached by the
// flow graph's basic-block traversal.
var ErrNotInFlowGraph = errors.New("instruction not in flow graph")

// MissingFieldError reports a raw field that is optional in the export but
// required to build the model.
type MissingFieldError struct {
	Entity string
	Index  int
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s %d: missing %s", e.Entity, e.Index, e.Field)
}

// IncompleteInstructionError reports an instruction without its mnemonic,
// operands, raw bytes, call targets or comments.
type IncompleteInstructionError struct {
	Instruction int
	Field       string
}

func (e *IncompleteInstructionError) Error() string {
	return fmt.Sprintf("instruction %d is incomplete: missing %s", e.Instruction, e.Field)
}

// IndexError reports a reference past the end of one of the export's arrays.
type IndexError struct {
	Entity string
	Index  int
	Len    int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s index %d out of range [0,%d)", e.Entity, e.Index, e.Len)
}

// RangeError reports an instruction range that is inverted, out of order or
// overlaps the previous range of the same basic block.
type RangeError struct {
	BasicBlock int
	Begin      int
	End        int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("basic block %d: range [%d,%d) is out of order or overlapping", e.BasicBlock, e.Begin, e.End)
}

// AddressResolutionError reports an instruction that has no explicit address
// and no preceding explicit address to inherit one from. Overflow is set when
// the inherited address would run past the top of the address space.
type AddressResolutionError struct {
	Instruction int
	Overflow    bool
}

func (e *AddressResolutionError) Error() string {
	if e.Overflow {
		return fmt.Sprintf("instruction %d: inherited address overflows 64 bits", e.Instruction)
	}
	return fmt.Sprintf("instruction %d: no explicit address precedes it in the traversal", e.Instruction)
}

// ExpressionTreeError reports a malformed parent-pointer encoding.
type ExpressionTreeError struct {
	Operand    int
	Expression int
	Reason     string
}

func (e *ExpressionTreeError) Error() string {
	return fmt.Sprintf("operand %d: expression %d: %s", e.Operand, e.Expression, e.Reason)
}

// StructuralError is the single failure result of building a flow graph
// model. Entity and Index name the innermost record that could not be used.
type StructuralError struct {
	FlowGraph int
	Entity    string
	Index     int
	Err       error
}

func (e *StructuralError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("flow graph %d: %v", e.FlowGraph, e.Err)
	}
	return fmt.Sprintf("flow graph %d: %s %d: %v", e.FlowGraph, e.Entity, e.Index, e.Err)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

func (e *MissingFieldError) location() (string, int)          { return e.Entity, e.Index }
func (e *IncompleteInstructionError) location() (string, int) { return "instruction", e.Instruction }
func (e *IndexError) location() (string, int)                 { return e.Entity, e.Index }
func (e *RangeError) location() (string, int)                 { return "basic block", e.BasicBlock }
func (e *AddressResolutionError) location() (string, int)     { return "instruction", e.Instruction }
func (e *ExpressionTreeError) location() (string, int)        { return "operand", e.Operand }

func checkIndex(entity string, i, n int) error {
	if i < 0 || i >= n {
		return &IndexError{Entity: entity, Index: i, Len: n}
	}
	return nil
}
