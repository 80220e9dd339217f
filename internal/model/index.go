package model

import (
	"slices"

	"binmerchant/internal/binexport"
)

// Index maps addresses to flow graphs for a whole export. It only knows
// explicit instruction addresses: an instruction whose address is inferred by
// chaining is never a key.
type Index struct {
	instructionByAddress         map[Address]int
	basicBlockByFirstInstruction map[int]int
	flowGraphByEntryBasicBlock   map[int]int
	entries                      []Address
	entryFlowGraphs              []int
}

// NewIndex builds the index with one pass over each raw array. When several
// records share a key the last one wins.
func NewIndex(export *binexport.Export, r Resolver) *Index {
	ix := &Index{
		instructionByAddress:         make(map[Address]int),
		basicBlockByFirstInstruction: make(map[int]int, len(export.BasicBlocks)),
		flowGraphByEntryBasicBlock:   make(map[int]int, len(export.FlowGraphs)),
	}

	for i := range export.Instructions {
		if a, ok := r.AddressOf(&export.Instructions[i]); ok {
			ix.instructionByAddress[a] = i
		}
	}
	for i := range export.BasicBlocks {
		if first, ok := firstInstruction(&export.BasicBlocks[i]); ok {
			ix.basicBlockByFirstInstruction[first] = i
		}
	}
	for i, fg := range export.FlowGraphs {
		if fg.EntryBasicBlockIndex != nil {
			ix.flowGraphByEntryBasicBlock[int(*fg.EntryBasicBlockIndex)] = i
		}
	}

	for i := range export.FlowGraphs {
		if a, ok := entryAddress(export, r, i); ok {
			ix.entries = append(ix.entries, a)
			ix.entryFlowGraphs = append(ix.entryFlowGraphs, i)
		}
	}
	return ix
}

// entryAddress is the explicit address of a flow graph's first entry
// instruction.
func entryAddress(export *binexport.Export, r Resolver, fgIndex int) (Address, bool) {
	fg := &export.FlowGraphs[fgIndex]
	if fg.EntryBasicBlockIndex == nil {
		return 0, false
	}
	bb := int(*fg.EntryBasicBlockIndex)
	if checkIndex("basic block", bb, len(export.BasicBlocks)) != nil {
		return 0, false
	}
	insn, ok := firstInstruction(&export.BasicBlocks[bb])
	if !ok || checkIndex("instruction", insn, len(export.Instructions)) != nil {
		return 0, false
	}
	return r.AddressOf(&export.Instructions[insn])
}

// InstructionAt returns the instruction with explicit address a.
func (ix *Index) InstructionAt(a Address) (int, bool) {
	i, ok := ix.instructionByAddress[a]
	return i, ok
}

// BasicBlockStartingWith returns the basic block whose first range begins at
// the given instruction.
func (ix *Index) BasicBlockStartingWith(insn int) (int, bool) {
	i, ok := ix.basicBlockByFirstInstruction[insn]
	return i, ok
}

// FlowGraphEnteredBy returns the flow graph whose entry block is bb.
func (ix *Index) FlowGraphEnteredBy(bb int) (int, bool) {
	i, ok := ix.flowGraphByEntryBasicBlock[bb]
	return i, ok
}

// LookupFlowGraph returns the flow graph that starts at address a. A miss is
// an ordinary outcome, not an error.
func (ix *Index) LookupFlowGraph(a Address) (int, bool) {
	insn, ok := ix.InstructionAt(a)
	if !ok {
		return 0, false
	}
	bb, ok := ix.BasicBlockStartingWith(insn)
	if !ok {
		return 0, false
	}
	return ix.FlowGraphEnteredBy(bb)
}

// FunctionEntries lists every flow graph's explicit entry address in flow
// graph order. Flow graphs whose entry address is only inferable are left out.
func (ix *Index) FunctionEntries() []Address {
	return slices.Clone(ix.entries)
}

// EntryFlowGraph returns the flow graph index behind FunctionEntries()[i].
func (ix *Index) EntryFlowGraph(i int) int {
	return ix.entryFlowGraphs[i]
}

// Len is the number of listed function entries.
func (ix *Index) Len() int {
	return len(ix.entries)
}
