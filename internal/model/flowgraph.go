package model

import (
	"errors"

	"binmerchant/internal/binexport"
)

// Operand is one instruction operand with its rebuilt expression tree.
type Operand struct {
	Index      int
	Expression *Expression
}

// Comment is a resolved comment record.
type Comment struct {
	Index      int
	Text       string
	Type       binexport.CommentType
	Repeatable bool
}

// Instruction is a fully resolved instruction of a flow graph.
type Instruction struct {
	Index       int
	Address     Address
	Mnemonic    string
	Operands    []Operand
	CallTargets []Address
	RawBytes    []byte
	Comments    []Comment
}

// BasicBlock holds its instructions in traversal order.
type BasicBlock struct {
	Index        int
	Instructions []Instruction
}

// Edge is a control-flow edge between two basic blocks of the same graph,
// identified by export basic-block index.
type Edge struct {
	Source     int
	Target     int
	Type       binexport.EdgeType
	IsBackEdge bool
}

// FlowGraph is the validated model of one function. BasicBlocks keeps the
// flow graph's own block order.
type FlowGraph struct {
	Index       int
	Entry       int
	BasicBlocks []BasicBlock
	Edges       []Edge

	blockPos map[int]int
	insnPos  map[int][2]int
}

// Block returns the basic block with the given export index.
func (fg *FlowGraph) Block(bbIndex int) (*BasicBlock, bool) {
	p, ok := fg.blockPos[bbIndex]
	if !ok {
		return nil, false
	}
	return &fg.BasicBlocks[p], true
}

// Instruction returns the first occurrence of an instruction in traversal
// order.
func (fg *FlowGraph) Instruction(insnIndex int) (*Instruction, bool) {
	p, ok := fg.insnPos[insnIndex]
	if !ok {
		return nil, false
	}
	return &fg.BasicBlocks[p[0]].Instructions[p[1]], true
}

// EntryAddress is the resolved address of the entry block's first
// instruction.
func (fg *FlowGraph) EntryAddress() Address {
	bb, ok := fg.Block(fg.Entry)
	if !ok || len(bb.Instructions) == 0 {
		return 0
	}
	return bb.Instructions[0].Address
}

// InstructionCount is the number of instructions over all basic blocks.
func (fg *FlowGraph) InstructionCount() int {
	n := 0
	for i := range fg.BasicBlocks {
		n += len(fg.BasicBlocks[i].Instructions)
	}
	return n
}

// traversal is a flow graph's blocks expanded to instruction indices.
type traversal struct {
	blocks []int
	insns  [][]int
}

func (t *traversal) flatten() []int {
	var out []int
	for _, insns := range t.insns {
		out = append(out, insns...)
	}
	return out
}

// traverse validates the flow-graph level fields and expands every basic
// block in the flow graph's own order.
func traverse(export *binexport.Export, fgIndex int) (*traversal, error) {
	if err := checkIndex("flow graph", fgIndex, len(export.FlowGraphs)); err != nil {
		return nil, err
	}
	fg := &export.FlowGraphs[fgIndex]

	if len(fg.BasicBlockIndices) == 0 {
		return nil, &MissingFieldError{Entity: "flow graph", Index: fgIndex, Field: "basic blocks"}
	}
	if fg.EntryBasicBlockIndex == nil {
		return nil, &MissingFieldError{Entity: "flow graph", Index: fgIndex, Field: "entry basic block"}
	}
	if fg.Edges == nil {
		return nil, &MissingFieldError{Entity: "flow graph", Index: fgIndex, Field: "edges"}
	}

	t := &traversal{}
	member := make(map[int]bool, len(fg.BasicBlockIndices))
	for _, x := range fg.BasicBlockIndices {
		bbIndex := int(x)
		if err := checkIndex("basic block", bbIndex, len(export.BasicBlocks)); err != nil {
			return nil, err
		}
		insns, err := blockInstructions(bbIndex, &export.BasicBlocks[bbIndex], len(export.Instructions))
		if err != nil {
			return nil, err
		}
		t.blocks = append(t.blocks, bbIndex)
		t.insns = append(t.insns, insns)
		member[bbIndex] = true
	}

	if entry := int(*fg.EntryBasicBlockIndex); !member[entry] {
		return nil, &MissingFieldError{Entity: "flow graph", Index: fgIndex, Field: "entry basic block among its blocks"}
	}
	for i, e := range fg.Edges {
		if e.SourceBasicBlockIndex == nil || e.TargetBasicBlockIndex == nil {
			return nil, &MissingFieldError{Entity: "edge", Index: i, Field: "source or target basic block"}
		}
		if !member[int(*e.SourceBasicBlockIndex)] || !member[int(*e.TargetBasicBlockIndex)] {
			return nil, &MissingFieldError{Entity: "edge", Index: i, Field: "endpoint among the flow graph's blocks"}
		}
	}
	return t, nil
}

// resolveAddresses runs the address chain over the whole traversal.
func resolveAddresses(export *binexport.Export, r Resolver, order []int) ([]Address, error) {
	insns := make([]*binexport.Instruction, len(order))
	for i, x := range order {
		insns[i] = &export.Instructions[x]
	}
	addrs, err := r.ResolveSequence(insns)
	if err != nil {
		var are *AddressResolutionError
		if errors.As(err, &are) {
			return nil, &AddressResolutionError{Instruction: order[are.Instruction], Overflow: are.Overflow}
		}
		return nil, err
	}
	return addrs, nil
}

func validateInstruction(export *binexport.Export, i int) error {
	insn := &export.Instructions[i]
	switch {
	case insn.MnemonicIndex == nil:
		return &IncompleteInstructionError{Instruction: i, Field: "mnemonic"}
	case insn.OperandIndices == nil:
		return &IncompleteInstructionError{Instruction: i, Field: "operands"}
	case insn.RawBytes == nil:
		return &IncompleteInstructionError{Instruction: i, Field: "raw bytes"}
	case insn.CallTargets == nil:
		return &IncompleteInstructionError{Instruction: i, Field: "call targets"}
	case insn.CommentIndices == nil:
		return &IncompleteInstructionError{Instruction: i, Field: "comments"}
	}

	m := int(*insn.MnemonicIndex)
	if err := checkIndex("mnemonic", m, len(export.Mnemonics)); err != nil {
		return err
	}
	if export.Mnemonics[m].Name == nil {
		return &MissingFieldError{Entity: "mnemonic", Index: m, Field: "name"}
	}
	for _, o := range insn.OperandIndices {
		if err := checkIndex("operand", int(o), len(export.Operands)); err != nil {
			return err
		}
	}
	for _, c := range insn.CommentIndices {
		if err := checkIndex("comment", int(c), len(export.Comments)); err != nil {
			return err
		}
	}
	return nil
}

// BuildFlowGraph validates and assembles the model of one flow graph. It
// either returns a complete model or a *StructuralError; there are no
// partial results.
func BuildFlowGraph(export *binexport.Export, r Resolver, fgIndex int) (*FlowGraph, error) {
	fg, err := buildFlowGraph(export, r, fgIndex)
	if err != nil {
		var se *StructuralError
		if errors.As(err, &se) {
			return nil, se
		}
		entity, index := locate(err)
		return nil, &StructuralError{FlowGraph: fgIndex, Entity: entity, Index: index, Err: err}
	}
	return fg, nil
}

func buildFlowGraph(export *binexport.Export, r Resolver, fgIndex int) (*FlowGraph, error) {
	t, err := traverse(export, fgIndex)
	if err != nil {
		return nil, err
	}

	order := t.flatten()
	for _, i := range order {
		if err := validateInstruction(export, i); err != nil {
			return nil, err
		}
	}

	addrs, err := resolveAddresses(export, r, order)
	if err != nil {
		return nil, err
	}

	raw := &export.FlowGraphs[fgIndex]
	out := &FlowGraph{
		Index:       fgIndex,
		Entry:       int(*raw.EntryBasicBlockIndex),
		BasicBlocks: make([]BasicBlock, len(t.blocks)),
		Edges:       make([]Edge, len(raw.Edges)),
		blockPos:    make(map[int]int, len(t.blocks)),
		insnPos:     make(map[int][2]int, len(order)),
	}
	for i, e := range raw.Edges {
		out.Edges[i] = Edge{
			Source:     int(*e.SourceBasicBlockIndex),
			Target:     int(*e.TargetBasicBlockIndex),
			Type:       e.Type,
			IsBackEdge: e.IsBackEdge,
		}
	}

	n := 0
	for p, bbIndex := range t.blocks {
		bb := BasicBlock{Index: bbIndex, Instructions: make([]Instruction, len(t.insns[p]))}
		for q, insnIndex := range t.insns[p] {
			insn, err := buildInstruction(export, insnIndex, addrs[n])
			if err != nil {
				return nil, err
			}
			bb.Instructions[q] = insn
			if _, ok := out.insnPos[insnIndex]; !ok {
				out.insnPos[insnIndex] = [2]int{p, q}
			}
			n++
		}
		out.BasicBlocks[p] = bb
		if _, ok := out.blockPos[bbIndex]; !ok {
			out.blockPos[bbIndex] = p
		}
	}
	return out, nil
}

func buildInstruction(export *binexport.Export, i int, addr Address) (Instruction, error) {
	raw := &export.Instructions[i]
	insn := Instruction{
		Index:       i,
		Address:     addr,
		Mnemonic:    *export.Mnemonics[*raw.MnemonicIndex].Name,
		Operands:    make([]Operand, len(raw.OperandIndices)),
		CallTargets: make([]Address, len(raw.CallTargets)),
		RawBytes:    raw.RawBytes,
		Comments:    make([]Comment, len(raw.CommentIndices)),
	}
	for k, o := range raw.OperandIndices {
		tree, err := BuildExpressionTree(export, int(o))
		if err != nil {
			return Instruction{}, err
		}
		insn.Operands[k] = Operand{Index: int(o), Expression: tree}
	}
	for k, t := range raw.CallTargets {
		insn.CallTargets[k] = Address(t)
	}
	for k, c := range raw.CommentIndices {
		rc := &export.Comments[c]
		insn.Comments[k] = Comment{Index: int(c), Text: rc.Text, Type: rc.Type, Repeatable: rc.Repeatable}
	}
	return insn, nil
}

// locator is implemented by errors that name the record they are about.
type locator interface {
	location() (entity string, index int)
}

func locate(err error) (string, int) {
	var l locator
	if errors.As(err, &l) {
		return l.location()
	}
	return "", -1
}
