// Package binexporttest builds small exports for tests and encodes them to the
// BinExport2 wire format.
package binexporttest

import (
	"google.golang.org/protobuf/encoding/protowire"

	"binmerchant/internal/binexport"
)

// Builder appends records to an export and hands back their indices.
type Builder struct {
	e         *binexport.Export
	mnemonics map[string]int32
}

func New() *Builder {
	return &Builder{
		e: &binexport.Export{
			Meta: &binexport.Meta{
				ExecutableName:   "test.exe",
				ExecutableID:     "0501d09a219131657c54dba71faf2b9d793e466f2c7fdf6b0b3c50ec5b866b2a",
				ArchitectureName: "x86-64",
			},
			Expressions:  []binexport.Expression{},
			Operands:     []binexport.Operand{},
			Mnemonics:    []binexport.Mnemonic{},
			Instructions: []binexport.Instruction{},
			BasicBlocks:  []binexport.BasicBlock{},
			FlowGraphs:   []binexport.FlowGraph{},
			StringTable:  []string{},
			Comments:     []binexport.Comment{},
		},
		mnemonics: map[string]int32{},
	}
}

// Export returns the export built so far. The builder must not be used after.
func (b *Builder) Export() *binexport.Export {
	return b.e
}

func (b *Builder) Mnemonic(name string) int32 {
	if i, ok := b.mnemonics[name]; ok {
		return i
	}
	i := int32(len(b.e.Mnemonics))
	b.e.Mnemonics = append(b.e.Mnemonics, binexport.Mnemonic{Name: binexport.Ptr(name)})
	b.mnemonics[name] = i
	return i
}

// Expression appends a raw expression record.
func (b *Builder) Expression(e binexport.Expression) int32 {
	b.e.Expressions = append(b.e.Expressions, e)
	return int32(len(b.e.Expressions) - 1)
}

// Node appends an expression of the given type. A negative parent makes the
// node its own parent.
func (b *Builder) Node(typ binexport.ExpressionType, parent int32, symbol string, immediate *uint64) int32 {
	i := int32(len(b.e.Expressions))
	if parent < 0 {
		parent = i
	}
	e := binexport.Expression{
		Type:        binexport.Ptr(typ),
		Immediate:   immediate,
		ParentIndex: binexport.Ptr(parent),
	}
	if symbol != "" {
		e.Symbol = binexport.Ptr(symbol)
	}
	return b.Expression(e)
}

func (b *Builder) Operand(expressions ...int32) int32 {
	b.e.Operands = append(b.e.Operands, binexport.Operand{ExpressionIndices: append([]int32{}, expressions...)})
	return int32(len(b.e.Operands) - 1)
}

func (b *Builder) RegisterOperand(name string) int32 {
	return b.Operand(b.Node(binexport.ExpressionRegister, -1, name, nil))
}

func (b *Builder) ImmediateOperand(v uint64) int32 {
	return b.Operand(b.Node(binexport.ExpressionImmediateInt, -1, "", binexport.Ptr(v)))
}

// Instruction appends a raw instruction record.
func (b *Builder) Instruction(insn binexport.Instruction) int32 {
	b.e.Instructions = append(b.e.Instructions, insn)
	return int32(len(b.e.Instructions) - 1)
}

// Insn appends a complete instruction. An address of zero leaves the address
// field absent.
func (b *Builder) Insn(address uint64, mnemonic string, raw []byte, operands ...int32) int32 {
	insn := binexport.Instruction{
		CallTargets:    []uint64{},
		MnemonicIndex:  binexport.Ptr(b.Mnemonic(mnemonic)),
		OperandIndices: append([]int32{}, operands...),
		RawBytes:       append([]byte{}, raw...),
		CommentIndices: []int32{},
	}
	if address != 0 {
		insn.Address = binexport.Ptr(address)
	}
	return b.Instruction(insn)
}

// Call adds call targets to an instruction.
func (b *Builder) Call(insn int32, targets ...uint64) {
	b.e.Instructions[insn].CallTargets = append(b.e.Instructions[insn].CallTargets, targets...)
}

// Comment attaches a comment to an instruction and returns the comment index.
func (b *Builder) Comment(insn int32, text string) int32 {
	s := int32(len(b.e.StringTable))
	b.e.StringTable = append(b.e.StringTable, text)
	c := int32(len(b.e.Comments))
	b.e.Comments = append(b.e.Comments, binexport.Comment{
		InstructionIndex: binexport.Ptr(insn),
		StringTableIndex: binexport.Ptr(s),
		Text:             text,
	})
	b.e.Instructions[insn].CommentIndices = append(b.e.Instructions[insn].CommentIndices, c)
	return c
}

func Range(begin, end int32) binexport.IndexRange {
	return binexport.IndexRange{BeginIndex: binexport.Ptr(begin), EndIndex: binexport.Ptr(end)}
}

func Single(i int32) binexport.IndexRange {
	return binexport.IndexRange{BeginIndex: binexport.Ptr(i)}
}

func (b *Builder) BasicBlock(ranges ...binexport.IndexRange) int32 {
	b.e.BasicBlocks = append(b.e.BasicBlocks, binexport.BasicBlock{
		InstructionRanges: append([]binexport.IndexRange{}, ranges...),
	})
	return int32(len(b.e.BasicBlocks) - 1)
}

func Edge(source, target int32, typ binexport.EdgeType) binexport.Edge {
	return binexport.Edge{
		SourceBasicBlockIndex: binexport.Ptr(source),
		TargetBasicBlockIndex: binexport.Ptr(target),
		Type:                  typ,
	}
}

func (b *Builder) FlowGraph(entry int32, blocks []int32, edges ...binexport.Edge) int32 {
	b.e.FlowGraphs = append(b.e.FlowGraphs, binexport.FlowGraph{
		BasicBlockIndices:    append([]int32{}, blocks...),
		EntryBasicBlockIndex: binexport.Ptr(entry),
		Edges:                append([]binexport.Edge{}, edges...),
	})
	return int32(len(b.e.FlowGraphs) - 1)
}

// Function adds a call graph vertex naming the function at address.
func (b *Builder) Function(address uint64, mangled, demangled string) {
	if b.e.CallGraph == nil {
		b.e.CallGraph = &binexport.CallGraph{Vertices: []binexport.Vertex{}, Edges: []binexport.CallGraphEdge{}}
	}
	b.e.CallGraph.Vertices = append(b.e.CallGraph.Vertices, binexport.Vertex{
		Address:       binexport.Ptr(address),
		MangledName:   mangled,
		DemangledName: demangled,
	})
}

// Marshal encodes e in the BinExport2 wire format. Instruction operand and
// comment indices are written packed and call targets unpacked so both
// encodings are exercised by the decoder.
func Marshal(e *binexport.Export) []byte {
	var b []byte
	if e.Meta != nil {
		b = appendMessage(b, 1, marshalMeta(e.Meta))
	}
	for _, x := range e.Expressions {
		b = appendMessage(b, 2, marshalExpression(x))
	}
	for _, o := range e.Operands {
		b = appendMessage(b, 3, appendPacked(nil, 1, o.ExpressionIndices))
	}
	for _, m := range e.Mnemonics {
		var v []byte
		if m.Name != nil {
			v = appendString(v, 1, *m.Name)
		}
		b = appendMessage(b, 4, v)
	}
	for _, insn := range e.Instructions {
		b = appendMessage(b, 5, marshalInstruction(insn))
	}
	for _, bb := range e.BasicBlocks {
		var v []byte
		for _, r := range bb.InstructionRanges {
			var rv []byte
			rv = appendInt32(rv, 1, r.BeginIndex)
			rv = appendInt32(rv, 2, r.EndIndex)
			v = appendMessage(v, 1, rv)
		}
		b = appendMessage(b, 6, v)
	}
	for _, fg := range e.FlowGraphs {
		b = appendMessage(b, 7, marshalFlowGraph(fg))
	}
	if e.CallGraph != nil {
		var v []byte
		for _, vx := range e.CallGraph.Vertices {
			var vv []byte
			if vx.Address != nil {
				vv = appendVarint(vv, 1, *vx.Address)
			}
			if vx.Type != binexport.VertexNormal {
				vv = appendVarint(vv, 2, uint64(vx.Type))
			}
			if vx.MangledName != "" {
				vv = appendString(vv, 3, vx.MangledName)
			}
			if vx.DemangledName != "" {
				vv = appendString(vv, 4, vx.DemangledName)
			}
			v = appendMessage(v, 1, vv)
		}
		b = appendMessage(b, 8, v)
	}
	for _, s := range e.StringTable {
		b = appendString(b, 9, s)
	}
	for _, c := range e.Comments {
		var v []byte
		v = appendInt32(v, 1, c.InstructionIndex)
		v = appendInt32(v, 2, c.InstructionOperandIndex)
		v = appendInt32(v, 3, c.OperandExpressionIndex)
		v = appendInt32(v, 4, c.StringTableIndex)
		if c.Repeatable {
			v = appendVarint(v, 5, 1)
		}
		if c.Type != binexport.CommentDefault {
			v = appendVarint(v, 6, uint64(c.Type))
		}
		b = appendMessage(b, 17, v)
	}
	return b
}

func marshalMeta(m *binexport.Meta) []byte {
	var b []byte
	b = appendString(b, 1, m.ExecutableName)
	b = appendString(b, 2, m.ExecutableID)
	b = appendString(b, 3, m.ArchitectureName)
	if m.Timestamp != 0 {
		b = appendVarint(b, 4, uint64(m.Timestamp))
	}
	return b
}

func marshalExpression(x binexport.Expression) []byte {
	var b []byte
	if x.Type != nil {
		b = appendVarint(b, 1, uint64(*x.Type))
	}
	if x.Symbol != nil {
		b = appendString(b, 2, *x.Symbol)
	}
	if x.Immediate != nil {
		b = appendVarint(b, 3, *x.Immediate)
	}
	b = appendInt32(b, 4, x.ParentIndex)
	if x.IsRelocation {
		b = appendVarint(b, 5, 1)
	}
	return b
}

func marshalInstruction(insn binexport.Instruction) []byte {
	var b []byte
	if insn.Address != nil {
		b = appendVarint(b, 1, *insn.Address)
	}
	for _, t := range insn.CallTargets {
		b = appendVarint(b, 2, t)
	}
	b = appendInt32(b, 3, insn.MnemonicIndex)
	b = appendPacked(b, 4, insn.OperandIndices)
	if insn.RawBytes != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, insn.RawBytes)
	}
	b = appendPacked(b, 6, insn.CommentIndices)
	return b
}

func marshalFlowGraph(fg binexport.FlowGraph) []byte {
	var b []byte
	b = appendPacked(b, 1, fg.BasicBlockIndices)
	for _, e := range fg.Edges {
		var v []byte
		v = appendInt32(v, 1, e.SourceBasicBlockIndex)
		v = appendInt32(v, 2, e.TargetBasicBlockIndex)
		if e.Type != binexport.EdgeUnconditional {
			v = appendVarint(v, 3, uint64(e.Type))
		}
		if e.IsBackEdge {
			v = appendVarint(v, 4, 1)
		}
		b = appendMessage(b, 2, v)
	}
	b = appendInt32(b, 3, fg.EntryBasicBlockIndex)
	return b
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt32(b []byte, num protowire.Number, v *int32) []byte {
	if v == nil {
		return b
	}
	return appendVarint(b, num, uint64(int64(*v)))
}

func appendPacked(b []byte, num protowire.Number, vs []int32) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	return appendMessage(b, num, packed)
}
