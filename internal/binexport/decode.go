package binexport

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrWireType is returned when a known field is encoded with an unexpected
// wire type.
var ErrWireType = errors.New("unexpected wire type")

// Decode parses a BinExport2 message.
func Decode(b []byte) (*Export, error) {
	e := &Export{
		Expressions:  []Expression{},
		Operands:     []Operand{},
		Mnemonics:    []Mnemonic{},
		Instructions: []Instruction{},
		BasicBlocks:  []BasicBlock{},
		FlowGraphs:   []FlowGraph{},
		StringTable:  []string{},
		Comments:     []Comment{},
	}

	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := message(typ, b)
			if err != nil {
				return 0, err
			}
			meta, err := decodeMeta(v)
			if err != nil {
				return 0, fmt.Errorf("meta: %w", err)
			}
			e.Meta = meta
			return n, nil
		case 2:
			return appendMessage(typ, b, &e.Expressions, decodeExpression)
		case 3:
			return appendMessage(typ, b, &e.Operands, decodeOperand)
		case 4:
			return appendMessage(typ, b, &e.Mnemonics, decodeMnemonic)
		case 5:
			return appendMessage(typ, b, &e.Instructions, decodeInstruction)
		case 6:
			return appendMessage(typ, b, &e.BasicBlocks, decodeBasicBlock)
		case 7:
			return appendMessage(typ, b, &e.FlowGraphs, decodeFlowGraph)
		case 8:
			v, n, err := message(typ, b)
			if err != nil {
				return 0, err
			}
			cg, err := decodeCallGraph(v)
			if err != nil {
				return 0, fmt.Errorf("call graph: %w", err)
			}
			e.CallGraph = cg
			return n, nil
		case 9:
			v, n, err := message(typ, b)
			if err != nil {
				return 0, err
			}
			e.StringTable = append(e.StringTable, string(v))
			return n, nil
		case 17:
			return appendMessage(typ, b, &e.Comments, decodeComment)
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode binexport: %w", err)
	}

	for i := range e.Comments {
		c := &e.Comments[i]
		if c.StringTableIndex != nil && int(*c.StringTableIndex) >= 0 && int(*c.StringTableIndex) < len(e.StringTable) {
			c.Text = e.StringTable[*c.StringTableIndex]
		}
	}
	return e, nil
}

// fields walks the fields of one message. fn returns how many bytes of the
// value it consumed; returning 0 skips the field.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func message(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w %d", ErrWireType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendMessage[T any](typ protowire.Type, b []byte, dst *[]T, decode func([]byte) (T, error)) (int, error) {
	v, n, err := message(typ, b)
	if err != nil {
		return 0, err
	}
	item, err := decode(v)
	if err != nil {
		return 0, fmt.Errorf("element %d: %w", len(*dst), err)
	}
	*dst = append(*dst, item)
	return n, nil
}

func varint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w %d", ErrWireType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// repeatedVarint accepts both packed and unpacked encodings.
func repeatedVarint(typ protowire.Type, b []byte, add func(uint64)) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := varint(typ, b)
		if err != nil {
			return 0, err
		}
		add(v)
		return n, nil
	}

	packed, n, err := message(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		add(v)
		packed = packed[m:]
	}
	return n, nil
}

func int32Field(typ protowire.Type, b []byte, dst **int32) (int, error) {
	v, n, err := varint(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = Ptr(int32(v))
	return n, nil
}

func decodeMeta(b []byte) (*Meta, error) {
	m := &Meta{}
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3:
			v, n, err := message(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				m.ExecutableName = string(v)
			case 2:
				m.ExecutableID = string(v)
			case 3:
				m.ArchitectureName = string(v)
			}
			return n, nil
		case 4:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Timestamp = int64(v)
			return n, nil
		}
		return 0, nil
	})
	return m, err
}

func decodeExpression(b []byte) (Expression, error) {
	e := Expression{Type: Ptr(ExpressionImmediateInt)} // proto2 default
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			e.Type = Ptr(ExpressionType(v))
			return n, nil
		case 2:
			v, n, err := message(typ, b)
			if err != nil {
				return 0, err
			}
			e.Symbol = Ptr(string(v))
			return n, nil
		case 3:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			e.Immediate = Ptr(v)
			return n, nil
		case 4:
			return int32Field(typ, b, &e.ParentIndex)
		case 5:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			e.IsRelocation = protowire.DecodeBool(v)
			return n, nil
		}
		return 0, nil
	})
	return e, err
}

func decodeOperand(b []byte) (Operand, error) {
	o := Operand{ExpressionIndices: []int32{}}
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return repeatedVarint(typ, b, func(v uint64) {
				o.ExpressionIndices = append(o.ExpressionIndices, int32(v))
			})
		}
		return 0, nil
	})
	return o, err
}

func decodeMnemonic(b []byte) (Mnemonic, error) {
	var m Mnemonic
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := message(typ, b)
			if err != nil {
				return 0, err
			}
			m.Name = Ptr(string(v))
			return n, nil
		}
		return 0, nil
	})
	return m, err
}

func decodeInstruction(b []byte) (Instruction, error) {
	insn := Instruction{
		CallTargets:    []uint64{},
		MnemonicIndex:  Ptr[int32](0), // proto2 default
		OperandIndices: []int32{},
		CommentIndices: []int32{},
	}
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			insn.Address = Ptr(v)
			return n, nil
		case 2:
			return repeatedVarint(typ, b, func(v uint64) {
				insn.CallTargets = append(insn.CallTargets, v)
			})
		case 3:
			return int32Field(typ, b, &insn.MnemonicIndex)
		case 4:
			return repeatedVarint(typ, b, func(v uint64) {
				insn.OperandIndices = append(insn.OperandIndices, int32(v))
			})
		case 5:
			v, n, err := message(typ, b)
			if err != nil {
				return 0, err
			}
			insn.RawBytes = bytes.Clone(v)
			if insn.RawBytes == nil {
				insn.RawBytes = []byte{}
			}
			return n, nil
		case 6:
			return repeatedVarint(typ, b, func(v uint64) {
				insn.CommentIndices = append(insn.CommentIndices, int32(v))
			})
		}
		return 0, nil
	})
	return insn, err
}

func decodeIndexRange(b []byte) (IndexRange, error) {
	var r IndexRange
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return int32Field(typ, b, &r.BeginIndex)
		case 2:
			return int32Field(typ, b, &r.EndIndex)
		}
		return 0, nil
	})
	return r, err
}

func decodeBasicBlock(b []byte) (BasicBlock, error) {
	bb := BasicBlock{InstructionRanges: []IndexRange{}}
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return appendMessage(typ, b, &bb.InstructionRanges, decodeIndexRange)
		}
		return 0, nil
	})
	return bb, err
}

func decodeEdge(b []byte) (Edge, error) {
	e := Edge{Type: EdgeUnconditional}
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return int32Field(typ, b, &e.SourceBasicBlockIndex)
		case 2:
			return int32Field(typ, b, &e.TargetBasicBlockIndex)
		case 3:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			e.Type = EdgeType(v)
			return n, nil
		case 4:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			e.IsBackEdge = protowire.DecodeBool(v)
			return n, nil
		}
		return 0, nil
	})
	return e, err
}

func decodeFlowGraph(b []byte) (FlowGraph, error) {
	fg := FlowGraph{BasicBlockIndices: []int32{}, Edges: []Edge{}}
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return repeatedVarint(typ, b, func(v uint64) {
				fg.BasicBlockIndices = append(fg.BasicBlockIndices, int32(v))
			})
		case 2:
			return appendMessage(typ, b, &fg.Edges, decodeEdge)
		case 3:
			return int32Field(typ, b, &fg.EntryBasicBlockIndex)
		}
		return 0, nil
	})
	return fg, err
}

func decodeComment(b []byte) (Comment, error) {
	var c Comment
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return int32Field(typ, b, &c.InstructionIndex)
		case 2:
			return int32Field(typ, b, &c.InstructionOperandIndex)
		case 3:
			return int32Field(typ, b, &c.OperandExpressionIndex)
		case 4:
			return int32Field(typ, b, &c.StringTableIndex)
		case 5:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			c.Repeatable = protowire.DecodeBool(v)
			return n, nil
		case 6:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			c.Type = CommentType(v)
			return n, nil
		}
		return 0, nil
	})
	return c, err
}

func decodeVertex(b []byte) (Vertex, error) {
	var v Vertex
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			v.Address = Ptr(x)
			return n, nil
		case 2:
			x, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			v.Type = VertexType(x)
			return n, nil
		case 3, 4:
			s, n, err := message(typ, b)
			if err != nil {
				return 0, err
			}
			if num == 3 {
				v.MangledName = string(s)
			} else {
				v.DemangledName = string(s)
			}
			return n, nil
		case 5:
			return int32Field(typ, b, &v.LibraryIndex)
		case 6:
			return int32Field(typ, b, &v.ModuleIndex)
		}
		return 0, nil
	})
	return v, err
}

func decodeCallGraphEdge(b []byte) (CallGraphEdge, error) {
	var e CallGraphEdge
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return int32Field(typ, b, &e.SourceVertexIndex)
		case 2:
			return int32Field(typ, b, &e.TargetVertexIndex)
		}
		return 0, nil
	})
	return e, err
}

func decodeCallGraph(b []byte) (*CallGraph, error) {
	cg := &CallGraph{Vertices: []Vertex{}, Edges: []CallGraphEdge{}}
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return appendMessage(typ, b, &cg.Vertices, decodeVertex)
		case 2:
			return appendMessage(typ, b, &cg.Edges, decodeCallGraphEdge)
		}
		return 0, nil
	})
	return cg, err
}
