// Package binexport defines the flat, index-addressed BinExport2 data model and
// decodes it from the protobuf wire format.
//
// Optional scalar fields are pointers: nil means the field was not present.
// Repeated fields are slices where nil means "absent" and a non-nil empty slice
// means "present but empty". The wire decoder always produces non-nil repeated
// fields because the wire format cannot tell the two apart; hand-built exports
// may leave them nil to model incomplete input.
package binexport

import "fmt"

// ExpressionType is the kind of a node in an operand expression tree.
type ExpressionType int32

const (
	ExpressionSymbol         ExpressionType = 1
	ExpressionImmediateInt   ExpressionType = 2
	ExpressionImmediateFloat ExpressionType = 3
	ExpressionOperator       ExpressionType = 4
	ExpressionRegister       ExpressionType = 5
	ExpressionSizePrefix     ExpressionType = 6
	ExpressionDereference    ExpressionType = 7
)

func (t ExpressionType) String() string {
	switch t {
	case ExpressionSymbol:
		return "symbol"
	case ExpressionImmediateInt:
		return "immediate-int"
	case ExpressionImmediateFloat:
		return "immediate-float"
	case ExpressionOperator:
		return "operator"
	case ExpressionRegister:
		return "register"
	case ExpressionSizePrefix:
		return "size-prefix"
	case ExpressionDereference:
		return "dereference"
	default:
		return fmt.Sprintf("expression-type(%d)", int32(t))
	}
}

// EdgeType is the kind of a control-flow edge between two basic blocks.
type EdgeType int32

const (
	EdgeConditionTrue  EdgeType = 1
	EdgeConditionFalse EdgeType = 2
	EdgeUnconditional  EdgeType = 3
	EdgeSwitch         EdgeType = 4
)

func (t EdgeType) String() string {
	switch t {
	case EdgeConditionTrue:
		return "condition-true"
	case EdgeConditionFalse:
		return "condition-false"
	case EdgeUnconditional:
		return "unconditional"
	case EdgeSwitch:
		return "switch"
	default:
		return fmt.Sprintf("edge-type(%d)", int32(t))
	}
}

// CommentType classifies where a comment is attached.
type CommentType int32

const (
	CommentDefault CommentType = iota
	CommentAnterior
	CommentPosterior
	CommentFunction
	CommentEnum
	CommentLocation
	CommentGlobalReference
	CommentLocalReference
)

// VertexType classifies a call graph vertex.
type VertexType int32

const (
	VertexNormal VertexType = iota
	VertexLibrary
	VertexImported
	VertexThunk
	VertexInvalid
)

// Meta is the export's metadata block.
type Meta struct {
	ExecutableName   string
	ExecutableID     string
	ArchitectureName string
	Timestamp        int64
}

// Expression is one node of an operand's flattened expression tree.
// ParentIndex points at the parent node, or at the node itself for a root.
type Expression struct {
	Type         *ExpressionType
	Symbol       *string
	Immediate    *uint64
	ParentIndex  *int32
	IsRelocation bool
}

// Operand lists the expressions that make up one operand. The first entry is
// the root of the operand's expression tree.
type Operand struct {
	ExpressionIndices []int32
}

type Mnemonic struct {
	Name *string
}

// Instruction is a single decoded instruction. Address is usually omitted and
// must be inferred from the preceding instruction.
type Instruction struct {
	Address        *uint64
	CallTargets    []uint64
	MnemonicIndex  *int32
	OperandIndices []int32
	RawBytes       []byte
	CommentIndices []int32
}

// IndexRange is a run of instruction indices. With EndIndex set it is the
// half-open range [BeginIndex, EndIndex); otherwise it is the single index
// BeginIndex.
type IndexRange struct {
	BeginIndex *int32
	EndIndex   *int32
}

type BasicBlock struct {
	InstructionRanges []IndexRange
}

type Edge struct {
	SourceBasicBlockIndex *int32
	TargetBasicBlockIndex *int32
	Type                  EdgeType
	IsBackEdge            bool
}

// FlowGraph is one function: its basic blocks, entry block and control edges.
// BasicBlockIndices is in graph order, not address order.
type FlowGraph struct {
	BasicBlockIndices    []int32
	EntryBasicBlockIndex *int32
	Edges                []Edge
}

// Comment is a comment record. Text is resolved from the string table by the
// decoder.
type Comment struct {
	InstructionIndex        *int32
	InstructionOperandIndex *int32
	OperandExpressionIndex  *int32
	StringTableIndex        *int32
	Repeatable              bool
	Type                    CommentType
	Text                    string
}

type Vertex struct {
	Address       *uint64
	Type          VertexType
	MangledName   string
	DemangledName string
	LibraryIndex  *int32
	ModuleIndex   *int32
}

type CallGraphEdge struct {
	SourceVertexIndex *int32
	TargetVertexIndex *int32
}

type CallGraph struct {
	Vertices []Vertex
	Edges    []CallGraphEdge
}

// Export is a whole decoded BinExport2 file. It is never mutated after
// decoding; a different binary means a different Export.
type Export struct {
	Meta         *Meta
	Expressions  []Expression
	Operands     []Operand
	Mnemonics    []Mnemonic
	Instructions []Instruction
	BasicBlocks  []BasicBlock
	FlowGraphs   []FlowGraph
	CallGraph    *CallGraph
	StringTable  []string
	Comments     []Comment
}

// Ptr returns a pointer to v. It is a convenience for building optional fields.
func Ptr[T any](v T) *T {
	return &v
}
