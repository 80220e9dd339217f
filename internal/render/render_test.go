package render

import (
	"bytes"
	"slices"
	"strconv"
	"strings"
	"testing"

	"binmerchant/internal/binexport"
	"binmerchant/internal/binexport/binexporttest"
	"binmerchant/internal/model"
	"binmerchant/internal/ui/colorize"
)

// fixture is a two-function export:
//
//	main: bb0 {push rbp; cmp [rbp-8h], 0; jz} -> bb1 {call helper} -> bb2 {ret}
//	                                          \-----------------------^
//	helper: bb3 {ret}
//
// bb4 is listed in main but nothing reaches it.
func fixture(t *testing.T) (*model.Session, *Renderer) {
	t.Helper()
	colorize.SetEnabled(false)

	b := binexporttest.New()
	rbp := b.Node(binexport.ExpressionRegister, -1, "rbp", nil)
	push := b.Insn(0x401000, "push", []byte{0x55}, b.Operand(rbp))

	size := b.Node(binexport.ExpressionSizePrefix, -1, "b8", nil)
	deref := b.Node(binexport.ExpressionDereference, size, "[", nil)
	sub := b.Node(binexport.ExpressionOperator, deref, "-", nil)
	reg := b.Node(binexport.ExpressionRegister, sub, "rbp", nil)
	disp := b.Node(binexport.ExpressionImmediateInt, sub, "", binexport.Ptr[uint64](8))
	mem := b.Operand(size, deref, sub, reg, disp)
	b.Insn(0, "cmp", []byte{0x48, 0x83, 0x7d, 0xf8, 0x00}, mem, b.ImmediateOperand(0))
	b.Insn(0, "jz", []byte{0x74, 0x05}, b.ImmediateOperand(0x40100d))

	call := b.Insn(0, "call", []byte{0xe8, 0, 0, 0, 0}, b.Operand(b.Node(binexport.ExpressionSymbol, -1, "_Z6helperv", nil)))
	b.Call(call, 0x402000, 0x7fff0000)
	b.Comment(call, "helper(void)")
	ret := b.Insn(0, "ret", []byte{0xc3})
	hret := b.Insn(0x402000, "ret", []byte{0xc3})
	dead := b.Insn(0x403000, "int3", []byte{0xcc})

	bb0 := b.BasicBlock(binexporttest.Range(push, push+3))
	bb1 := b.BasicBlock(binexporttest.Single(call))
	bb2 := b.BasicBlock(binexporttest.Single(ret))
	bb3 := b.BasicBlock(binexporttest.Single(hret))
	bb4 := b.BasicBlock(binexporttest.Single(dead))

	b.FlowGraph(bb0, []int32{bb0, bb1, bb2, bb4},
		binexporttest.Edge(bb0, bb1, binexport.EdgeConditionFalse),
		binexporttest.Edge(bb0, bb2, binexport.EdgeConditionTrue),
		binexporttest.Edge(bb1, bb2, binexport.EdgeUnconditional),
		binexporttest.Edge(bb1, bb2, binexport.EdgeUnconditional),
	)
	b.FlowGraph(bb3, []int32{bb3})
	b.Function(0x401000, "_Z4mainv", "")
	b.Function(0x402000, "_Z6helperv", "helper()")

	s := model.NewSession("fixture", b.Export())
	return s, New(s)
}

func build(t *testing.T, s *model.Session, fg int) *model.FlowGraph {
	t.Helper()
	m, err := s.BuildFlowGraphModel(fg)
	if err != nil {
		t.Fatalf("BuildFlowGraphModel(%d) failed: %v", fg, err)
	}
	return m
}

func TestExpression(t *testing.T) {
	leaf := func(typ binexport.ExpressionType, sym string, imm uint64) *model.Expression {
		return &model.Expression{Type: typ, Symbol: sym, HasSymbol: sym != "", Immediate: imm}
	}
	node := func(typ binexport.ExpressionType, sym string, children ...*model.Expression) *model.Expression {
		return &model.Expression{Type: typ, Symbol: sym, HasSymbol: true, Children: children}
	}

	tests := []struct {
		name string
		expr *model.Expression
		want string
	}{
		{name: "register", expr: leaf(binexport.ExpressionRegister, "rax", 0), want: "rax"},
		{name: "immediate int", expr: leaf(binexport.ExpressionImmediateInt, "", 0x7ffb612c260c), want: "7FFB612C260Ch"},
		{name: "immediate float", expr: leaf(binexport.ExpressionImmediateFloat, "", 42), want: "42"},
		{name: "symbol demangled", expr: leaf(binexport.ExpressionSymbol, "_Z6helperv", 0), want: "helper()"},
		{name: "plain symbol", expr: leaf(binexport.ExpressionSymbol, "memcpy", 0), want: "memcpy"},
		{
			name: "unary operator",
			expr: node(binexport.ExpressionOperator, "-", leaf(binexport.ExpressionImmediateInt, "", 1)),
			want: "-1h",
		},
		{
			name: "infix operator",
			expr: node(binexport.ExpressionOperator, "+",
				leaf(binexport.ExpressionRegister, "rbx", 0),
				leaf(binexport.ExpressionRegister, "rcx", 0),
				leaf(binexport.ExpressionImmediateInt, "", 0x10)),
			want: "rbx+rcx+10h",
		},
		{
			name: "sized dereference",
			expr: node(binexport.ExpressionSizePrefix, "b8",
				node(binexport.ExpressionDereference, "[",
					node(binexport.ExpressionOperator, "+",
						leaf(binexport.ExpressionRegister, "rax", 0),
						leaf(binexport.ExpressionImmediateInt, "", 8)))),
			want: "[rax+8h]",
		},
		{name: "unknown type", expr: leaf(binexport.ExpressionType(99), "", 0), want: "<expression-type(99)>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expression(tt.expr); got != tt.want {
				t.Errorf("Expression() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLine(t *testing.T) {
	s, r := fixture(t)
	fg := build(t, s, 0)

	bb1, _ := fg.Block(1)
	l := r.Line(&bb1.Instructions[0])

	if l.Address != "401008" {
		t.Errorf("Address = %q, want 401008", l.Address)
	}
	if l.Bytes != "e8 00 00 00 00" {
		t.Errorf("Bytes = %q", l.Bytes)
	}
	if l.Operands != "helper()" {
		t.Errorf("Operands = %q", l.Operands)
	}
	want := []string{"→402000 helper()*", "→7FFF0000"}
	if !slices.Equal(l.Targets, want) {
		t.Errorf("Targets = %q, want %q", l.Targets, want)
	}

	plain := l.Plain()
	for _, part := range []string{"401008", "call helper()", "; helper(void)", "→402000 helper()*"} {
		if !strings.Contains(plain, part) {
			t.Errorf("Plain() = %q, missing %q", plain, part)
		}
	}
	if strings.Contains(plain, "\x1b[") {
		t.Errorf("Plain() contains escapes: %q", plain)
	}

	bb0, _ := fg.Block(0)
	if got := r.Line(&bb0.Instructions[1]).Operands; got != "[rbp-8h], 0h" {
		t.Errorf("cmp operands = %q", got)
	}
}

func TestLineDecode(t *testing.T) {
	s, _ := fixture(t)
	r := New(s, WithDecode(true))
	fg := build(t, s, 0)

	bb0, _ := fg.Block(0)
	l := r.Line(&bb0.Instructions[0])
	if !strings.HasPrefix(l.Decoded, "push") || strings.Contains(l.Decoded, "(!)") {
		t.Errorf("Decoded = %q, want matching push", l.Decoded)
	}
	if jz := r.Line(&bb0.Instructions[2]); !strings.Contains(jz.Decoded, "(!)") {
		// x/arch names it je
		t.Errorf("jz Decoded = %q, want a mismatch marker", jz.Decoded)
	}
}

func TestListing(t *testing.T) {
	s, r := fixture(t)
	fg := build(t, s, 0)

	out := r.Listing(fg, false)
	if !strings.HasPrefix(out, "; main()\n") {
		t.Errorf("listing header = %q", strings.SplitN(out, "\n", 2)[0])
	}
	for _, part := range []string{"; block 0 (entry)", "; block 4", "401000", "403000"} {
		if !strings.Contains(out, part) {
			t.Errorf("listing lacks %q", part)
		}
	}
	if got := r.NavigableTargets(fg); !slices.Equal(got, []model.Address{0x402000}) {
		t.Errorf("NavigableTargets() = %v", got)
	}
	if got := r.FunctionName(0x999); got != "sub_999" {
		t.Errorf("FunctionName(999) = %q", got)
	}
}

func TestNodeDimensions(t *testing.T) {
	s, r := fixture(t)
	fg := build(t, s, 0)

	dims := r.NodeDimensions(fg)
	if len(dims) != 4 {
		t.Fatalf("dims = %d blocks, want 4", len(dims))
	}
	if dims[0].Height != 3 || dims[1].Height != 1 {
		t.Errorf("heights = %d, %d; want 3, 1", dims[0].Height, dims[1].Height)
	}
	bb2, _ := fg.Block(2)
	if want := len(r.Block(bb2, false)[0]); dims[2].Width != want {
		t.Errorf("width = %d, want %d", dims[2].Width, want)
	}
}

func TestLayoutGraph(t *testing.T) {
	s, r := fixture(t)
	fg := build(t, s, 0)

	g, err := r.LayoutGraph(fg)
	if err != nil {
		t.Fatalf("LayoutGraph failed: %v", err)
	}
	if n, _ := g.Order(); n != 4 {
		t.Errorf("order = %d, want 4", n)
	}
	if n, _ := g.Size(); n != 3 {
		t.Errorf("size = %d, want 3 after collapsing the duplicate edge", n)
	}

	dims := r.NodeDimensions(fg)
	_, props, err := g.VertexWithProperties(BlockID(0))
	if err != nil {
		t.Fatal(err)
	}
	if got := props.Attributes["height"]; got != "0.60" {
		t.Errorf("height = %q, want 0.60 for three lines", got)
	}
	if want := strconv.FormatFloat(float64(dims[0].Width)*0.1, 'f', 2, 64); props.Attributes["width"] != want {
		t.Errorf("width = %q, want %q", props.Attributes["width"], want)
	}

	e, err := g.Edge(BlockID(0), BlockID(1))
	if err != nil {
		t.Fatal(err)
	}
	if e.Properties.Weight != 2 || e.Properties.Attributes["label"] != "condition-false" {
		t.Errorf("false edge = %+v", e.Properties)
	}
	e, _ = g.Edge(BlockID(0), BlockID(2))
	if e.Properties.Weight != 1 {
		t.Errorf("true edge weight = %d, want 1", e.Properties.Weight)
	}

	var buf bytes.Buffer
	if err := r.WriteDOT(&buf, fg); err != nil {
		t.Fatalf("WriteDOT failed: %v", err)
	}
	dot := buf.String()
	for _, part := range []string{"digraph", `rankdir="TB"`, `"bb0"`, `"bb1"`, `\l`} {
		if !strings.Contains(dot, part) {
			t.Errorf("DOT output lacks %q:\n%s", part, dot)
		}
	}
}

func TestReachable(t *testing.T) {
	s, _ := fixture(t)
	fg := build(t, s, 0)

	reach, err := Reachable(fg)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(reach, []int{0, 1, 2}) {
		t.Errorf("Reachable() = %v, want [0 1 2]", reach)
	}
	dead, err := Unreachable(fg)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(dead, []int{4}) {
		t.Errorf("Unreachable() = %v, want [4]", dead)
	}
}

func TestLatticeCFG(t *testing.T) {
	s, r := fixture(t)
	fg := build(t, s, 0)

	cfg := r.LatticeCFG(fg)
	if cfg.Name != "main()" || len(cfg.Blocks) != 4 {
		t.Fatalf("cfg = %s with %d blocks", cfg.Name, len(cfg.Blocks))
	}

	entry := cfg.Blocks[0]
	if entry.Start != 0 || entry.End != 3 || entry.Term {
		t.Errorf("entry block = %+v", entry)
	}
	if len(entry.Succs) != 2 || entry.Succs[0].Cond != "F" || entry.Succs[1].Cond != "T" {
		t.Errorf("entry successors = %+v", entry.Succs)
	}

	callBlock := cfg.Blocks[1]
	if len(callBlock.Calls) != 2 || callBlock.Calls[0].Callee != "helper()" || callBlock.Calls[1].Callee != "0x7fff0000" {
		t.Errorf("calls = %+v", callBlock.Calls)
	}
	if callBlock.Calls[0].Offset != 3 {
		t.Errorf("call offset = %d, want 3", callBlock.Calls[0].Offset)
	}
	if !cfg.Blocks[2].Term || !cfg.Blocks[3].Term {
		t.Error("ret and dead blocks should be terminal")
	}

	if dot := r.LatticeDOT(fg); !strings.Contains(dot, "digraph") {
		t.Errorf("LatticeDOT() = %q", dot)
	}
}
