// Package render turns flow graph models into text: listing lines, per-block
// dimensions, and graph exports for Graphviz.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"binmerchant/internal/binexport"
	"binmerchant/internal/disasm"
	"binmerchant/internal/model"
	"binmerchant/internal/ui/colorize"
)

// Expression renders an expression tree the way disassemblers print operands.
func Expression(e *model.Expression) string {
	var b strings.Builder
	writeExpression(&b, e)
	return b.String()
}

func writeExpression(b *strings.Builder, e *model.Expression) {
	if e == nil {
		return
	}
	switch e.Type {
	case binexport.ExpressionSizePrefix:
		for _, c := range e.Children {
			writeExpression(b, c)
		}
	case binexport.ExpressionImmediateFloat:
		b.WriteString(strconv.FormatUint(e.Immediate, 10))
	case binexport.ExpressionImmediateInt:
		b.WriteString(strings.ToUpper(strconv.FormatUint(e.Immediate, 16)))
		b.WriteByte('h')
	case binexport.ExpressionRegister:
		b.WriteString(e.Symbol)
	case binexport.ExpressionSymbol:
		b.WriteString(demangle.Filter(e.Symbol))
	case binexport.ExpressionOperator:
		if len(e.Children) == 1 {
			b.WriteString(e.Symbol)
			writeExpression(b, e.Children[0])
			return
		}
		for i, c := range e.Children {
			if i > 0 {
				b.WriteString(e.Symbol)
			}
			writeExpression(b, c)
		}
	case binexport.ExpressionDereference:
		b.WriteByte('[')
		if len(e.Children) > 0 {
			writeExpression(b, e.Children[0])
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "<%s>", e.Type)
	}
}

// Renderer formats instructions of one export. Call targets are named from
// the export's call graph and marked navigable through the address index.
type Renderer struct {
	arch   string
	names  map[model.Address]string
	index  *model.Index
	decode bool
}

type Option func(*Renderer)

// WithDecode adds a column with the x/arch decoding of each instruction's raw
// bytes.
func WithDecode(on bool) Option {
	return func(r *Renderer) { r.decode = on }
}

func New(s *model.Session, opts ...Option) *Renderer {
	r := &Renderer{
		arch:  s.Meta().ArchitectureName,
		names: Names(s.Export()),
		index: s.Index(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Names maps call graph vertex addresses to display names. Demangled names
// from the export win over demangling the mangled name here.
func Names(e *binexport.Export) map[model.Address]string {
	names := make(map[model.Address]string)
	if e.CallGraph == nil {
		return names
	}
	for _, v := range e.CallGraph.Vertices {
		if v.Address == nil {
			continue
		}
		name := v.DemangledName
		if name == "" && v.MangledName != "" {
			name = demangle.Filter(v.MangledName)
		}
		if name != "" {
			names[model.Address(*v.Address)] = name
		}
	}
	return names
}

// Name returns the call graph name of a, if any.
func (r *Renderer) Name(a model.Address) (string, bool) {
	n, ok := r.names[a]
	return n, ok
}

// FunctionName names the function at a, falling back to sub_<ADDR>.
func (r *Renderer) FunctionName(a model.Address) string {
	if n, ok := r.Name(a); ok {
		return n
	}
	return "sub_" + a.Hex()
}

// Navigable reports whether a starts a flow graph of the export.
func (r *Renderer) Navigable(a model.Address) bool {
	_, ok := r.index.LookupFlowGraph(a)
	return ok
}

func (r *Renderer) Arch() string {
	return r.arch
}

// Line is one rendered instruction, column by column, without colors.
type Line struct {
	Address  string
	Bytes    string
	Mnemonic string
	Operands string
	Targets  []string
	Comments []string
	Decoded  string
}

const bytesWidth = 8 * 3

// Line renders one instruction.
func (r *Renderer) Line(insn *model.Instruction) Line {
	l := Line{
		Address:  insn.Address.Hex(),
		Mnemonic: insn.Mnemonic,
	}

	hexBytes := make([]string, len(insn.RawBytes))
	for i, b := range insn.RawBytes {
		hexBytes[i] = fmt.Sprintf("%02x", b)
	}
	l.Bytes = strings.Join(hexBytes, " ")

	ops := make([]string, len(insn.Operands))
	for i, o := range insn.Operands {
		ops[i] = Expression(o.Expression)
	}
	l.Operands = strings.Join(ops, ", ")

	for _, t := range insn.CallTargets {
		target := "→" + t.Hex()
		if n, ok := r.Name(t); ok {
			target += " " + n
		}
		if r.Navigable(t) {
			target += "*"
		}
		l.Targets = append(l.Targets, target)
	}
	for _, c := range insn.Comments {
		l.Comments = append(l.Comments, c.Text)
	}

	if r.decode {
		if d, err := disasm.Decode(r.arch, insn.RawBytes, uint64(insn.Address)); err == nil {
			l.Decoded = d.Text
			if d.Op != strings.ToLower(insn.Mnemonic) {
				l.Decoded += " (!)"
			}
		} else {
			l.Decoded = "??"
		}
	}
	return l
}

// Plain is the line without colors.
func (l Line) Plain() string {
	plain := func(s string) string { return s }
	return l.format(palette{plain, plain, plain, plain, plain})
}

// Colored is the line with listing colors, when colors are enabled.
func (l Line) Colored(arch string) string {
	asm := func(s string) string { return colorize.Assembly(arch, s) }
	return l.format(palette{colorize.Address, colorize.Bytes, asm, colorize.Comment, colorize.Target})
}

type palette struct {
	address, bytes, asm, note, target func(string) string
}

func (l Line) format(p palette) string {
	var b strings.Builder
	b.WriteString(p.address(l.Address))
	b.WriteString("  ")
	b.WriteString(p.bytes(fmt.Sprintf("%-*s", bytesWidth, l.Bytes)))
	b.WriteString("  ")

	code := l.Mnemonic
	if l.Operands != "" {
		code += " " + l.Operands
	}
	b.WriteString(p.asm(code))

	var notes []string
	notes = append(notes, l.Comments...)
	if l.Decoded != "" {
		notes = append(notes, "x/arch: "+l.Decoded)
	}
	if len(notes) > 0 {
		b.WriteString("  ")
		b.WriteString(p.note("; " + strings.Join(notes, "; ")))
	}
	for _, t := range l.Targets {
		b.WriteString(" ")
		b.WriteString(p.target(t))
	}
	return b.String()
}

// Block renders a basic block's instructions, one line each.
func (r *Renderer) Block(bb *model.BasicBlock, color bool) []string {
	lines := make([]string, len(bb.Instructions))
	for i := range bb.Instructions {
		l := r.Line(&bb.Instructions[i])
		if color {
			lines[i] = l.Colored(r.arch)
		} else {
			lines[i] = l.Plain()
		}
	}
	return lines
}

// Listing renders a whole flow graph in its block order, blocks separated by
// a header line.
func (r *Renderer) Listing(fg *model.FlowGraph, color bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "; %s\n", r.FunctionName(fg.EntryAddress()))
	for i := range fg.BasicBlocks {
		bb := &fg.BasicBlocks[i]
		header := fmt.Sprintf("; block %d", bb.Index)
		if bb.Index == fg.Entry {
			header += " (entry)"
		}
		if color {
			header = colorize.Comment(header)
		}
		b.WriteString("\n")
		b.WriteString(header)
		b.WriteString("\n")
		for _, line := range r.Block(bb, color) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// NavigableTargets lists the call targets of fg that start a flow graph, in
// listing order, without duplicates.
func (r *Renderer) NavigableTargets(fg *model.FlowGraph) []model.Address {
	seen := make(map[model.Address]bool)
	var out []model.Address
	for _, bb := range fg.BasicBlocks {
		for _, insn := range bb.Instructions {
			for _, t := range insn.CallTargets {
				if !seen[t] && r.Navigable(t) {
					seen[t] = true
					out = append(out, t)
				}
			}
		}
	}
	return out
}
