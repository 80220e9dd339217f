package model

import (
	"binmerchant/internal/binexport"
)

// maxExpressionDepth bounds tree reconstruction on malformed parent chains.
const maxExpressionDepth = 256

// Expression is one node of a rebuilt operand expression tree. Children are
// in the order they are listed in the operand.
type Expression struct {
	Index        int
	Type         binexport.ExpressionType
	Symbol       string
	HasSymbol    bool
	Immediate    uint64
	HasImmediate bool
	IsRelocation bool
	Children     []*Expression
}

// BuildExpressionTree rebuilds the tree of one operand from its flat,
// parent-indexed expression list. The first listed expression is the root.
func BuildExpressionTree(export *binexport.Export, operandIndex int) (*Expression, error) {
	if err := checkIndex("operand", operandIndex, len(export.Operands)); err != nil {
		return nil, err
	}
	listed := export.Operands[operandIndex].ExpressionIndices
	if len(listed) == 0 {
		return nil, &MissingFieldError{Entity: "operand", Index: operandIndex, Field: "expressions"}
	}

	children := make(map[int][]int, len(listed))
	for _, x := range listed {
		i := int(x)
		if err := checkIndex("expression", i, len(export.Expressions)); err != nil {
			return nil, err
		}
		if _, ok := children[i]; ok {
			return nil, &ExpressionTreeError{Operand: operandIndex, Expression: i, Reason: "expression is listed more than once"}
		}
		children[i] = nil
	}

	root := int(listed[0])
	for _, x := range listed[1:] {
		i := int(x)
		expr := &export.Expressions[i]
		if expr.ParentIndex == nil || int(*expr.ParentIndex) == i {
			continue
		}
		parent := int(*expr.ParentIndex)
		if _, ok := children[parent]; !ok {
			return nil, &ExpressionTreeError{Operand: operandIndex, Expression: i, Reason: "parent is not listed in the operand"}
		}
		children[parent] = append(children[parent], i)
	}

	b := treeBuilder{
		export:   export,
		operand:  operandIndex,
		children: children,
		onPath:   make(map[int]bool),
		reached:  make(map[int]bool, len(listed)),
	}
	tree, err := b.build(root, 0)
	if err != nil {
		return nil, err
	}
	// Every listed expression hangs off the root; anything else is an orphan
	// chain or a cycle detached from it.
	for _, x := range listed {
		if i := int(x); !b.reached[i] {
			return nil, &ExpressionTreeError{Operand: operandIndex, Expression: i, Reason: "expression is not reachable from the root"}
		}
	}
	return tree, nil
}

type treeBuilder struct {
	export   *binexport.Export
	operand  int
	children map[int][]int
	onPath   map[int]bool
	reached  map[int]bool
}

func (b *treeBuilder) build(i, depth int) (*Expression, error) {
	if depth > maxExpressionDepth {
		return nil, &ExpressionTreeError{Operand: b.operand, Expression: i, Reason: "expression tree too deep"}
	}
	if b.onPath[i] {
		return nil, &ExpressionTreeError{Operand: b.operand, Expression: i, Reason: "parent chain forms a cycle"}
	}
	b.reached[i] = true

	raw := &b.export.Expressions[i]
	if raw.Type == nil {
		return nil, &MissingFieldError{Entity: "expression", Index: i, Field: "type"}
	}

	node := &Expression{
		Index:        i,
		Type:         *raw.Type,
		IsRelocation: raw.IsRelocation,
	}
	if raw.Symbol != nil {
		node.Symbol, node.HasSymbol = *raw.Symbol, true
	}
	if raw.Immediate != nil {
		node.Immediate, node.HasImmediate = *raw.Immediate, true
	}

	b.onPath[i] = true
	defer delete(b.onPath, i)

	for _, c := range b.children[i] {
		child, err := b.build(c, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}
