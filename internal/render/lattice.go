package render

import (
	"github.com/zboralski/lattice"
	lrender "github.com/zboralski/lattice/render"

	"binmerchant/internal/binexport"
	"binmerchant/internal/model"
)

// LatticeCFG converts fg to a lattice control-flow graph. Block IDs are
// positions in fg.BasicBlocks; Start and End count instructions across the
// whole function. Every call target becomes a call site.
func (r *Renderer) LatticeCFG(fg *model.FlowGraph) *lattice.FuncCFG {
	pos := make(map[int]int, len(fg.BasicBlocks))
	for p, bb := range fg.BasicBlocks {
		if _, ok := pos[bb.Index]; !ok {
			pos[bb.Index] = p
		}
	}

	out := &lattice.FuncCFG{Name: r.FunctionName(fg.EntryAddress())}
	offset := 0
	for p, bb := range fg.BasicBlocks {
		lb := &lattice.BasicBlock{
			ID:    p,
			Start: offset,
			End:   offset + len(bb.Instructions),
		}
		for _, e := range fg.Edges {
			if e.Source != bb.Index {
				continue
			}
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: pos[e.Target],
				Cond:    condition(e.Type),
			})
		}
		lb.Term = len(lb.Succs) == 0

		for i, insn := range bb.Instructions {
			for _, t := range insn.CallTargets {
				callee, ok := r.Name(t)
				if !ok {
					callee = "0x" + t.String()
				}
				lb.Calls = append(lb.Calls, lattice.CallSite{Offset: offset + i, Callee: callee})
			}
		}

		out.Blocks = append(out.Blocks, lb)
		offset += len(bb.Instructions)
	}
	return out
}

func condition(t binexport.EdgeType) string {
	switch t {
	case binexport.EdgeConditionTrue:
		return "T"
	case binexport.EdgeConditionFalse:
		return "F"
	}
	return ""
}

// LatticeDOT renders fg through lattice's CFG renderer.
func (r *Renderer) LatticeDOT(fg *model.FlowGraph) string {
	cfg := r.LatticeCFG(fg)
	return lrender.DOTCFG(&lattice.CFGGraph{Funcs: []*lattice.FuncCFG{cfg}}, cfg.Name)
}
