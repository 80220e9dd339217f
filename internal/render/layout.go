package render

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	"binmerchant/internal/binexport"
	"binmerchant/internal/model"
)

// Dimensions is the rendered size of one basic block in terminal cells.
type Dimensions struct {
	Index  int
	Width  int
	Height int
}

// NodeDimensions measures every basic block of fg as rendered by r.
func (r *Renderer) NodeDimensions(fg *model.FlowGraph) map[int]Dimensions {
	dims := make(map[int]Dimensions, len(fg.BasicBlocks))
	for i := range fg.BasicBlocks {
		bb := &fg.BasicBlocks[i]
		lines := r.Block(bb, false)
		w := 0
		for _, l := range lines {
			w = max(w, lipgloss.Width(l))
		}
		dims[bb.Index] = Dimensions{Index: bb.Index, Width: w, Height: len(lines)}
	}
	return dims
}

// BlockID is the vertex hash of a basic block in layout graphs.
func BlockID(bbIndex int) string {
	return "bb" + strconv.Itoa(bbIndex)
}

// EdgeWeight ranks condition-false edges above the rest so the fall-through
// path stays straight.
func EdgeWeight(t binexport.EdgeType) int {
	if t == binexport.EdgeConditionFalse {
		return 2
	}
	return 1
}

var edgeColors = map[binexport.EdgeType]string{
	binexport.EdgeConditionTrue:  "darkgreen",
	binexport.EdgeConditionFalse: "firebrick",
	binexport.EdgeUnconditional:  "steelblue",
	binexport.EdgeSwitch:         "gray40",
}

// Size of one terminal cell in Graphviz inches.
const (
	cellWidth  = 0.1
	cellHeight = 0.2
)

func inches(cells int, cell float64) string {
	return strconv.FormatFloat(float64(cells)*cell, 'f', 2, 64)
}

// LayoutGraph builds the directed control-flow graph of fg. Vertices carry
// the block listing as a Graphviz label and its size from NodeDimensions;
// repeated edges collapse into one.
func (r *Renderer) LayoutGraph(fg *model.FlowGraph) (graph.Graph[string, int], error) {
	g := graph.New(BlockID, graph.Directed())
	dims := r.NodeDimensions(fg)

	for i := range fg.BasicBlocks {
		bb := &fg.BasicBlocks[i]
		d := dims[bb.Index]
		err := g.AddVertex(bb.Index,
			graph.VertexAttribute("shape", "box"),
			graph.VertexAttribute("fontname", "monospace"),
			graph.VertexAttribute("label", dotLabel(r.Block(bb, false))),
			graph.VertexAttribute("width", inches(d.Width, cellWidth)),
			graph.VertexAttribute("height", inches(d.Height, cellHeight)),
		)
		if err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("add block %d: %w", bb.Index, err)
		}
	}

	for _, e := range fg.Edges {
		opts := []func(*graph.EdgeProperties){
			graph.EdgeWeight(EdgeWeight(e.Type)),
			graph.EdgeAttribute("label", e.Type.String()),
		}
		if c, ok := edgeColors[e.Type]; ok {
			opts = append(opts, graph.EdgeAttribute("color", c))
		}
		if e.IsBackEdge {
			opts = append(opts, graph.EdgeAttribute("style", "dashed"))
		}
		err := g.AddEdge(BlockID(e.Source), BlockID(e.Target), opts...)
		if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil, fmt.Errorf("add edge %d->%d: %w", e.Source, e.Target, err)
		}
	}
	return g, nil
}

// dotLabel joins lines into a left-justified Graphviz label.
func dotLabel(lines []string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(esc.Replace(l))
		b.WriteString(`\l`)
	}
	return b.String()
}

// WriteDOT writes fg's layout graph in Graphviz DOT, top to bottom.
func (r *Renderer) WriteDOT(w io.Writer, fg *model.FlowGraph) error {
	g, err := r.LayoutGraph(fg)
	if err != nil {
		return err
	}
	return draw.DOT(g, w,
		draw.GraphAttribute("rankdir", "TB"),
		draw.GraphAttribute("label", r.FunctionName(fg.EntryAddress())),
	)
}

// Reachable returns the blocks reachable from fg's entry block, in fg's block
// order.
func Reachable(fg *model.FlowGraph) ([]int, error) {
	g := graph.New(BlockID, graph.Directed())
	for _, bb := range fg.BasicBlocks {
		if err := g.AddVertex(bb.Index); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, err
		}
	}
	for _, e := range fg.Edges {
		if err := g.AddEdge(BlockID(e.Source), BlockID(e.Target)); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	err := graph.BFS(g, BlockID(fg.Entry), func(id string) bool {
		seen[id] = true
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("walk flow graph %d: %w", fg.Index, err)
	}

	var out []int
	for _, bb := range fg.BasicBlocks {
		if seen[BlockID(bb.Index)] && !slices.Contains(out, bb.Index) {
			out = append(out, bb.Index)
		}
	}
	return out, nil
}

// Unreachable returns the blocks of fg that no path from the entry reaches.
func Unreachable(fg *model.FlowGraph) ([]int, error) {
	reach, err := Reachable(fg)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, bb := range fg.BasicBlocks {
		if !slices.Contains(reach, bb.Index) && !slices.Contains(out, bb.Index) {
			out = append(out, bb.Index)
		}
	}
	return out, nil
}
