package model

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"binmerchant/internal/binexport"
)

// Session answers model and lookup queries for one loaded export. The export
// is never mutated; loading another binary means a new Session.
type Session struct {
	id       string
	export   *binexport.Export
	resolver Resolver
	index    *Index
	cache    *Cache
	logger   *log.Logger
}

type Option func(*Session)

func WithResolver(r Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithCache shares a model cache between sessions.
func WithCache(c *Cache) Option {
	return func(s *Session) { s.cache = c }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession indexes export. id is the export's content hash and keys the
// model cache.
func NewSession(id string, export *binexport.Export, opts ...Option) *Session {
	s := &Session{
		id:       id,
		export:   export,
		resolver: DefaultResolver(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	if s.cache == nil {
		s.cache, _ = NewCache(DefaultCacheSize)
	}
	s.index = NewIndex(export, s.resolver)
	return s
}

// Replace starts a session for another export with the same resolver, cache
// and logger. Models of the previous export are purged from the cache.
func (s *Session) Replace(id string, export *binexport.Export) *Session {
	if id != s.id {
		s.cache.Purge()
	}
	return NewSession(id, export, WithResolver(s.resolver), WithCache(s.cache), WithLogger(s.logger))
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Export() *binexport.Export { return s.export }
func (s *Session) Index() *Index             { return s.index }
func (s *Session) Resolver() Resolver        { return s.resolver }

// Meta returns the export's metadata, or an empty block.
func (s *Session) Meta() binexport.Meta {
	if s.export.Meta == nil {
		return binexport.Meta{}
	}
	return *s.export.Meta
}

// BuildFlowGraphModel returns the model of one flow graph. Failures come back
// as a *StructuralError and are logged; they are never cached.
func (s *Session) BuildFlowGraphModel(fgIndex int) (*FlowGraph, error) {
	if fg, ok := s.cache.Get(s.id, s.resolver, fgIndex); ok {
		return fg, nil
	}
	fg, err := BuildFlowGraph(s.export, s.resolver, fgIndex)
	if err != nil {
		s.logger.Warn("flow graph build failed", "flowGraph", fgIndex, "err", err)
		return nil, err
	}
	s.logger.Debug("built flow graph", "flowGraph", fgIndex, "blocks", len(fg.BasicBlocks), "instructions", fg.InstructionCount())
	s.cache.Add(s.id, s.resolver, fgIndex, fg)
	return fg, nil
}

// ResolveInstructionAddress resolves one instruction's address in the context
// of a flow graph's traversal. If the instruction appears more than once, the
// first occurrence wins.
func (s *Session) ResolveInstructionAddress(fgIndex, insnIndex int) (Address, error) {
	if fg, ok := s.cache.Get(s.id, s.resolver, fgIndex); ok {
		if insn, ok := fg.Instruction(insnIndex); ok {
			return insn.Address, nil
		}
		return 0, fmt.Errorf("flow graph %d, instruction %d: %w", fgIndex, insnIndex, ErrNotInFlowGraph)
	}

	t, err := traverse(s.export, fgIndex)
	if err != nil {
		return 0, fmt.Errorf("resolve instruction %d: %w", insnIndex, err)
	}
	order := t.flatten()
	pos := -1
	for i, x := range order {
		if x == insnIndex {
			pos = i
			break
		}
	}
	if pos < 0 {
		return 0, fmt.Errorf("flow graph %d, instruction %d: %w", fgIndex, insnIndex, ErrNotInFlowGraph)
	}

	addrs, err := resolveAddresses(s.export, s.resolver, order[:pos+1])
	if err != nil {
		return 0, fmt.Errorf("resolve instruction %d: %w", insnIndex, err)
	}
	return addrs[pos], nil
}

// LookupFlowGraphByAddress returns the flow graph starting at a.
func (s *Session) LookupFlowGraphByAddress(a Address) (int, bool) {
	return s.index.LookupFlowGraph(a)
}

// ListFunctionEntryAddresses lists function entry addresses in flow graph
// order.
func (s *Session) ListFunctionEntryAddresses() []Address {
	return s.index.FunctionEntries()
}

// ErrNoDefaultAddress is returned when the first flow graph has no explicit
// entry address to start browsing at.
var ErrNoDefaultAddress = errors.New("first function has no address")

// DefaultAddress is where browsing starts: the entry of flow graph 0.
func (s *Session) DefaultAddress() (Address, error) {
	if len(s.export.FlowGraphs) == 0 {
		return 0, ErrNoDefaultAddress
	}
	a, ok := entryAddress(s.export, s.resolver, 0)
	if !ok {
		return 0, ErrNoDefaultAddress
	}
	return a, nil
}

// Selection is the answer to "show me this address": which flow graph starts
// there and its model. Found is false for addresses that do not start a
// function. Err carries the build diagnostic when the model could not be
// built; Model is then nil and the view shows a placeholder.
type Selection struct {
	Address   Address
	FlowGraph int
	Found     bool
	Model     *FlowGraph
	Err       error
}

func (s *Session) Select(a Address) Selection {
	sel := Selection{Address: a, FlowGraph: -1}
	fg, ok := s.LookupFlowGraphByAddress(a)
	if !ok {
		return sel
	}
	sel.FlowGraph, sel.Found = fg, true
	sel.Model, sel.Err = s.BuildFlowGraphModel(fg)
	return sel
}
