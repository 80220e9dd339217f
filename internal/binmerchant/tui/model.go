// Package tui is the interactive export browser: a listing of the current
// function, a filterable function list and an info pane.
package tui

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"binmerchant/internal/binmerchant/styles"
	"binmerchant/internal/model"
	"binmerchant/internal/render"
	"binmerchant/internal/store"
	"binmerchant/internal/ui/colorize"
)

type viewMode int

const (
	viewListing viewMode = iota
	viewFunctions
	viewInfo
)

// Loader produces the export to browse. It runs off the UI goroutine.
type Loader func() (*store.Loaded, error)

// Options configure a browser.
type Options struct {
	Load     Loader
	// Resolver overrides model.DefaultResolver when set.
	Resolver *model.Resolver
	Cache    *model.Cache
	Logger   *log.Logger
	Decode   bool
	// Start is shown instead of the first function when set.
	Start    *model.Address
}

type Model struct {
	opts Options

	listing   viewport.Model
	functions list.Model
	info      viewport.Model
	spinner   spinner.Model
	mode      viewMode

	loading bool
	loadSeq int
	loadErr error
	loaded  *store.Loaded

	session  *model.Session
	renderer *render.Renderer
	sel      model.Selection
	hasSel   bool
	history  []model.Address
	current  *marker
	status   string

	width  int
	height int
}

// exportLoadedMsg carries the result of load number seq. Only the newest
// load is applied.
type exportLoadedMsg struct {
	seq    int
	loaded *store.Loaded
	err    error
}

func New(opts Options) Model {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}

	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(22)

	current := &marker{}
	functions := list.New([]list.Item{}, itemDelegate{current: current}, 80, 22)
	functions.SetShowStatusBar(false)
	functions.SetFilteringEnabled(true)
	functions.Title = "Functions"
	functions.Styles.Title = styles.Title
	functions.SetShowHelp(true)

	info := viewport.New()
	info.SetWidth(80)
	info.SetHeight(22)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Spinner

	return Model{
		opts:      opts,
		listing:   vp,
		functions: functions,
		info:      info,
		spinner:   s,
		mode:      viewListing,
		loading:   true,
		loadSeq:   1,
		current:   current,
		width:     80,
		height:    24,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(m.loadSeq), m.spinner.Tick)
}

// load runs the loader and tags the result with seq. Results of earlier
// loads still in flight are dropped when they arrive.
func (m Model) load(seq int) tea.Cmd {
	load := m.opts.Load
	return func() tea.Msg {
		if load == nil {
			return exportLoadedMsg{seq: seq, err: fmt.Errorf("no export to load")}
		}
		l, err := load()
		return exportLoadedMsg{seq: seq, loaded: l, err: err}
	}
}

// Reload starts a new load that supersedes any in flight.
func (m *Model) Reload() tea.Cmd {
	m.loadSeq++
	m.loading = true
	m.refresh()
	return tea.Batch(m.load(m.loadSeq), m.spinner.Tick)
}

func (m *Model) applyLoad(msg exportLoadedMsg) {
	if msg.seq != m.loadSeq {
		m.opts.Logger.Debug("dropping stale load", "seq", msg.seq, "want", m.loadSeq)
		return
	}
	m.loading = false
	m.loadErr = msg.err
	if msg.err != nil {
		m.opts.Logger.Error("load failed", "err", msg.err)
		m.refresh()
		return
	}

	m.loaded = msg.loaded
	if m.session == nil {
		sopts := []model.Option{model.WithCache(m.opts.Cache), model.WithLogger(m.opts.Logger)}
		if m.opts.Resolver != nil {
			sopts = append(sopts, model.WithResolver(*m.opts.Resolver))
		}
		m.session = model.NewSession(msg.loaded.ID, msg.loaded.Export, sopts...)
	} else {
		m.session = m.session.Replace(msg.loaded.ID, msg.loaded.Export)
	}
	m.renderer = render.New(m.session, render.WithDecode(m.opts.Decode))
	m.history = nil
	m.hasSel = false
	m.current.set = false
	m.opts.Logger.Info("export loaded", "id", msg.loaded.ID, "functions", m.session.Index().Len())

	m.updateFunctions()
	if m.opts.Start != nil {
		m.show(*m.opts.Start)
	} else if a, err := m.session.DefaultAddress(); err == nil {
		m.show(a)
	} else {
		m.status = err.Error()
	}
	m.refresh()
}

func (m *Model) updateFunctions() {
	ix := m.session.Index()
	entries := ix.FunctionEntries()
	items := make([]list.Item, len(entries))
	for i, a := range entries {
		items[i] = functionItem{
			address:   a,
			name:      m.renderer.FunctionName(a),
			flowGraph: ix.EntryFlowGraph(i),
		}
	}
	m.functions.SetItems(items)
	m.functions.Title = fmt.Sprintf("Functions (%d total)", len(items))
}

// show selects the function at a without touching the history.
func (m *Model) show(a model.Address) {
	m.sel = m.session.Select(a)
	m.hasSel = true
	m.current.address, m.current.set = a, m.sel.Found
	m.status = ""
	m.refresh()
	m.listing.GotoTop()
}

// Navigate shows the function at a and remembers the current one for Back.
func (m *Model) Navigate(a model.Address) {
	if m.session == nil {
		return
	}
	if m.hasSel {
		m.history = append(m.history, m.sel.Address)
	}
	m.show(a)
	m.mode = viewListing
}

// Back returns to the previously shown function. It reports false when the
// history is empty.
func (m *Model) Back() bool {
	if len(m.history) == 0 {
		return false
	}
	a := m.history[len(m.history)-1]
	m.history = m.history[:len(m.history)-1]
	m.show(a)
	m.mode = viewListing
	return true
}

// FollowCall navigates to the first call target of the current function
// that starts a flow graph.
func (m *Model) FollowCall() bool {
	if m.sel.Model == nil || m.renderer == nil {
		return false
	}
	targets := m.renderer.NavigableTargets(m.sel.Model)
	if len(targets) == 0 {
		m.status = "no navigable call targets"
		return false
	}
	m.Navigate(targets[0])
	return true
}

// Selection is what the listing currently shows.
func (m Model) Selection() (model.Selection, bool) {
	return m.sel, m.hasSel
}

func (m Model) History() []model.Address {
	return append([]model.Address(nil), m.history...)
}

func (m *Model) cycle(step int) {
	if m.session == nil {
		return
	}
	m.mode = viewMode((int(m.mode) + step + 3) % 3)
	if m.mode == viewInfo {
		m.refreshInfo()
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case exportLoadedMsg:
		m.applyLoad(msg)
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		m.refresh()
		return m, cmd

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			for _, vp := range []*viewport.Model{&m.listing, &m.info} {
				vp.SetWidth(msg.Width)
				vp.SetHeight(msg.Height - 2)
			}
			m.functions.SetWidth(msg.Width)
			m.functions.SetHeight(msg.Height - 2)
			m.refresh()
		}

	case tea.KeyMsg:
		key := msg.String()
		if key == "ctrl+c" {
			return m, tea.Quit
		}
		if m.mode == viewFunctions && m.functions.FilterState() == list.Filtering {
			break
		}
		switch key {
		case "q":
			return m, tea.Quit
		case "tab":
			m.cycle(1)
			return m, nil
		case "shift+tab":
			m.cycle(-1)
			return m, nil
		case "esc":
			if m.mode == viewFunctions && m.functions.FilterState() != list.Unfiltered {
				break
			}
			if !m.Back() {
				m.mode = viewListing
			}
			return m, nil
		case "enter":
			if m.mode == viewFunctions {
				if it, ok := m.functions.SelectedItem().(functionItem); ok {
					m.Navigate(it.address)
				}
				return m, nil
			}
		case "c":
			if m.mode == viewListing {
				m.FollowCall()
				m.refresh()
				return m, nil
			}
		case "ctrl+r":
			return m, m.Reload()
		}
	}

	switch m.mode {
	case viewFunctions:
		m.functions, cmd = m.functions.Update(msg)
	case viewInfo:
		m.info, cmd = m.info.Update(msg)
	default:
		m.listing, cmd = m.listing.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	var content string
	switch m.mode {
	case viewFunctions:
		content = m.functions.View()
	case viewInfo:
		content = m.info.View()
	default:
		content = m.listing.View()
	}

	var menu string
	switch {
	case m.session == nil:
		menu = " Q: quit "
	case m.mode == viewFunctions:
		menu = " Enter: show • /: filter • Esc: back • Tab: cycle • Q: quit "
	case m.mode == viewInfo:
		menu = " Esc: back • Tab: cycle • Q: quit "
	default:
		menu = " C: follow call • Esc: back • Tab: cycle • Q: quit "
	}
	return m.statusLine() + "\n" + content + "\n" + styles.Menu(m.width).Render(menu)
}

func (m Model) statusLine() string {
	parts := []string{"binmerchant"}
	if m.session != nil {
		parts = append(parts, m.session.Meta().ArchitectureName)
	}
	if m.hasSel {
		parts = append(parts, m.sel.Address.Hex())
		if m.sel.Found {
			parts = append(parts, m.renderer.FunctionName(m.sel.Address))
		}
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	return styles.Status.Width(m.width).Render(strings.Join(parts, " • "))
}

// refresh rebuilds the listing content for the current state.
func (m *Model) refresh() {
	switch {
	case m.loading:
		m.listing.SetContent(fmt.Sprintf("\n  %s Loading export...", m.spinner.View()))
	case m.loadErr != nil:
		m.listing.SetContent(styles.Placeholder.Render("could not load export: " + m.loadErr.Error()))
	case !m.hasSel:
		m.listing.SetContent(styles.Placeholder.Render("nothing to show"))
	default:
		m.listing.SetContent(m.listingContent())
	}
	if m.mode == viewInfo {
		m.refreshInfo()
	}
}

func (m Model) listingContent() string {
	sel := m.sel
	switch {
	case !sel.Found:
		return styles.Placeholder.Render(fmt.Sprintf("no function starts at %s", sel.Address.Hex()))
	case sel.Err != nil:
		return styles.Placeholder.Render(fmt.Sprintf("could not build flow graph %d:\n\n%v", sel.FlowGraph, sel.Err))
	}
	return m.renderer.Listing(sel.Model, colorize.Enabled())
}

// InfoMarkdown describes the loaded export.
func (m Model) InfoMarkdown() string {
	if m.session == nil {
		return "# binmerchant\n\nNo export loaded."
	}
	meta := m.session.Meta()
	e := m.session.Export()

	name := meta.ExecutableName
	if name == "" {
		name = filepath.Base(m.loaded.Path)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", name)
	fmt.Fprintf(&b, "- **architecture** %s\n", meta.ArchitectureName)
	fmt.Fprintf(&b, "- **executable id** `%s`\n", meta.ExecutableID)
	fmt.Fprintf(&b, "- **export** `%s` (%s)\n", filepath.Base(m.loaded.Path), humanize.Bytes(uint64(m.loaded.Size)))
	fmt.Fprintf(&b, "- **export sha256** `%s`\n", m.loaded.ID)
	if m.hasSel {
		fmt.Fprintf(&b, "- **current address** `%s`\n", m.sel.Address.Hex())
	}
	fmt.Fprintf(&b, "\n## Counts\n\n")
	fmt.Fprintf(&b, "- %s functions with an address\n", humanize.Comma(int64(m.session.Index().Len())))
	fmt.Fprintf(&b, "- %s flow graphs\n", humanize.Comma(int64(len(e.FlowGraphs))))
	fmt.Fprintf(&b, "- %s basic blocks\n", humanize.Comma(int64(len(e.BasicBlocks))))
	fmt.Fprintf(&b, "- %s instructions\n", humanize.Comma(int64(len(e.Instructions))))
	return b.String()
}

func (m *Model) refreshInfo() {
	width := m.width
	if width <= 2 {
		width = 80
	}
	m.info.SetContent(strings.TrimSuffix(styles.RenderMarkdown(m.InfoMarkdown(), width-2), "\n"))
}
