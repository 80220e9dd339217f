package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/v2/list"
	tea "github.com/charmbracelet/bubbletea/v2"

	"binmerchant/internal/binmerchant/styles"
	"binmerchant/internal/model"
)

// functionItem is one row of the functions list.
type functionItem struct {
	address   model.Address
	name      string
	flowGraph int
}

func (i functionItem) Title() string       { return fmt.Sprintf("%s  %s", i.address.Hex(), i.name) }
func (i functionItem) Description() string { return "" }

func (i functionItem) FilterValue() string {
	return i.address.Hex() + " " + i.name
}

// marker is the function shown in the listing. It is shared by pointer
// between the model and the list delegate.
type marker struct {
	address model.Address
	set     bool
}

// itemDelegate draws function rows on one line, marking the selected row and
// the function currently shown in the listing.
type itemDelegate struct {
	current *marker
}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(functionItem)
	if !ok {
		return
	}

	indicator := " "
	addrStyle := styles.Address
	if index == m.Index() {
		indicator = ">"
		addrStyle = styles.Selected
	}
	name := styles.Name.Render(i.name)
	if d.current != nil && d.current.set && d.current.address == i.address {
		indicator = "*"
		name = styles.Current.Render(i.name)
	}

	fmt.Fprintf(w, " %s  %s  %s", indicator, addrStyle.Render(i.address.Hex()), name)
}
