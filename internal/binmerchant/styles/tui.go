// Package styles holds the colors of the browser: glamour styles for the info
// pane and lipgloss styles for lists, status and menu bars.
package styles

import (
	"github.com/charmbracelet/lipgloss/v2"
)

var (
	Title       = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).MarginLeft(2)
	Spinner     = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	Selected    = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	Address     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	Name        = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	Current     = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	Placeholder = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Padding(1, 2)
	Status      = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Background(lipgloss.Color("237")).Padding(0, 1)
)

// Menu is the bottom key bar, stretched to width.
func Menu(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(width)
}
