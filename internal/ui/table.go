package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/NoelleStern/Tappi-share/internal/utils"
)

// FileTableItem represents a file in the table
type FileTableItem struct {
	Index int
	Name  string
	Size  int64
	Type  string
}

// FileTable renders a manifest using lipgloss/table
type FileTable struct {
	items    []FileTableItem
	showType bool
}

func NewFileTable(items []FileTableItem) *FileTable {
	return &FileTable{
		items:    items,
		showType: true,
	}
}

// HideType hides the file type column
func (t *FileTable) HideType() *FileTable {
	t.showType = false
	return t
}

func (t *FileTable) View() string {
	if len(t.items) == 0 {
		return MutedStyle.Render("No files")
	}

	headers := []string{"#", "Name", "Size"}
	if t.showType {
		headers = append(headers, "Type")
	}

	var rows [][]string
	var total int64
	for _, item := range t.items {
		row := []string{fmt.Sprintf("%d", item.Index), truncateString(item.Name, 50), utils.FormatSize(item.Size)}
		if t.showType {
			row = append(row, truncateString(item.Type, 20))
		}
		rows = append(rows, row)
		total += item.Size
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	footer := MutedStyle.Render(fmt.Sprintf("%d file(s), %s", len(t.items), utils.FormatSize(total)))
	return tbl.Render() + "\n" + footer
}

func RenderFileTable(items []FileTableItem) {
	fmt.Fprintln(out, NewFileTable(items).View())
}

// PairingInfo tells the user how the peer can find this session.
type PairingInfo struct {
	Mode   string
	Local  string
	Remote string
	Where  string
}

func (p PairingInfo) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Signaling over %s\n\n", IconLink, BoldStyle.Foreground(Primary).Render(p.Mode))
	if p.Local != "" {
		fmt.Fprintf(&b, "%s You:   %s\n", IconCopy, BoldStyle.Render(p.Local))
	}
	if p.Remote != "" {
		fmt.Fprintf(&b, "%s Peer:  %s\n", IconPeer, BoldStyle.Render(p.Remote))
	}
	if p.Where != "" {
		fmt.Fprintf(&b, "%s Via:   %s", IconConnect, MutedStyle.Render(p.Where))
	}
	return PairingBoxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func RenderPairingInfo(p PairingInfo) {
	fmt.Fprintln(out, p.View())
}
