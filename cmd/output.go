package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/carbonblack/ntloadorder/loadorder"
)

const none = "<none>"

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	kernelStyle = cellStyle.Foreground(lipgloss.Color("12"))
)

func writeEntries(w io.Writer, entries []loadorder.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	_, err := fmt.Fprintln(w, renderTable(entries))
	return err
}

func entryRow(i int, entry loadorder.Entry) []string {
	group := none
	if entry.Group != nil {
		group = entry.Group.DisplayName
	}
	tag := none
	if entry.Tag != nil {
		tag = strconv.FormatUint(uint64(*entry.Tag), 10)
	}
	return []string{strconv.Itoa(i + 1), group, tag, entry.Name, entry.ImagePath, entry.Reason}
}

// renderTable renders entries with one row per entry, kernel binaries
// highlighted.
func renderTable(entries []loadorder.Entry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "Group", "Tag", "Name", "Image Path", "Reason").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row < len(entries) && entries[row].IsKernelBinary:
				return kernelStyle
			default:
				return cellStyle
			}
		})

	for i, entry := range entries {
		t.Row(entryRow(i, entry)...)
	}
	return t.Render()
}
