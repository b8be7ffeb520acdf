package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column describes one table column. A positive maxWidth truncates longer
// cells with an ellipsis.
type column struct {
	header   string
	align    text.Align
	maxWidth int
}

func textColumn(header string) column { return column{header: header, align: text.AlignLeft} }

func numberColumn(header string) column { return column{header: header, align: text.AlignRight} }

func (c column) capped(width int) column {
	c.maxWidth = width
	return c
}

// renderTable draws rows under columns. Short rows are padded; a non-empty
// footer is drawn below the rows.
func renderTable(columns []column, rows [][]string, footer ...string) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(padRow(headers(columns), len(columns)))
	for _, row := range rows {
		tw.AppendRow(padRow(row, len(columns)))
	}
	if len(footer) > 0 {
		tw.AppendFooter(padRow(footer, len(columns)))
	}

	configs := make([]table.ColumnConfig, 0, len(columns))
	for i, c := range columns {
		cfg := table.ColumnConfig{
			Number:      i + 1,
			Align:       c.align,
			AlignFooter: c.align,
			AlignHeader: text.AlignLeft,
		}
		if c.maxWidth > 0 {
			cfg.WidthMax = c.maxWidth
			cfg.WidthMaxEnforcer = truncate
		}
		configs = append(configs, cfg)
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func headers(columns []column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.header
	}
	return out
}

func padRow(cells []string, width int) table.Row {
	row := make(table.Row, width)
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		} else {
			row[i] = ""
		}
	}
	return row
}
