package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/NoelleStern/Tappi-share/internal/history"
	"github.com/NoelleStern/Tappi-share/internal/transfer"
	"github.com/NoelleStern/Tappi-share/internal/utils"
)

func newPrettyTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

// SummaryView renders the outcome of a finished transfer, listing any files
// that did not make it.
func SummaryView(res transfer.Result) string {
	status := IconSuccess + " Complete"
	if res.Status != transfer.Completed {
		status = IconError + " Failed"
	}

	var speed float64
	if secs := res.Duration.Seconds(); secs > 0 {
		speed = float64(res.Bytes) / secs
	}

	t := newPrettyTable(nil, "📊 Transfer Summary")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Status", status},
		{"Files", fmt.Sprintf("%d of %d", len(res.Files)-len(res.FailedFiles()), len(res.Files))},
		{"Transferred", utils.FormatSize(res.Bytes)},
		{"Duration", utils.FormatTimeDuration(res.Duration)},
		{"Avg Speed", utils.FormatSpeed(speed)},
	})
	if res.Err != nil {
		t.AppendRow(table.Row{"Error", res.Err.Error()})
	}
	view := t.Render()

	failed := res.FailedFiles()
	if len(failed) == 0 {
		return view
	}

	ft := newPrettyTable(nil, "Failed files")
	ft.AppendHeader(table.Row{"File", "Bytes", "Reason"})
	for _, f := range failed {
		reason := "-"
		if f.Err != nil {
			reason = truncateString(f.Err.Error(), 60)
		}
		ft.AppendRow(table.Row{f.Path, fmt.Sprintf("%s / %s", utils.FormatSize(f.Bytes), utils.FormatSize(f.Total)), reason})
	}
	return view + "\n" + ft.Render()
}

func RenderSummary(res transfer.Result) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, SummaryView(res))
}

// RenderHistory prints ledger records to w.
func RenderHistory(w io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, MutedStyle.Render("No transfers recorded yet"))
		return
	}

	t := newPrettyTable(w, "")
	t.AppendHeader(table.Row{"When", "Dir", "Peer", "File", "Size", "Status", "Reason"})
	for _, r := range records {
		peer := r.Peer
		if peer == "" {
			peer = "-"
		}
		t.AppendRow(table.Row{
			r.Finished().Format(time.DateTime),
			r.Direction,
			peer,
			truncateString(r.Path, 40),
			utils.FormatSize(r.Size),
			r.Status,
			truncateString(r.Reason, 40),
		})
	}
	t.Render()
}
