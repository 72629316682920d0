package reporting

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/sarchlab/hangwatch/sampling"
	"github.com/sarchlab/hangwatch/tracking"
)

const maxListedCalls = 10

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Report renders the text report of an export.
func Report(exp Export) string {
	var buf bytes.Buffer

	_ = RenderReport(&buf, exp)

	return buf.String()
}

// RenderReport writes a human-readable report of an export.
func RenderReport(w io.Writer, exp Export) error {
	r := reportWriter{w: w}

	r.line("%s", titleStyle.Render("Hang Monitoring Report"))
	r.line("%s", dimStyle.Render(strings.Repeat("═", 60)))
	r.renderSession(exp)
	r.renderCalls(exp.Final.Summary)
	r.renderResources(exp.Snapshots)
	r.renderFlagged(exp)
	r.renderFailed(exp)
	r.renderAlerts(exp.Snapshots)

	return r.err
}

type reportWriter struct {
	w   io.Writer
	err error
}

func (r *reportWriter) line(format string, args ...any) {
	if r.err != nil {
		return
	}

	_, r.err = fmt.Fprintf(r.w, format+"\n", args...)
}

func (r *reportWriter) section(title string) {
	r.line("")
	r.line("%s", sectionStyle.Render(title))
}

func (r *reportWriter) renderSession(exp Export) {
	if exp.SessionID != "" {
		r.line("Session:   %s", exp.SessionID)
	}

	if !exp.StartedAt.IsZero() {
		r.line("Started:   %s (%s)",
			exp.StartedAt.Format(time.RFC3339), humanize.Time(exp.StartedAt))
	}

	if !exp.StartedAt.IsZero() && !exp.ExportedAt.IsZero() {
		r.line("Duration:  %s", formatDuration(exp.ExportedAt.Sub(exp.StartedAt)))
	}

	r.line("Threshold: %s", formatDuration(exp.Config.TimeoutThreshold))
	r.line("Snapshots: %s", humanize.Comma(int64(len(exp.Snapshots))))
}

func (r *reportWriter) renderCalls(stats tracking.Stats) {
	r.section("Calls")

	hanging := okStyle.Render("0")
	if stats.TotalHanging > 0 {
		hanging = errorStyle.Render(fmt.Sprint(stats.TotalHanging))
	}

	r.line("  Active:    %d", stats.TotalActive)
	r.line("  Hanging:   %s", hanging)
	r.line("  Finalized: %s", humanize.Comma(int64(stats.TotalFinalized)))
	r.line("  Retained:  %d", stats.TotalCompleted)

	if stats.TotalCompleted > 0 {
		r.line("  Duration:  min %s / avg %s / max %s",
			formatDuration(stats.MinDuration),
			formatDuration(stats.AverageDuration),
			formatDuration(stats.MaxDuration))
	}

	if stats.Evicted > 0 {
		r.line("  %s", warnStyle.Render(fmt.Sprintf(
			"%d calls evicted at capacity", stats.Evicted)))
	}

	if stats.UnknownFinalizes > 0 {
		r.line("  %s", dimStyle.Render(fmt.Sprintf(
			"%d finalizations for unknown calls", stats.UnknownFinalizes)))
	}
}

func (r *reportWriter) renderResources(snapshots []sampling.Snapshot) {
	if len(snapshots) == 0 {
		return
	}

	p := Peaks(snapshots)

	r.section("Resources (peak)")
	r.line("  RSS:       %s", humanize.IBytes(p.RSS))
	r.line("  Heap:      %s", humanize.IBytes(p.HeapUsed))
	r.line("  CPU:       %.1f%%", p.CPUPercent)
	r.line("  Lag:       %s", formatDuration(p.EventLoopLag))

	if p.SampleErrors > 0 {
		r.line("  %s", warnStyle.Render(fmt.Sprintf(
			"%d samples without resource data", p.SampleErrors)))
	}
}

func (r *reportWriter) renderFlagged(exp Export) {
	calls := FlaggedCalls(exp)

	r.section(fmt.Sprintf("Hanging calls (%d)", len(calls)))

	if len(calls) == 0 {
		r.line("  %s", okStyle.Render("No hanging calls detected."))
		return
	}

	rows := [][]string{}
	for i, c := range calls {
		if i == maxListedCalls {
			break
		}

		rows = append(rows, []string{
			c.Entry.Name,
			formatDuration(c.Elapsed),
			string(c.Entry.Status),
			formatLocation(c.Entry.Location),
			formatMetadata(c.Entry.Metadata),
		})
	}

	r.table([]string{"NAME", "ELAPSED", "STATUS", "LOCATION", "METADATA"}, rows)

	if len(calls) > maxListedCalls {
		r.line("  %s", dimStyle.Render(fmt.Sprintf("... and %d more",
			len(calls)-maxListedCalls)))
	}
}

func (r *reportWriter) renderFailed(exp Export) {
	failed := FailedCalls(exp)
	if len(failed) == 0 {
		return
	}

	r.section(fmt.Sprintf("Failed calls (%d)", len(failed)))

	rows := [][]string{}
	for i, e := range failed {
		if i == maxListedCalls {
			break
		}

		status := errorStyle.Render(string(e.Status))
		if e.Status == tracking.StatusTimeout {
			status = warnStyle.Render(string(e.Status))
		}

		rows = append(rows, []string{
			e.Name,
			formatDuration(e.Elapsed(exp.ExportedAt)),
			status,
			e.Error,
		})
	}

	r.table([]string{"NAME", "DURATION", "STATUS", "ERROR"}, rows)
}

func (r *reportWriter) renderAlerts(snapshots []sampling.Snapshot) {
	counts := AlertCounts(snapshots)
	if len(counts) == 0 {
		return
	}

	r.section("Alerts")

	for _, kind := range []sampling.AlertKind{
		sampling.AlertHanging,
		sampling.AlertMemory,
		sampling.AlertCPU,
		sampling.AlertEventLoopLag,
	} {
		if counts[kind] > 0 {
			r.line("  %-13s %d", kind, counts[kind])
		}
	}
}

func (r *reportWriter) table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)

	r.line("%s", t.String())
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(time.Microsecond).String()
	default:
		return d.String()
	}
}

func formatLocation(l tracking.Location) string {
	if l.IsZero() {
		return "-"
	}

	return fmt.Sprintf("%s (%s:%d)", l.FunctionName, shortFile(l.FileName), l.LineNumber)
}

func shortFile(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}

	return path
}

func formatMetadata(md *tracking.Metadata) string {
	if md.Len() == 0 {
		return "-"
	}

	parts := make([]string, 0, md.Len())
	for _, k := range md.Keys() {
		v, _ := md.Get(k)
		parts = append(parts, k+"="+v.Text())
	}

	return strings.Join(parts, " ")
}
