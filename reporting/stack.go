package reporting

import (
	"fmt"
	"io"
	"time"

	"github.com/sarchlab/hangwatch/tracking"
)

// RenderStack writes the hanging, active and recent calls of a summary as
// tables. Elapsed times of active calls are measured at now.
func RenderStack(w io.Writer, s CallStackSummary, now time.Time) error {
	r := reportWriter{w: w}

	r.line("%s", titleStyle.Render("Call Stack"))
	r.line("Active %d | Hanging %d | Finalized %d",
		s.Summary.TotalActive, s.Summary.TotalHanging, s.Summary.TotalFinalized)

	r.stackSection("Hanging", s.Hanging, now)
	r.stackSection("Active", s.Active, now)
	r.stackSection("Recent", s.Recent, now)

	return r.err
}

func (r *reportWriter) stackSection(
	title string,
	entries []tracking.Entry,
	now time.Time,
) {
	r.section(fmt.Sprintf("%s (%d)", title, len(entries)))

	if len(entries) == 0 {
		r.line("  %s", dimStyle.Render("none"))
		return
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := string(e.Status)

		switch {
		case e.Status == tracking.StatusError:
			status = errorStyle.Render(status)
		case e.Status == tracking.StatusTimeout || e.WasFlaggedHanging:
			status = warnStyle.Render(status)
		}

		rows = append(rows, []string{
			e.ID,
			e.Name,
			status,
			formatDuration(e.Elapsed(now)),
			formatLocation(e.Location),
			formatMetadata(e.Metadata),
		})
	}

	r.table([]string{"ID", "NAME", "STATUS", "ELAPSED", "LOCATION", "METADATA"}, rows)
}
