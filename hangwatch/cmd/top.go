package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sarchlab/hangwatch/reporting"
	"github.com/sarchlab/hangwatch/tracking"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Watch the calls of a running session live.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		refresh, _ := cmd.Flags().GetDuration("refresh")
		if refresh <= 0 {
			return fmt.Errorf("refresh interval must be positive, got %s", refresh)
		}

		c := newClient(addr)
		model := newTopModel(c.Summary, refresh)

		p := tea.NewProgram(model, tea.WithAltScreen())
		_, err := p.Run()

		return err
	},
}

func init() {
	rootCmd.AddCommand(topCmd)
	topCmd.Flags().String("addr", defaultAddr,
		"Address of a running monitoring session")
	topCmd.Flags().Duration("refresh", time.Second, "Refresh interval")
}

var (
	topTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	topHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62"))
	topHangingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	topDimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type tickMsg time.Time

type summaryMsg struct {
	summary reporting.CallStackSummary
	err     error
}

type topModel struct {
	fetch    func() (reporting.CallStackSummary, error)
	interval time.Duration
	now      func() time.Time

	summary reporting.CallStackSummary
	fetched time.Time
	err     error
	paused  bool
	height  int
}

func newTopModel(
	fetch func() (reporting.CallStackSummary, error),
	interval time.Duration,
) topModel {
	return topModel{
		fetch:    fetch,
		interval: interval,
		now:      time.Now,
		summary:  reporting.EmptyCallStackSummary(),
	}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetchOnce(m.fetch))
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchOnce(fetch func() (reporting.CallStackSummary, error)) tea.Cmd {
	return func() tea.Msg {
		s, err := fetch()
		return summaryMsg{summary: s, err: err}
	}
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p", " ":
			m.paused = !m.paused
		}
	case tea.WindowSizeMsg:
		m.height = msg.Height
	case tickMsg:
		if m.paused {
			return m, tick(m.interval)
		}
		return m, tea.Batch(tick(m.interval), fetchOnce(m.fetch))
	case summaryMsg:
		m.err = msg.err
		if msg.err == nil {
			m.summary = msg.summary
			m.fetched = m.now()
		}
	}

	return m, nil
}

func (m topModel) View() string {
	var b strings.Builder

	s := m.summary.Summary
	b.WriteString(topTitleStyle.Render("hangwatch top"))
	b.WriteString(fmt.Sprintf("  active %d  hanging %s  finalized %d  evicted %d\n",
		s.TotalActive, topHangingStyle.Render(fmt.Sprint(s.TotalHanging)),
		s.TotalFinalized, s.Evicted))

	if m.err != nil {
		b.WriteString(topHangingStyle.Render("error: "+m.err.Error()) + "\n")
	}

	if m.paused {
		b.WriteString(topDimStyle.Render("paused") + "\n")
	}

	b.WriteString("\n")
	b.WriteString(topHeaderStyle.Render(
		fmt.Sprintf("%-24s %-12s %-10s %s", "NAME", "ELAPSED", "STATUS", "LOCATION")))
	b.WriteString("\n")

	hanging := make(map[string]bool, len(m.summary.Hanging))
	for _, e := range m.summary.Hanging {
		hanging[e.ID] = true
	}

	rows := m.maxRows()
	for i, e := range m.summary.Active {
		if i == rows {
			b.WriteString(topDimStyle.Render(fmt.Sprintf("... %d more",
				len(m.summary.Active)-rows)) + "\n")
			break
		}

		b.WriteString(m.row(e, hanging[e.ID]))
	}

	b.WriteString("\n" + topDimStyle.Render("q quit, p pause") + "\n")

	return b.String()
}

func (m topModel) maxRows() int {
	if m.height <= 8 {
		return 20
	}

	return m.height - 8
}

func (m topModel) row(e tracking.Entry, isHanging bool) string {
	at := m.fetched
	if at.IsZero() {
		at = m.now()
	}

	location := "-"
	if !e.Location.IsZero() {
		location = fmt.Sprintf("%s:%d", e.Location.FunctionName, e.Location.LineNumber)
	}

	line := fmt.Sprintf("%-24s %-12s %-10s %s",
		truncate(e.Name, 24),
		e.Elapsed(at).Round(time.Millisecond),
		e.Status,
		location)

	if isHanging {
		line = topHangingStyle.Render(line)
	}

	return line + "\n"
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n-1]) + "~"
}
