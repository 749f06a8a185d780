package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NoelleStern/Tappi-share/internal/transfer"
	"github.com/NoelleStern/Tappi-share/internal/utils"
)

// TransferMode represents send or receive
type TransferMode int

const (
	ModeSend TransferMode = iota
	ModeReceive
)

// TickMsg is sent periodically to refresh speeds
type TickMsg time.Time

type eventMsg transfer.Event

type streamClosedMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

type fileRow struct {
	name   string
	size   int64
	bytes  int64
	status transfer.Status
	err    error
}

// ProgressModel renders per-file progress from a transfer's event stream.
type ProgressModel struct {
	mode    TransferMode
	files   []*fileRow
	bars    []progress.Model
	spinner spinner.Model
	meter   *utils.RateMeter

	total    int64
	moved    int64
	started  time.Time
	finished bool
	result   transfer.Event
}

func NewProgressModel(mode TransferMode, m *transfer.Manifest) *ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	pm := &ProgressModel{
		mode:    mode,
		files:   make([]*fileRow, len(m.Entries)),
		bars:    make([]progress.Model, len(m.Entries)),
		spinner: s,
		meter:   utils.NewRateMeter(),
		total:   m.TotalSize(),
		started: time.Now(),
	}
	for i, e := range m.Entries {
		pm.files[i] = &fileRow{name: e.Path, size: e.Size}
		pm.bars[i] = progress.New(
			progress.WithGradient(ProgressStart, ProgressEnd),
			progress.WithWidth(25),
			progress.WithoutPercentage(),
		)
	}
	return pm
}

// Apply folds one event into the model.
func (m *ProgressModel) Apply(ev transfer.Event) {
	if ev.File == -1 {
		m.finished = true
		m.result = ev
		return
	}
	if ev.File < 0 || ev.File >= len(m.files) {
		return
	}

	f := m.files[ev.File]
	if delta := ev.Bytes - f.bytes; delta > 0 {
		m.moved += delta
		m.meter.Record(delta)
	}
	f.bytes = ev.Bytes
	f.status = ev.Status
	f.err = ev.Err
}

func (m *ProgressModel) Finished() bool {
	return m.finished
}

func (m *ProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m.Apply(transfer.Event(msg))
		if m.finished {
			return m, tea.Quit
		}

	case streamClosedMsg:
		m.finished = true
		return m, tea.Quit

	case tea.WindowSizeMsg:
		for i := range m.bars {
			m.bars[i].Width = max(10, min(25, msg.Width-60))
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case TickMsg:
		m.meter.Record(0)
		if !m.finished {
			return m, tickCmd()
		}
	}
	return m, nil
}

func (m *ProgressModel) View() string {
	var b strings.Builder

	modeIcon, modeText := IconSend, "Sending"
	if m.mode == ModeReceive {
		modeIcon, modeText = IconReceive, "Receiving"
	}
	b.WriteString(fmt.Sprintf("\n%s %s %d file(s)\n\n", modeIcon, modeText, len(m.files)))

	var overall float64
	if m.total > 0 {
		overall = float64(m.moved) / float64(m.total) * 100
	}
	b.WriteString(fmt.Sprintf("%s Overall: %.1f%% (%s/%s) %s\n\n",
		IconTransfer,
		overall,
		utils.FormatSize(m.moved),
		utils.FormatSize(m.total),
		MutedStyle.Render(utils.FormatSpeed(m.meter.Speed())),
	))

	for i, f := range m.files {
		var icon string
		var nameStyle lipgloss.Style

		switch f.status {
		case transfer.Failed:
			icon, nameStyle = IconError, ErrorStyle
		case transfer.Completed:
			icon, nameStyle = IconSuccess, SuccessStyle
		case transfer.InProgress:
			icon, nameStyle = m.spinner.View(), lipgloss.NewStyle()
		default:
			icon, nameStyle = "○", MutedStyle
		}

		b.WriteString(fmt.Sprintf("  %s %s ", icon, nameStyle.Width(27).Render(truncateString(f.name, 25))))

		if f.size > 0 {
			ratio := float64(f.bytes) / float64(f.size)
			b.WriteString(m.bars[i].ViewAs(ratio))
			b.WriteString(fmt.Sprintf(" %5.1f%%", ratio*100))
		}

		if f.status == transfer.Failed && f.err != nil {
			b.WriteString(ErrorStyle.Render(" " + truncateString(f.err.Error(), 40)))
		}
		b.WriteString("\n")
	}

	if m.finished {
		b.WriteString("\n")
	} else {
		b.WriteString("\n" + MutedStyle.Render("Press Ctrl+C to cancel") + "\n")
	}
	return b.String()
}

// RunProgress renders tr until its event stream ends. Input and signals
// are left to the caller, whose context owns cancellation.
func RunProgress(mode TransferMode, tr *transfer.Transfer) error {
	model := NewProgressModel(mode, tr.Manifest())
	p := tea.NewProgram(model,
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)

	go func() {
		for ev := range tr.Events() {
			p.Send(eventMsg(ev))
		}
		p.Send(streamClosedMsg{})
	}()

	_, err := p.Run()
	return err
}
