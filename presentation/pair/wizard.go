// Package pair implements the pairing wizard for the auxiliary CLI `pair`
// process described in spec.md §9: it issues a one-time pairing token
// through the same trust store the daemon reads, independently of
// whether the daemon is currently running, and renders the pairing QR
// payload and fingerprint for the user to scan or copy. The small
// Init/Update/View model mirrors the teacher's presentation/bubble_tea
// models (selector.go, text_area.go), generalized from a multi-step VPN
// configurator down to this wizard's single prompt.
package pair

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Result is what a successful pairing issues: enough for the user to
// scan a QR code or type a fingerprint by hand.
type Result struct {
	Token       string
	Host        string
	Port        uint16
	Fingerprint string
	QR          string
	ExpiresAt   time.Time
}

// IssueFunc performs the actual token issuance; main wires it to the
// trust store. It is a function, not an interface, so tests can fake the
// whole trust store with a closure.
type IssueFunc func(deviceName string) (Result, error)

type wizardState int

const (
	stateInput wizardState = iota
	stateDone
	stateError
)

// Model is the bubbletea model driving the wizard's single prompt.
type Model struct {
	input textinput.Model
	issue IssueFunc

	state  wizardState
	result Result
	err    error
}

// NewModel builds a wizard that, on Enter, calls issue with the typed
// device name.
func NewModel(issue IssueFunc) Model {
	ti := textinput.New()
	ti.Placeholder = "this device's name (e.g. \"Alex's iPhone\")"
	ti.Focus()
	ti.CharLimit = 64
	ti.Width = 40

	return Model{input: ti, issue: issue, state: stateInput}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateInput:
				name := m.input.Value()
				if name == "" {
					name = "unnamed device"
				}
				res, err := m.issue(name)
				if err != nil {
					m.err = err
					m.state = stateError
					return m, nil
				}
				m.result = res
				m.state = stateDone
				return m, nil
			default:
				return m, tea.Quit
			}
		}
	}

	if m.state == stateInput {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	switch m.state {
	case stateDone:
		return fmt.Sprintf(
			"%s\n\n  host:        %s\n  port:        %d\n  fingerprint: %s\n  token:       %s\n  expires:     %s\n\n%s\n%s\n\n%s",
			titleStyle.Render("Pairing token issued"),
			m.result.Host, m.result.Port, m.result.Fingerprint, m.result.Token,
			m.result.ExpiresAt.Format(time.RFC3339),
			dimStyle.Render("Scan this payload as a QR code, or paste it into the client app:"),
			m.result.QR,
			dimStyle.Render("Press Enter or Esc to exit."),
		)
	case stateError:
		return fmt.Sprintf("%s\n\n%s\n\n%s",
			titleStyle.Render("Phantom pairing"),
			errStyle.Render(fmt.Sprintf("failed to issue pairing token: %v", m.err)),
			dimStyle.Render("Press Enter or Esc to exit."),
		)
	default:
		return fmt.Sprintf("%s\n\n%s\n\n%s",
			titleStyle.Render("Phantom pairing"),
			m.input.View(),
			dimStyle.Render("Enter a name for the device you're pairing, then press Enter."),
		)
	}
}
