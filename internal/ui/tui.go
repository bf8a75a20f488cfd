// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the status screen
package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// QuitMsg signals that the user asked to quit
type QuitMsg struct{}

// Control lets the rest of the program observe user actions
type Control struct {
	Quit chan QuitMsg
	once sync.Once
}

// NewControl creates a control handler
func NewControl() *Control {
	return &Control{Quit: make(chan QuitMsg, 1)}
}

func (c *Control) requestQuit() {
	if c == nil {
		return
	}
	c.once.Do(func() { c.Quit <- QuitMsg{} })
}

// NewModel creates a new TUI model
func NewModel(ctrl *Control) Model {
	return Model{
		state:   "created",
		control: ctrl,
	}
}

// New builds the program; the caller runs it
func New(ctrl *Control, opts ...tea.ProgramOption) *tea.Program {
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	return tea.NewProgram(NewModel(ctrl), opts...)
}
