package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"

	"github.com/agentgraph/runtime/internal/convstore"
)

// fsEventMsg wraps one fsnotify event for the bubbletea update loop.
type fsEventMsg struct{ event fsnotify.Event }

// fsErrMsg wraps a watcher error; the model logs it in the footer and keeps
// running rather than exiting, matching the teacher's pager's tolerance of a
// flaky filesystem.
type fsErrMsg struct{ err error }

// watchModel is a live-tailing bubbletea program: it re-reads a
// ConversationStore's directory every time fsnotify reports a new part file
// and re-renders the viewport content.
type watchModel struct {
	sessionID string
	nodeID    string
	dir       string
	store     *convstore.Store
	vp        viewport.Model
	watcher   *fsnotify.Watcher
	lastErr   error
	lastCount int
}

// Watch launches an interactive terminal program that tails dir (a
// convstore Store's root, "conversations/{nodeId}/") and live-renders new
// messages as they are appended. It blocks until the user quits (q or
// ctrl+c).
func Watch(sessionID, nodeID, dir string) error {
	store, err := convstore.Open(dir)
	if err != nil {
		return fmt.Errorf("replay: open conversation store: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("replay: create watcher: %w", err)
	}
	partsDir := filepath.Join(dir, "parts")
	if err := os.MkdirAll(partsDir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("replay: create parts dir: %w", err)
	}
	if err := watcher.Add(partsDir); err != nil {
		watcher.Close()
		return fmt.Errorf("replay: watch parts dir: %w", err)
	}

	m := &watchModel{
		sessionID: sessionID,
		nodeID:    nodeID,
		dir:       dir,
		store:     store,
		vp:        viewport.New(100, 30),
		watcher:   watcher,
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	watcher.Close()
	return err
}

func (m *watchModel) Init() tea.Cmd {
	return tea.Batch(m.pollWatcher(), m.refresh())
}

// pollWatcher blocks on the fsnotify channel and turns the next event into a
// bubbletea message; Update re-issues this after each event so the program
// keeps listening.
func (m *watchModel) pollWatcher() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			return fsEventMsg{event: ev}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			return fsErrMsg{err: err}
		}
	}
}

// refresh reads every message currently on disk and re-renders the viewport
// content; called on startup and after every filesystem event.
func (m *watchModel) refresh() tea.Cmd {
	return func() tea.Msg {
		msgs, err := m.store.ReadFrom(0)
		if err != nil {
			return fsErrMsg{err: err}
		}
		return renderedMsg{content: Render(m.sessionID, m.nodeID, msgs), count: len(msgs)}
	}
}

type renderedMsg struct {
	content string
	count   int
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.vp.Width = msg.Width
		m.vp.Height = msg.Height - 1
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case fsEventMsg:
		return m, tea.Batch(m.pollWatcher(), m.refresh())
	case fsErrMsg:
		m.lastErr = msg.err
		return m, m.pollWatcher()
	case renderedMsg:
		m.lastCount = msg.count
		atBottom := m.vp.AtBottom()
		m.vp.SetContent(msg.content)
		if atBottom {
			m.vp.GotoBottom()
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m *watchModel) View() string {
	footer := dimStyle.Render(fmt.Sprintf("%d messages · %s", m.lastCount, time.Now().Format("15:04:05")))
	if m.lastErr != nil {
		footer += " " + toolErrorStyle.Render(m.lastErr.Error())
	}
	return m.vp.View() + "\n" + footer
}
