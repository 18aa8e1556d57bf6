package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
)

// SyncSession is the part of a [reconcile.Session] the TUI drives.
type SyncSession interface {
	Subscribe(fn func(reconcile.View[models.Row])) func()
	Refresh() error
	Params() reconcile.Params
}

// Model represents the TUI application state.
type Model struct {
	ctx         context.Context
	session     SyncSession
	params      reconcile.Params
	views       chan reconcile.View[models.Row]
	done        chan struct{}
	unsubscribe func()
	current     reconcile.View[models.Row]
	received    bool
	refreshErr  error
	width       int
	height      int
	rows        list.Model
	help        help.Model
	keys        keyMap
	quitting    bool
}

// NewModel creates a new TUI model over session. The model subscribes when the program starts.
func NewModel(ctx context.Context, session SyncSession) *Model {
	params := session.Params()

	rows := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	rows.Title = params.String()
	rows.SetShowHelp(false)
	rows.KeyMap.Quit.SetEnabled(false)

	return &Model{
		ctx:     ctx,
		session: session,
		params:  params,
		views:   make(chan reconcile.View[models.Row], 1),
		done:    make(chan struct{}),
		rows:    rows,
		help:    help.New(),
		keys:    newKeyMap(),
	}
}

// Init subscribes to the session and waits for its first view.
func (m *Model) Init() tea.Cmd {
	m.unsubscribe = m.session.Subscribe(m.push)
	return m.waitForView()
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.rows.SetSize(msg.Width-4, msg.Height-6)
		return m, nil

	case tea.KeyMsg:
		if m.rows.FilterState() == list.Filtering {
			break
		}
		switch {
		case key.Matches(msg, m.keys.quit):
			m.stop()
			return m, tea.Quit
		case key.Matches(msg, m.keys.refresh):
			return m, m.refresh()
		case key.Matches(msg, m.keys.help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		}

	case Msg:
		switch msg.kind {
		case MsgViewUpdated:
			cmd := m.apply(msg.data.(reconcile.View[models.Row]))
			return m, tea.Batch(cmd, m.waitForView())
		case MsgRefreshed:
			m.refreshErr, _ = msg.data.(error)
			return m, nil
		case MsgViewsClosed:
			m.stop()
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.rows, cmd = m.rows.Update(msg)
	return m, cmd
}

// View renders the status line, the rows and the help.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.status())
	b.WriteString("\n\n")
	b.WriteString(m.rows.View())
	b.WriteString("\n\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m *Model) status() string {
	if !m.received {
		return styles.help.Render("waiting for session...")
	}

	v := m.current
	parts := []string{
		styles.State(v.State).Render("● " + v.State.String()),
		fmt.Sprintf("%d rows", v.Collection.Len()),
		fmt.Sprintf("v%d", v.Collection.Version()),
	}
	if v.Loading {
		parts = append(parts, styles.warn.Render("loading…"))
	}
	if v.Err != nil {
		parts = append(parts, styles.err.Render("error: "+v.Err.Error()))
	}
	if m.refreshErr != nil {
		parts = append(parts, styles.err.Render("refresh: "+m.refreshErr.Error()))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) apply(v reconcile.View[models.Row]) tea.Cmd {
	m.current = v
	m.received = true
	return m.rows.SetItems(rowItems(v.Collection.Items(), m.params.OrderBy.Column))
}

// push hands a view to the program, replacing one that has not been consumed yet.
//
// Views come from the session's dispatcher goroutine, the only sender.
func (m *Model) push(v reconcile.View[models.Row]) {
	select {
	case m.views <- v:
		return
	default:
	}

	select {
	case <-m.views:
	default:
	}
	m.views <- v
}

func (m *Model) waitForView() tea.Cmd {
	return func() tea.Msg {
		select {
		case v := <-m.views:
			return viewUpdatedMsg(v)
		case <-m.done:
			return viewsClosedMsg()
		case <-m.ctx.Done():
			return viewsClosedMsg()
		}
	}
}

func (m *Model) refresh() tea.Cmd {
	return func() tea.Msg {
		return refreshedMsg(m.session.Refresh())
	}
}

func (m *Model) stop() {
	if m.quitting {
		return
	}
	m.quitting = true
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	close(m.done)
}
