package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgViewUpdated MsgKind = iota
	MsgRefreshed
	MsgViewsClosed
)

// viewUpdatedMsg is the constructor for [MsgViewUpdated]
func viewUpdatedMsg(view reconcile.View[models.Row]) Msg {
	return Msg{kind: MsgViewUpdated, data: view}
}

// refreshedMsg is the constructor for [MsgRefreshed]
func refreshedMsg(err error) Msg {
	return Msg{kind: MsgRefreshed, data: err}
}

// viewsClosedMsg is the constructor for [MsgViewsClosed]
func viewsClosedMsg() Msg {
	return Msg{kind: MsgViewsClosed}
}
