package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/formatter"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/desertthunder/livesync/internal/ui"
	"github.com/urfave/cli/v3"
)

// Watch opens a sync session on a table and follows it until interrupted or the feed ends.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	table, err := requireArg(cmd, "table")
	if err != nil {
		return err
	}
	p, err := params(cmd, table)
	if err != nil {
		return err
	}

	useTUI := cmd.Bool("tui")
	if useTUI {
		// Logs would draw over the UI.
		fileLogger, err := shared.NewFileLogger("./tmp/livesync-tui.log")
		if err != nil {
			return fmt.Errorf("failed to create file logger: %w", err)
		}
		r.SetLogger(fileLogger)
	}

	svc, err := r.service(cmd.Bool("remote"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rows := feed.NewRows(svc, svc, r.diag)
	session := reconcile.NewSession(reconcile.SessionOpts[models.Row]{
		Snapshots:   rows,
		Feed:        rows,
		Diagnostics: r.diag,
		MaxPending:  r.config.Realtime.MaxPending,
	})
	defer session.Close()

	r.logger.Info("watching", "params", p, "service", svc.Name())

	if useTUI {
		return r.watchTUI(ctx, session, p)
	}
	return r.watchPlain(ctx, session, p)
}

func (r *Runner) watchTUI(ctx context.Context, session *reconcile.Session[models.Row], p reconcile.Params) error {
	if err := session.Open(ctx, p); err != nil {
		return err
	}

	model := ui.NewModel(ctx, session)
	prog := tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}

func (r *Runner) watchPlain(ctx context.Context, session *reconcile.Session[models.Row], p reconcile.Params) error {
	views := make(chan reconcile.View[models.Row], 1)
	unsubscribe := session.Subscribe(func(v reconcile.View[models.Row]) {
		select {
		case views <- v:
			return
		default:
		}
		select {
		case <-views:
		default:
		}
		views <- v
	})
	defer unsubscribe()

	if err := session.Open(ctx, p); err != nil {
		return err
	}

	var printed reconcile.View[models.Row]
	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-views:
			if err := r.writeView(p, v, printed, first); err != nil {
				return err
			}
			printed, first = v, false

			if v.State == reconcile.Closed {
				r.logger.Info("changefeed closed", "params", p)
				return nil
			}
		}
	}
}

// writeView prints a status line for every change of status and the rows whenever the
// collection version moves.
func (r *Runner) writeView(p reconcile.Params, v, prev reconcile.View[models.Row], first bool) error {
	changed := first || v.Collection.Version() != prev.Collection.Version()
	if !changed && v.State == prev.State && v.Loading == prev.Loading && errors.Is(v.Err, prev.Err) {
		return nil
	}

	status := []string{v.State.String(), fmt.Sprintf("v%d", v.Collection.Version())}
	if v.Loading {
		status = append(status, "loading")
	}
	if v.Err != nil {
		status = append(status, "error: "+v.Err.Error())
	}
	if err := r.writePlain("[%s] %s\n", strings.Join(status, " "), p); err != nil {
		return err
	}

	if !changed || v.Collection.Version() == 0 {
		return nil
	}
	data, err := formatter.ExportToText("", v.Collection.Items())
	if err != nil {
		return err
	}
	return r.writePlain("%s\n", data)
}
