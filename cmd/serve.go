package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/desertthunder/livesync/internal/repositories"
	"github.com/desertthunder/livesync/internal/server"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/urfave/cli/v3"
)

// Serve runs the REST and realtime endpoints over the local database until interrupted.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	addr := cmd.String("addr")
	if addr == "" {
		addr = r.config.Server.Addr()
	}

	db, err := r.database()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if r.config.Server.APIKey == "" {
		r.logger.Warn("server.api_key is empty, endpoints are unauthenticated")
	}

	logger := shared.WithLogger(r.logger, "component", "server")
	router := server.NewBasicRouter()
	router.Use(server.RequestLogger(logger), server.BearerAuth(r.config.Server.APIKey))
	router.Handler(server.NewRecordsHandler(repositories.NewRecordRepository(db), logger))
	router.Handler(server.NewRealtimeHandler(r.localSource(db), logger))

	r.writePlain("Listening on http://%s\n", ln.Addr())
	return server.Run(ctx, ln, router, logger)
}
