package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/postgres"
	"github.com/desertthunder/livesync/internal/repositories"
	"github.com/desertthunder/livesync/internal/services"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/jmoiron/sqlx"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config     *shared.Config
	configPath string
	logger     *log.Logger
	diag       *shared.Diagnostics
	output     io.Writer
	db         *sqlx.DB
	ownsDB     bool
	remote     services.Service
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	Logger     *log.Logger
	Output     io.Writer
	DB         *sqlx.DB         // Local store; opened from Config when nil
	Remote     services.Service // Used by --remote; built from Config when nil
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		logger:     opts.Logger,
		diag:       shared.NewDiagnostics(opts.Logger, opts.Config.Diagnostics),
		output:     opts.Output,
		db:         opts.DB,
		remote:     opts.Remote,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, rowsCommand, snapshotCommand, exportCommand, watchCommand, serveCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// Configure loads the config file named by --config when it exists, applies LIVESYNC_*
// overrides and validates the result. Without a file the runner keeps its current config.
func (r *Runner) Configure(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if path := cmd.String("config"); path != "" {
		r.configPath = path
	}

	if _, err := os.Stat(r.configPath); err == nil {
		config, err := shared.LoadConfig(r.configPath)
		if err != nil {
			return ctx, err
		}
		r.config = config
	}

	if err := shared.ApplyEnv(r.config); err != nil {
		return ctx, err
	}
	if err := r.config.Validate(); err != nil {
		return ctx, err
	}

	level, err := shared.ParseLevel(r.config.Log.Level)
	if err != nil {
		return ctx, err
	}
	shared.SetLogLevel(r.logger, level)
	r.SetLogger(r.logger)
	return ctx, nil
}

// SetLogger replaces the runner's logger and rebuilds its error reporter around it.
func (r *Runner) SetLogger(logger *log.Logger) {
	if r.diag != nil {
		r.diag.Close()
	}
	r.logger = logger
	r.diag = shared.NewDiagnostics(logger, r.config.Diagnostics)
}

// Close releases the database the runner opened and flushes pending error reports.
func (r *Runner) Close() error {
	if r.diag != nil {
		r.diag.Close()
	}
	if r.ownsDB && r.db != nil {
		err := r.db.Close()
		r.db = nil
		return err
	}
	return nil
}

// database returns the local store, opening and migrating it on first use.
func (r *Runner) database() (*sqlx.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	cfg := r.config.Database
	db, err := shared.OpenDatabase(cfg.Driver, cfg.Source())
	if err != nil {
		return nil, err
	}
	shared.ConfigureDatabase(db, cfg.MaxOpenConns, cfg.MaxIdleConns)

	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	r.db = db
	r.ownsDB = true
	return db, nil
}

// localStore adapts the record repository and a local changefeed to [services.Service].
type localStore struct {
	*repositories.RecordRepository
	feed.Source
}

func (s localStore) Insert(ctx context.Context, table string, row models.Row) (models.Row, error) {
	return s.Create(ctx, table, row)
}

func (s localStore) Name() string {
	return "Local"
}

// localSource picks the changefeed for the configured driver: LISTEN/NOTIFY on Postgres,
// change-log polling otherwise.
func (r *Runner) localSource(db *sqlx.DB) feed.Source {
	changes := repositories.NewChangeLog(db)
	rt := r.config.Realtime

	if db.DriverName() == shared.DriverPostgres {
		return postgres.NewListenFeed(r.config.Database.DSN, changes, postgres.ListenFeedOpts{
			MinReconnect: rt.ReconnectMin,
			MaxReconnect: rt.ReconnectMax,
			Logger:       shared.WithLogger(r.logger, "feed", "listen"),
		})
	}
	return repositories.NewPollingFeed(changes, repositories.PollingFeedOpts{
		Interval: rt.PollInterval,
		Logger:   shared.WithLogger(r.logger, "feed", "poll"),
	})
}

// service returns the store commands read and write: the configured livesync server when
// remote is set, the local database otherwise.
func (r *Runner) service(remote bool) (services.Service, error) {
	if remote {
		if r.remote != nil {
			return r.remote, nil
		}
		rt := r.config.Realtime
		client, err := services.NewRealtimeClient(services.RealtimeOpts{
			BaseURL:      rt.URL,
			APIKey:       rt.APIKey,
			ReconnectMin: rt.ReconnectMin,
			ReconnectMax: rt.ReconnectMax,
			Logger:       shared.WithLogger(r.logger, "service", "realtime"),
		})
		if err != nil {
			return nil, err
		}
		r.remote = client
		return client, nil
	}

	db, err := r.database()
	if err != nil {
		return nil, err
	}
	return localStore{RecordRepository: repositories.NewRecordRepository(db), Source: r.localSource(db)}, nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
