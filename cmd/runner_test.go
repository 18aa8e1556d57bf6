package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/repositories"
	"github.com/desertthunder/livesync/internal/server"
	"github.com/desertthunder/livesync/internal/shared"
	tu "github.com/desertthunder/livesync/internal/testing"
	"github.com/jmoiron/sqlx"
)

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testApp struct {
	runner *Runner
	db     *sqlx.DB
	repo   *repositories.RecordRepository
	output *syncBuffer
}

// newTestApp returns a runner over an in-memory database, run from an empty directory.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	t.Chdir(t.TempDir())

	db := tu.NewTestDB(t)
	config := shared.DefaultConfig()
	config.Realtime.PollInterval = 5 * time.Millisecond
	output := &syncBuffer{}

	runner := NewRunner(RunnerOpts{
		Config: config,
		Logger: log.New(&bytes.Buffer{}),
		Output: output,
		DB:     db,
	})
	t.Cleanup(func() { runner.Close() })

	return &testApp{runner: runner, db: db, repo: repositories.NewRecordRepository(db), output: output}
}

func (a *testApp) run(ctx context.Context, args ...string) error {
	return newApp(a.runner).Run(ctx, append([]string{"livesync"}, args...))
}

func (a *testApp) seed(t *testing.T, table string, rows ...models.Row) {
	t.Helper()
	for _, row := range rows {
		if _, err := a.repo.Create(context.Background(), table, row); err != nil {
			t.Fatalf("failed to seed %s: %v", table, err)
		}
	}
}

func TestRunner(t *testing.T) {
	t.Run("NewRunner", func(t *testing.T) {
		t.Run("with all dependencies provided", func(t *testing.T) {
			config := shared.DefaultConfig()
			logger := shared.NewLogger(nil)
			output := &bytes.Buffer{}
			db := tu.NewTestDB(t)

			runner := NewRunner(RunnerOpts{
				Config:     config,
				ConfigPath: "/test/path/config.toml",
				Logger:     logger,
				Output:     output,
				DB:         db,
			})

			if runner.config != config {
				t.Error("expected config to be set")
			}
			if runner.logger != logger {
				t.Error("expected logger to be set")
			}
			if runner.output != output {
				t.Error("expected output to be set")
			}
			if runner.db != db || runner.ownsDB {
				t.Error("expected injected database to be used and not owned")
			}
			if runner.configPath != "/test/path/config.toml" {
				t.Errorf("expected configPath to be set, got %s", runner.configPath)
			}
		})

		t.Run("with nil config uses defaults", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{})
			if runner.config == nil {
				t.Error("expected default config to be set")
			}
			if runner.diag == nil {
				t.Error("expected diagnostics to be set")
			}
		})

		t.Run("with nil logger uses default", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Logger: nil})
			if runner.logger == nil {
				t.Error("expected default logger to be set")
			}
		})

		t.Run("with nil output uses stdout", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: nil})
			if runner.output != os.Stdout {
				t.Error("expected output to default to os.Stdout")
			}
		})
	})

	t.Run("writeJSON", func(t *testing.T) {
		t.Run("writes formatted JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]string{"key": "value"}, true); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			result := output.String()
			if !strings.Contains(result, `"key": "value"`) {
				t.Errorf("expected formatted JSON, got %s", result)
			}
			if !strings.HasSuffix(result, "\n") {
				t.Error("expected output to end with newline")
			}
		})

		t.Run("writes compact JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]string{"key": "value"}, false); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			expected := `{"key":"value"}` + "\n"
			if result := output.String(); result != expected {
				t.Errorf("expected %q, got %q", expected, result)
			}
		})

		t.Run("handles marshal error with non-serializable data", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &bytes.Buffer{}})

			err := runner.writeJSON(make(chan int), false)
			if err == nil {
				t.Fatal("expected error for non-serializable data")
			}
			if !strings.Contains(err.Error(), "failed to marshal JSON") {
				t.Errorf("expected marshal error, got %v", err)
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})

			err := runner.writeJSON(map[string]string{"key": "value"}, false)
			if err == nil {
				t.Fatal("expected error from failing writer")
			}
			if !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})

		t.Run("handles newline write failure", func(t *testing.T) {
			limitedWriter := tu.NewLimitedWriter(1, 0, &bytes.Buffer{})
			runner := NewRunner(RunnerOpts{Output: &limitedWriter})

			err := runner.writeJSON(map[string]string{"key": "value"}, false)
			if err == nil {
				t.Fatal("expected error writing newline")
			}
			if !strings.Contains(err.Error(), "failed to write newline") {
				t.Errorf("expected newline write error, got %v", err)
			}
		})
	})

	t.Run("writePlain", func(t *testing.T) {
		t.Run("writes plain text successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writePlain("hello %s", "world"); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if result := output.String(); result != "hello world" {
				t.Errorf("expected 'hello world', got %q", result)
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})

			err := runner.writePlain("test")
			if err == nil {
				t.Fatal("expected error from failing writer")
			}
			if !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})
	})

	t.Run("register", func(t *testing.T) {
		runner := NewRunner(RunnerOpts{})
		commands := runner.register()

		names := []string{}
		for i, cmd := range commands {
			if cmd == nil {
				t.Fatalf("command at index %d is nil", i)
			}
			names = append(names, cmd.Name)
		}

		for _, want := range []string{"setup", "rows", "snapshot", "export", "watch", "serve"} {
			if !slices.Contains(names, want) {
				t.Errorf("expected %s command, got %v", want, names)
			}
		}
	})
}

func TestConfigure(t *testing.T) {
	t.Run("keeps injected config without a file", func(t *testing.T) {
		app := newTestApp(t)
		config := app.runner.config

		if err := app.run(context.Background(), "snapshot", "lessons"); err != nil {
			t.Fatalf("failed to run snapshot: %v", err)
		}
		if app.runner.config != config {
			t.Error("expected config to be kept")
		}
	})

	t.Run("loads the config file", func(t *testing.T) {
		app := newTestApp(t)
		path := filepath.Join(t.TempDir(), "livesync.toml")
		if err := os.WriteFile(path, []byte("[server]\nport = 4100\n"), 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		if err := app.run(context.Background(), "--config", path, "snapshot", "lessons"); err != nil {
			t.Fatalf("failed to run snapshot: %v", err)
		}
		if app.runner.config.Server.Port != 4100 {
			t.Errorf("expected port 4100, got %d", app.runner.config.Server.Port)
		}
		if app.runner.config.Realtime.MaxPending == 0 {
			t.Error("expected missing keys to keep defaults")
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		app := newTestApp(t)
		t.Setenv(shared.EnvServerAPIKey, "from-env")

		if err := app.run(context.Background(), "snapshot", "lessons"); err != nil {
			t.Fatalf("failed to run snapshot: %v", err)
		}
		if app.runner.config.Server.APIKey != "from-env" {
			t.Errorf("expected api key from env, got %q", app.runner.config.Server.APIKey)
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cases := map[string]error{
			"[database]\ndriver = \"mysql\"\n": shared.ErrUnsupportedDriver,
			"[log]\nlevel = \"loud\"\n":        shared.ErrInvalidConfig,
		}
		for content, want := range cases {
			app := newTestApp(t)
			if err := os.WriteFile("config.toml", []byte(content), 0644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			if err := app.run(context.Background(), "snapshot", "lessons"); !errors.Is(err, want) {
				t.Errorf("expected %v for %q, got %v", want, content, err)
			}
		}
	})
}

func TestSetup(t *testing.T) {
	t.Run("database creates config", func(t *testing.T) {
		app := newTestApp(t)

		if err := app.run(context.Background(), "setup", "database"); err != nil {
			t.Fatalf("failed to run setup: %v", err)
		}
		tu.AssertFileExists(t, "config.toml")
		if !strings.Contains(app.output.String(), "Database ready") {
			t.Errorf("expected confirmation, got %q", app.output.String())
		}
	})

	t.Run("rollback", func(t *testing.T) {
		app := newTestApp(t)

		if err := app.run(context.Background(), "setup", "rollback"); err != nil {
			t.Fatalf("failed to run rollback: %v", err)
		}
		if _, err := app.repo.Snapshot(context.Background(), models.Query{Table: "lessons"}); err == nil {
			t.Error("expected change log to be gone after rollback")
		}
	})
}

func TestRowsCommands(t *testing.T) {
	ctx := context.Background()

	t.Run("insert update delete", func(t *testing.T) {
		app := newTestApp(t)

		if err := app.run(ctx, "rows", "insert", "--data", `{"id":"l1","school_id":"A","title":"Piano"}`, "lessons"); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
		if !strings.Contains(app.output.String(), `"id":"l1"`) {
			t.Errorf("expected stored row in output, got %q", app.output.String())
		}

		if err := app.run(ctx, "rows", "update", "--data", `{"room":4}`, "lessons", "l1"); err != nil {
			t.Fatalf("failed to update: %v", err)
		}
		row, err := app.repo.Get(ctx, "lessons", "l1")
		if err != nil {
			t.Fatalf("failed to get row: %v", err)
		}
		if row["room"] != float64(4) || row["title"] != "Piano" {
			t.Errorf("expected merged row, got %v", row)
		}

		if err := app.run(ctx, "rows", "delete", "lessons", "l1"); err != nil {
			t.Fatalf("failed to delete: %v", err)
		}
		if _, err := app.repo.Get(ctx, "lessons", "l1"); !errors.Is(err, shared.ErrRecordNotFound) {
			t.Errorf("expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("insert generates ids", func(t *testing.T) {
		app := newTestApp(t)

		if err := app.run(ctx, "rows", "insert", "--data", `{"school_id":"A"}`, "lessons"); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
		var row models.Row
		if err := json.Unmarshal([]byte(app.output.String()), &row); err != nil {
			t.Fatalf("failed to parse output: %v", err)
		}
		if row.ID() == "" {
			t.Errorf("expected generated id, got %v", row)
		}
	})

	t.Run("errors", func(t *testing.T) {
		app := newTestApp(t)
		app.seed(t, "lessons", models.Row{"id": "l1"})

		cases := []struct {
			args []string
			want error
		}{
			{[]string{"rows", "insert", "--data", `[1]`, "lessons"}, shared.ErrInvalidFlag},
			{[]string{"rows", "insert", "--data", `null`, "lessons"}, shared.ErrInvalidFlag},
			{[]string{"rows", "insert", "--data", `{}`}, shared.ErrMissingArgument},
			{[]string{"rows", "insert", "--data", `{"id":"l1"}`, "lessons"}, shared.ErrRecordExists},
			{[]string{"rows", "update", "--data", `{}`, "lessons", "missing"}, shared.ErrRecordNotFound},
			{[]string{"rows", "delete", "lessons"}, shared.ErrMissingArgument},
		}
		for _, tc := range cases {
			if err := app.run(ctx, tc.args...); !errors.Is(err, tc.want) {
				t.Errorf("%v: expected %v, got %v", tc.args, tc.want, err)
			}
		}
	})

	t.Run("import", func(t *testing.T) {
		app := newTestApp(t)
		app.seed(t, "lessons", models.Row{"id": "dup"})

		path := filepath.Join(t.TempDir(), "lessons.json")
		content := `[{"id":"a","school_id":"A"},{"id":"dup"},{"id":"b","school_id":"B"}]`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write rows: %v", err)
		}

		if err := app.run(ctx, "rows", "import", "--table", "lessons", "--workers", "2", path); err != nil {
			t.Fatalf("failed to import: %v", err)
		}

		output := app.output.String()
		if !strings.Contains(output, "Inserted: 2/3") {
			t.Errorf("expected 2 of 3 inserted, got %q", output)
		}
		if !strings.Contains(output, "row 2:") {
			t.Errorf("expected failure for row 2, got %q", output)
		}
		if _, err := app.repo.Get(ctx, "lessons", "b"); err != nil {
			t.Errorf("expected imported row b: %v", err)
		}
	})
}

func TestRemoteFlag(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)

	remoteDB := tu.NewTestDB(t)
	remote := repositories.NewRecordRepository(remoteDB)
	router := server.NewBasicRouter()
	router.Use(server.BearerAuth("secret"))
	router.Handler(server.NewRecordsHandler(remote, log.New(&bytes.Buffer{})))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	app.runner.config.Realtime.URL = srv.URL
	app.runner.config.Realtime.APIKey = "secret"

	if err := app.run(ctx, "rows", "insert", "--remote", "--data", `{"id":"r1","school_id":"A"}`, "lessons"); err != nil {
		t.Fatalf("failed to insert remotely: %v", err)
	}
	if _, err := remote.Get(ctx, "lessons", "r1"); err != nil {
		t.Errorf("expected row on the server: %v", err)
	}
	if _, err := app.repo.Get(ctx, "lessons", "r1"); !errors.Is(err, shared.ErrRecordNotFound) {
		t.Errorf("expected no local row, got %v", err)
	}

	before := len(app.output.String())
	if err := app.run(ctx, "snapshot", "--remote", "--format", "json", "lessons"); err != nil {
		t.Fatalf("failed to snapshot remotely: %v", err)
	}
	if out := app.output.String()[before:]; !strings.Contains(out, `"id": "r1"`) {
		t.Errorf("expected remote row in snapshot, got %q", out)
	}
}

func lessonRows() []models.Row {
	return []models.Row{
		{"id": "l1", "school_id": "A", "starts_at": "2024-01-02"},
		{"id": "l2", "school_id": "A", "starts_at": "2024-01-01"},
		{"id": "l3", "school_id": "B", "starts_at": "2024-01-03"},
	}
}

func TestSnapshotCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("prints ordered school rows", func(t *testing.T) {
		app := newTestApp(t)
		app.seed(t, "lessons", lessonRows()...)

		if err := app.run(ctx, "snapshot", "--school", "A", "--order", "starts_at.desc", "--format", "csv", "lessons"); err != nil {
			t.Fatalf("failed to snapshot: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(app.output.String()), "\n")
		if len(lines) != 3 {
			t.Fatalf("expected header and 2 rows, got %q", lines)
		}
		if !strings.HasPrefix(lines[1], "l1,") || !strings.HasPrefix(lines[2], "l2,") {
			t.Errorf("expected l1 then l2, got %q", lines[1:])
		}
	})

	t.Run("writes output file", func(t *testing.T) {
		app := newTestApp(t)
		app.seed(t, "lessons", lessonRows()...)
		path := filepath.Join(t.TempDir(), "lessons.md")

		if err := app.run(ctx, "snapshot", "--format", "md", "--output", path, "lessons"); err != nil {
			t.Fatalf("failed to snapshot: %v", err)
		}

		tu.AssertFileExists(t, path)
		if content := tu.MustReadFile(t, path); !strings.Contains(content, "**Rows**: 3") {
			t.Errorf("expected 3 rows in markdown, got %q", content)
		}
		if !strings.Contains(app.output.String(), "Wrote 3 rows") {
			t.Errorf("expected confirmation, got %q", app.output.String())
		}
	})

	t.Run("invalid flags", func(t *testing.T) {
		app := newTestApp(t)

		if err := app.run(ctx, "snapshot", "--order", "starts_at.up", "lessons"); !errors.Is(err, shared.ErrInvalidFlag) {
			t.Errorf("expected ErrInvalidFlag for order, got %v", err)
		}
		if err := app.run(ctx, "snapshot", "--format", "xml", "lessons"); !errors.Is(err, shared.ErrInvalidFlag) {
			t.Errorf("expected ErrInvalidFlag for format, got %v", err)
		}
		if err := app.run(ctx, "snapshot", "bad-table"); !errors.Is(err, shared.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for table, got %v", err)
		}
	})
}

func TestExportCommand(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "lessons", lessonRows()...)
	app.seed(t, "rooms", models.Row{"id": "r1", "school_id": "A"})
	dir := filepath.Join(t.TempDir(), "out")

	if err := app.run(context.Background(), "export", "--tables", "lessons,rooms", "--school", "A", "--format", "csv", "--dir", dir); err != nil {
		t.Fatalf("failed to export: %v", err)
	}

	tu.AssertFileExists(t, filepath.Join(dir, "lessons.csv"))
	tu.AssertFileExists(t, filepath.Join(dir, "rooms.csv"))
	tu.AssertFileExists(t, filepath.Join(dir, "export_manifest.json"))

	if !strings.Contains(app.output.String(), "2 exported, 0 failed") {
		t.Errorf("expected summary, got %q", app.output.String())
	}
}

func TestWatchCommand(t *testing.T) {
	app := newTestApp(t)
	app.seed(t, "lessons", lessonRows()...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.run(ctx, "watch", "--school", "A", "--order", "starts_at.asc", "lessons") }()

	tu.Eventually(t, "initial snapshot", func() bool {
		out := app.output.String()
		return strings.Contains(out, "[live") && strings.Contains(out, "1. l2") && strings.Contains(out, "2. l1")
	})
	if strings.Contains(app.output.String(), "l3") {
		t.Errorf("expected school B rows to be filtered, got %q", app.output.String())
	}

	app.seed(t, "lessons", models.Row{"id": "l4", "school_id": "A", "starts_at": "2023-12-31"})
	tu.Eventually(t, "inserted row", func() bool {
		return strings.Contains(app.output.String(), "1. l4")
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected watch to stop cleanly, got %v", err)
		}
	case <-time.After(tu.WaitTimeout):
		t.Fatal("timed out waiting for watch to stop")
	}
}

func TestServeCommand(t *testing.T) {
	app := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.run(ctx, "serve", "--addr", "127.0.0.1:0") }()

	tu.Eventually(t, "server to listen", func() bool {
		return strings.Contains(app.output.String(), "Listening on http://127.0.0.1:")
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(tu.WaitTimeout):
		t.Fatal("timed out waiting for shutdown")
	}
}
