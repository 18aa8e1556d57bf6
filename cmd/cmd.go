// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func remoteFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "remote",
		Usage: "Use the livesync server in [realtime] instead of the local database",
	}
}

// queryFlags select the tenant and ordering of a table view.
func queryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "school",
			Aliases: []string{"s"},
			Usage:   "Only rows of this school (empty for all schools)",
		},
		&cli.StringFlag{
			Name:    "order",
			Aliases: []string{"o"},
			Usage:   "Sort column and direction, e.g. starts_at.asc (default: insertion order)",
		},
		remoteFlag(),
	}
}

// setupCommand handles setup operations for the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Create the config file if needed, then initialize the database and run migrations",
				Action: r.SetupDatabase,
			},
			{
				Name:   "rollback",
				Usage:  "Roll back the most recent database migration",
				Action: r.SetupRollback,
			},
		},
	}
}

// rowsCommand handles row writes.
func rowsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "rows",
		Usage: "Write rows to a table",
		Commands: []*cli.Command{
			{
				Name:      "insert",
				Usage:     "Insert a row; an id is generated when the row has none",
				Arguments: []cli.Argument{&cli.StringArg{Name: "table"}},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "data",
						Aliases:  []string{"d"},
						Usage:    "Row as a JSON object",
						Required: true,
					},
					remoteFlag(),
				},
				Action: r.RowsInsert,
			},
			{
				Name:  "update",
				Usage: "Merge fields into an existing row",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "table"},
					&cli.StringArg{Name: "id"},
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "data",
						Aliases:  []string{"d"},
						Usage:    "Fields to set as a JSON object",
						Required: true,
					},
					remoteFlag(),
				},
				Action: r.RowsUpdate,
			},
			{
				Name:  "delete",
				Usage: "Delete a row",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "table"},
					&cli.StringArg{Name: "id"},
				},
				Flags:  []cli.Flag{remoteFlag()},
				Action: r.RowsDelete,
			},
			{
				Name:      "import",
				Usage:     "Insert every row of a .json or .csv file",
				Arguments: []cli.Argument{&cli.StringArg{Name: "file"}},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "table",
						Aliases:  []string{"t"},
						Usage:    "Destination table",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent inserts",
						Value: 4,
					},
					&cli.FloatFlag{
						Name:  "rate",
						Usage: "Inserts per second",
						Value: 50,
					},
					remoteFlag(),
				},
				Action: r.RowsImport,
			},
		},
	}
}

// snapshotCommand prints or saves one ordered, school-scoped snapshot of a table.
func snapshotCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Fetch a table snapshot",
		Arguments: []cli.Argument{&cli.StringArg{Name: "table"}},
		Flags: append(queryFlags(),
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format: txt, md, csv or json",
				Value:   "txt",
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Write to this file instead of stdout",
			},
		),
		Action: r.Snapshot,
	}
}

// exportCommand writes several tables and a manifest to a directory.
func exportCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export tables to files with a manifest",
		Flags: append(queryFlags(),
			&cli.StringSliceFlag{
				Name:     "tables",
				Aliases:  []string{"t"},
				Usage:    "Tables to export",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format: txt, md, csv or json",
				Value:   "json",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Output directory (default: livesync_export_{timestamp})",
			},
		),
		Action: r.Export,
	}
}

// watchCommand follows a live view of a table.
func watchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a table as it changes",
		Arguments: []cli.Argument{&cli.StringArg{Name: "table"}},
		Flags: append(queryFlags(),
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Show the view in an interactive terminal UI",
			},
		),
		Action: r.Watch,
	}
}

// serveCommand runs the REST and realtime server over the local database.
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve table snapshots, row writes and change streams",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (default: [server] host:port)",
			},
		},
		Action: r.Serve,
	}
}
