package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/phillus33/shotrelay/internal/config"
	"github.com/phillus33/shotrelay/internal/delivery"
	"github.com/phillus33/shotrelay/internal/journal"
	"github.com/phillus33/shotrelay/pkg/shotrelay"
)

func unsentCommand() *cli.Command {
	return &cli.Command{
		Name:  "unsent",
		Usage: "Inspect and requeue quarantined screenshots",
		Subcommands: []*cli.Command{
			{
				Name:  "ls",
				Usage: "List quarantined screenshots",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "destination",
						Usage: "Only list this destination",
					},
				},
				Action: unsentListAction,
			},
			{
				Name:      "requeue",
				Usage:     "Move quarantined screenshots back into the spool",
				ArgsUsage: "<file>...",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:     "destination",
						Usage:    "Destination the files belong to",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Requeue every quarantined file of the destination",
					},
				},
				Action: unsentRequeueAction,
			},
		},
	}
}

func offlineStore(c *cli.Context) (*config.Config, *delivery.FileStore, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Destinations) == 0 {
		return nil, nil, errors.New("no destinations configured")
	}
	return cfg, delivery.NewFileStore(delivery.FileStoreConfig{QuarantineDirs: quarantineDirs(cfg)}), nil
}

func unsentListAction(c *cli.Context) error {
	cfg, store, err := offlineStore(c)
	if err != nil {
		return err
	}

	only := c.String("destination")
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DESTINATION\tID\tCREATED\tFILE")
	found := false
	for _, d := range cfg.Destinations {
		if only != "" && d.Name != only {
			continue
		}
		found = true
		unsent, err := store.ListQuarantined(delivery.Destination(d.Name))
		if err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
		for _, a := range unsent {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, a.ID, a.CreatedAt.Format("2006-01-02 15:04:05"), a.Name)
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", shotrelay.ErrUnknownDestination, only)
	}
	return w.Flush()
}

func unsentRequeueAction(c *cli.Context) error {
	cfg, store, err := offlineStore(c)
	if err != nil {
		return err
	}

	name := c.String("destination")
	known := false
	for _, d := range cfg.Destinations {
		if d.Name == name {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", shotrelay.ErrUnknownDestination, name)
	}
	dest := delivery.Destination(name)

	files := c.Args().Slice()
	if c.Bool("all") {
		unsent, err := store.ListQuarantined(dest)
		if err != nil {
			return err
		}
		files = files[:0]
		for _, a := range unsent {
			files = append(files, a.Name)
		}
	}
	if len(files) == 0 {
		return cli.Exit("nothing to requeue: name files or pass --all", 1)
	}

	var history delivery.History
	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		history = journal.NewPostgresStore(db)
	}

	spool := shotrelay.SpoolDir(cfg.Capture.Dir, name)
	return requeueUnsent(c.Context, c.App.Writer, store, history, dest, files, spool)
}

// requeueUnsent moves files from the quarantine of dest into spool. Files the
// history records as delivered are left in quarantine: the next run would
// only drop them as duplicates.
func requeueUnsent(ctx context.Context, w io.Writer, store *delivery.FileStore, history delivery.History,
	dest delivery.Destination, files []string, spool string) error {
	qdir, ok := store.QuarantineDir(dest)
	if !ok {
		return delivery.ErrNoQuarantine
	}

	var errs []error
	for _, f := range files {
		if history != nil {
			a, err := delivery.ParseArtifact(filepath.Join(qdir, filepath.Base(f)))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			done, err := history.WasDelivered(ctx, dest, a)
			if err != nil {
				return fmt.Errorf("check delivery journal: %w", err)
			}
			if done {
				fmt.Fprintf(w, "skipped %s: already delivered\n", a.Name)
				errs = append(errs, fmt.Errorf("%w: %s", shotrelay.ErrBehindCursor, a.Name))
				continue
			}
		}
		path, err := store.Requeue(dest, f, spool)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "requeued %s\n", path)
	}
	return errors.Join(errs...)
}
