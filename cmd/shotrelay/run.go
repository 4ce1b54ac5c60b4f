package main

import (
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/phillus33/shotrelay/internal/capture"
	"github.com/phillus33/shotrelay/internal/config"
	"github.com/phillus33/shotrelay/internal/credential"
	"github.com/phillus33/shotrelay/internal/delivery"
	"github.com/phillus33/shotrelay/internal/journal"
	"github.com/phillus33/shotrelay/internal/leader"
	"github.com/phillus33/shotrelay/internal/logging"
	"github.com/phillus33/shotrelay/internal/notify"
	"github.com/phillus33/shotrelay/pkg/shotrelay"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Watch the capture directory and deliver screenshots",
		Flags: []cli.Flag{
			configFlag(),
			passwordFileFlag(),
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Instance: cfg.InstanceID,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Credentials.File != "" {
		password, err := readPassword(c.String("password-file"), false)
		if err != nil {
			return err
		}
		secrets, err := credential.ReadFile(cfg.Credentials.File, password)
		if err != nil {
			return fmt.Errorf("open credentials: %w", err)
		}
		applySecrets(cfg, secrets)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if len(cfg.Destinations) == 0 {
		return fmt.Errorf("no destinations configured")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := delivery.NewSequenceTracker()
	observers := delivery.Observers{notify.Log(logger)}
	var active func() bool
	var history delivery.History

	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return err
		}
		db.SetMaxOpenConns(cfg.Database.MaxConnections)
		defer db.Close()

		store := journal.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
		if err := journal.Seed(ctx, store, tracker); err != nil {
			return fmt.Errorf("load checkpoints: %w", err)
		}
		observers = append(observers, journal.Observer(store, logger))
		history = store

		election, err := leader.NewElection(leader.Config{
			DB:     db,
			LockID: cfg.Database.LeaderLockID,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		election.Start(ctx)
		defer election.Close()
		active = election.IsLeader
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("shotrelay-"+cfg.InstanceID),
			nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()

		if cfg.NATS.StatusSubject != "" {
			sink, err := notify.NewNATS(nc, cfg.NATS.StatusSubject, logger)
			if err != nil {
				return err
			}
			observers = append(observers, sink)
		}
	}

	if cfg.Redis.URL != "" {
		sink, err := notify.NewRedis(notify.RedisConfig{
			URL:     cfg.Redis.URL,
			Channel: cfg.Redis.Channel,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		observers = append(observers, sink)
	}

	dests, err := buildDestinations(ctx, cfg, nc)
	if err != nil {
		return err
	}

	relay, err := shotrelay.New(shotrelay.Config{
		Root:           cfg.Capture.Dir,
		Destinations:   dests,
		Tracker:        tracker,
		History:        history,
		Observer:       observers,
		Logger:         logger,
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		BackoffBase:    cfg.Delivery.BackoffBase,
		BackoffUnit:    cfg.Delivery.BackoffUnit.Duration,
		Capacity:       cfg.Delivery.Capacity,
		DeleteAttempts: cfg.Delivery.DeleteAttempts,
		DeleteDelay:    cfg.Delivery.DeleteDelay.Duration,
		Active:         active,
	})
	if err != nil {
		return err
	}
	if err := relay.Start(ctx); err != nil {
		return err
	}

	watcher := capture.NewWatcher(capture.WatcherConfig{
		Dir:          cfg.Capture.Dir,
		PollInterval: cfg.Capture.PollInterval.Duration,
		Settle:       cfg.Capture.Settle.Duration,
		Submit:       relay.Submit,
		Logger:       logger,
	})
	if err := watcher.Start(ctx); err != nil {
		relay.Stop()
		relay.Wait()
		return err
	}

	logger.Info("shotrelay started",
		zap.String("capture_dir", cfg.Capture.Dir),
		zap.Int("destinations", len(dests)))

	<-ctx.Done()
	logger.Info("shutting down")

	watcher.Stop()
	relay.Stop()
	relay.Wait()

	for _, s := range relay.Stats() {
		logger.Info("delivery stats",
			zap.String("destination", string(s.Destination)),
			zap.Int("pending", s.Pending),
			zap.Int64("delivered", s.Delivered),
			zap.Int64("duplicates", s.Duplicates),
			zap.Int64("quarantined", s.Quarantined),
			zap.Int64("permanent", s.Permanent),
			zap.Int64("last_seq", s.LastSeq))
	}
	return nil
}
