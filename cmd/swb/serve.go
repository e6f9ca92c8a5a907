package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/averden/switchboard/internal/db"
	"github.com/averden/switchboard/internal/events"
	"github.com/averden/switchboard/internal/fanout"
	"github.com/averden/switchboard/internal/httpapi"
	"github.com/averden/switchboard/internal/ingest"
	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/router"
	"github.com/averden/switchboard/internal/supervisor"
	"github.com/averden/switchboard/internal/work"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Switchboard service",
		Long:  "Connects all active accounts, ingests their messages, and serves the operator API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, gormDB, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deltas := fanout.NewRegistry(log)

	mirror := events.New(cfg.Events, log)
	defer mirror.Close()

	normalizer, err := ingest.New(ingest.Opts{
		DB:       gormDB,
		Registry: deltas,
		Logger:   log,
		Policy:   cfg.Assignment.Policy,
		Mirror:   mirror,
	})
	if err != nil {
		return err
	}
	normalizer.Start()
	defer normalizer.Stop()

	sup, err := supervisor.New(supervisor.Opts{
		DB:             gormDB,
		Log:            log,
		Sink:           normalizer,
		Deltas:         deltas,
		Factory:        supervisor.NewFactory(cfg, log),
		MaxRestarts:    cfg.Supervisor.MaxRestarts,
		BaseBackoff:    cfg.Supervisor.BaseBackoff.Std(),
		MaxBackoff:     cfg.Supervisor.MaxBackoff.Std(),
		StopTimeout:    cfg.Supervisor.StopTimeout.Std(),
		SendTimeout:    cfg.Supervisor.SendTimeout.Std(),
		ConnectTimeout: cfg.Supervisor.ConnectTimeout.Std(),
	})
	if err != nil {
		return err
	}
	defer sup.StopAll()

	replies, err := router.New(gormDB, sup, deltas, log)
	if err != nil {
		return err
	}

	fetcher, err := work.NewMediaFetcher(gormDB, log, sup, deltas, cfg.Media.Dir)
	if err != nil {
		return err
	}
	pool, err := work.NewPool(work.PoolOpts{
		DB:         gormDB,
		Log:        log,
		Workers:    cfg.Media.Workers,
		ReapCron:   cfg.Media.ReapCron,
		StaleAfter: cfg.Media.StaleAfter.Std(),
	})
	if err != nil {
		return err
	}
	pool.Register(models.TaskMediaFetch, fetcher)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()

	if err := sup.StartAllActive(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Switchboard running on port %d\n", cfg.Server.Port)
	return httpapi.Start(ctx, httpapi.StartOpts{
		DB:     gormDB,
		Port:   cfg.Server.Port,
		Log:    log,
		Conns:  sup,
		Sender: replies,
		Deltas: deltas,
	})
}
