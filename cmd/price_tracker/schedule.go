package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/notify"
	"github.com/jonathan/price-tracker/internal/schedule"
	"github.com/jonathan/price-tracker/internal/server"
	"github.com/jonathan/price-tracker/internal/types"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run scrape and notify on the configured cron schedules",
	Long:  "Runs scrape on scrape_schedule and notify on notify_schedule until interrupted. Both runs share the activity lock, so a trigger that fires while the other run is active is recorded as locked and skipped.",
	RunE:  runSchedule,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Starts an HTTP server exposing run triggers, URL registration, the activity ledger and /metrics. Configured schedules run alongside it.",
	RunE:  runServe,
}

var servePort int

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default from config)")
	rootCmd.AddCommand(scheduleCmd, serveCmd)
}

// startScheduler registers the configured jobs. It returns nil when no
// schedule is configured.
func startScheduler(a *app) (*schedule.Scheduler, error) {
	if a.cfg.ScrapeSchedule == "" && a.cfg.NotifySchedule == "" {
		return nil, nil
	}
	sched := schedule.New(a.log, a.cfg.Location())
	if a.cfg.ScrapeSchedule != "" {
		d, err := a.dispatcher()
		if err != nil {
			return nil, err
		}
		_, err = sched.Add(schedule.Job{
			Name: "scrape",
			Spec: a.cfg.ScrapeSchedule,
			Run: func(ctx context.Context, callerType string) (*types.RunResult, error) {
				return d.ScrapeAndSaveTargetURLs(ctx, callerType, nil)
			},
		})
		if err != nil {
			return nil, err
		}
	}
	if a.cfg.NotifySchedule != "" {
		s, err := a.syncer()
		if err != nil {
			return nil, err
		}
		_, err = sched.Add(schedule.Job{
			Name: "notify",
			Spec: a.cfg.NotifySchedule,
			Run: func(ctx context.Context, callerType string) (*types.RunResult, error) {
				return s.SendTargetURLsToAPI(ctx, notify.Window{}, callerType)
			},
		})
		if err != nil {
			return nil, err
		}
	}
	sched.Start()
	return sched, nil
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, "schedule")
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := startScheduler(a)
	if err != nil {
		return err
	}
	if sched == nil {
		return errors.New("no schedule configured: set scrape_schedule or notify_schedule")
	}
	a.log.Info("scheduler running", logger.Int("jobs", sched.Len()))
	<-ctx.Done()
	a.log.Info("stopping scheduler")
	sched.Stop()
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, "serve")
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.dispatcher()
	if err != nil {
		return err
	}
	deps := server.Deps{
		Activities: a.ledger,
		Scraper:    d,
		Registrar:  a.registrar(),
		Metrics:    a.metrics.Handler(),
		Logger:     a.log,
	}
	// notify stays unavailable without a catalog endpoint
	if s, err := a.syncer(); err == nil {
		deps.Notifier = s
	} else {
		a.log.Warn("notify endpoint disabled", logger.Error(err))
		deps.Notifier = disabledNotifier{err: err}
	}

	sched, err := startScheduler(a)
	if err != nil {
		return err
	}
	if sched != nil {
		defer sched.Stop()
	}

	port := a.cfg.Port
	if servePort != 0 {
		port = servePort
	}
	return server.New(server.Config{Port: port}, deps).Run(ctx)
}

type disabledNotifier struct {
	err error
}

func (n disabledNotifier) SendTargetURLsToAPI(context.Context, notify.Window, string) (*types.RunResult, error) {
	return nil, n.err
}
