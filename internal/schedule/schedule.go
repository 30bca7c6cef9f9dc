// Package schedule triggers scrape and sync runs on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/types"
)

// CallerType marks runs started by the scheduler.
const CallerType = "cron"

// RunFunc starts one run.
type RunFunc func(ctx context.Context, callerType string) (*types.RunResult, error)

// Job is a named run on a five-field cron expression.
type Job struct {
	Name string
	Spec string
	Run  RunFunc
}

// Scheduler fires jobs. A job whose previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	log    logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler evaluating expressions in loc.
func New(log logger.Logger, loc *time.Location) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, parser: parser, log: log, ctx: ctx, cancel: cancel}
}

// Add registers job and returns its next fire time.
func (s *Scheduler) Add(job Job) (time.Time, error) {
	sched, err := s.parser.Parse(job.Spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse schedule %q for %s: %w", job.Spec, job.Name, err)
	}
	if _, err := s.cron.AddFunc(job.Spec, s.wrap(job)); err != nil {
		return time.Time{}, fmt.Errorf("failed to schedule %s: %w", job.Name, err)
	}
	next := sched.Next(time.Now())
	s.log.Info("job scheduled",
		logger.String("job", job.Name),
		logger.String("schedule", job.Spec),
		logger.Time("next_run", next),
	)
	return next, nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		log := s.log.With(
			logger.String("job", job.Name),
			logger.String("run_id", uuid.New().String()),
		)
		start := time.Now()
		log.Info("cron triggered")
		res, err := job.Run(s.ctx, CallerType)
		if err != nil {
			log.Error("scheduled run failed", logger.Error(err), logger.Duration("duration", time.Since(start)))
			return
		}
		log.Info("scheduled run finished",
			logger.String("state", string(res.State)),
			logger.Bool("locked", res.Locked),
			logger.Int("total", res.Total),
			logger.Int("failed", res.Failed),
			logger.Duration("duration", time.Since(start)),
		)
	}
}
