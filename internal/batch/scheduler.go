package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs the previous month's batch on a cron schedule. A live
// mode schedules its own preflight: the dry run executes first, and the
// live run only follows a successful one.
type Scheduler struct {
	cron       *cron.Cron
	runner     *Runner
	mode       string
	creditType string
	reason     string
	log        zerolog.Logger
}

// NewScheduler wires a UTC cron job. spec is a standard 5-field cron
// expression; mode is dry_run or live. reason may carry a {month}
// placeholder.
func NewScheduler(runner *Runner, spec, mode, creditType, reason string, logger zerolog.Logger) (*Scheduler, error) {
	if mode != ModeDryRun && mode != ModeLive {
		return nil, fmt.Errorf("schedule mode must be %s or %s, got %q", ModeDryRun, ModeLive, mode)
	}

	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		runner:     runner,
		mode:       mode,
		creditType: creditType,
		reason:     reason,
		log:        logger.With().Str("component", "scheduler").Logger(),
	}
	if _, err := s.cron.AddFunc(spec, s.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid batch schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Str("mode", s.mode).Msg("Batch scheduler started")
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Batch scheduler stopped")
}

func (s *Scheduler) runScheduled() {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Msg("Scheduled batch panicked")
		}
	}()

	month := previousMonth(time.Now().UTC())
	ctx := context.Background()

	dry, err := s.runner.Run(ctx, RunRequest{
		Month:         month,
		CreditType:    s.creditType,
		ExecutionMode: ModeDryRun,
		SyncScope:     SyncScopeAll,
		Reason:        s.reasonFor(month),
	})
	if err != nil {
		s.log.Error().Err(err).Str("month", month).Msg("Scheduled dry run errored")
		return
	}
	if dry.Execution == nil || dry.Execution.Status != StatusSuccess {
		s.log.Warn().Str("month", month).Msg("Scheduled dry run did not succeed, skipping live run")
		return
	}
	if s.mode != ModeLive {
		return
	}

	live, err := s.runner.Run(ctx, RunRequest{
		Month:         month,
		CreditType:    s.creditType,
		ExecutionMode: ModeLive,
		Reason:        s.reasonFor(month),
	})
	if err != nil {
		s.log.Error().Err(err).Str("month", month).Msg("Scheduled live run errored")
		return
	}
	s.log.Info().
		Str("month", month).
		Str("status", live.Run.Status).
		Str("batch_status", live.Run.BatchStatus).
		Msg("Scheduled live run finished")
}

func (s *Scheduler) reasonFor(month string) string {
	if s.reason == "" {
		return "scheduled retirement for " + month
	}
	return strings.ReplaceAll(s.reason, "{month}", month)
}

// previousMonth formats the month before t as YYYY-MM.
func previousMonth(t time.Time) string {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 0, -1).Format("2006-01")
}
