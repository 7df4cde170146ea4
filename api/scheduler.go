/*
scheduler.go - Nightly penalty accrual scheduler

PURPOSE:
  Runs the penalty accrual job on a cron schedule so late charges are
  posted once per business day without an operator.

DESIGN:
  - robfig/cron drives the timing (standard 5-field spec, UTC)
  - SkipIfStillRunning keeps a slow run from overlapping the next one
  - Recover turns a panicking run into an error log line
  - A second run on the same day is harmless: the service skips contracts
    that already have an accrual run for that date

CONFIGURATION:
  - penalty.schedule: cron spec (default "30 0 * * *")
  - penalty.enabled:  whether the scheduler starts

USAGE:
  scheduler, err := NewPenaltyScheduler(svc, "30 0 * * *", log)
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - handlers.go: RunPenalties endpoint (manual run)
  - contract/penalty_job.go: RunPenaltyAccrual
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/hirepurchase-engine/contract"
	"github.com/warp/hirepurchase-engine/engine"
)

// PenaltyRunner is the part of contract.Service the scheduler drives.
type PenaltyRunner interface {
	RunPenaltyAccrual(ctx context.Context, today engine.Date) (contract.AccrualReport, error)
	Today() engine.Date
}

// PenaltyScheduler runs penalty accrual on a cron schedule.
type PenaltyScheduler struct {
	runner  PenaltyRunner
	log     logrus.FieldLogger
	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	last    *contract.AccrualReport
	lastErr error
}

// NewPenaltyScheduler parses spec and registers the job. Start must be
// called for it to fire.
func NewPenaltyScheduler(runner PenaltyRunner, spec string, log logrus.FieldLogger) (*PenaltyScheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "penalty_scheduler")

	cl := cronLogger{log: log}
	ps := &PenaltyScheduler{
		runner: runner,
		log:    log,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	id, err := ps.cron.AddFunc(spec, func() { ps.RunNow(context.Background()) })
	if err != nil {
		return nil, fmt.Errorf("invalid penalty schedule %q: %w", spec, err)
	}
	ps.entryID = id
	return ps, nil
}

// Start begins the scheduler in its own goroutine.
func (ps *PenaltyScheduler) Start() {
	ps.cron.Start()
	ps.log.WithField("next_run", ps.NextRun()).Info("scheduler started")
}

// Stop prevents further runs. The returned context is done once a run in
// progress has finished.
func (ps *PenaltyScheduler) Stop() context.Context {
	ctx := ps.cron.Stop()
	ps.log.Info("scheduler stopped")
	return ctx
}

// RunNow accrues penalties for the runner's business date.
func (ps *PenaltyScheduler) RunNow(ctx context.Context) (contract.AccrualReport, error) {
	today := ps.runner.Today()
	report, err := ps.runner.RunPenaltyAccrual(ctx, today)

	ps.mu.Lock()
	ps.last = &report
	ps.lastErr = err
	ps.mu.Unlock()

	if err != nil {
		ps.log.WithError(err).WithField("run_date", today.String()).Error("scheduled penalty run interrupted")
	}
	return report, err
}

// LastRun returns the most recent report, or nil before the first run.
func (ps *PenaltyScheduler) LastRun() (*contract.AccrualReport, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.last, ps.lastErr
}

// NextRun returns when the job fires next. Zero until started.
func (ps *PenaltyScheduler) NextRun() time.Time {
	return ps.cron.Entry(ps.entryID).Next
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
