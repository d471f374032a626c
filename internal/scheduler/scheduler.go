// Package scheduler runs AgentRelay's periodic maintenance jobs on cron expressions.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/AgentRelay/internal/store"
)

// DefaultPruneSchedule runs the dedup sweep at minute 17 of every hour.
const DefaultPruneSchedule = "17 * * * *"

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Expressions use the standard five
// fields (min, hour, dom, month, dow) or descriptors such as @hourly and @every 10m.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task under expr. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	slog.Info("Scheduler job added", "job", name, "schedule", expr, "next", s.cron.Entry(id).Next)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// DedupSweep returns a job deleting dedup records older than retention.
func DedupSweep(pruner store.DedupPruner, retention time.Duration, now func() time.Time) func() {
	if now == nil {
		now = time.Now
	}
	return func() {
		cutoff := now().Add(-retention)
		n, err := pruner.PruneDedup(cutoff)
		if err != nil {
			slog.Error("DedupSweep failed", "error", err, "cutoff", cutoff)
			return
		}
		slog.Info("DedupSweep pruned inbound records", "removed", n, "cutoff", cutoff)
	}
}
