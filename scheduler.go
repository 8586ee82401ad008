package taskwire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// scheduler runs the periodic jobs of a Server or Client session on a cron runner.
// A job that is still running when its next tick fires is skipped, and a
// panicking job is recovered and logged.
type scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func newScheduler(logger *slog.Logger) *scheduler {
	cl := cronLogger{logger: logger}
	return &scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// every registers fn to run at a fixed interval. Intervals are rounded down
// to whole seconds with a minimum of one second.
func (s *scheduler) every(interval time.Duration, name string, fn func()) {
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(fn))
	s.logger.Debug("Scheduled job", "job", name, "interval", interval, "entry", id)
}

// add registers fn under a cron spec such as "@every 1m" or "*/5 * * * *".
func (s *scheduler) add(spec, name string, fn func()) error {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.logger.Debug("Scheduled job", "job", name, "spec", spec, "entry", id)
	return nil
}

func (s *scheduler) start() {
	s.cron.Start()
}

// stop halts the runner and waits for running jobs until ctx expires.
func (s *scheduler) stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduled jobs still running after stop", "error", ctx.Err())
	}
}
