// Package sched runs workflows on recurring cron schedules. Expressions
// use the standard five-field form and are evaluated in UTC; timezone
// prefixes are rejected so schedules behave identically across hosts.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var standardParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseSpec validates a cron expression and returns its schedule.
func ParseSpec(spec string) (cron.Schedule, error) {
	clean := strings.TrimSpace(spec)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextRun returns the next fire time of spec after now, in UTC.
func NextRun(spec string, now time.Time) (time.Time, error) {
	schedule, err := ParseSpec(spec)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}

// Job launches one workflow run. The context is cancelled when the
// scheduler stops.
type Job func(ctx context.Context)

// Scheduler triggers registered jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped scheduler. Call Start to begin firing jobs.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithParser(standardParser), cron.WithLocation(time.UTC)),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a named job on a cron spec, replacing any job already
// registered under the same name.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if _, err := ParseSpec(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.logger.Info("scheduled run firing", "job", name, "spec", spec)
		job(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling %q: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

// Remove unregisters a named job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling, cancels the context running jobs observe, and
// waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
}
