// Package maintenance runs the gateway's periodic housekeeping: evicting
// expired terminal tickets, sweeping abandoned staging files, purging old
// audit rows and pruning idle rate-limit state.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/opsgate/internal/sshaudit"
	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshterminal"
	"github.com/gluk-w/opsgate/internal/sshtransfer"
)

const (
	ticketSpec  = "@every 1m"
	stagingSpec = "@every 10m"
	auditSpec   = "@daily"
	limiterSpec = "@every 5m"
)

// Tasks holds what the scheduler maintains. Nil fields are skipped.
type Tasks struct {
	Tickets       *sshterminal.TicketStore
	Staging       []*sshtransfer.Staging
	StagingMaxAge time.Duration
	Auditor       *sshaudit.Auditor
	Limiter       *sshconn.RateLimiter
}

// Scheduler wraps a cron runner with the maintenance jobs registered.
type Scheduler struct {
	cron   *cron.Cron
	tasks  Tasks
	logger zerolog.Logger
}

// New registers a job for every configured task. Jobs that are still running
// when their next tick arrives are skipped.
func New(tasks Tasks) (*Scheduler, error) {
	logger := log.With().Str("component", "maintenance").Logger()
	cl := cronLogger{logger}
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		tasks:  tasks,
		logger: logger,
	}

	jobs := []struct {
		name    string
		spec    string
		enabled bool
		run     func()
	}{
		{"ticket-eviction", ticketSpec, tasks.Tickets != nil, func() { s.EvictTickets() }},
		{"staging-sweep", stagingSpec, len(tasks.Staging) > 0 && tasks.StagingMaxAge > 0, func() { s.SweepStaging() }},
		{"audit-purge", auditSpec, tasks.Auditor != nil, func() { s.PurgeAudit() }},
		{"limiter-prune", limiterSpec, tasks.Limiter != nil, func() { s.PruneLimiter() }},
	}
	for _, j := range jobs {
		if !j.enabled {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
		logger.Debug().Str("job", j.name).Str("spec", j.spec).Msg("maintenance job scheduled")
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", s.Jobs()).Msg("maintenance scheduler started")
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends
// first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("maintenance jobs still running at shutdown")
	}
}

// EvictTickets removes expired terminal tickets.
func (s *Scheduler) EvictTickets() int {
	n := s.tasks.Tickets.Evict()
	if n > 0 {
		s.logger.Debug().Int("evicted", n).Msg("expired terminal tickets evicted")
	}
	return n
}

// SweepStaging removes staging files older than StagingMaxAge.
func (s *Scheduler) SweepStaging() int {
	total := 0
	for _, st := range s.tasks.Staging {
		n, err := st.Sweep(s.tasks.StagingMaxAge)
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", st.Dir()).Msg("staging sweep failed")
			continue
		}
		if n > 0 {
			s.logger.Info().Int("removed", n).Str("dir", st.Dir()).Msg("abandoned staging files removed")
		}
		total += n
	}
	return total
}

// PurgeAudit removes audit rows beyond the retention period.
func (s *Scheduler) PurgeAudit() int64 {
	n, err := s.tasks.Auditor.PurgeOlderThan(0)
	if err != nil {
		s.logger.Warn().Err(err).Int("retention_days", s.tasks.Auditor.RetentionDays()).Msg("audit purge failed")
		return 0
	}
	return n
}

// PruneLimiter drops rate-limit state for targets that have gone quiet.
func (s *Scheduler) PruneLimiter() int {
	return s.tasks.Limiter.Prune()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
