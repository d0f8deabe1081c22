package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/casualtrader/arena/internal/events"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/metrics"
	"github.com/casualtrader/arena/internal/modules/sessions"
)

// SessionSweepJob closes RUNNING sessions whose agent process died without
// reporting back. Sessions older than the threshold become TIMEOUT.
type SessionSweepJob struct {
	sessions  *sessions.Service
	threshold time.Duration
	log       zerolog.Logger
}

// NewSessionSweepJob creates the sweep job.
func NewSessionSweepJob(svc *sessions.Service, threshold time.Duration, log zerolog.Logger) *SessionSweepJob {
	return &SessionSweepJob{
		sessions:  svc,
		threshold: threshold,
		log:       log.With().Str("job", "session_sweep").Logger(),
	}
}

// Name identifies the job in scheduler logs.
func (j *SessionSweepJob) Name() string { return "session_sweep" }

// Run sweeps once.
func (j *SessionSweepJob) Run() error {
	swept, err := j.sessions.SweepTimeouts(j.threshold)
	if err != nil {
		return fmt.Errorf("session sweep failed: %w", err)
	}
	if swept > 0 {
		j.log.Warn().Int("sessions", swept).Msg("Closed timed-out sessions")
	}
	return nil
}

// DailyPerformanceJob recomputes the performance snapshot for every ACTIVE
// agent and fans the fresh metrics out to subscribers. Trades already update
// metrics synchronously; this job covers mark-to-market drift on days the
// agent never traded.
type DailyPerformanceJob struct {
	db     metrics.DBTX
	agents *agents.Repository
	engine *metrics.Engine
	hub    *events.Hub
	log    zerolog.Logger
}

// NewDailyPerformanceJob creates the recompute job.
func NewDailyPerformanceJob(db metrics.DBTX, agentRepo *agents.Repository, engine *metrics.Engine, hub *events.Hub, log zerolog.Logger) *DailyPerformanceJob {
	return &DailyPerformanceJob{
		db:     db,
		agents: agentRepo,
		engine: engine,
		hub:    hub,
		log:    log.With().Str("job", "daily_performance").Logger(),
	}
}

// Name identifies the job in scheduler logs.
func (j *DailyPerformanceJob) Name() string { return "daily_performance" }

// Run recomputes every active agent. One failing agent does not stop the
// rest; the first error is returned after the full pass.
func (j *DailyPerformanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	list, err := j.agents.List()
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	var firstErr error
	for i := range list {
		agent := &list[i]
		if agent.Status != domain.AgentActive {
			continue
		}

		perf, err := j.engine.Recompute(ctx, j.db, agent, agent.CurrentFunds, "")
		if err != nil {
			j.log.Error().Err(err).Str("agent_id", agent.ID).Msg("Recompute failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if j.hub != nil {
			j.hub.EmitPerformanceUpdate(agent.ID, map[string]any{
				"date":           perf.Date,
				"total_value":    perf.TotalValue,
				"cash_balance":   perf.CashBalance,
				"unrealized_pnl": perf.UnrealizedPnL,
				"realized_pnl":   perf.RealizedPnL,
				"total_return":   perf.TotalReturn,
				"daily_return":   perf.DailyReturn,
				"win_rate":       perf.WinRate,
			})
		}
	}
	return firstErr
}

// Backuper uploads one database snapshot somewhere durable.
type Backuper interface {
	Backup(ctx context.Context) error
}

// BackupJob snapshots the database to object storage on a cron schedule.
type BackupJob struct {
	backup Backuper
	log    zerolog.Logger
}

// NewBackupJob creates the backup job.
func NewBackupJob(backup Backuper, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backup: backup,
		log:    log.With().Str("job", "backup").Logger(),
	}
}

// Name identifies the job in scheduler logs.
func (j *BackupJob) Name() string { return "backup" }

// Run takes one backup.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := j.backup.Backup(ctx); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	return nil
}
