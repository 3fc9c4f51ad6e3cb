// Package schedule drives the recurring maintenance jobs: statistics
// aggregation, back-fill and retention cleanup.
package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"docchat/internal/config"
	"docchat/internal/kst"
	"docchat/internal/logging"
	"docchat/internal/logstore"
	"docchat/internal/stats"
)

const (
	backfillDaysBack     = 30
	backfillMaxDates     = 7
	backfillInitialDelay = 30 * time.Second
	backfillInterval     = "@every 5m"
)

// Scheduler owns the cron runner and its jobs. All job times are KST.
type Scheduler struct {
	cron       *cron.Cron
	aggregator *stats.Aggregator
	retention  config.RetentionConfig
	logsDir    string

	mu         sync.Mutex
	backfillID cron.EntryID
	backfillOn bool
}

// New builds a stopped scheduler.
func New(aggregator *stats.Aggregator, retention config.RetentionConfig, logsDir string) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(kst.Location)),
		aggregator: aggregator,
		retention:  retention,
		logsDir:    logsDir,
	}
}

// Start registers the jobs and launches the runner. The back-fill job first
// fires after a short startup delay, then every five minutes until the
// missing-date list empties, at which point it removes itself.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 1 * * *", recovering("daily_stats_aggregation", s.runDaily)); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 * * * *", recovering("hourly_stats_aggregation", s.runHourly)); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 2 * * *", recovering("log_cleanup", s.runLogCleanup)); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("30 2 * * *", recovering("conversation_cleanup", s.runConversationCleanup)); err != nil {
		return err
	}

	id, err := s.cron.AddFunc(backfillInterval, recovering("stats_backfill", s.runBackfill))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.backfillID = id
	s.backfillOn = true
	s.mu.Unlock()

	s.cron.Start()
	time.AfterFunc(backfillInitialDelay, recovering("stats_backfill", s.runBackfill))

	logging.For("schedule").Info().Msg("scheduler started")
	return nil
}

// Stop halts the runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logging.For("schedule").Info().Msg("scheduler stopped")
}

// recovering wraps a job so a panic is logged instead of killing the runner.
func recovering(name string, job func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logging.For("schedule").Error().Str("job", name).Any("panic", r).Msg("job panicked")
			}
		}()
		job()
	}
}

func (s *Scheduler) runDaily() {
	yesterday := kst.Today().AddDate(0, 0, -1).Format(kst.DateLayout)
	status, err := s.aggregator.AggregateDaily(context.Background(), yesterday)
	if err != nil {
		logging.For("schedule").Error().Err(err).Str("date", yesterday).Msg("daily aggregation failed")
		return
	}
	logging.For("schedule").Info().Str("date", yesterday).Str("status", string(status)).Msg("daily aggregation done")
}

func (s *Scheduler) runHourly() {
	if _, err := s.aggregator.AggregateHourly(context.Background()); err != nil {
		logging.For("schedule").Error().Err(err).Msg("hourly aggregation failed")
	}
}

func (s *Scheduler) runBackfill() {
	s.mu.Lock()
	active := s.backfillOn
	s.mu.Unlock()
	if !active {
		return
	}

	remaining, err := s.aggregator.Backfill(context.Background(), backfillDaysBack, backfillMaxDates)
	if err != nil {
		logging.For("schedule").Error().Err(err).Msg("backfill failed, will retry")
		return
	}
	if remaining > 0 {
		logging.For("schedule").Info().Int("remaining", remaining).Msg("backfill progressing")
		return
	}

	s.mu.Lock()
	if s.backfillOn {
		s.cron.Remove(s.backfillID)
		s.backfillOn = false
		logging.For("schedule").Info().Msg("backfill complete, job removed")
	}
	s.mu.Unlock()
}

func (s *Scheduler) runLogCleanup() {
	for _, dir := range []string{filepath.Join(s.logsDir, "data"), filepath.Join(s.logsDir, "overflow")} {
		if _, _, err := logstore.CompressAndPrune(dir, s.retention.CompressAfterDays, s.retention.RetentionDays); err != nil {
			logging.For("schedule").Error().Err(err).Str("dir", dir).Msg("log cleanup failed")
		}
	}
}

func (s *Scheduler) runConversationCleanup() {
	dir := filepath.Join(s.logsDir, "conversations")
	if _, _, err := logstore.CompressAndPrune(dir, s.retention.CompressAfterDays, s.retention.RetentionDays); err != nil {
		logging.For("schedule").Error().Err(err).Str("dir", dir).Msg("conversation cleanup failed")
	}
}
