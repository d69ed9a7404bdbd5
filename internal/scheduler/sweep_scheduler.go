package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/strata-db/strata/internal/bucketcatalog"
	"github.com/strata-db/strata/internal/cursor"
	"github.com/strata-db/strata/internal/metrics"
	"github.com/strata-db/strata/internal/session"
)

// sessionMaxIdle is how long a session may sit unused before the sweep
// removes its retryable-write bookkeeping.
const sessionMaxIdle = 30 * time.Minute

// SweepScheduler runs the periodic maintenance sweeps: idle bucket expiry,
// cursor timeouts, and stale session cleanup.
type SweepScheduler struct {
	catalog  *bucketcatalog.Catalog
	cursors  *cursor.Manager
	sessions *session.Registry

	bucketSchedule string // Cron schedule (e.g., "*/1 * * * *" = every minute)
	cursorSchedule string

	cron    *cron.Cron
	running bool
	mu      sync.Mutex
	logger  zerolog.Logger
}

// SweepSchedulerConfig holds configuration for the sweep scheduler
type SweepSchedulerConfig struct {
	Catalog        *bucketcatalog.Catalog
	Cursors        *cursor.Manager
	Sessions       *session.Registry
	BucketSchedule string // Cron schedule for idle-bucket expiry
	CursorSchedule string // Cron schedule for cursor and session cleanup
	Logger         zerolog.Logger
}

// NewSweepScheduler creates a new sweep scheduler
func NewSweepScheduler(cfg *SweepSchedulerConfig) (*SweepScheduler, error) {
	bucketSchedule := cfg.BucketSchedule
	if bucketSchedule == "" {
		bucketSchedule = "*/1 * * * *"
	}
	cursorSchedule := cfg.CursorSchedule
	if cursorSchedule == "" {
		cursorSchedule = "*/5 * * * *"
	}

	// Validate cron schedules up front
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(bucketSchedule); err != nil {
		return nil, err
	}
	if _, err := parser.Parse(cursorSchedule); err != nil {
		return nil, err
	}

	s := &SweepScheduler{
		catalog:        cfg.Catalog,
		cursors:        cfg.Cursors,
		sessions:       cfg.Sessions,
		bucketSchedule: bucketSchedule,
		cursorSchedule: cursorSchedule,
		logger:         cfg.Logger.With().Str("component", "sweep-scheduler").Logger(),
	}

	s.logger.Info().
		Str("bucket_schedule", bucketSchedule).
		Str("cursor_schedule", cursorSchedule).
		Msg("Sweep scheduler initialized")

	return s, nil
}

// Start starts the sweep scheduler
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Sweep scheduler already running")
		return nil
	}

	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))

	if _, err := s.cron.AddFunc(s.bucketSchedule, s.runBucketSweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cursorSchedule, s.runCursorSweep); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Time("next_bucket_run", s.nextRun(s.bucketSchedule)).
		Time("next_cursor_run", s.nextRun(s.cursorSchedule)).
		Msg("Sweep scheduler started")

	return nil
}

// Stop stops the sweep scheduler
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done() // Wait for running jobs to complete
	}

	s.running = false
	s.logger.Info().Msg("Sweep scheduler stopped")
}

// runBucketSweep expires idle buckets when the catalog sits above its memory
// threshold.
func (s *SweepScheduler) runBucketSweep() {
	startTime := time.Now()

	expired := s.catalog.ExpireIdleBuckets()
	metrics.Get().SetCatalogMemory(s.catalog.MemoryUsage())
	metrics.Get().SetBucketsOpen(int64(s.catalog.OpenBuckets()))
	if expired > 0 {
		metrics.Get().IncBucketsExpired(int64(expired))
	}

	if expired > 0 {
		s.logger.Info().
			Int("expired", expired).
			Int64("memory_bytes", s.catalog.MemoryUsage()).
			Dur("duration", time.Since(startTime)).
			Msg("Idle bucket sweep completed")
	}
}

// runCursorSweep times out idle cursors and drops stale sessions.
func (s *SweepScheduler) runCursorSweep() {
	startTime := time.Now()

	timedOut := s.cursors.ExpireIdle()
	removed := 0
	if s.sessions != nil {
		removed = s.sessions.ExpireIdle(sessionMaxIdle)
	}

	if timedOut > 0 || removed > 0 {
		s.logger.Info().
			Int("cursors_timed_out", timedOut).
			Int("sessions_removed", removed).
			Dur("duration", time.Since(startTime)).
			Msg("Cursor sweep completed")
	}
}

// TriggerNow runs both sweeps immediately
func (s *SweepScheduler) TriggerNow() {
	s.logger.Info().Msg("Manual sweep trigger")
	s.runBucketSweep()
	s.runCursorSweep()
}

// nextRun returns the next scheduled run time for a schedule
func (s *SweepScheduler) nextRun(schedule string) time.Time {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parsed, err := parser.Parse(schedule)
	if err != nil {
		return time.Time{}
	}
	return parsed.Next(time.Now())
}

// Status returns scheduler status
func (s *SweepScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":         s.running,
		"bucket_schedule": s.bucketSchedule,
		"cursor_schedule": s.cursorSchedule,
	}

	if s.running {
		status["next_bucket_run"] = s.nextRun(s.bucketSchedule).Format(time.RFC3339)
		status["next_cursor_run"] = s.nextRun(s.cursorSchedule).Format(time.RFC3339)
	}

	return status
}

// IsRunning returns whether the scheduler is running
func (s *SweepScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
