package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"homedash/internal/auth"
	appLog "homedash/internal/log"
	"homedash/internal/metrics"
)

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

// Scheduler runs named background jobs on cron specs. A job still running
// when its next tick arrives is skipped.
type Scheduler struct {
	cron *cron.Cron

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]JobFunc
	ids  map[string]cron.EntryID

	stopOnce sync.Once
}

func New() *Scheduler {
	logger := cronLogger{}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:  context.Background(),
		jobs: make(map[string]JobFunc),
		ids:  make(map[string]cron.EntryID),
	}
}

// Add registers a job. An empty expression registers it for RunNow only.
func (s *Scheduler) Add(name, expr string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("schedule: job %q already registered", name)
	}
	if expr != "" {
		id, err := s.cron.AddFunc(expr, func() { s.run(name, fn) })
		if err != nil {
			return fmt.Errorf("schedule: invalid cron expression for %q: %w", name, err)
		}
		s.ids[name] = id
	}
	s.jobs[name] = fn
	appLog.Info("scheduled job registered", "job", name, "schedule", expr)
	return nil
}

// Start begins firing jobs. Jobs receive ctx; cancelling it stops the
// scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	appLog.Info("scheduler started", "jobs", len(s.ids))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the scheduler and waits for running jobs. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		appLog.Info("scheduler stopped")
	})
}

// RunNow runs a registered job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: unknown job %q", name)
	}
	return s.run(name, fn)
}

// Next returns when a job fires next, zero when it is not on a schedule or
// the scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.ids[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) run(name string, fn JobFunc) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		appLog.Error("scheduled job failed", err, "job", name, "elapsed", time.Since(start).String())
		return err
	}
	appLog.Debug("scheduled job done", "job", name, "elapsed", time.Since(start).String())
	return nil
}

// CredentialSource hands out a usable Google credential.
type CredentialSource interface {
	Credential(ctx context.Context) (auth.Credential, error)
}

// TokenRefreshJob keeps the stored Google token fresh so interactive
// requests rarely pay for a refresh. Without a connected account it does
// nothing.
func TokenRefreshJob(creds CredentialSource, m *metrics.Metrics) JobFunc {
	return func(ctx context.Context) error {
		cred, err := creds.Credential(ctx)
		if errors.Is(err, auth.ErrUnauthenticated) {
			appLog.Debug("token check skipped: no google account connected")
			return nil
		}
		m.IncTokenCheck(err)
		if err != nil {
			return err
		}
		if cred.Rotated {
			appLog.Info("token check rotated the access token")
		}
		return nil
	}
}

// Capturer refreshes the dashboard preview.
type Capturer interface {
	Capture(ctx context.Context) error
}

func CaptureJob(c Capturer) JobFunc {
	return c.Capture
}

// cronLogger routes cron's own messages through the process logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
