package picker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"homedash/internal/auth"
	"homedash/internal/clock"
	appLog "homedash/internal/log"
	"homedash/internal/metrics"
	"homedash/internal/model"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultTimeout      = 5 * time.Minute

	// retrieveTimeout bounds a claimed retrieval, which outlives the
	// caller's context.
	retrieveTimeout = 2 * time.Minute
)

// State is a poller lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateRetrieved State = "retrieved"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateRetrieved, StateTimedOut, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Backend is the broker surface the poller drives.
type Backend interface {
	Create(ctx context.Context) (*Session, error)
	Status(ctx context.Context, sessionID string) (Status, error)
	Retrieve(ctx context.Context, sessionID string) ([]model.SelectedPhoto, error)
}

// Outcome is the terminal result of a poller.
type Outcome struct {
	State   State
	Session model.PickerSession
	Photos  []model.SelectedPhoto
	Err     error
}

// PollerOptions tunes a Poller. Zero values fall back to the provider's hint
// and then to the defaults.
type PollerOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Clock        clock.Clock
	Metrics      *metrics.Metrics
}

// Poller runs one picker session from creation to a terminal state:
//
//	created -> polling -> completed -> retrieved
//	created -> failed
//	polling -> timed_out | failed | cancelled
//
// At most one status call is in flight at a time, and the next tick is only
// scheduled after the previous call has resolved.
type Poller struct {
	backend Backend
	opts    PollerOptions
	clock   clock.Clock

	mu      sync.Mutex
	state   State
	session model.PickerSession
	outcome Outcome

	cancel chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewPoller(backend Backend, opts PollerOptions) *Poller {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Poller{
		backend: backend,
		opts:    opts,
		clock:   c,
		state:   StateCreated,
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start creates the session, hands it to present (typically showing the
// picker URI to the user) and starts polling in the background. A failed
// creation or presentation moves the poller to failed and is returned.
func (p *Poller) Start(ctx context.Context, present func(model.PickerSession) error) (model.PickerSession, error) {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return model.PickerSession{}, fmt.Errorf("picker: poller already started (state %s)", p.state)
	}
	p.mu.Unlock()

	sess, err := p.backend.Create(ctx)
	if err != nil {
		p.finish(Outcome{State: StateFailed, Err: err})
		return model.PickerSession{}, err
	}
	if present != nil {
		if err := present(sess.PickerSession); err != nil {
			p.finish(Outcome{State: StateFailed, Session: sess.PickerSession, Err: err})
			return sess.PickerSession, err
		}
	}

	interval := p.interval(sess.PickerSession)
	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p.mu.Lock()
	p.session = sess.PickerSession
	if p.state != StateCreated {
		// Disposed while presenting.
		p.mu.Unlock()
		return sess.PickerSession, ErrCancelled
	}
	p.state = StatePolling
	p.mu.Unlock()

	appLog.Info("picker polling started", "session", sess.SessionID, "interval", interval.String(), "timeout", timeout.String())
	go p.loop(ctx, sess.SessionID, interval, timeout)
	return sess.PickerSession, nil
}

func (p *Poller) interval(s model.PickerSession) time.Duration {
	if p.opts.PollInterval > 0 {
		return p.opts.PollInterval
	}
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return DefaultPollInterval
}

type statusResult struct {
	status Status
	err    error
}

func (p *Poller) loop(ctx context.Context, sessionID string, interval, timeout time.Duration) {
	p.finish(p.poll(ctx, sessionID, interval, timeout))
}

// poll runs the polling state and returns the terminal outcome. Both timers
// are released before it returns.
func (p *Poller) poll(ctx context.Context, sessionID string, interval, timeout time.Duration) Outcome {
	deadlineAt := p.clock.Now().Add(timeout)
	deadline := p.clock.NewTimer(timeout)
	defer deadline.Stop()

	cancelled := func() Outcome {
		if err := ctx.Err(); err != nil {
			return Outcome{State: StateCancelled, Err: fmt.Errorf("%w: %w", ErrCancelled, err)}
		}
		return Outcome{State: StateCancelled, Err: ErrCancelled}
	}

	polls := 0
	for {
		polls++
		statusCtx, cancelStatus := context.WithCancel(ctx)
		resCh := make(chan statusResult, 1)
		go func() {
			st, err := p.backend.Status(statusCtx, sessionID)
			resCh <- statusResult{status: st, err: err}
		}()

		var res statusResult
		select {
		case res = <-resCh:
			cancelStatus()
		case <-deadline.C():
			cancelStatus()
			return p.timedOut(sessionID, polls)
		case <-p.cancel:
			cancelStatus()
			return cancelled()
		case <-ctx.Done():
			cancelStatus()
			return cancelled()
		}

		if res.err != nil {
			if errors.Is(res.err, auth.ErrUnauthenticated) || errors.Is(res.err, ErrSessionNotFound) {
				return Outcome{State: StateFailed, Err: res.err}
			}
			appLog.Warn("picker status check failed; will retry", "session", sessionID, "poll", polls, "error", res.err)
		} else if res.status.MediaItemsSet {
			deadline.Stop()
			return p.complete(ctx, sessionID)
		}

		tick := p.clock.NewTimer(interval)
		select {
		case <-tick.C():
			if !p.clock.Now().Before(deadlineAt) {
				return p.timedOut(sessionID, polls)
			}
		case <-deadline.C():
			tick.Stop()
			return p.timedOut(sessionID, polls)
		case <-p.cancel:
			tick.Stop()
			return cancelled()
		case <-ctx.Done():
			tick.Stop()
			return cancelled()
		}
	}
}

func (p *Poller) timedOut(sessionID string, polls int) Outcome {
	appLog.Warn("picker session timed out", "session", sessionID, "polls", polls)
	return Outcome{State: StateTimedOut, Err: ErrTimedOut}
}

// complete claims the session for retrieval. Once claimed, neither Dispose
// nor the caller's context can cancel it, and exactly one Retrieve is issued.
func (p *Poller) complete(ctx context.Context, sessionID string) Outcome {
	p.mu.Lock()
	if p.state != StatePolling {
		// Dispose won the race.
		p.mu.Unlock()
		return Outcome{State: StateCancelled, Err: ErrCancelled}
	}
	p.state = StateCompleted
	p.mu.Unlock()

	appLog.Info("picker session completed; retrieving selection", "session", sessionID)
	retrieveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), retrieveTimeout)
	defer cancel()
	photos, err := p.backend.Retrieve(retrieveCtx, sessionID)
	if err != nil {
		return Outcome{State: StateFailed, Err: err}
	}
	return Outcome{State: StateRetrieved, Photos: photos}
}

func (p *Poller) finish(out Outcome) {
	p.once.Do(func() {
		p.mu.Lock()
		if p.state == StateCancelled {
			// Dispose already decided the outcome.
			out = Outcome{State: StateCancelled, Err: ErrCancelled}
		}
		p.state = out.State
		if out.Session.SessionID == "" {
			out.Session = p.session
		}
		p.outcome = out
		p.mu.Unlock()

		p.opts.Metrics.IncPickerSession(string(out.State))
		if out.Err != nil && out.State != StateCancelled {
			appLog.Error("picker session ended", out.Err, "session", out.Session.SessionID, "state", string(out.State))
		} else {
			appLog.Info("picker session ended", "session", out.Session.SessionID, "state", string(out.State), "photos", len(out.Photos))
		}
		close(p.done)
	})
}

// Dispose stops polling. It reports true when the poller was cancelled by
// this call and false when retrieval had already been claimed or the poller
// had already ended.
func (p *Poller) Dispose() bool {
	p.mu.Lock()
	switch p.state {
	case StateCreated, StatePolling:
		wasCreated := p.state == StateCreated
		p.state = StateCancelled
		p.mu.Unlock()
		close(p.cancel)
		if wasCreated {
			p.finish(Outcome{State: StateCancelled, Err: ErrCancelled})
		}
		return true
	default:
		p.mu.Unlock()
		return false
	}
}

// State returns the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the poller reached a terminal state.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the poller ends or ctx is done.
func (p *Poller) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
