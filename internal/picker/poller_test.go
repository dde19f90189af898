package picker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homedash/internal/auth"
	"homedash/internal/model"
	"homedash/internal/testfixtures"
)

type fakeBackend struct {
	createErr error
	hint      time.Duration

	// readyAt is the 1-based status call that first reports ready; zero
	// never does.
	readyAt   int32
	statusErr func(call int32) error

	statusCalls   atomic.Int32
	retrieveCalls atomic.Int32

	retrieveStarted chan struct{}
	releaseRetrieve chan struct{}

	photos *memPhotos
}

func (f *fakeBackend) Create(ctx context.Context) (*Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &Session{PickerSession: model.PickerSession{
		SessionID:    "sess-1",
		PickerURI:    "https://photos.google.com/picker/sess-1",
		PollInterval: f.hint,
	}}, nil
}

func (f *fakeBackend) Status(ctx context.Context, sessionID string) (Status, error) {
	n := f.statusCalls.Add(1)
	if f.statusErr != nil {
		if err := f.statusErr(n); err != nil {
			return Status{}, err
		}
	}
	return Status{MediaItemsSet: f.readyAt > 0 && n >= f.readyAt}, nil
}

func (f *fakeBackend) Retrieve(ctx context.Context, sessionID string) ([]model.SelectedPhoto, error) {
	f.retrieveCalls.Add(1)
	if f.retrieveStarted != nil {
		close(f.retrieveStarted)
	}
	if f.releaseRetrieve != nil {
		select {
		case <-f.releaseRetrieve:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	photos := []model.SelectedPhoto{{ID: "a", URL: "https://lh3/a", Alt: "a.jpg", MimeType: "image/jpeg"}}
	if f.photos != nil {
		if err := f.photos.SaveSelectedPhotos(photos); err != nil {
			return nil, err
		}
	}
	return photos, nil
}

func waitOutcome(t *testing.T, p *Poller) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.Wait(ctx)
	require.NoError(t, err, "poller did not finish")
	return out
}

// advancePolls moves the clock one interval at a time, waiting each round
// for the poller to schedule its next tick (deadline + tick pending).
func advancePolls(clk *testfixtures.Clock, rounds int, interval time.Duration) {
	for i := 0; i < rounds; i++ {
		clk.BlockUntil(2)
		clk.Advance(interval)
	}
}

func TestPollerTimesOutAfterFiveMinutes(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	be := &fakeBackend{}
	p := NewPoller(be, PollerOptions{Clock: clk})

	_, err := p.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatePolling, p.State())

	advancePolls(clk, 100, DefaultPollInterval)

	out := waitOutcome(t, p)
	assert.Equal(t, StateTimedOut, out.State)
	assert.ErrorIs(t, out.Err, ErrTimedOut)
	// Polled at t=0,3,...,297s and never again.
	assert.Equal(t, int32(100), be.statusCalls.Load())
	assert.Zero(t, be.retrieveCalls.Load())
	assert.Zero(t, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, int32(100), be.statusCalls.Load())
}

func TestPollerRetrievesOnceWhenReadyAtNineSeconds(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	photos := &memPhotos{}
	// Calls at t=0,3,6 are not ready; t=9 is.
	be := &fakeBackend{readyAt: 4, photos: photos}
	p := NewPoller(be, PollerOptions{Clock: clk})

	sess, err := p.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.SessionID)

	advancePolls(clk, 3, DefaultPollInterval)

	out := waitOutcome(t, p)
	assert.Equal(t, StateRetrieved, out.State)
	assert.NoError(t, out.Err)
	assert.Len(t, out.Photos, 1)
	assert.Equal(t, "sess-1", out.Session.SessionID)

	assert.Equal(t, int32(4), be.statusCalls.Load())
	assert.Equal(t, int32(1), be.retrieveCalls.Load())
	assert.Len(t, photos.saves(), 1)
	assert.Zero(t, clk.Pending(), "tick and deadline timers are released")
}

func TestPollerCreateFailureIsFailed(t *testing.T) {
	be := &fakeBackend{createErr: auth.ErrUnauthenticated}
	p := NewPoller(be, PollerOptions{Clock: testfixtures.NewClock(time.Time{})})

	presented := false
	_, err := p.Start(context.Background(), func(model.PickerSession) error {
		presented = true
		return nil
	})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.False(t, presented)

	out := waitOutcome(t, p)
	assert.Equal(t, StateFailed, out.State)
	assert.Zero(t, be.statusCalls.Load())
}

func TestPollerPresentsBeforePolling(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	be := &fakeBackend{readyAt: 1}
	p := NewPoller(be, PollerOptions{Clock: clk})

	var uri string
	_, err := p.Start(context.Background(), func(s model.PickerSession) error {
		uri = s.PickerURI
		assert.Zero(t, be.statusCalls.Load())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "https://photos.google.com/picker/sess-1", uri)

	out := waitOutcome(t, p)
	assert.Equal(t, StateRetrieved, out.State)
}

func TestPollerDisposeWhilePolling(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	be := &fakeBackend{}
	p := NewPoller(be, PollerOptions{Clock: clk})

	_, err := p.Start(context.Background(), nil)
	require.NoError(t, err)
	clk.BlockUntil(2)

	assert.True(t, p.Dispose())
	assert.False(t, p.Dispose(), "second dispose has nothing to cancel")

	out := waitOutcome(t, p)
	assert.Equal(t, StateCancelled, out.State)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.Zero(t, be.retrieveCalls.Load())
	assert.Zero(t, clk.Pending())

	calls := be.statusCalls.Load()
	clk.Advance(time.Minute)
	assert.Equal(t, calls, be.statusCalls.Load())
}

func TestPollerDisposeLosesToRetrievalInFlight(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	be := &fakeBackend{
		readyAt:         1,
		retrieveStarted: make(chan struct{}),
		releaseRetrieve: make(chan struct{}),
	}
	p := NewPoller(be, PollerOptions{Clock: clk})

	_, err := p.Start(context.Background(), nil)
	require.NoError(t, err)

	select {
	case <-be.retrieveStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("retrieve never started")
	}
	assert.Equal(t, StateCompleted, p.State())
	assert.False(t, p.Dispose(), "retrieval already claimed the session")

	close(be.releaseRetrieve)
	out := waitOutcome(t, p)
	assert.Equal(t, StateRetrieved, out.State)
	assert.Equal(t, int32(1), be.retrieveCalls.Load())
}

func TestPollerTransientStatusErrorsKeepPolling(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	be := &fakeBackend{
		readyAt: 3,
		statusErr: func(call int32) error {
			if call == 1 {
				return errors.New("503 backend unavailable")
			}
			return nil
		},
	}
	p := NewPoller(be, PollerOptions{Clock: clk})

	_, err := p.Start(context.Background(), nil)
	require.NoError(t, err)
	advancePolls(clk, 2, DefaultPollInterval)

	out := waitOutcome(t, p)
	assert.Equal(t, StateRetrieved, out.State)
	assert.Equal(t, int32(3), be.statusCalls.Load())
}

func TestPollerUnauthenticatedStatusFails(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	be := &fakeBackend{statusErr: func(int32) error { return auth.ErrUnauthenticated }}
	p := NewPoller(be, PollerOptions{Clock: clk})

	_, err := p.Start(context.Background(), nil)
	require.NoError(t, err)

	out := waitOutcome(t, p)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, auth.ErrUnauthenticated)
	assert.Equal(t, int32(1), be.statusCalls.Load())
}

func TestPollerRetrievePersistFailureIsFailed(t *testing.T) {
	be := &fakeBackend{readyAt: 1, photos: &memPhotos{err: errors.New("read-only file system")}}
	p := NewPoller(be, PollerOptions{Clock: testfixtures.NewClock(time.Time{})})

	_, err := p.Start(context.Background(), nil)
	require.NoError(t, err)

	out := waitOutcome(t, p)
	assert.Equal(t, StateFailed, out.State)
	assert.Error(t, out.Err)
}

func TestPollerIntervalPrecedence(t *testing.T) {
	p := NewPoller(&fakeBackend{}, PollerOptions{PollInterval: time.Second})
	assert.Equal(t, time.Second, p.interval(model.PickerSession{PollInterval: 5 * time.Second}))

	p = NewPoller(&fakeBackend{}, PollerOptions{})
	assert.Equal(t, 5*time.Second, p.interval(model.PickerSession{PollInterval: 5 * time.Second}))
	assert.Equal(t, DefaultPollInterval, p.interval(model.PickerSession{}))
}

func TestPollerHintIntervalDrivesTicks(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	be := &fakeBackend{hint: 5 * time.Second, readyAt: 2}
	p := NewPoller(be, PollerOptions{Clock: clk})

	_, err := p.Start(context.Background(), nil)
	require.NoError(t, err)

	clk.BlockUntil(2)
	clk.Advance(3 * time.Second)
	assert.Equal(t, 2, clk.Pending(), "a 3s advance must not fire a 5s tick")
	clk.Advance(2 * time.Second)

	out := waitOutcome(t, p)
	assert.Equal(t, StateRetrieved, out.State)
	assert.Equal(t, int32(2), be.statusCalls.Load())
}

func TestPollerParentContextCancels(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	p := NewPoller(&fakeBackend{}, PollerOptions{Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := p.Start(ctx, nil)
	require.NoError(t, err)
	clk.BlockUntil(2)
	cancel()

	out := waitOutcome(t, p)
	assert.Equal(t, StateCancelled, out.State)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestPollerParentCancelAfterClaimKeepsRetrieval(t *testing.T) {
	clk := testfixtures.NewClock(time.Time{})
	photos := &memPhotos{}
	be := &fakeBackend{
		readyAt:         1,
		retrieveStarted: make(chan struct{}),
		releaseRetrieve: make(chan struct{}),
		photos:          photos,
	}
	p := NewPoller(be, PollerOptions{Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := p.Start(ctx, nil)
	require.NoError(t, err)

	select {
	case <-be.retrieveStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("retrieve never started")
	}
	cancel()
	close(be.releaseRetrieve)

	out := waitOutcome(t, p)
	assert.Equal(t, StateRetrieved, out.State)
	assert.NoError(t, out.Err)
	assert.Len(t, out.Photos, 1)
	assert.Equal(t, int32(1), be.retrieveCalls.Load())
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateRetrieved, StateTimedOut, StateFailed, StateCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateCreated, StatePolling, StateCompleted} {
		assert.False(t, s.Terminal(), s)
	}
}
