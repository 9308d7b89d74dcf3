package ibkr

import (
	"context"
	"sync"
	"time"

	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

// TicklerState reports the keep-alive loop's lifecycle.
type TicklerState int

const (
	TicklerIdle TicklerState = iota
	TicklerRunning
	TicklerStopped
)

func (s TicklerState) String() string {
	switch s {
	case TicklerRunning:
		return "running"
	case TicklerStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// failuresBeforeInvalidate is how many consecutive tickle failures it takes
// to discard the live session token.
const failuresBeforeInvalidate = 3

// Tickler issues a keep-alive GET at a fixed interval so the broker does not
// invalidate the session between scheduler ticks.
type Tickler struct {
	client   *Client
	interval time.Duration

	mu       sync.Mutex
	state    TicklerState
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTickler creates a tickler for the given client. A non-positive interval
// falls back to the 60s default.
func NewTickler(client *Client, interval time.Duration) *Tickler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Tickler{client: client, interval: interval}
}

// State returns the current lifecycle state.
func (t *Tickler) State() TicklerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start launches the keep-alive loop. It is a no-op if already running.
func (t *Tickler) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TicklerRunning {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.state = TicklerRunning

	go t.loop(loopCtx)
	logger.Infof("Tickler started with %s interval", t.interval)
}

// Stop cancels the loop and waits for it to exit.
func (t *Tickler) Stop() {
	t.mu.Lock()
	if t.state != TicklerRunning {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done

	t.mu.Lock()
	t.state = TicklerStopped
	t.mu.Unlock()
	logger.Info("Tickler stopped")
}

func (t *Tickler) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick performs one keep-alive round trip. Failures are logged, never fatal;
// three in a row invalidate the LST so the next authenticated call re-derives.
func (t *Tickler) tick(ctx context.Context) {
	if _, err := t.client.Tickle(ctx); err != nil {
		t.mu.Lock()
		t.failures++
		failures := t.failures
		t.mu.Unlock()

		logger.Warnf("Tickle failed (%d consecutive): %v", failures, err)
		if failures >= failuresBeforeInvalidate {
			logger.Warn("Invalidating live session token after repeated tickle failures")
			t.client.InvalidateSession()
			t.mu.Lock()
			t.failures = 0
			t.mu.Unlock()
		}
		return
	}

	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
	logger.Debug("Tickle OK")
}
