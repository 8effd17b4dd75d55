package bus

import (
	"sync"
	"time"

	"github.com/ramuslabs/ramus/event"
)

// ThrottleConfig controls the behavior of ThrottledHandler.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced user events.
	// Default: 100ms.
	CoalesceInterval time.Duration
}

// ThrottledHandler wraps an event.Handler and coalesces high-frequency
// user events (anything outside the framework taxonomy, typically progress
// ticks emitted from node bodies). Framework lifecycle events pass through
// immediately. User events are coalesced per (step, type): only the latest
// one within each interval is kept, flushed by a background ticker.
type ThrottledHandler struct {
	handler  event.Handler
	interval time.Duration

	mu      sync.Mutex
	pending map[string]event.Event // step + type -> latest event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledHandler creates a ThrottledHandler that wraps the given
// handler and coalesces user events at the configured interval.
func NewThrottledHandler(handler event.Handler, cfg ThrottleConfig) *ThrottledHandler {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	th := &ThrottledHandler{
		handler:  handler,
		interval: interval,
		pending:  make(map[string]event.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go th.run()

	return th
}

// Handle feeds an event through the throttle. Framework events pass
// through immediately; user events are coalesced per (step, type).
func (th *ThrottledHandler) Handle(e event.Event) {
	if event.IsFrameworkEvent(e.Type) {
		th.handler(e)
		return
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	if th.closed {
		return
	}

	th.pending[e.Step+"\x00"+e.Type] = e
}

// Close flushes any pending events and stops the background ticker.
// It is safe to call Close multiple times.
func (th *ThrottledHandler) Close() {
	th.mu.Lock()
	if th.closed {
		th.mu.Unlock()
		return
	}
	th.closed = true
	th.mu.Unlock()

	close(th.stopCh)
	<-th.doneCh
}

// run is the background goroutine that periodically flushes coalesced
// events.
func (th *ThrottledHandler) run() {
	defer close(th.doneCh)

	ticker := time.NewTicker(th.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			th.flush()
		case <-th.stopCh:
			// Flush any remaining pending events before exiting.
			th.flush()
			return
		}
	}
}

// flush sends all pending coalesced events to the wrapped handler and
// clears the pending map.
func (th *ThrottledHandler) flush() {
	th.mu.Lock()
	if len(th.pending) == 0 {
		th.mu.Unlock()
		return
	}

	// Swap out the pending map so the lock is not held during emission.
	toFlush := th.pending
	th.pending = make(map[string]event.Event)
	th.mu.Unlock()

	for _, e := range toFlush {
		th.handler(e)
	}
}
