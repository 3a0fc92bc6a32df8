package stream

import (
	"log"
	"sync"
	"time"

	"github.com/vibetunnel/server/pkg/events"
)

// Flow-control thresholds over emulator buffer utilization.
const (
	HighWatermark = 0.80
	LowWatermark  = 0.50

	// MaxPendingLines is not consulted by the controller: a paused
	// session's backlog stays unread in the stream file with no line
	// limit, and is discarded in full only when PauseTimeout expires.
	MaxPendingLines = 10000

	// PauseTimeout force-resumes a session that stays pressured.
	PauseTimeout = 5 * time.Minute

	scanInterval = 100 * time.Millisecond
)

// Target is the per-session surface the controller drives: utilization
// from the emulator, pause/resume/drop on the session's stream watcher.
type Target struct {
	SessionID   string
	Utilization func() float64
	Pause       func()
	Resume      func()
	DropBacklog func()
}

type targetState struct {
	target   Target
	paused   bool
	pausedAt time.Time
}

// Controller watches registered sessions and pauses their stream feed
// when the emulator's line budget is pressured. One ticker scans all
// sessions round-robin so a fleet of paused sessions does not stampede.
type Controller struct {
	mu      sync.Mutex
	targets map[string]*targetState
	bus     *events.Bus

	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewController starts the scan loop. bus may be nil.
func NewController(bus *events.Bus) *Controller {
	return newController(bus, scanInterval, PauseTimeout)
}

func newController(bus *events.Bus, interval, timeout time.Duration) *Controller {
	c := &Controller{
		targets:  make(map[string]*targetState),
		bus:      bus,
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Register adds a session to the scan set.
func (c *Controller) Register(target Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[target.SessionID] = &targetState{target: target}
}

// Unregister removes a session; a paused target is resumed so the watcher
// is not left closed.
func (c *Controller) Unregister(sessionID string) {
	c.mu.Lock()
	state, ok := c.targets[sessionID]
	delete(c.targets, sessionID)
	c.mu.Unlock()

	if ok && state.paused {
		state.target.Resume()
	}
}

// Paused reports whether a session is currently paused.
func (c *Controller) Paused(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.targets[sessionID]
	return ok && state.paused
}

func (c *Controller) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.scan()
		}
	}
}

func (c *Controller) scan() {
	c.mu.Lock()
	states := make([]*targetState, 0, len(c.targets))
	for _, s := range c.targets {
		states = append(states, s)
	}
	c.mu.Unlock()

	for _, state := range states {
		util := state.target.Utilization()

		switch {
		case !state.paused && util > HighWatermark:
			c.pause(state, util)

		case state.paused && util < LowWatermark:
			c.resume(state, false)

		case state.paused && time.Since(state.pausedAt) > c.timeout:
			log.Printf("[WARN] flow control: session %s paused over %s, dropping backlog",
				shortID(state.target.SessionID), c.timeout)
			state.target.DropBacklog()
			c.resume(state, true)
		}
	}
}

func (c *Controller) pause(state *targetState, util float64) {
	c.mu.Lock()
	state.paused = true
	state.pausedAt = time.Now()
	c.mu.Unlock()

	log.Printf("[DEBUG] flow control: pausing session %s at utilization %.2f",
		shortID(state.target.SessionID), util)
	state.target.Pause()

	if c.bus != nil {
		c.bus.Publish(events.Event{Kind: events.KindFlowPaused, SessionID: state.target.SessionID})
	}
}

// resume restarts the feed. Draining the backlog happens inside the
// watcher's own loop, off this scan path.
func (c *Controller) resume(state *targetState, forced bool) {
	c.mu.Lock()
	state.paused = false
	c.mu.Unlock()

	state.target.Resume()

	if c.bus != nil {
		event := events.Event{Kind: events.KindFlowResumed, SessionID: state.target.SessionID}
		if forced {
			event.Message = "pause timeout exceeded, backlog dropped"
		}
		c.bus.Publish(event)
	}
}

// Close stops the scan loop.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.done) })
}
