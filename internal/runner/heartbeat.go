package runner

import (
	"sync"
	"time"
)

// heartbeatInterval is how often a working turn reports progress.
const heartbeatInterval = 5 * time.Second

// heartbeater emits periodic heartbeats while one agent turn is working.
// stop fires a final done heartbeat and may be called more than once.
type heartbeater struct {
	events    Events
	sessionID string
	start     time.Time
	done      chan struct{}
	once      sync.Once
}

func startHeartbeats(events Events, sessionID string) *heartbeater {
	h := &heartbeater{
		events:    events,
		sessionID: sessionID,
		start:     time.Now(),
		done:      make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *heartbeater) loop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			h.events.OnHeartbeat(h.sessionID, time.Since(h.start).Seconds(), true)
			return
		case <-ticker.C:
			h.events.OnHeartbeat(h.sessionID, time.Since(h.start).Seconds(), false)
		}
	}
}

func (h *heartbeater) stop() {
	h.once.Do(func() { close(h.done) })
}
