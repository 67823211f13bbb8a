package observer

import "sync"

// Update describes one completed request. The response fields travel with the
// summary so a surface rendering the body shows the same request the summary
// names.
type Update struct {
	RequestID   string
	Summary     string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Reporter receives an update for each completed request
type Reporter interface {
	Report(u Update)
}

// Sink holds the most recently completed request and hands it to the
// presentation surface over a one-slot channel. The surface reads Updates on
// its own schedule; a value it has not picked up yet is replaced by the newer
// one, never queued behind it.
type Sink struct {
	mu      sync.Mutex
	latest  Update
	updates chan Update
}

// NewSink creates an empty sink
func NewSink() *Sink {
	return &Sink{updates: make(chan Update, 1)}
}

// Report records u as the latest value and publishes it
func (s *Sink) Report(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = u

	// Drop a stale undelivered value so the slot always holds the latest.
	// Holding the lock keeps concurrent reporters from interleaving here.
	select {
	case <-s.updates:
	default:
	}
	s.updates <- u
}

// Current returns the summary of the most recently completed request
func (s *Sink) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest.Summary
}

// Latest returns the most recently completed request
func (s *Sink) Latest() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Updates returns the channel the presentation surface drains
func (s *Sink) Updates() <-chan Update {
	return s.updates
}
