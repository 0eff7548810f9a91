package broadcast

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
)

// Subscription is one consumer's bounded view of a category channel.
// Alerts is closed when the subscription ends; Err then reports why.
type Subscription struct {
	ID        int64
	Category  alerts.Category
	CreatedAt time.Time

	hub    *Hub
	stream chan alerts.Alert
	done   chan struct{}
	err    error
	once   sync.Once
}

// Alerts delivers the category's new alerts in feed order.
func (s *Subscription) Alerts() <-chan alerts.Alert {
	return s.stream
}

// Done is closed when the subscription terminates for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is nil while active and after a consumer-initiated Close.
// ErrSlowConsumer, a feed error, or ErrHubClosed otherwise.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// finish must run with the hub lock held; all sends to stream happen under the same lock.
func (s *Subscription) finish(err error) bool {
	finished := false
	s.once.Do(func() {
		s.err = err
		close(s.stream)
		close(s.done)
		finished = true
	})
	return finished
}
