package bookshelf

import (
	"sync"
	"time"

	"github.com/graft-http/graft/realtime"
)

// Feed event kinds.
const (
	FeedKindAdded   = "added"
	FeedKindRemoved = "removed"
)

// FeedEvent is one shelf change pushed to feed subscribers.
type FeedEvent struct {
	Kind   string    `json:"kind" validate:"required,oneof=added removed"`
	BookID string    `json:"bookId" validate:"required"`
	Title  string    `json:"title,omitempty"`
	At     time.Time `json:"at" validate:"required"`
}

// Feed broadcasts shelf changes to the connected websocket sessions.
type Feed struct {
	mu       sync.Mutex
	sessions map[*realtime.Session]struct{}
}

// NewFeed creates a feed with no subscribers.
func NewFeed() *Feed {
	return &Feed{sessions: make(map[*realtime.Session]struct{})}
}

func (f *Feed) subscribe(s *realtime.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessions[s] = struct{}{}
}

func (f *Feed) unsubscribe(s *realtime.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.sessions, s)
}

// Subscribers returns the number of connected sessions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sessions)
}

// Publish pushes the event to every connected session. Sends happen outside
// the lock, so a slow subscriber with a full outbound buffer delays only the
// remaining sends of this call, never subscription changes.
func (f *Feed) Publish(event FeedEvent) {
	f.mu.Lock()
	subscribers := make([]*realtime.Session, 0, len(f.sessions))
	for s := range f.sessions {
		subscribers = append(subscribers, s)
	}
	f.mu.Unlock()

	for _, s := range subscribers {
		// Closed sessions report ErrSessionClosed here and are removed by
		// their OnClose callback.
		_ = s.SendJSON(event)
	}
}
