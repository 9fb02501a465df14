// Package presence tracks which user identities currently have at least one
// live WebSocket connection. Counts are reference-counted per user so that a
// second device connecting does not evict the first, and online/offline
// transitions fire exactly once per edge. State is process-lifetime only.
package presence

import "sync"

// TransitionFunc is invoked when a user crosses the online/offline boundary:
// online=true on the 0 -> 1 count transition, online=false on 1 -> 0.
type TransitionFunc func(userID string, online bool)

// Tracker is a goroutine-safe reference-counted presence registry.
type Tracker struct {
	mu           sync.Mutex
	counts       map[string]int
	onTransition TransitionFunc
}

// NewTracker creates an empty Tracker. The transition callback may be nil;
// it is called synchronously while the tracker lock is NOT held, so callbacks
// may call back into the tracker.
func NewTracker(onTransition TransitionFunc) *Tracker {
	return &Tracker{
		counts:       make(map[string]int),
		onTransition: onTransition,
	}
}

// Connect increments the user's live connection count. It returns the new
// count and fires the online transition when the count goes 0 -> 1.
func (t *Tracker) Connect(userID string) int {
	t.mu.Lock()
	t.counts[userID]++
	n := t.counts[userID]
	t.mu.Unlock()

	if n == 1 && t.onTransition != nil {
		t.onTransition(userID, true)
	}
	return n
}

// Disconnect decrements the user's live connection count. Calls for a user
// with no recorded connections are ignored. It returns the new count and
// fires the offline transition when the count goes 1 -> 0.
func (t *Tracker) Disconnect(userID string) int {
	t.mu.Lock()
	n, ok := t.counts[userID]
	if !ok || n == 0 {
		t.mu.Unlock()
		return 0
	}
	n--
	if n == 0 {
		delete(t.counts, userID)
	} else {
		t.counts[userID] = n
	}
	t.mu.Unlock()

	if n == 0 && t.onTransition != nil {
		t.onTransition(userID, false)
	}
	return n
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	n := t.counts[userID]
	t.mu.Unlock()
	return n > 0
}

// Count returns the user's current live connection count.
func (t *Tracker) Count(userID string) int {
	t.mu.Lock()
	n := t.counts[userID]
	t.mu.Unlock()
	return n
}

// OnlineUsers returns the number of distinct users currently online.
func (t *Tracker) OnlineUsers() int {
	t.mu.Lock()
	n := len(t.counts)
	t.mu.Unlock()
	return n
}
