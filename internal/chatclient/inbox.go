package chatclient

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/message"
	"github.com/doebem/chat-service/internal/protocol"
	"github.com/doebem/chat-service/internal/thread"
)

// InboxTransport is the slice of the client the inbox needs.
type InboxTransport interface {
	ListThreads(ctx context.Context, filter thread.Filter) ([]thread.Summary, error)
	SubscribeEvents(fn func(ev interface{})) (cancel func())
}

// Inbox maintains the thread list between refetches: it applies live events
// to keep ordering, last-message snippets, and unread badges current without
// a round trip. Threads the user currently has on screen never accrue unread
// counts.
type Inbox struct {
	tr           InboxTransport
	selfID       uuid.UUID
	cancelEvents func()

	mu        sync.Mutex
	summaries []thread.Summary
	open      map[uuid.UUID]bool
	stale     bool
}

// NewInbox creates an empty inbox for the given viewer and attaches it to the
// transport's live event stream. Call Close when the inbox view goes away.
func NewInbox(tr InboxTransport, selfID uuid.UUID) *Inbox {
	in := &Inbox{
		tr:     tr,
		selfID: selfID,
		open:   make(map[uuid.UUID]bool),
	}
	in.cancelEvents = tr.SubscribeEvents(in.Apply)
	return in
}

// Close detaches the inbox from the event stream.
func (in *Inbox) Close() {
	in.cancelEvents()
}

// Refresh replaces the summary list from the server.
func (in *Inbox) Refresh(ctx context.Context, filter thread.Filter) error {
	summaries, err := in.tr.ListThreads(ctx, filter)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.summaries = summaries
	in.stale = false
	in.mu.Unlock()
	return nil
}

// SetOpen marks a thread as on screen: its unread count resets and incoming
// messages stop counting as unread until SetClosed.
func (in *Inbox) SetOpen(threadID uuid.UUID) {
	in.mu.Lock()
	in.open[threadID] = true
	if idx := in.index(threadID); idx >= 0 {
		in.summaries[idx].UnreadCount = 0
	}
	in.mu.Unlock()
}

// SetClosed marks a thread as off screen again.
func (in *Inbox) SetClosed(threadID uuid.UUID) {
	in.mu.Lock()
	delete(in.open, threadID)
	in.mu.Unlock()
}

// Apply folds one live event into the summary list. It runs for every event
// the transport delivers; events other than new messages are ignored.
func (in *Inbox) Apply(ev interface{}) {
	msg, ok := ev.(protocol.MessageNewMsg)
	if !ok {
		return
	}
	threadID, err := uuid.Parse(msg.ThreadID)
	if err != nil {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	idx := in.index(threadID)
	if idx < 0 {
		// First message of a brand-new thread; only a refetch can supply the
		// other participant's identity.
		in.stale = true
		return
	}

	s := in.summaries[idx]
	senderID, _ := uuid.Parse(msg.Message.SenderUserID)
	s.LastMessage = &message.Message{
		ID:           msg.Message.ID,
		ThreadID:     threadID,
		SenderUserID: senderID,
		Text:         msg.Message.Text,
		CreatedAt:    msg.Message.CreatedAt,
		ReadAt:       msg.Message.ReadAt,
	}
	s.UpdatedAt = msg.Message.CreatedAt
	if senderID != in.selfID && !in.open[threadID] {
		s.UnreadCount++
	}

	// Most recent activity floats to the top.
	in.summaries = append(in.summaries[:idx], in.summaries[idx+1:]...)
	in.summaries = append([]thread.Summary{s}, in.summaries...)
}

// Summaries returns a copy of the current list.
func (in *Inbox) Summaries() []thread.Summary {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]thread.Summary, len(in.summaries))
	copy(out, in.summaries)
	return out
}

// Stale reports whether an event arrived for a thread the inbox has never
// seen, meaning the list needs a Refresh.
func (in *Inbox) Stale() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stale
}

// UnreadTotal sums the unread badges across all threads.
func (in *Inbox) UnreadTotal() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	total := 0
	for _, s := range in.summaries {
		total += s.UnreadCount
	}
	return total
}

func (in *Inbox) index(threadID uuid.UUID) int {
	for i := range in.summaries {
		if in.summaries[i].ThreadID == threadID {
			return i
		}
	}
	return -1
}
