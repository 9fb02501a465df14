package chatclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/protocol"
)

// Session state machine. A session starts Closed, moves to Loading while the
// first history page is in flight, and stays Synced for its remaining life.
type State int

const (
	StateClosed State = iota
	StateLoading
	StateSynced
)

// LocalStatus marks optimistic messages that the server has not confirmed.
type LocalStatus string

const (
	LocalPending LocalStatus = "pending"
	LocalFailed  LocalStatus = "failed"
)

const (
	// TypingDebounce is how long the composer must stay quiet before the
	// typing indicator is withdrawn.
	TypingDebounce = 700 * time.Millisecond

	// TypingExpiry hard-expires an incoming typing indicator that was never
	// followed by a stop, e.g. when the peer's connection dropped mid-typing.
	TypingExpiry = 3 * time.Second

	// DefaultPageSize is the history page size requested by Open and
	// LoadOlder when the session was configured with none.
	DefaultPageSize = 50

	// pendingMatchWindow bounds how far apart an optimistic message and its
	// server echo may be and still be treated as the same message.
	pendingMatchWindow = 30 * time.Second

	opTimeout = 10 * time.Second
)

// ChatMessage is one conversation entry: either a server-confirmed message or
// an optimistic local one awaiting its echo.
type ChatMessage struct {
	protocol.MessagePayload
	LocalID string      // set until the server copy is known
	Status  LocalStatus // empty once confirmed
}

// Snapshot is an immutable copy of the session's visible state.
type Snapshot struct {
	State      State
	Messages   []ChatMessage
	HasMore    bool
	PeerTyping bool
	PeerOnline bool
}

// SessionConfig wires a Session to one thread.
type SessionConfig struct {
	ThreadID  uuid.UUID
	SelfID    uuid.UUID
	PeerID    uuid.UUID
	Transport Transport
	PageSize  int            // 0 means DefaultPageSize
	OnChange  func(Snapshot) // invoked from the session goroutine after every change
}

// Session merges history pages and live events for one open thread into a
// single consistent, ascending-ordered conversation. All state lives on one
// goroutine; public methods hand work to it, so no locks guard the state.
type Session struct {
	threadID uuid.UUID
	selfID   uuid.UUID
	peerID   uuid.UUID
	tr       Transport
	pageSize int
	onChange func(Snapshot)

	cmds         chan func()
	events       chan interface{}
	cancelEvents func()
	done         chan struct{}
	closeOnce    sync.Once

	// Everything below is owned by the run goroutine.
	state        State
	messages     []ChatMessage
	ids          map[int64]bool
	hasMore      bool
	loadingOlder bool
	buffered     []interface{}
	peerTyping   bool
	peerOnline   bool
	typingExpiry *time.Timer
	selfTyping   bool
	typingQuiet  *time.Timer
}

// NewSession creates a session and starts its event goroutine. Call Open to
// load history; call Close when the thread view goes away.
func NewSession(cfg SessionConfig) *Session {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	s := &Session{
		threadID: cfg.ThreadID,
		selfID:   cfg.SelfID,
		peerID:   cfg.PeerID,
		tr:       cfg.Transport,
		pageSize: pageSize,
		onChange: cfg.OnChange,
		cmds:     make(chan func(), 32),
		events:   make(chan interface{}, 64),
		done:     make(chan struct{}),
		ids:      make(map[int64]bool),
	}
	s.cancelEvents = cfg.Transport.SubscribeEvents(s.enqueueEvent)
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.cmds:
			fn()
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

// enqueueEvent feeds one live event to the run goroutine. When the buffer is
// full it blocks rather than dropping: a lost delivered event would leave a
// silent gap in an open conversation.
func (s *Session) enqueueEvent(ev interface{}) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// post hands a closure to the session goroutine. It is a no-op after Close.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// Close detaches the session from the event stream and stops its goroutine.
// An active typing indicator is withdrawn best-effort first.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancelEvents()
		s.post(func() {
			if s.selfTyping {
				_ = s.tr.SendTyping(s.threadID, false)
			}
		})
		close(s.done)
	})
}

// Snapshot returns a copy of the current visible state. After Close it
// reports StateClosed.
func (s *Session) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case s.cmds <- func() { reply <- s.snapshot() }:
		return <-reply
	case <-s.done:
		return Snapshot{State: StateClosed}
	}
}

// Open loads the newest history page and marks the thread read. Live events
// arriving while the page is in flight are buffered and replayed afterwards,
// so no message is lost or duplicated across the boundary. Open on an
// already-open session is a no-op.
func (s *Session) Open() {
	s.post(func() {
		if s.state != StateClosed {
			return
		}
		s.state = StateLoading
		s.notify()

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			page, err := s.tr.ListMessages(ctx, s.threadID, 0, s.pageSize)
			s.post(func() { s.applyInitialPage(page, err) })
		}()
	})
}

func (s *Session) applyInitialPage(page *Page, err error) {
	if err != nil {
		// Back to Closed so the caller may retry Open. Buffered events are
		// dropped; the retry refetches them as history.
		s.state = StateClosed
		s.buffered = nil
		s.notify()
		return
	}

	s.messages = s.messages[:0]
	s.ids = make(map[int64]bool)
	for _, m := range page.Messages {
		s.messages = append(s.messages, ChatMessage{MessagePayload: m})
		s.ids[m.ID] = true
	}
	s.hasMore = page.HasMore
	s.state = StateSynced

	buffered := s.buffered
	s.buffered = nil
	for _, ev := range buffered {
		s.handleEvent(ev)
	}

	s.markRead()
	s.notify()
}

// LoadOlder fetches the page preceding the oldest loaded message. At most one
// older fetch is in flight at a time; extra calls while one is running are
// dropped.
func (s *Session) LoadOlder() {
	s.post(func() {
		if s.state != StateSynced || !s.hasMore || s.loadingOlder {
			return
		}
		oldest := s.oldestConfirmedID()
		if oldest == 0 {
			return
		}
		s.loadingOlder = true

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			page, err := s.tr.ListMessages(ctx, s.threadID, oldest, s.pageSize)
			s.post(func() { s.applyOlderPage(page, err) })
		}()
	})
}

func (s *Session) applyOlderPage(page *Page, err error) {
	s.loadingOlder = false
	if err != nil {
		s.notify()
		return
	}

	prepend := make([]ChatMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		if s.ids[m.ID] {
			continue
		}
		prepend = append(prepend, ChatMessage{MessagePayload: m})
		s.ids[m.ID] = true
	}
	s.messages = append(prepend, s.messages...)
	s.hasMore = page.HasMore
	s.notify()
}

// Send appends an optimistic message immediately and persists it in the
// background. The optimistic entry is reconciled with the server's copy
// whether the REST response or the live echo arrives first.
func (s *Session) Send(text string) {
	s.post(func() {
		if s.state != StateSynced {
			return
		}
		localID := uuid.New().String()
		s.messages = append(s.messages, ChatMessage{
			MessagePayload: protocol.MessagePayload{
				ThreadID:     s.threadID.String(),
				SenderUserID: s.selfID.String(),
				Text:         text,
				CreatedAt:    time.Now(),
			},
			LocalID: localID,
			Status:  LocalPending,
		})
		s.notify()
		s.persistSend(localID, text)
	})
}

// Retry re-sends a failed optimistic message.
func (s *Session) Retry(localID string) {
	s.post(func() {
		idx := s.indexByLocalID(localID)
		if idx < 0 || s.messages[idx].Status != LocalFailed {
			return
		}
		s.messages[idx].Status = LocalPending
		s.messages[idx].CreatedAt = time.Now()
		s.notify()
		s.persistSend(localID, s.messages[idx].Text)
	})
}

func (s *Session) persistSend(localID, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		msg, err := s.tr.SendMessage(ctx, s.threadID, text)
		s.post(func() { s.confirmSend(localID, msg, err) })
	}()
}

func (s *Session) confirmSend(localID string, msg *protocol.MessagePayload, err error) {
	idx := s.indexByLocalID(localID)
	if err != nil {
		if idx >= 0 {
			s.messages[idx].Status = LocalFailed
			s.notify()
		}
		return
	}

	// A delivered message means the composer is empty; withdraw the typing
	// indicator now instead of waiting out the debounce.
	s.stopSelfTyping()

	if idx < 0 {
		// The live echo already claimed this entry.
		return
	}
	if s.ids[msg.ID] {
		// The echo arrived first but matched nothing (e.g. identical texts in
		// flight); drop the now-redundant optimistic entry.
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	} else {
		s.messages[idx] = ChatMessage{MessagePayload: *msg}
		s.ids[msg.ID] = true
	}
	s.notify()
}

// UserTyping reports composer activity. The first call raises the typing
// indicator; it is withdrawn automatically once the composer stays quiet for
// TypingDebounce.
func (s *Session) UserTyping() {
	s.post(func() {
		if s.state != StateSynced {
			return
		}
		if !s.selfTyping {
			s.selfTyping = true
			go func() { _ = s.tr.SendTyping(s.threadID, true) }()
		}
		if s.typingQuiet != nil {
			s.typingQuiet.Stop()
		}
		s.typingQuiet = time.AfterFunc(TypingDebounce, func() {
			s.post(s.stopSelfTyping)
		})
	})
}

// stopSelfTyping withdraws the outbound typing indicator and cancels the
// pending debounce timer. No-op when the indicator is already down.
func (s *Session) stopSelfTyping() {
	if !s.selfTyping {
		return
	}
	s.selfTyping = false
	if s.typingQuiet != nil {
		s.typingQuiet.Stop()
		s.typingQuiet = nil
	}
	go func() { _ = s.tr.SendTyping(s.threadID, false) }()
}

// ---------------------------------------------------------------------------
// Live events
// ---------------------------------------------------------------------------

func (s *Session) handleEvent(ev interface{}) {
	if s.state == StateLoading {
		s.buffered = append(s.buffered, ev)
		return
	}
	if s.state != StateSynced {
		return
	}

	switch msg := ev.(type) {
	case protocol.MessageNewMsg:
		if msg.ThreadID != s.threadID.String() {
			return
		}
		s.applyNewMessage(msg.Message)
	case protocol.ThreadReadMsg:
		if msg.ThreadID != s.threadID.String() || msg.ReaderUserID != s.peerID.String() {
			return
		}
		s.applyPeerRead(msg.ReadAt)
	case protocol.ServerTypingMsg:
		if msg.ThreadID != s.threadID.String() || msg.FromUserID != s.peerID.String() {
			return
		}
		s.applyPeerTyping(msg.IsTyping)
	case protocol.UserOnlineMsg:
		if msg.UserID == s.peerID.String() {
			s.peerOnline = true
			s.notify()
		}
	case protocol.UserOfflineMsg:
		if msg.UserID == s.peerID.String() {
			s.peerOnline = false
			s.notify()
		}
	}
}

func (s *Session) applyNewMessage(m protocol.MessagePayload) {
	if s.ids[m.ID] {
		return
	}

	if m.SenderUserID == s.selfID.String() {
		// Echo of an optimistic send, possibly from another reconciliation
		// order or another of our devices. Claim a matching pending entry
		// instead of duplicating it.
		if idx := s.matchPending(m); idx >= 0 {
			s.messages[idx] = ChatMessage{MessagePayload: m}
			s.ids[m.ID] = true
			s.notify()
			return
		}
	}

	s.insertConfirmed(ChatMessage{MessagePayload: m})
	s.ids[m.ID] = true

	// The thread is on screen, so an incoming peer message is read at once.
	if m.SenderUserID == s.peerID.String() {
		s.markRead()
	}
	s.notify()
}

func (s *Session) applyPeerRead(readAt time.Time) {
	at := readAt
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.Status == "" && m.SenderUserID == s.selfID.String() && m.ReadAt == nil {
			m.ReadAt = &at
			changed = true
		}
	}
	if changed {
		s.notify()
	}
}

func (s *Session) applyPeerTyping(isTyping bool) {
	if s.typingExpiry != nil {
		s.typingExpiry.Stop()
		s.typingExpiry = nil
	}
	s.peerTyping = isTyping
	if isTyping {
		s.typingExpiry = time.AfterFunc(TypingExpiry, func() {
			s.post(func() {
				s.peerTyping = false
				s.notify()
			})
		})
	}
	s.notify()
}

// markRead fires the read receipt in the background. Repeats are harmless.
func (s *Session) markRead() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		_ = s.tr.MarkRead(ctx, s.threadID)
	}()
}

// ---------------------------------------------------------------------------
// State helpers (run goroutine only)
// ---------------------------------------------------------------------------

func (s *Session) snapshot() Snapshot {
	msgs := make([]ChatMessage, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		State:      s.state,
		Messages:   msgs,
		HasMore:    s.hasMore,
		PeerTyping: s.peerTyping,
		PeerOnline: s.peerOnline,
	}
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange(s.snapshot())
	}
}

func (s *Session) oldestConfirmedID() int64 {
	for _, m := range s.messages {
		if m.Status == "" {
			return m.ID
		}
	}
	return 0
}

func (s *Session) indexByLocalID(localID string) int {
	for i := range s.messages {
		if s.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// matchPending finds the oldest pending message with the same text sent
// within the reconciliation window of the server copy.
func (s *Session) matchPending(m protocol.MessagePayload) int {
	for i := range s.messages {
		c := &s.messages[i]
		if c.Status != LocalPending || c.Text != m.Text {
			continue
		}
		delta := m.CreatedAt.Sub(c.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= pendingMatchWindow {
			return i
		}
	}
	return -1
}

// insertConfirmed places a confirmed message so that confirmed entries stay
// ascending by id while optimistic entries keep their place at the tail.
func (s *Session) insertConfirmed(m ChatMessage) {
	pos := len(s.messages)
	for pos > 0 {
		prev := s.messages[pos-1]
		if prev.Status == "" && prev.ID <= m.ID {
			break
		}
		if prev.Status != "" {
			pos--
			continue
		}
		pos--
	}
	s.messages = append(s.messages, ChatMessage{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = m
}
