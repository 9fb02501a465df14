package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/apperr"
	"github.com/doebem/chat-service/internal/directory"
	"github.com/doebem/chat-service/internal/message"
	"github.com/doebem/chat-service/internal/protocol"
	"github.com/doebem/chat-service/internal/thread"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeResolver struct {
	userID uuid.UUID
}

func (f fakeResolver) Resolve(ctx context.Context, token string) (uuid.UUID, error) {
	if token != "valid" {
		return uuid.Nil, apperr.Unauthorized("invalid token")
	}
	return f.userID, nil
}

type fakeMessages struct {
	sendFn     func(threadID, senderID uuid.UUID, text string) (*message.Message, error)
	listFn     func(threadID uuid.UUID, beforeID int64, pageSize int) (*message.Page, error)
	markReadFn func(threadID, readerID uuid.UUID) (int64, time.Time, error)
}

func (f fakeMessages) Send(ctx context.Context, threadID, senderID uuid.UUID, text string) (*message.Message, error) {
	return f.sendFn(threadID, senderID, text)
}

func (f fakeMessages) ListPage(ctx context.Context, threadID uuid.UUID, beforeID int64, pageSize int) (*message.Page, error) {
	return f.listFn(threadID, beforeID, pageSize)
}

func (f fakeMessages) MarkRead(ctx context.Context, threadID, readerID uuid.UUID) (int64, time.Time, error) {
	return f.markReadFn(threadID, readerID)
}

type fakeThreads struct {
	donorID    uuid.UUID
	centerID   uuid.UUID
	otherErr   error
	summaries  []thread.Summary
	lastFilter thread.Filter
	created    uuid.UUID
}

func (f *fakeThreads) GetOrCreate(ctx context.Context, userA, userB uuid.UUID) (uuid.UUID, error) {
	return f.created, nil
}

func (f *fakeThreads) Participants(ctx context.Context, threadID uuid.UUID) (uuid.UUID, uuid.UUID, error) {
	return f.donorID, f.centerID, nil
}

func (f *fakeThreads) OtherParticipant(ctx context.Context, threadID, userID uuid.UUID) (uuid.UUID, error) {
	if f.otherErr != nil {
		return uuid.Nil, f.otherErr
	}
	if userID == f.donorID {
		return f.centerID, nil
	}
	return f.donorID, nil
}

func (f *fakeThreads) SummariesFor(ctx context.Context, viewerID uuid.UUID, filter thread.Filter) ([]thread.Summary, error) {
	f.lastFilter = filter
	return f.summaries, nil
}

type fakeDirectory struct {
	identities map[uuid.UUID]*directory.Identity
}

func (f fakeDirectory) PublicIdentity(ctx context.Context, userID uuid.UUID) (*directory.Identity, error) {
	id, ok := f.identities[userID]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return id, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{events: make(map[string][][]byte)}
}

func (p *capturePublisher) PublishUserEvent(userID string, data []byte) error {
	p.mu.Lock()
	p.events[userID] = append(p.events[userID], data)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) eventsFor(userID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[userID]
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type testEnv struct {
	server  *Server
	viewer  uuid.UUID
	threads *fakeThreads
	pub     *capturePublisher
}

func newTestEnv(t *testing.T, messages MessageStore, threads *fakeThreads, dir directory.Directory) *testEnv {
	t.Helper()
	viewer := threads.donorID
	if viewer == uuid.Nil {
		viewer = uuid.New()
		threads.donorID = viewer
	}
	pub := newCapturePublisher()
	srv := NewServer(Config{
		Resolver:  fakeResolver{userID: viewer},
		Messages:  messages,
		Threads:   threads,
		Directory: dir,
		Events:    pub,
	})
	return &testEnv{server: srv, viewer: viewer, threads: threads, pub: pub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer valid")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAuthRequired_MissingToken(t *testing.T) {
	env := newTestEnv(t, fakeMessages{}, &fakeThreads{}, fakeDirectory{})

	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestListThreads_PassesFilter(t *testing.T) {
	threads := &fakeThreads{summaries: []thread.Summary{}}
	env := newTestEnv(t, fakeMessages{}, threads, fakeDirectory{})

	w := env.do(t, http.MethodGet, "/api/threads?search=esperan%C3%A7a&unread_only=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if threads.lastFilter.Search != "esperança" || !threads.lastFilter.UnreadOnly {
		t.Errorf("filter not passed through: %+v", threads.lastFilter)
	}
}

func TestCreateThread_InvalidBody(t *testing.T) {
	env := newTestEnv(t, fakeMessages{}, &fakeThreads{}, fakeDirectory{})

	w := env.do(t, http.MethodPost, "/api/threads", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/threads", `{"other_user_id":"not-a-uuid"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad uuid, got %d", w.Code)
	}
}

func TestCreateThread_SelfThreadRejected(t *testing.T) {
	threads := &fakeThreads{}
	env := newTestEnv(t, fakeMessages{}, threads, fakeDirectory{})

	w := env.do(t, http.MethodPost, "/api/threads",
		`{"other_user_id":"`+env.viewer.String()+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body)
	}
}

func TestSendMessage_FansOutToBothParticipants(t *testing.T) {
	threadID := uuid.New()
	donor := uuid.New()
	center := uuid.New()
	now := time.Now().UTC()

	messages := fakeMessages{
		sendFn: func(tid, sender uuid.UUID, text string) (*message.Message, error) {
			return &message.Message{
				ID:           42,
				ThreadID:     tid,
				SenderUserID: sender,
				Text:         text,
				CreatedAt:    now,
			}, nil
		},
	}
	threads := &fakeThreads{donorID: donor, centerID: center}
	dir := fakeDirectory{identities: map[uuid.UUID]*directory.Identity{
		donor: {UserID: donor, Name: "Maria Silva", AvatarURL: "https://cdn.example/m.png"},
	}}
	env := newTestEnv(t, messages, threads, dir)

	w := env.do(t, http.MethodPost, "/api/threads/"+threadID.String()+"/messages",
		`{"text":"olá, tudo bem?"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}

	var resp struct {
		Message message.Message `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message.ID != 42 || resp.Message.Text != "olá, tudo bem?" {
		t.Errorf("unexpected message in response: %+v", resp.Message)
	}

	for _, userID := range []uuid.UUID{donor, center} {
		events := env.pub.eventsFor(userID.String())
		if len(events) != 1 {
			t.Fatalf("expected 1 event for %s, got %d", userID, len(events))
		}
		msgType, msg, err := protocol.ParseServerMessage(events[0])
		if err != nil || msgType != protocol.TypeMessageNew {
			t.Fatalf("expected message:new, got %q (%v)", msgType, err)
		}
		payload := msg.(protocol.MessageNewMsg)
		if payload.Message.Sender.Name != "Maria Silva" {
			t.Errorf("sender snapshot missing: %+v", payload.Message.Sender)
		}
	}
}

func TestSendMessage_StoreErrorMapsToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.Validation("message text is empty"), http.StatusBadRequest},
		{apperr.Forbidden("not a participant"), http.StatusForbidden},
		{apperr.NotFound("thread not found"), http.StatusNotFound},
	}
	for _, tc := range cases {
		messages := fakeMessages{
			sendFn: func(tid, sender uuid.UUID, text string) (*message.Message, error) {
				return nil, tc.err
			},
		}
		env := newTestEnv(t, messages, &fakeThreads{}, fakeDirectory{})

		w := env.do(t, http.MethodPost, "/api/threads/"+uuid.New().String()+"/messages",
			`{"text":"hi"}`)
		if w.Code != tc.status {
			t.Errorf("error %v: expected %d, got %d", tc.err, tc.status, w.Code)
		}
		if len(env.pub.events) != 0 {
			t.Errorf("error %v: no fan-out expected on failure", tc.err)
		}
	}
}

func TestListMessages_NonParticipantForbidden(t *testing.T) {
	threads := &fakeThreads{otherErr: apperr.Forbidden("not a participant")}
	env := newTestEnv(t, fakeMessages{}, threads, fakeDirectory{})

	w := env.do(t, http.MethodGet, "/api/threads/"+uuid.New().String()+"/messages", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body)
	}
}

func TestListMessages_CursorAndPageSizePassed(t *testing.T) {
	var gotBefore int64
	var gotSize int
	messages := fakeMessages{
		listFn: func(tid uuid.UUID, beforeID int64, pageSize int) (*message.Page, error) {
			gotBefore, gotSize = beforeID, pageSize
			return &message.Page{Messages: []message.Message{}, HasMore: false}, nil
		},
	}
	env := newTestEnv(t, messages, &fakeThreads{}, fakeDirectory{})

	w := env.do(t, http.MethodGet,
		"/api/threads/"+uuid.New().String()+"/messages?before_id=99&page_size=20", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if gotBefore != 99 || gotSize != 20 {
		t.Errorf("expected before_id=99 page_size=20, got %d/%d", gotBefore, gotSize)
	}
}

func TestMarkRead_NotifiesOtherOnlyWhenUpdated(t *testing.T) {
	threadID := uuid.New()
	donor := uuid.New()
	center := uuid.New()
	readAt := time.Now().UTC()

	updated := int64(3)
	messages := fakeMessages{
		markReadFn: func(tid, reader uuid.UUID) (int64, time.Time, error) {
			return updated, readAt, nil
		},
	}
	threads := &fakeThreads{donorID: donor, centerID: center}
	env := newTestEnv(t, messages, threads, fakeDirectory{})

	w := env.do(t, http.MethodPost, "/api/threads/"+threadID.String()+"/read", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}

	events := env.pub.eventsFor(center.String())
	if len(events) != 1 {
		t.Fatalf("expected 1 thread:read event to other participant, got %d", len(events))
	}
	msgType, msg, err := protocol.ParseServerMessage(events[0])
	if err != nil || msgType != protocol.TypeThreadRead {
		t.Fatalf("expected thread:read, got %q (%v)", msgType, err)
	}
	read := msg.(protocol.ThreadReadMsg)
	if read.ReaderUserID != donor.String() || read.ThreadID != threadID.String() {
		t.Errorf("unexpected payload: %+v", read)
	}
	if got := env.pub.eventsFor(donor.String()); len(got) != 0 {
		t.Errorf("reader must not receive their own read event")
	}

	// Second call: nothing left unread, no event.
	updated = 0
	w = env.do(t, http.MethodPost, "/api/threads/"+threadID.String()+"/read", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", w.Code)
	}
	if got := env.pub.eventsFor(center.String()); len(got) != 1 {
		t.Errorf("idempotent mark-read must not re-publish, got %d events", len(got))
	}
}
