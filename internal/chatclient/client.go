// Package chatclient implements the client side of the chat service: a
// combined REST + WebSocket transport and a per-thread Session engine that
// merges history pages with live events into one consistent conversation
// view. It is used by the mobile and web frontends' Go backends-for-frontend
// and by end-to-end tests.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/protocol"
	"github.com/doebem/chat-service/internal/thread"
)

// Page is one page of thread history in ascending id order.
type Page struct {
	Messages []protocol.MessagePayload `json:"messages"`
	HasMore  bool                      `json:"has_more"`
}

// Transport is everything a Session needs from the network: history pages,
// sends, read receipts, the typing channel, and the live event stream.
type Transport interface {
	ListMessages(ctx context.Context, threadID uuid.UUID, beforeID int64, pageSize int) (*Page, error)
	SendMessage(ctx context.Context, threadID uuid.UUID, text string) (*protocol.MessagePayload, error)
	MarkRead(ctx context.Context, threadID uuid.UUID) error
	SendTyping(threadID uuid.UUID, isTyping bool) error
	SubscribeEvents(fn func(ev interface{})) (cancel func())
}

// Client is the production Transport: REST for persistence operations and a
// WebSocket for live events. The WebSocket authenticates with the same token
// as the REST calls; parsed server events fan out to every subscriber, so
// several open thread views and the inbox can share one connection.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	conn      net.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once

	subMu   sync.Mutex
	subs    map[int]func(ev interface{})
	nextSub int
}

// Config holds the client's endpoints and credential.
type Config struct {
	BaseURL string // REST base, e.g. "https://chat.doebem.org"
	WSURL   string // WebSocket endpoint, e.g. "wss://chat.doebem.org/ws"
	Token   string
	Timeout time.Duration // per-request REST timeout (default 10s)
}

// Dial connects the WebSocket, performs the auth handshake, and starts the
// read loop. It blocks until the server confirms the handshake or the context
// expires.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	conn, _, _, err := ws.Dial(ctx, cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial: %w", err)
	}

	c := &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		conn:    conn,
		subs:    make(map[int]func(ev interface{})),
		done:    make(chan struct{}),
	}

	if err := c.writeJSON(protocol.AuthMsg{Type: protocol.TypeAuth, Token: cfg.Token}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatclient: auth handshake: %w", err)
	}
	if err := c.awaitAuthOK(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// awaitAuthOK reads frames until the handshake response arrives. An error
// frame fails the dial; anything else before auth:ok is unexpected and
// dropped.
func (c *Client) awaitAuthOK(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return fmt.Errorf("chatclient: read handshake response: %w", err)
		}
		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		switch msgType {
		case protocol.TypeAuthOK:
			return nil
		case protocol.TypeError:
			errMsg := msg.(protocol.ErrorMsg)
			return fmt.Errorf("chatclient: handshake rejected: %s (%s)", errMsg.Message, errMsg.Code)
		}
	}
}

// SubscribeEvents registers a handler for every parsed server event. Events
// are the structs from the protocol package. Handlers run on the read-loop
// goroutine, one event at a time in arrival order, so a handler that does
// real work must hand the event off to its own goroutine without dropping
// it. The returned cancel removes the handler; calling it twice is fine.
func (c *Client) SubscribeEvents(fn func(ev interface{})) (cancel func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// SendTyping sends a typing indicator over the WebSocket. Typing is
// fire-and-forget: it is never persisted and losses are acceptable.
func (c *Client) SendTyping(threadID uuid.UUID, isTyping bool) error {
	return c.writeJSON(protocol.TypingMsg{
		Type:     protocol.TypeTyping,
		ThreadID: threadID.String(),
		IsTyping: isTyping,
	})
}

// Close closes the WebSocket and stops the read loop. Safe to call twice.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeJSON(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// readLoop parses incoming frames and fans each event out to every
// subscriber. Delivery is blocking: a slow subscriber backpressures the
// socket instead of losing an event, so an open conversation never shows a
// silent gap.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("chatclient: read loop ended: %v", err)
			}
			return
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("chatclient: unparseable event: %v", err)
			continue
		}
		if msgType == protocol.TypePong {
			continue
		}

		c.fanOut(msg)
	}
}

// fanOut snapshots the subscriber set and invokes each handler with the
// event. Snapshotting keeps the lock out of handler code, so a handler may
// cancel its own or another subscription.
func (c *Client) fanOut(ev interface{}) {
	c.subMu.Lock()
	handlers := make([]func(ev interface{}), 0, len(c.subs))
	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.subMu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// ---------------------------------------------------------------------------
// REST operations
// ---------------------------------------------------------------------------

// ListThreads fetches the viewer's thread summaries with the given filter.
func (c *Client) ListThreads(ctx context.Context, filter thread.Filter) ([]thread.Summary, error) {
	url := c.baseURL + "/api/threads?search=" + filter.Search
	if filter.UnreadOnly {
		url += "&unread_only=true"
	}
	var resp struct {
		Threads []thread.Summary `json:"threads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// CreateThread returns the thread id for the pair (viewer, otherUserID),
// creating the thread on first contact.
func (c *Client) CreateThread(ctx context.Context, otherUserID uuid.UUID) (uuid.UUID, error) {
	body := map[string]string{"other_user_id": otherUserID.String()}
	var resp struct {
		ThreadID uuid.UUID `json:"thread_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/threads", body, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.ThreadID, nil
}

// ListMessages fetches one history page ending just before beforeID
// (beforeID 0 means the newest page).
func (c *Client) ListMessages(ctx context.Context, threadID uuid.UUID, beforeID int64, pageSize int) (*Page, error) {
	url := fmt.Sprintf("%s/api/threads/%s/messages?before_id=%d&page_size=%d",
		c.baseURL, threadID, beforeID, pageSize)
	var page Page
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage persists a message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, threadID uuid.UUID, text string) (*protocol.MessagePayload, error) {
	url := fmt.Sprintf("%s/api/threads/%s/messages", c.baseURL, threadID)
	var resp struct {
		Message protocol.MessagePayload `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, url, map[string]string{"text": text}, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// MarkRead marks every unread message in the thread as read.
func (c *Client) MarkRead(ctx context.Context, threadID uuid.UUID) error {
	url := fmt.Sprintf("%s/api/threads/%s/read", c.baseURL, threadID)
	return c.doJSON(ctx, http.MethodPost, url, struct{}{}, nil)
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("chatclient: %s %s: %s (%s)", method, url, apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("chatclient: %s %s: status %d", method, url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
