// Package gateway binds authenticated user identities to WebSocket
// connections and multiplexes event delivery across them. It owns the auth
// handshake, per-user fan-out, the typing relay, presence broadcast, and
// forced sign-out of blocked or deleted accounts.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/apperr"
	"github.com/doebem/chat-service/internal/auth"
	"github.com/doebem/chat-service/internal/messaging"
	"github.com/doebem/chat-service/internal/metrics"
	"github.com/doebem/chat-service/internal/presence"
	"github.com/doebem/chat-service/internal/protocol"
	"github.com/doebem/chat-service/internal/ratelimit"
	"github.com/doebem/chat-service/internal/ws"
)

// MaxAuthAttempts is the number of failed handshakes tolerated on one
// connection before it is closed.
const MaxAuthAttempts = 3

// opTimeout bounds the registry and store lookups made from event handlers.
const opTimeout = 3 * time.Second

// ThreadSource is the slice of the thread registry the gateway needs: who is
// on the other side of a thread, and who shares a thread with a user.
type ThreadSource interface {
	OtherParticipant(ctx context.Context, threadID, userID uuid.UUID) (uuid.UUID, error)
	ContactsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// EventPublisher publishes serialized live events to a user's subject so
// every instance holding connections for that user can deliver them.
type EventPublisher interface {
	PublishUserEvent(userID string, data []byte) error
	SubscribeUserEvents(userID string, handler func(data []byte)) error
	UnsubscribeUserEvents(userID string) error
}

// Gateway wires the WebSocket server to the rest of the messaging core.
type Gateway struct {
	server   *ws.Server
	presence *presence.Tracker
	resolver auth.Resolver
	threads  ThreadSource
	events   EventPublisher
	limiter  *ratelimit.Limiter // may be nil: no handshake throttling
	revoked  *auth.RevocationStore
}

// Config carries the gateway's collaborators.
type Config struct {
	ServerConfig ws.ServerConfig
	Resolver     auth.Resolver
	Threads      ThreadSource
	Events       EventPublisher
	Limiter      *ratelimit.Limiter
	Revoked      *auth.RevocationStore
}

// New creates a gateway, its WebSocket server, and its presence tracker, and
// registers the client message handlers. Call Server().Start() to begin
// serving.
func New(cfg Config) *Gateway {
	g := &Gateway{
		resolver: cfg.Resolver,
		threads:  cfg.Threads,
		events:   cfg.Events,
		limiter:  cfg.Limiter,
		revoked:  cfg.Revoked,
	}
	g.presence = presence.NewTracker(g.onPresenceTransition)

	dispatcher := ws.NewMessageDispatcher()
	dispatcher.Register(protocol.TypeAuth, g.handleAuth)
	dispatcher.Register(protocol.TypeTyping, g.handleTyping)

	g.server = ws.NewServer(cfg.ServerConfig, dispatcher.Dispatch)
	g.server.SetOnDisconnect(g.onDisconnect)
	return g
}

// Server returns the underlying WebSocket server for startup and shutdown.
func (g *Gateway) Server() *ws.Server {
	return g.server
}

// Presence returns the gateway's presence tracker.
func (g *Gateway) Presence() *presence.Tracker {
	return g.presence
}

// ---------------------------------------------------------------------------
// Client message handlers
// ---------------------------------------------------------------------------

// handleAuth runs the authentication handshake. On success the connection is
// bound to the resolved identity and joins the user's delivery set; on
// failure a bounded number of retries is allowed before the connection is
// closed. The handshake failure limiter throttles brute-force attempts per
// remote address.
func (g *Gateway) handleAuth(conn *ws.Connection, msg interface{}) {
	authMsg, ok := msg.(protocol.AuthMsg)
	if !ok {
		return
	}
	if conn.UserID() != "" {
		g.sendError(conn, "already_authenticated", "connection is already bound")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	userID, err := g.resolver.Resolve(ctx, authMsg.Token)
	if err != nil {
		metrics.AuthFailures.Inc()
		// Only failures count against the per-address window.
		if g.limiter != nil {
			allowed, _ := g.limiter.Allow(ctx, addrHost(conn.RemoteAddr), ratelimit.RuleAuthFailure)
			if !allowed {
				g.sendError(conn, "rate_limited", "too many failed attempts")
				g.server.RemoveConnection(conn)
				return
			}
		}
		g.sendError(conn, "auth_failed", "invalid credentials")
		if conn.RecordAuthFailure() >= MaxAuthAttempts {
			log.Printf("gateway: closing conn=%s after %d failed handshakes", conn.ID, MaxAuthAttempts)
			g.server.RemoveConnection(conn)
		}
		return
	}

	if !conn.BindUser(userID.String()) {
		return // lost a race with a concurrent handshake on the same conn
	}
	if _, ok := g.server.Connections().Bind(conn, userID.String()); !ok {
		// The heartbeat evicted this connection while the token was being
		// resolved. The connection is already closed; bringing the user
		// online now would leak a presence count with no disconnect to
		// balance it.
		log.Printf("gateway: handshake resolved after eviction conn=%s user=%s", conn.ID, userID)
		return
	}
	g.presence.Connect(userID.String())
	metrics.OnlineUsers.Set(float64(g.presence.OnlineUsers()))

	resp, err := protocol.NewServerMessage(protocol.TypeAuthOK, protocol.AuthOKMsg{
		UserID: userID.String(),
	})
	if err == nil {
		_ = g.server.WriteTo(conn, resp)
	}
	log.Printf("gateway: authenticated conn=%s user=%s", conn.ID, userID)
}

// handleTyping relays a typing indicator to the other participant's live
// connections only; it is never echoed back to the sender and never stored.
func (g *Gateway) handleTyping(conn *ws.Connection, msg interface{}) {
	typingMsg, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}

	userID, err := uuid.Parse(conn.UserID())
	if err != nil {
		return
	}
	threadID, err := uuid.Parse(typingMsg.ThreadID)
	if err != nil {
		g.sendError(conn, string(apperr.CodeValidation), "invalid thread id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	otherID, err := g.threads.OtherParticipant(ctx, threadID, userID)
	if err != nil {
		g.sendError(conn, string(apperr.CodeOf(err)), "cannot relay typing")
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		ThreadID:   typingMsg.ThreadID,
		FromUserID: userID.String(),
		IsTyping:   typingMsg.IsTyping,
	})
	if err != nil {
		return
	}
	if err := g.events.PublishUserEvent(otherID.String(), data); err != nil {
		log.Printf("gateway: typing relay publish failed thread=%s: %v", threadID, err)
	}
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

// Deliver writes a serialized event to every live local connection of the
// user and returns how many received it. Zero live connections is expected
// steady state (the user recovers via the REST refetch on reconnect), so the
// event is simply dropped.
func (g *Gateway) Deliver(userID string, data []byte) int {
	conns := g.server.Connections().UserConnections(userID)
	delivered := 0
	for _, c := range conns {
		if err := g.server.WriteTo(c, data); err != nil {
			log.Printf("gateway: deliver failed conn=%s user=%s: %v", c.ID, userID, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("delivered").Add(float64(delivered))
	}
	return delivered
}

// handleUserEvent is the NATS subscription callback for chat.user.<id>.
func (g *Gateway) handleUserEvent(userID string) func(data []byte) {
	return func(data []byte) {
		g.Deliver(userID, data)
	}
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

// onPresenceTransition reacts to online/offline edges: it manages the user's
// NATS event subscription on this instance and broadcasts the change to every
// contact. Subscribing happens on the online edge, before the handshake
// response is written, so no event published after auth can be missed.
func (g *Gateway) onPresenceTransition(userID string, online bool) {
	if online {
		if err := g.events.SubscribeUserEvents(userID, g.handleUserEvent(userID)); err != nil {
			log.Printf("gateway: subscribe user events user=%s: %v", userID, err)
		}
	} else {
		if err := g.events.UnsubscribeUserEvents(userID); err != nil {
			log.Printf("gateway: unsubscribe user events user=%s: %v", userID, err)
		}
	}
	g.broadcastPresence(userID, online)
}

// broadcastPresence notifies every user who shares a thread with userID that
// their presence changed.
func (g *Gateway) broadcastPresence(userID string, online bool) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	contacts, err := g.threads.ContactsOf(ctx, uid)
	if err != nil {
		log.Printf("gateway: presence broadcast contacts user=%s: %v", userID, err)
		return
	}

	var data []byte
	if online {
		data, err = protocol.NewServerMessage(protocol.TypeUserOnline, protocol.UserOnlineMsg{UserID: userID})
	} else {
		data, err = protocol.NewServerMessage(protocol.TypeUserOffline, protocol.UserOfflineMsg{UserID: userID})
	}
	if err != nil {
		return
	}

	for _, contact := range contacts {
		if err := g.events.PublishUserEvent(contact.String(), data); err != nil {
			log.Printf("gateway: presence broadcast publish user=%s: %v", contact, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Forced sign-out
// ---------------------------------------------------------------------------

// ForceSignOut delivers a terminal auth event to all of the user's live local
// connections and closes them. It does not wait for any acknowledgement. The
// revocation record written by the account event handler keeps the user from
// reconnecting.
func (g *Gateway) ForceSignOut(userID uuid.UUID, kind auth.Kind, reason string) {
	var (
		data []byte
		err  error
	)
	switch kind {
	case auth.KindDeleted:
		data, err = protocol.NewServerMessage(protocol.TypeAuthDeleted, protocol.AuthDeletedMsg{Reason: reason})
	default:
		data, err = protocol.NewServerMessage(protocol.TypeAuthBlocked, protocol.AuthBlockedMsg{Reason: reason})
	}
	if err != nil {
		return
	}

	conns := g.server.Connections().UserConnections(userID.String())
	for _, c := range conns {
		_ = g.server.WriteTo(c, data)
		g.server.RemoveConnection(c)
	}
	metrics.ForcedSignOuts.WithLabelValues(string(kind)).Inc()
	log.Printf("gateway: forced sign-out user=%s kind=%s conns=%d", userID, kind, len(conns))
}

// SubscribeAccountEvents wires the account service's blocked/deleted events
// to revocation and forced sign-out. Every instance processes each event:
// the revocation write is idempotent and only instances holding connections
// for the user have anything to close.
func (g *Gateway) SubscribeAccountEvents(nc *messaging.NATSClient) error {
	if err := nc.SubscribeAccountBlocked(g.accountEventHandler(auth.KindBlocked)); err != nil {
		return err
	}
	return nc.SubscribeAccountDeleted(g.accountEventHandler(auth.KindDeleted))
}

func (g *Gateway) accountEventHandler(kind auth.Kind) func(data []byte) {
	return func(data []byte) {
		var event messaging.AccountEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("gateway: bad account event: %v", err)
			return
		}
		userID, err := uuid.Parse(event.UserID)
		if err != nil {
			log.Printf("gateway: account event with bad user id %q", event.UserID)
			return
		}

		if g.revoked != nil {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			if err := g.revoked.Revoke(ctx, userID, kind, event.Reason); err != nil {
				log.Printf("gateway: revoke user=%s: %v", userID, err)
			}
			cancel()
		}
		g.ForceSignOut(userID, kind, event.Reason)
	}
}

// ---------------------------------------------------------------------------
// Disconnect path
// ---------------------------------------------------------------------------

// onDisconnect runs after the connection has left every delivery set. For
// authenticated connections it decrements presence, which on the last
// connection triggers the offline broadcast and subscription teardown.
func (g *Gateway) onDisconnect(conn *ws.Connection) {
	userID := conn.UserID()
	if userID == "" {
		return
	}
	g.presence.Disconnect(userID)
	metrics.OnlineUsers.Set(float64(g.presence.OnlineUsers()))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (g *Gateway) sendError(conn *ws.Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send error conn=%s: %v", conn.ID, err)
	}
}

// addrHost strips the port from a remote address for limiter keying.
func addrHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
