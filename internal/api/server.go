// Package api exposes the REST surface of the chat service: thread summaries,
// thread creation, history pagination, message send, and mark-read. Live
// events triggered by writes are fanned out through the user-event publisher
// so WebSocket gateways deliver them.
package api

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/auth"
	"github.com/doebem/chat-service/internal/directory"
	"github.com/doebem/chat-service/internal/message"
	"github.com/doebem/chat-service/internal/thread"
)

// MessageStore is the persistence surface the API needs for messages.
type MessageStore interface {
	Send(ctx context.Context, threadID, senderID uuid.UUID, text string) (*message.Message, error)
	ListPage(ctx context.Context, threadID uuid.UUID, beforeID int64, pageSize int) (*message.Page, error)
	MarkRead(ctx context.Context, threadID, readerID uuid.UUID) (int64, time.Time, error)
}

// ThreadRegistry is the thread lookup surface the API needs.
type ThreadRegistry interface {
	GetOrCreate(ctx context.Context, userA, userB uuid.UUID) (uuid.UUID, error)
	Participants(ctx context.Context, threadID uuid.UUID) (donorID, centerID uuid.UUID, err error)
	OtherParticipant(ctx context.Context, threadID, userID uuid.UUID) (uuid.UUID, error)
	SummariesFor(ctx context.Context, viewerID uuid.UUID, filter thread.Filter) ([]thread.Summary, error)
}

// Publisher fans live events out to a user's WebSocket connections.
type Publisher interface {
	PublishUserEvent(userID string, data []byte) error
}

// Server holds the gin engine and the service dependencies of the handlers.
type Server struct {
	router   *gin.Engine
	resolver auth.Resolver
	messages MessageStore
	threads  ThreadRegistry
	dir      directory.Directory
	events   Publisher
}

// Config carries the API server's collaborators.
type Config struct {
	Resolver  auth.Resolver
	Messages  MessageStore
	Threads   ThreadRegistry
	Directory directory.Directory
	Events    Publisher
}

// NewServer builds the gin router with CORS, auth middleware, and all routes
// registered.
func NewServer(cfg Config) *Server {
	s := &Server{
		resolver: cfg.Resolver,
		messages: cfg.Messages,
		threads:  cfg.Threads,
		dir:      cfg.Directory,
		events:   cfg.Events,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	authed := router.Group("/api", AuthRequired(s.resolver))
	{
		authed.GET("/threads", s.listThreads)
		authed.POST("/threads", s.createThread)
		authed.GET("/threads/:thread_id/messages", s.listMessages)
		authed.POST("/threads/:thread_id/messages", s.sendMessage)
		authed.POST("/threads/:thread_id/read", s.markRead)
	}

	s.router = router
	return s
}

// Router exposes the gin engine, mainly for tests and for mounting.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP listener on the given address and blocks.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
