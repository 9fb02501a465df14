package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/apperr"
	"github.com/doebem/chat-service/internal/message"
	"github.com/doebem/chat-service/internal/metrics"
	"github.com/doebem/chat-service/internal/protocol"
	"github.com/doebem/chat-service/internal/thread"
)

// listThreads returns the viewer's thread summaries, most recently active
// first. Supports ?search= and ?unread_only=true.
func (s *Server) listThreads(c *gin.Context) {
	filter := thread.Filter{
		Search:     c.Query("search"),
		UnreadOnly: c.Query("unread_only") == "true",
	}

	summaries, err := s.threads.SummariesFor(c.Request.Context(), currentUser(c), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"threads": summaries})
}

type createThreadRequest struct {
	OtherUserID string `json:"other_user_id" binding:"required"`
}

// createThread returns the thread between the viewer and the given user,
// creating it on first contact. The operation is idempotent.
func (s *Server) createThread(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("other_user_id is required"))
		return
	}
	otherID, err := uuid.Parse(req.OtherUserID)
	if err != nil {
		writeError(c, apperr.Validation("other_user_id must be a uuid"))
		return
	}
	viewer := currentUser(c)
	if otherID == viewer {
		writeError(c, apperr.Validation("cannot open a thread with yourself"))
		return
	}

	threadID, err := s.threads.GetOrCreate(c.Request.Context(), viewer, otherID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"thread_id": threadID})
}

// listMessages returns one page of thread history in ascending id order.
// ?before_id= pages backwards from the cursor; ?page_size= caps the page.
func (s *Server) listMessages(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("thread_id"))
	if err != nil {
		writeError(c, apperr.Validation("thread_id must be a uuid"))
		return
	}

	var beforeID int64
	if raw := c.Query("before_id"); raw != "" {
		beforeID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, apperr.Validation("before_id must be an integer"))
			return
		}
	}
	pageSize := 0
	if raw := c.Query("page_size"); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil {
			writeError(c, apperr.Validation("page_size must be an integer"))
			return
		}
	}

	// Viewers may only page threads they belong to.
	if _, err := s.threads.OtherParticipant(c.Request.Context(), threadID, currentUser(c)); err != nil {
		writeError(c, err)
		return
	}

	page, err := s.messages.ListPage(c.Request.Context(), threadID, beforeID, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": page.Messages,
		"has_more": page.HasMore,
	})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// sendMessage persists a message and fans the message:new event out to both
// participants' live connections. Persistence is the commit point: the event
// is published only after the row is durable, and a publish failure never
// fails the request.
func (s *Server) sendMessage(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("thread_id"))
	if err != nil {
		writeError(c, apperr.Validation("thread_id must be a uuid"))
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request body"))
		return
	}

	sender := currentUser(c)
	start := time.Now()
	msg, err := s.messages.Send(c.Request.Context(), threadID, sender, req.Text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		writeError(c, err)
		return
	}
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	s.fanOutNewMessage(c, msg)

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// fanOutNewMessage publishes a message:new event to both participants,
// enriched with the sender's public identity so clients render without a
// directory round trip.
func (s *Server) fanOutNewMessage(c *gin.Context, msg *message.Message) {
	ctx := c.Request.Context()

	snapshot := protocol.SenderSnapshot{}
	if identity, err := s.dir.PublicIdentity(ctx, msg.SenderUserID); err == nil {
		snapshot = protocol.SenderSnapshot{
			Name:       identity.Name,
			AvatarURL:  identity.AvatarURL,
			CenterName: identity.CenterName,
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageNew, protocol.MessageNewMsg{
		ThreadID: msg.ThreadID.String(),
		Message: protocol.MessagePayload{
			ID:           msg.ID,
			ThreadID:     msg.ThreadID.String(),
			SenderUserID: msg.SenderUserID.String(),
			Text:         msg.Text,
			CreatedAt:    msg.CreatedAt,
			ReadAt:       msg.ReadAt,
			Sender:       snapshot,
		},
	})
	if err != nil {
		log.Printf("api: build message:new event: %v", err)
		return
	}

	donorID, centerID, err := s.threads.Participants(ctx, msg.ThreadID)
	if err != nil {
		log.Printf("api: fan-out participants thread=%s: %v", msg.ThreadID, err)
		return
	}
	for _, userID := range []uuid.UUID{donorID, centerID} {
		if err := s.events.PublishUserEvent(userID.String(), data); err != nil {
			log.Printf("api: fan-out publish user=%s: %v", userID, err)
		}
	}
}

// markRead marks every unread message from the other participant as read.
// When at least one message flipped, the other participant is notified so
// their sent-message ticks update. Repeat calls are no-ops.
func (s *Server) markRead(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("thread_id"))
	if err != nil {
		writeError(c, apperr.Validation("thread_id must be a uuid"))
		return
	}
	reader := currentUser(c)

	updated, readAt, err := s.messages.MarkRead(c.Request.Context(), threadID, reader)
	if err != nil {
		writeError(c, err)
		return
	}

	if updated > 0 {
		otherID, err := s.threads.OtherParticipant(c.Request.Context(), threadID, reader)
		if err == nil {
			data, err := protocol.NewServerMessage(protocol.TypeThreadRead, protocol.ThreadReadMsg{
				ThreadID:     threadID.String(),
				ReaderUserID: reader.String(),
				ReadAt:       readAt,
			})
			if err == nil {
				if err := s.events.PublishUserEvent(otherID.String(), data); err != nil {
					log.Printf("api: thread:read publish user=%s: %v", otherID, err)
				}
			}
		}
	}

	resp := gin.H{"updated": updated}
	if updated > 0 {
		resp["read_at"] = readAt
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps a coded application error onto an HTTP status and a stable
// JSON error body. Uncoded errors become opaque 500s.
func writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeValidation:
		status = http.StatusBadRequest
	case apperr.CodeUnauthorized:
		status = http.StatusUnauthorized
	case apperr.CodeForbidden:
		status = http.StatusForbidden
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	}

	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) && code != apperr.CodeInternal {
		msg = ae.Message
	}
	if status == http.StatusInternalServerError {
		log.Printf("api: internal error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	c.JSON(status, gin.H{"error": gin.H{"code": string(code), "message": msg}})
}
