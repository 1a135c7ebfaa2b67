package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/luma/msrpd/protocol"
	"github.com/luma/msrpd/session"
	"github.com/luma/msrpd/storage"
)

// MaxMessageBody bounds the body of a message posted to the API.
const MaxMessageBody = 16 << 20

type Handler struct {
	stack    *session.Stack
	listener session.Listener
	dial     DialFunc
	log      *zap.Logger
}

// SessionView is the JSON form of a session.
type SessionView struct {
	ID     string `json:"id"`
	Local  string `json:"local"`
	Remote string `json:"remote,omitempty"`
	Bound  bool   `json:"bound"`
}

type createSessionRequest struct {
	Remote string `json:"remote" binding:"required"`
	Dial   bool   `json:"dial"`
}

func viewOf(s *session.Session) SessionView {
	return SessionView{
		ID:     s.ID,
		Local:  s.Local.String(),
		Remote: protocol.FormatPath(s.Remote()),
		Bound:  s.IsBound(),
	}
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.stack.Sessions()

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}

	c.JSON(http.StatusOK, gin.H{"data": views})
}

func (h *Handler) GetSession(c *gin.Context) {
	s := h.stack.Session(c.Param("id"))
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, viewOf(s))
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	remote, err := protocol.ParsePath(req.Remote)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Dial && h.dial == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "dialing is disabled"})
		return
	}

	s := h.stack.CreateSession(remote, h.listener)

	if req.Dial {
		if err := h.dial(c.Request.Context(), s); err != nil {
			h.log.Warn("Failed to dial session", zap.String("session", s.ID), zap.Error(err))
			_ = s.Close()

			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusCreated, viewOf(s))
}

func (h *Handler) CloseSession(c *gin.Context) {
	s := h.stack.Session(c.Param("id"))
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if err := s.Close(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// SendMessage sends the request body as one message. The message is queued
// until the session is bound to a connection.
func (h *Handler) SendMessage(c *gin.Context) {
	s := h.stack.Session(c.Param("id"))
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxMessageBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(body) > MaxMessageBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
		return
	}

	contentType := c.ContentType()
	if contentType == "" {
		contentType = "text/plain"
	}

	m := s.NewMessage(contentType, storage.NewMemoryContainerFrom(body))
	if err := s.Send(m); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"messageId": m.ID})
}

func (h *Handler) AbortMessage(c *gin.Context) {
	s := h.stack.Session(c.Param("id"))
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	err := s.AbortMessage(c.Param("messageID"))
	switch {
	case errors.Is(err, session.ErrNoSuchMessage):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

// GetProgress returns what the progress store recorded about a message.
func (h *Handler) GetProgress(c *gin.Context) {
	store := h.stack.Progress()
	if store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "progress is not tracked"})
		return
	}

	value, err := store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if value == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	c.Data(http.StatusOK, "application/json", value)
}
