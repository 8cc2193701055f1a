package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"carapace/internal/session"
)

// SessionInfo is the REST representation of a session.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	ChannelType    string    `json:"channel_type"`
	ChannelRef     string    `json:"channel_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	ActivatedRules []string  `json:"activated_rules"`
	DisabledRules  []string  `json:"disabled_rules"`
}

func infoFromState(state *session.State) SessionInfo {
	return SessionInfo{
		SessionID:      state.SessionID,
		ChannelType:    state.ChannelType,
		ChannelRef:     state.ChannelRef,
		CreatedAt:      state.CreatedAt,
		LastActive:     state.LastActive,
		ActivatedRules: orEmpty(state.ActivatedRules),
		DisabledRules:  orEmpty(state.DisabledRules),
	}
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

type createSessionRequest struct {
	ChannelType string `json:"channel_type"`
	ChannelRef  string `json:"channel_ref"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	// An empty body is a valid request.
	_ = c.ShouldBindJSON(&req)

	state, err := s.store.Create(req.ChannelType, req.ChannelRef)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("created session %s (%s)", state.SessionID, state.ChannelType)
	c.JSON(http.StatusCreated, infoFromState(state))
}

func (s *Server) listSessions(c *gin.Context) {
	ids, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	infos := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		state, err := s.store.LoadState(id)
		if err != nil {
			s.log.Warn("skipping unreadable session %s: %v", id, err)
			continue
		}
		infos = append(infos, infoFromState(state))
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) getSession(c *gin.Context) {
	state, err := s.store.LoadState(c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, infoFromState(state))
}

func (s *Server) deleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	deleted, err := s.store.Delete(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if s.sandbox != nil {
		if err := s.sandbox.CleanupSession(c.Request.Context(), sessionID); err != nil {
			s.log.Warn("sandbox cleanup for %s: %v", sessionID, err)
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sessionHistory(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.store.LoadState(sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	events, err := s.store.LoadEvents(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// limit <= 0 means everything.
	if limitText := c.Query("limit"); limitText != "" {
		limit, err := strconv.Atoi(limitText)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if limit > 0 && limit < len(events) {
			events = events[len(events)-limit:]
		}
	}
	if events == nil {
		events = []session.Event{}
	}
	c.JSON(http.StatusOK, events)
}
