package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/session"
	"github.com/energizer-project/proxytransport/internal/util"
)

// handleHealth reports liveness and a session count.
func (s *Server) handleHealth(c *gin.Context) {
	sessions := 0
	if s.deps.Transport != nil {
		sessions = len(s.deps.Transport.Sessions())
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"service":    "proxytransport",
		"version":    Version,
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"sessions":   sessions,
	})
}

// handleListSessions returns every open session, optionally filtered by
// server and state.
func (s *Server) handleListSessions(c *gin.Context) {
	server := c.Query("server")
	state := c.Query("state")

	infos := make([]session.Info, 0)
	for _, sess := range s.deps.Transport.Sessions() {
		info := sess.Info()
		if server != "" && info.Server != server {
			continue
		}
		if state != "" && info.State.String() != state {
			continue
		}
		infos = append(infos, info)
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": infos,
		"total":    len(infos),
	})
}

func (s *Server) findSession(id string) (*session.Session, bool) {
	for _, sess := range s.deps.Transport.Sessions() {
		if sess.ID() == id {
			return sess, true
		}
	}
	return nil, false
}

// handleGetSession returns one session.
func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.findSession(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// handleDisconnectSession closes a session.
func (s *Server) handleDisconnectSession(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Transport.Disconnect(id, session.ReasonDisconnected) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
		return
	}

	log.Info().Str("component", "api").Str("session", id).Str("client_ip", c.ClientIP()).
		Msg("API: session disconnected")
	c.JSON(http.StatusOK, gin.H{"status": "disconnected", "id": id})
}

// handlePool lists pooled multiplexed connections.
func (s *Server) handlePool(c *gin.Context) {
	entries := s.deps.Transport.PoolEntries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	c.JSON(http.StatusOK, gin.H{
		"connections": entries,
		"total":       len(entries),
	})
}

// handleSystem returns host information and process resource usage.
func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  util.GetResourceUsage(),
	})
}
