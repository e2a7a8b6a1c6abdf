package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/proxytransport/internal/db"
	"github.com/energizer-project/proxytransport/internal/monitor"
)

const maxDumpList = 1000

// handleLatency returns aggregated latency per server.
func (s *Server) handleLatency(c *gin.Context) {
	if s.deps.Latency == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "latency monitor disabled"})
		return
	}
	servers := s.deps.Latency.All()
	if servers == nil {
		servers = []monitor.ServerStats{}
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

// handleListDumps lists stored buffer dumps without their contents.
func (s *Server) handleListDumps(c *gin.Context) {
	if s.deps.Dumps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dump storage disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		limit = 100
	}
	if limit > maxDumpList {
		limit = maxDumpList
	}

	dumps, err := s.deps.Dumps.List(c.Query("server"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if dumps == nil {
		dumps = []db.Dump{}
	}
	total, err := s.deps.Dumps.Count()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dumps": dumps,
		"count": len(dumps),
		"total": total,
	})
}

// handleGetDump returns one dump. The raw bytes are served as an
// attachment when ?raw=1 is given and base64 in JSON otherwise.
func (s *Server) handleGetDump(c *gin.Context) {
	if s.deps.Dumps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dump storage disabled"})
		return
	}

	d, err := s.deps.Dumps.Get(c.Param("id"))
	if errors.Is(err, db.ErrDumpNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dump not found", "id": c.Param("id")})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if c.Query("raw") == "1" {
		c.Header("Content-Disposition", "attachment; filename="+d.ID+".bin")
		c.Data(http.StatusOK, "application/octet-stream", d.Data)
		return
	}
	c.JSON(http.StatusOK, d)
}
