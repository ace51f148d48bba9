package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mwaller/outpost/internal/version"
)

// handleHealth reports component health: the state store (and which
// backend is live), stream and session counts, push listeners and the
// job queue.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health := struct {
		Status     string                 `json:"status"`
		Version    string                 `json:"version"`
		Components map[string]interface{} `json:"components"`
	}{
		Status:     "healthy",
		Version:    version.Version,
		Components: make(map[string]interface{}),
	}

	if err := s.store.Ping(ctx); err != nil {
		health.Status = "unhealthy"
		health.Components["state_store"] = map[string]string{
			"mode":   s.store.Mode(),
			"status": "disconnected",
			"error":  err.Error(),
		}
	} else {
		health.Components["state_store"] = map[string]string{
			"mode":   s.store.Mode(),
			"status": "connected",
		}
	}

	connStats := s.manager.Stats()
	health.Components["connections"] = map[string]interface{}{
		"sessions":  connStats.Sessions,
		"connected": connStats.Connected,
	}

	health.Components["streams"] = map[string]interface{}{
		"count": s.hub.StreamCount(),
	}

	if s.push != nil {
		health.Components["push_listeners"] = map[string]interface{}{
			"count": s.push.ListenerCount(),
		}
	}

	jobStats := s.sched.Stats()
	health.Components["jobs"] = map[string]interface{}{
		"scheduled":   jobStats.Jobs,
		"queue_depth": jobStats.QueueDepth,
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}
