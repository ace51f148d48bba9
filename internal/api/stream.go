package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mwaller/outpost/internal/model"
)

// streamPayload is the SSE data field for one event.
type streamPayload struct {
	ServerID int64       `json:"server_id,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// handleStream serves the user's event stream over SSE. Registering
// supersedes any previous stream for the same user; the push listener
// is (re)ensured so provider notifications start flowing.
func (s *Server) handleStream(c *gin.Context) {
	userID := c.GetString(userIDKey)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		apiError(c, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	stream := s.hub.Register(userID)
	defer s.hub.Unregister(stream)

	if ids := parseServerIDs(c.Query("servers")); len(ids) > 0 {
		stream.Subscribe(ids...)
	}

	if s.push != nil {
		if err := s.push.EnsureListener(c.Request.Context(), userID); err != nil {
			s.logger.Warn("push listener not started", "user_id", userID, "error", err)
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-stream.Events():
			if !open {
				// Superseded or hub shutdown.
				return
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(streamPayload{ServerID: ev.ServerID, Data: ev.Payload})
	if err != nil {
		return err
	}
	_, err = w.Write([]byte("event: " + ev.Name + "\ndata: " + string(data) + "\n\n"))
	return err
}

func parseServerIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
