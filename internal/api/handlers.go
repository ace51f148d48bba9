package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mwaller/outpost/internal/connection"
	"github.com/mwaller/outpost/internal/model"
	"github.com/mwaller/outpost/internal/state"
	"github.com/mwaller/outpost/internal/store"
)

// InactivityJobName is the one-shot countdown job for a user. Heartbeats
// replace it by name, which resets the countdown.
func InactivityJobName(userID string) string {
	return "inactivity:user:" + userID
}

// InactivityPayload is the countdown job's payload.
type InactivityPayload struct {
	UserID string `json:"user_id"`
}

type commandRequest struct {
	ServerID int64           `json:"server_id"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Refresh  bool            `json:"refresh,omitempty"`
}

type serverView struct {
	ID           int64     `json:"id"`
	DisplayName  string    `json:"display_name"`
	Endpoint     string    `json:"endpoint"`
	Connected    bool      `json:"connected"`
	LastViewedAt time.Time `json:"last_viewed_at"`
}

// ownedLink loads the :id link and enforces ownership. Writes the
// response itself on failure.
func (s *Server) ownedLink(c *gin.Context) (*model.ServerLink, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apiError(c, http.StatusBadRequest, "validation", "invalid server id")
		return nil, false
	}

	link, err := s.links.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apiError(c, http.StatusNotFound, "not_found", "unknown server")
			return nil, false
		}
		s.logger.Error("loading link failed", "server_id", id, "error", err)
		apiError(c, http.StatusInternalServerError, "internal", "storage failure")
		return nil, false
	}

	if link.OwnerUserID != c.GetString(userIDKey) {
		apiError(c, http.StatusForbidden, "forbidden", "not your server")
		return nil, false
	}
	return link, true
}

func (s *Server) handleListServers(c *gin.Context) {
	userID := c.GetString(userIDKey)

	links, err := s.links.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("listing links failed", "user_id", userID, "error", err)
		apiError(c, http.StatusInternalServerError, "internal", "storage failure")
		return
	}

	views := make([]serverView, 0, len(links))
	for _, l := range links {
		views = append(views, serverView{
			ID:           l.ID,
			DisplayName:  l.DisplayName,
			Endpoint:     l.Endpoint,
			Connected:    s.manager.Connected(l.ID),
			LastViewedAt: l.LastViewedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"servers": views})
}

// handleConnect opens the link's session. A user watches one server at
// a time: connecting a new one disconnects the previous one first.
func (s *Server) handleConnect(c *gin.Context) {
	link, ok := s.ownedLink(c)
	if !ok {
		return
	}
	userID := c.GetString(userIDKey)
	ctx := c.Request.Context()

	activity := s.loadActivity(ctx, userID)
	if activity.ActiveServerID != 0 && activity.ActiveServerID != link.ID {
		if err := s.manager.Disconnect(ctx, activity.ActiveServerID); err != nil {
			s.logger.Warn("disconnecting previous server failed",
				"server_id", activity.ActiveServerID,
				"error", err,
			)
		}
	}

	if err := s.manager.Connect(ctx, *link); err != nil {
		if errors.Is(err, connection.ErrTooManySessions) {
			apiError(c, http.StatusServiceUnavailable, "capacity", "session limit reached")
			return
		}
		s.logger.Warn("connect failed", "server_id", link.ID, "error", err)
		apiError(c, http.StatusBadGateway, "server_unreachable", "could not reach the game server")
		return
	}

	if err := s.links.TouchViewed(ctx, link.ID); err != nil {
		s.logger.Warn("touching link failed", "server_id", link.ID, "error", err)
	}

	activity.UserID = userID
	activity.ActiveServerID = link.ID
	activity.LastActivityAt = time.Now()
	s.saveActivity(ctx, activity)
	s.armInactivityCountdown(ctx, userID)

	c.JSON(http.StatusOK, gin.H{"status": "connected", "server_id": link.ID})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	link, ok := s.ownedLink(c)
	if !ok {
		return
	}
	userID := c.GetString(userIDKey)
	ctx := c.Request.Context()

	if err := s.manager.Disconnect(ctx, link.ID); err != nil {
		s.logger.Error("disconnect failed", "server_id", link.ID, "error", err)
		apiError(c, http.StatusInternalServerError, "internal", "disconnect failed")
		return
	}

	activity := s.loadActivity(ctx, userID)
	if activity.ActiveServerID == link.ID {
		activity.ActiveServerID = 0
		s.saveActivity(ctx, activity)
	}
	if err := s.sched.Cancel(ctx, InactivityJobName(userID)); err != nil {
		s.logger.Warn("cancelling countdown failed", "user_id", userID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "disconnected", "server_id": link.ID})
}

// handleCommand relays one browser command to the user's game server.
// Info commands are served from the session cache unless refresh is set.
func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.ServerID == 0 || req.Command == "" {
		apiError(c, http.StatusBadRequest, "validation", "server_id and command are required")
		return
	}

	link, err := s.links.Get(c.Request.Context(), req.ServerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apiError(c, http.StatusNotFound, "not_found", "unknown server")
			return
		}
		apiError(c, http.StatusInternalServerError, "internal", "storage failure")
		return
	}
	if link.OwnerUserID != c.GetString(userIDKey) {
		apiError(c, http.StatusForbidden, "forbidden", "not your server")
		return
	}

	ctx := c.Request.Context()

	switch req.Command {
	case connection.MethodServerInfo, connection.MethodMapMarkers, connection.MethodTeamInfo:
		data, err := s.manager.Fetch(ctx, req.ServerID, req.Command, req.Refresh)
		if err != nil {
			s.writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": data})

	case connection.MethodSetEntity:
		if err := s.manager.SetEntityValue(ctx, req.ServerID, req.Payload); err != nil {
			s.writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	case connection.MethodTeamChatSend:
		if err := s.manager.SendTeamChat(ctx, req.ServerID, req.Payload); err != nil {
			s.writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	default:
		apiError(c, http.StatusBadRequest, "validation", fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (s *Server) writeCommandError(c *gin.Context, err error) {
	var perr *connection.ProtocolError
	switch {
	case errors.Is(err, connection.ErrNotConnected):
		apiError(c, http.StatusConflict, "not_connected", "server is not connected")
	case errors.Is(err, connection.ErrTimeout):
		apiError(c, http.StatusGatewayTimeout, "remote_timeout", "the game server did not answer in time")
	case errors.As(err, &perr):
		apiError(c, http.StatusBadGateway, "remote_rejected", perr.Reason)
	default:
		s.logger.Error("command failed", "error", err)
		apiError(c, http.StatusInternalServerError, "internal", "command failed")
	}
}

// handleHeartbeat records client liveness and resets the inactivity
// countdown. A reset of a running countdown is acknowledged with a
// countdown_cancelled event on the stream.
func (s *Server) handleHeartbeat(c *gin.Context) {
	userID := c.GetString(userIDKey)
	ctx := c.Request.Context()

	s.hub.Touch(userID)

	activity := s.loadActivity(ctx, userID)
	hadCountdown := activity.ActiveServerID != 0
	activity.UserID = userID
	activity.LastActivityAt = time.Now()
	s.saveActivity(ctx, activity)

	if hadCountdown {
		s.armInactivityCountdown(ctx, userID)
		s.hub.Publish(model.Event{
			Name:   model.EventCountdownCancelled,
			UserID: userID,
			Payload: map[string]any{
				"server_id": activity.ActiveServerID,
			},
		})
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) armInactivityCountdown(ctx context.Context, userID string) {
	payload, _ := json.Marshal(InactivityPayload{UserID: userID})
	if err := s.sched.ScheduleOnce(ctx, InactivityJobName(userID), payload, s.cfg.InactivityTimeout); err != nil {
		s.logger.Warn("arming countdown failed", "user_id", userID, "error", err)
	}
}

type pushRegisterRequest struct {
	DeviceIdentity    string `json:"device_identity"`
	RegistrationToken string `json:"registration_token"`
}

// handlePushRegister stores the caller's push credential, replacing any
// previous registration, then starts their listener when the provider
// is configured.
func (s *Server) handlePushRegister(c *gin.Context) {
	var req pushRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.DeviceIdentity == "" || req.RegistrationToken == "" {
		apiError(c, http.StatusBadRequest, "validation", "device_identity and registration_token are required")
		return
	}

	userID := c.GetString(userIDKey)
	ctx := c.Request.Context()

	err := s.pushReg.Save(ctx, &model.PushCredential{
		UserID:            userID,
		DeviceIdentity:    req.DeviceIdentity,
		RegistrationToken: req.RegistrationToken,
	})
	if err != nil {
		s.logger.Error("saving push credential failed", "user_id", userID, "error", err)
		apiError(c, http.StatusInternalServerError, "internal", "storage failure")
		return
	}
	s.logger.Info("push credential registered", "user_id", userID, "device", req.DeviceIdentity)

	if s.push != nil {
		if err := s.push.EnsureListener(ctx, userID); err != nil {
			s.logger.Warn("push listener not started", "user_id", userID, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

// activityKey is the shared-state key for a user's activity record.
func activityKey(userID string) string {
	return "activity:" + userID
}

func (s *Server) loadActivity(ctx context.Context, userID string) model.ActivityRecord {
	rec := model.ActivityRecord{UserID: userID}
	data, err := s.store.Get(ctx, activityKey(userID))
	if err != nil {
		if !errors.Is(err, state.ErrKeyNotFound) {
			s.logger.Warn("loading activity failed", "user_id", userID, "error", err)
		}
		return rec
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("corrupt activity record discarded", "user_id", userID, "error", err)
	}
	return rec
}

func (s *Server) saveActivity(ctx context.Context, rec model.ActivityRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, activityKey(rec.UserID), data, 0); err != nil {
		s.logger.Warn("saving activity failed", "user_id", rec.UserID, "error", err)
	}
}
