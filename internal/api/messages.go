package api

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

type loginRequest struct {
	Password string `json:"password"`
}

func secretsEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if s.cfg.Auth.AdminPassword == "" || !secretsEqual(req.Password, s.cfg.Auth.AdminPassword) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) browserStatus(w http.ResponseWriter, r *http.Request) {
	probed, err := s.probe.Healthy(r.Context())
	if err != nil {
		s.logger.Warn("browser status check failed", zap.Error(err))
		status := s.monitor.Status()
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":    "error",
			"error":     err.Error(),
			"state":     status.State,
			"connected": status.Connected,
		})
		return
	}
	status := s.monitor.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"state":     status.State,
		"connected": status.Connected,
		"since":     status.Since,
		"launches":  status.Launches,
		"busy":      !probed,
	})
}

// receiveMessage accepts one inbound gateway event and queues it for the workers.
func (s *Server) receiveMessage(w http.ResponseWriter, r *http.Request) {
	var msg relay.InboundMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg.ID == "" || msg.ChatID == "" || msg.SenderID == "" {
		writeError(w, http.StatusBadRequest, "id, chat_id and sender_id are required")
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.clock.Now()
	}
	if err := s.inbox.TryEnqueue(msg); err != nil {
		s.logger.Warn("inbound message rejected", zap.String("message_id", msg.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msg.ID, "status": "queued"})
}
