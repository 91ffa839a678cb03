package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/relay"
)

// defaultSubscriptionLength applies when a new user is created without an expiry.
const defaultSubscriptionLength = 30 * 24 * time.Hour

type subscriptionRequest struct {
	Plan      string     `json:"plan"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createUserRequest struct {
	Key          string              `json:"key"`
	Name         string              `json:"name"`
	Subscription subscriptionRequest `json:"subscription"`
}

type patchUserRequest struct {
	Name         *string              `json:"name"`
	Subscription *subscriptionRequest `json:"subscription"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}
	plan, err := relay.ParsePlan(req.Subscription.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expiresAt := s.clock.Now().Add(defaultSubscriptionLength)
	if req.Subscription.ExpiresAt != nil {
		expiresAt = *req.Subscription.ExpiresAt
	}

	detail, err := s.store.CreateIdentity(r.Context(), key, strings.TrimSpace(req.Name), plan, expiresAt)
	switch {
	case errors.Is(err, relay.ErrAlreadyExists):
		writeError(w, http.StatusBadRequest, "user with this key already exists")
		return
	case err != nil:
		s.logger.Error("create user failed", zap.String("identity", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	s.logger.Info("user created", zap.String("identity", key), zap.String("plan", string(plan)))
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListIdentities(r.Context())
	if err != nil {
		s.logger.Error("list users failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if len(users) == 0 {
		writeError(w, http.StatusNotFound, "no users found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	detail, err := s.store.GetIdentityDetail(r.Context(), key)
	switch {
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case err != nil:
		s.logger.Error("get user failed", zap.String("identity", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch user")
	default:
		writeJSON(w, http.StatusOK, detail)
	}
}

// patchUser renames the user and/or replaces the subscription. A subscription
// change needs both plan and expires_at; it resets the reminder flags.
func (s *Server) patchUser(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req patchUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var plan relay.Plan
	if req.Subscription != nil {
		if req.Subscription.Plan == "" || req.Subscription.ExpiresAt == nil {
			writeError(w, http.StatusBadRequest, "subscription update requires both plan and expires_at")
			return
		}
		var err error
		if plan, err = relay.ParsePlan(req.Subscription.Plan); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	detail, err := s.store.GetIdentityDetail(ctx, key)
	if errors.Is(err, relay.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.logger.Error("patch user lookup failed", zap.String("identity", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}

	if req.Name != nil {
		if err := s.store.UpdateIdentityName(ctx, key, strings.TrimSpace(*req.Name)); err != nil {
			s.logger.Error("rename user failed", zap.String("identity", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to update user")
			return
		}
	}
	if req.Subscription != nil {
		sub, err := s.store.UpsertSubscription(ctx, detail.ID, plan, *req.Subscription.ExpiresAt)
		if err != nil {
			s.logger.Error("upsert subscription failed", zap.String("identity", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to update subscription")
			return
		}
		s.logger.Info("subscription updated",
			zap.String("identity", key),
			zap.String("plan", string(sub.Plan)),
			zap.Time("expires_at", sub.ExpiresAt),
			zap.Int64("revision", sub.Revision),
		)
	}

	updated, err := s.store.GetIdentityDetail(ctx, key)
	if err != nil {
		s.logger.Error("reload user failed", zap.String("identity", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	err := s.store.DeleteIdentity(r.Context(), key)
	switch {
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case err != nil:
		s.logger.Error("delete user failed", zap.String("identity", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete user")
	default:
		s.logger.Info("user deleted", zap.String("identity", key))
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "deleted"})
	}
}
