package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/middleware"
	"realtime-chat/internal/models"
	"realtime-chat/internal/types"

	"go.uber.org/zap"
)

// Authenticator is the part of auth.Service the HTTP layer needs.
type Authenticator interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (string, *models.User, error)
}

func RegisterHandler(svc Authenticator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload types.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			log.Debug("register decode error", zap.Error(err))
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		user, err := svc.Register(ctx, payload.Username, payload.Password)
		switch {
		case errors.Is(err, auth.ErrInvalid):
			writeError(w, http.StatusBadRequest, "Username and password are required")
			return
		case errors.Is(err, auth.ErrConflict):
			writeError(w, http.StatusConflict, "Username already taken")
			return
		case err != nil:
			log.Error("register failed", zap.String("ip", middleware.GetIP(r)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		writeJSON(w, http.StatusOK, toDTO(user))
	}
}

func LoginHandler(svc Authenticator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload types.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			log.Debug("login decode error", zap.Error(err))
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		token, user, err := svc.Login(ctx, payload.Username, payload.Password)
		switch {
		case errors.Is(err, auth.ErrInvalid):
			writeError(w, http.StatusBadRequest, "Username and password are required")
			return
		case errors.Is(err, auth.ErrRejected):
			writeError(w, http.StatusUnauthorized, "Invalid username or password")
			return
		case err != nil:
			log.Error("login failed", zap.String("ip", middleware.GetIP(r)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		log.Info("user logged in", zap.String("username", user.Username))
		writeJSON(w, http.StatusOK, types.AuthResponse{Token: token, User: toDTO(user)})
	}
}

func toDTO(u *models.User) types.UserDTO {
	return types.UserDTO{
		ID:        u.ID,
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}
