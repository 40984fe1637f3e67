package handlers

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/database"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/middleware"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

// Register creates an account and returns a token for it
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 {
		writeError(w, http.StatusBadRequest, "Username must be 3-20 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		fail(w, a.log, err)
		return
	}
	user, err := a.store.CreateUser(r.Context(), req.Username, string(hash))
	if err != nil {
		fail(w, a.log, err)
		return
	}
	a.log.Info("user registered", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	a.respondWithToken(w, http.StatusCreated, user)
}

// Login checks the credentials and returns a fresh token
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, hash, err := a.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err != nil {
		fail(w, a.log, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	a.respondWithToken(w, http.StatusOK, user)
}

// Me returns the current authenticated user
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUserByID(r.Context(), middleware.UserIDFromContext(r))
	if err != nil {
		fail(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK", user)
}

func (a *API) respondWithToken(w http.ResponseWriter, status int, user models.User) {
	token, exp, err := a.auth.IssueToken(user.ID)
	if err != nil {
		fail(w, a.log, err)
		return
	}
	writeJSON(w, status, "OK", models.AuthResponse{User: user, Token: token, ExpiresAt: exp})
}
