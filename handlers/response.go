package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/database"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var validate = validator.New()

// writeJSON wraps data in the response envelope
func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	env := struct {
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
		Timestamp  string `json:"timestamp"`
		Data       any    `json:"data,omitempty"`
	}{
		StatusCode: status,
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Data:       data,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, message, nil)
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusUnauthorized, "Unauthorized")
}

// decode reads a JSON body into v and validates it
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("Invalid request body")
	}
	if err := validate.Struct(v); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

// validationMessage turns validator errors into one readable line
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s long", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s long", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// fail maps store errors to statuses; anything unknown is logged and hidden
func fail(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, database.ErrNotMember):
		writeError(w, http.StatusForbidden, "Not a member of this conversation")
	case errors.Is(err, database.ErrNotSender):
		writeError(w, http.StatusForbidden, "Only the sender can do that")
	case errors.Is(err, database.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already taken")
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Server error")
	}
}

// pathID reads a positive integer route variable
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil && id > 0
}

// pageParams reads the 0-based page and its size from the query string
func pageParams(r *http.Request) (page, size int) {
	size = defaultPageSize
	if s := r.URL.Query().Get("size"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 && parsed <= maxPageSize {
			size = parsed
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed >= 0 {
			page = parsed
		}
	}
	return page, size
}

func newPage[T any](results []T, page, size, total int) models.Page[T] {
	if results == nil {
		results = []T{}
	}
	return models.Page[T]{
		Meta: &models.Meta{
			Current:  page,
			PageSize: size,
			Pages:    (total + size - 1) / size,
			Total:    total,
		},
		Results: results,
	}
}
