package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/database"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/logging"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/metrics"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/middleware"
)

// API serves the REST endpoints and pushes their side effects through the hub
type API struct {
	store *database.Store
	auth  *middleware.Authenticator
	hub   *Hub
	log   *zap.Logger
}

func NewAPI(store *database.Store, auth *middleware.Authenticator, hub *Hub, logger *zap.Logger) *API {
	return &API{
		store: store,
		auth:  auth,
		hub:   hub,
		log:   logging.OrNop(logger).Named("api"),
	}
}

// Router wires every route. /api/auth is public, the rest of /api and the
// websocket endpoint need a bearer token.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	requireAuth := mux.MiddlewareFunc(a.auth.Auth(unauthorized))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, "ok", nil)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	public := r.PathPrefix("/api/auth").Subrouter()
	public.HandleFunc("/register", a.Register).Methods(http.MethodPost)
	public.HandleFunc("/login", a.Login).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(requireAuth)
	api.HandleFunc("/users/me", a.Me).Methods(http.MethodGet)
	api.HandleFunc("/conversations", a.GetConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", a.CreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", a.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", a.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages/{messageId}", a.DeleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/read", a.MarkAsRead).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/mute", a.SetMuted).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id}/pin", a.SetPinned).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id}/members/me", a.Leave).Methods(http.MethodDelete)

	r.Handle("/ws", requireAuth(http.HandlerFunc(a.hub.ServeWS)))
	return r
}
