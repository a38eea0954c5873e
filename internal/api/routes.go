package api

import (
	"net/http"

	"realtime-chat/internal/registry"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Routes mounts the HTTP surface next to the websocket endpoint. ws is the
// already wrapped upgrade handler and metrics may be nil.
type Routes struct {
	Auth     Authenticator
	Registry *registry.Registry
	Catalog  []string
	WS       http.Handler
	Metrics  http.Handler
	Log      *zap.Logger
}

func NewRouter(rt Routes) *mux.Router {
	log := rt.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := mux.NewRouter()
	r.HandleFunc("/register", RegisterHandler(rt.Auth, log)).Methods(http.MethodPost)
	r.HandleFunc("/login", LoginHandler(rt.Auth, log)).Methods(http.MethodPost)
	r.HandleFunc("/rooms", RoomsHandler(rt.Registry, rt.Catalog)).Methods(http.MethodGet)
	r.HandleFunc("/health", HealthHandler()).Methods(http.MethodGet)
	if rt.Metrics != nil {
		r.Handle("/metrics", rt.Metrics).Methods(http.MethodGet)
	}
	if rt.WS != nil {
		r.Handle("/ws", rt.WS)
	}
	return r
}
