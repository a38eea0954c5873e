package chat

import (
	"net/http"
	"net/url"
	"strings"

	"realtime-chat/internal/middleware"
	"realtime-chat/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// controlFactor scales the message budget into the budget for control
// events when none is configured.
const controlFactor = 4

type ServeConfig struct {
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimitRPS   float64
	RateLimitBurst int
	ControlRPS     float64
	ControlBurst   int
}

// ServeWS upgrades the request and attaches the connection to the hub. When
// the request passed through middleware.Authenticate, the verified identity
// travels with every inbound event.
func ServeWS(h *Hub, cfg ServeConfig) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	if cfg.ControlRPS <= 0 {
		cfg.ControlRPS = cfg.RateLimitRPS * controlFactor
	}
	if cfg.ControlBurst <= 0 {
		cfg.ControlBurst = cfg.RateLimitBurst * controlFactor
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Info("upgrade failed", zap.String("ip", middleware.GetIP(r)), zap.Error(err))
			return
		}

		id := registry.ConnID(uuid.NewString())
		client := &Client{
			ID:             id,
			Conn:           conn,
			Send:           make(chan []byte, sendBuffer),
			Hub:            h,
			Limiter:        middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
			Control:        middleware.NewRateLimiter(cfg.ControlRPS, cfg.ControlBurst),
			Verified:       middleware.IdentityFrom(r.Context()),
			Addr:           middleware.GetIP(r),
			maxMessageSize: cfg.MaxMessageSize,
			log:            h.log,
		}

		if !h.register(client) {
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
