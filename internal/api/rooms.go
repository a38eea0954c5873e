package api

import (
	"net/http"

	"realtime-chat/internal/registry"
	"realtime-chat/internal/types"
)

// RoomsHandler lists the configured public rooms, in catalog order, with
// their live subscriber and message counts.
func RoomsHandler(reg *registry.Registry, catalog []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := make(map[string]registry.RoomStats)
		for _, s := range reg.Rooms() {
			stats[s.Name] = s
		}

		resp := types.RoomsResponse{Rooms: make([]types.RoomInfo, 0, len(catalog))}
		for _, name := range catalog {
			s := stats[name]
			resp.Rooms = append(resp.Rooms, types.RoomInfo{
				Name:        name,
				Subscribers: s.Subscribers,
				Messages:    s.Messages,
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
