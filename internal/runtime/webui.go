package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/foxbridge/internal/runtime/foxglove"
	"github.com/drblury/foxbridge/internal/runtime/jsoncodec"
)

// relaysResponse is the body of GET /api/relays.
type relaysResponse struct {
	SessionID string                    `json:"session_id,omitempty"`
	Viewers   int                       `json:"viewers"`
	Relays    []RelayInfo               `json:"relays"`
	Channels  []foxglove.ChannelSummary `json:"channels,omitempty"`
}

// StartWebUIServer mounts the relay API when the web UI is enabled. The
// server itself starts with Start.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/relays", http.HandlerFunc(s.handleGetRelays))
}

func (s *Service) handleGetRelays(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := relaysResponse{Relays: s.Relays()}
	if s.server != nil {
		resp.SessionID = s.server.SessionID()
		resp.Viewers = s.server.ClientCount()
		resp.Channels = s.server.Channels()
	}

	if err := jsoncodec.Encode(w, resp); err != nil {
		s.Logger.Error("Failed to encode relays", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
