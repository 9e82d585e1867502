package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/asmogo/nostrmux/router"
	"github.com/asmogo/nostrmux/store"
)

const (
	publicEndpointID = "relay"

	publicRejectedReason  = "Public websocket connections not accepted."
	privateRejectedReason = "Private websocket connections not accepted."
)

// handleWebsocket upgrades an inbound connection and attaches a router to
// it. The public endpoint id is the literal "relay"; any other id must be
// an encrypted token that decrypts to it.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "ws_id")
	if wsID == "" {
		wsID = publicEndpointID
	}
	cfg, err := s.store.LoadConfig(store.DefaultOwner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rejectReason := ""
	switch {
	case wsID == publicEndpointID:
		if !cfg.PublicWS {
			rejectReason = publicRejectedReason
		}
	default:
		if !cfg.PrivateWS {
			rejectReason = privateRejectedReason
		} else if decrypted, err := DecryptToken(s.cfg.AdminKey, wsID); err != nil || decrypted != publicEndpointID {
			rejectReason = privateRejectedReason
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	if rejectReason != "" {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, rejectReason)
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(readHeaderTimeout))
		_ = conn.Close()
		return
	}

	clientRouter := router.NewRouter(conn, s.manager, s.intake)
	s.trackRouter(clientRouter)
	clientRouter.Start(s.baseCtx)
}
