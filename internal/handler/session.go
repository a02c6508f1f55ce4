package handler

import (
	"context"
	"net/http"

	"github.com/assettrack/scan-relay-go/internal/audit"
	"github.com/assettrack/scan-relay-go/internal/httputil"
	"github.com/assettrack/scan-relay-go/internal/middleware"
	"github.com/assettrack/scan-relay-go/internal/model"
	"github.com/assettrack/scan-relay-go/internal/service"
)

// SessionAPI is the part of the session control service the HTTP layer uses.
type SessionAPI interface {
	EndSession(ctx context.Context, principal, sessionID string) (*model.ScanSession, error)
	GetStatus(ctx context.Context, principal string, proof model.PairingProof, sessionID string) (*service.SessionStatusResult, error)
	SetMode(ctx context.Context, principal, sessionID, mode string, assetTag *string) (*service.SetModeResult, error)
	ListEvents(ctx context.Context, principal, sessionID string, afterID int64, limit int) ([]model.ScanEvent, error)
	AuthorizeStream(ctx context.Context, principal, sessionID string) (*model.ScanSession, error)
	AuthorizePairingStream(ctx context.Context, principal, pairingID string) error
}

var _ SessionAPI = (*service.SessionService)(nil)

type SessionHandler struct {
	sessions SessionAPI
}

func NewSessionHandler(sessions SessionAPI) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// POST /v1/session-status
// Accepts either the owner's bearer token or the phone's pairing proof.
func (h *SessionHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req struct {
		ScanSessionID string `json:"scan_session_id"`
		PairingID     string `json:"pairing_id"`
		Challenge     string `json:"challenge"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	proof := model.PairingProof{PairingID: req.PairingID, Challenge: req.Challenge}
	result, err := h.sessions.GetStatus(r.Context(), principal, proof, req.ScanSessionID)
	if err != nil {
		writeServiceError(w, err, "failed to get session status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"status":           result.Status,
		"expires_at":       formatTime(&result.ExpiresAt),
		"ended_at":         formatTime(result.EndedAt),
		"remote_mode":      result.RemoteMode,
		"remote_asset_tag": result.RemoteAssetTag,
	})
}

// POST /v1/set-session-mode
func (h *SessionHandler) SetSessionMode(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req struct {
		ScanSessionID string  `json:"scan_session_id"`
		Mode          string  `json:"mode"`
		AssetTag      *string `json:"asset_tag"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.sessions.SetMode(r.Context(), principal, req.ScanSessionID, req.Mode, req.AssetTag)
	if err != nil {
		writeServiceError(w, err, "failed to set session mode")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventModeChange,
		Principal:     principal,
		ScanSessionID: req.ScanSessionID,
		Details:       map[string]interface{}{"mode": string(result.Mode)},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"mode":      result.Mode,
		"asset_tag": result.AssetTag,
	})
}

// POST /v1/end-session
func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req struct {
		ScanSessionID string `json:"scan_session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	session, err := h.sessions.EndSession(r.Context(), principal, req.ScanSessionID)
	if err != nil {
		writeServiceError(w, err, "failed to end session")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventSessionEnd,
		Principal:     principal,
		ScanSessionID: session.ID,
		Details:       map[string]interface{}{"status": string(session.Status)},
	})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// POST /v1/scan-events
// Poll fallback for the push stream.
func (h *SessionHandler) ScanEvents(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req struct {
		ScanSessionID string     `json:"scan_session_id"`
		AfterID       lenientInt `json:"after_id"`
		Limit         lenientInt `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	events, err := h.sessions.ListEvents(r.Context(), principal, req.ScanSessionID, int64(req.AfterID), int(req.Limit))
	if err != nil {
		writeServiceError(w, err, "failed to list scan events")
		return
	}

	formatted := make([]map[string]any, len(events))
	for i, e := range events {
		formatted[i] = formatEvent(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": formatted})
}
