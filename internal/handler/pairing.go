package handler

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/audit"
	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/httputil"
	"github.com/assettrack/scan-relay-go/internal/middleware"
	"github.com/assettrack/scan-relay-go/internal/model"
	"github.com/assettrack/scan-relay-go/internal/service"
	"github.com/assettrack/scan-relay-go/internal/util"
)

// PairingAPI is the part of the pairing service the HTTP layer uses.
type PairingAPI interface {
	CreateChallenge(ctx context.Context, principal string, params service.CreatePairingParams) (*service.CreatePairingResult, error)
	ConsumeChallenge(ctx context.Context, proof model.PairingProof, params service.ConsumePairingParams) (*service.ConsumePairingResult, error)
	FindSessionForPairing(ctx context.Context, principal, pairingID string) (*service.PairingSessionResult, error)
}

var _ PairingAPI = (*service.PairingService)(nil)

type PairingHandler struct {
	pairing PairingAPI
}

func NewPairingHandler(pairing PairingAPI) *PairingHandler {
	return &PairingHandler{pairing: pairing}
}

// POST /v1/create-pairing
func (h *PairingHandler) CreatePairing(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req struct {
		Context    string     `json:"context"`
		ContextRef *string    `json:"context_ref"`
		DeviceID   *string    `json:"device_id"`
		TTLSeconds lenientInt `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.pairing.CreateChallenge(r.Context(), principal, service.CreatePairingParams{
		Context:    req.Context,
		ContextRef: req.ContextRef,
		DeviceID:   req.DeviceID,
		TTLSeconds: int(req.TTLSeconds),
	})
	if err != nil {
		writeServiceError(w, err, "failed to create pairing challenge")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventPairingCreate,
		Principal: principal,
		PairingID: result.PairingID,
		Details: map[string]interface{}{
			"context":   string(result.Context),
			"expiresAt": formatTime(&result.ExpiresAt),
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"pairing_id":         result.PairingID,
		"challenge":          result.Challenge,
		"expires_at":         formatTime(&result.ExpiresAt),
		"context":            result.Context,
		"context_ref":        result.ContextRef,
		"pairing_qr_payload": result.QRPayload,
	})
}

// POST /v1/consume-pairing
// Anonymous: possession of the QR proof is the credential.
func (h *PairingHandler) ConsumePairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PairingID         string     `json:"pairing_id"`
		Challenge         string     `json:"challenge"`
		DeviceID          *string    `json:"device_id"`
		SessionTTLSeconds lenientInt `json:"session_ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	proof := model.PairingProof{PairingID: req.PairingID, Challenge: req.Challenge}
	result, err := h.pairing.ConsumeChallenge(r.Context(), proof, service.ConsumePairingParams{
		DeviceID:          req.DeviceID,
		SessionTTLSeconds: int(req.SessionTTLSeconds),
	})
	if err != nil {
		code := apperrors.GetCode(err)
		if code == apperrors.ErrCodePairingInvalid || code == apperrors.ErrCodeDeviceMismatch {
			log.Info().
				Str("pairingId", req.PairingID).
				Str("challengeFp", util.Fingerprint(req.Challenge)).
				Str("code", string(code)).
				Msg("pairing consume rejected")
			audit.LogFromRequest(r, audit.Event{
				Type:      audit.EventPairingRejected,
				PairingID: req.PairingID,
				Details:   map[string]interface{}{"reason": string(code)},
			})
		}
		writeServiceError(w, err, "failed to consume pairing challenge")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventPairingConsume,
		PairingID:     req.PairingID,
		ScanSessionID: result.ScanSessionID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"scan_session_id": result.ScanSessionID,
		"expires_at":      formatTime(&result.ExpiresAt),
		"context":         result.Context,
		"context_ref":     result.ContextRef,
		"server_now":      formatTime(&result.ServerNow),
	})
}

// POST /v1/pairing-session
func (h *PairingHandler) PairingSession(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req struct {
		PairingID string `json:"pairing_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.pairing.FindSessionForPairing(r.Context(), principal, req.PairingID)
	if err != nil {
		writeServiceError(w, err, "failed to look up pairing session")
		return
	}

	resp := map[string]any{"paired": result.Paired}
	if result.Paired {
		resp["scan_session_id"] = result.ScanSessionID
		resp["status"] = result.Status
		resp["expires_at"] = formatTime(result.ExpiresAt)
	}
	writeJSON(w, http.StatusOK, resp)
}
