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

// IngestAPI is the part of the ingestion service the HTTP layer uses.
type IngestAPI interface {
	SubmitScan(ctx context.Context, token model.SessionToken, barcode string) (*model.ScanEvent, error)
	SubmitDamagePhoto(ctx context.Context, token model.SessionToken, proof model.PairingProof, params service.SubmitPhotoParams) (string, error)
	DeleteTempPhoto(ctx context.Context, principal, sessionID, path string) (string, error)
}

var _ IngestAPI = (*service.IngestService)(nil)

type ScanHandler struct {
	ingest IngestAPI
}

func NewScanHandler(ingest IngestAPI) *ScanHandler {
	return &ScanHandler{ingest: ingest}
}

// POST /v1/submit-scan
// The session id is the phone's only credential here.
func (h *ScanHandler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScanSessionID string `json:"scan_session_id"`
		Barcode       string `json:"barcode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	event, err := h.ingest.SubmitScan(r.Context(), model.SessionToken(req.ScanSessionID), req.Barcode)
	if err != nil {
		writeServiceError(w, err, "failed to submit scan")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"event_id":   event.ID,
		"created_at": formatTime(&event.CreatedAt),
	})
}

// POST /v1/submit-damage-photo
func (h *ScanHandler) SubmitDamagePhoto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScanSessionID string  `json:"scan_session_id"`
		PairingID     string  `json:"pairing_id"`
		Challenge     string  `json:"challenge"`
		AssetTag      *string `json:"asset_tag"`
		ImageBase64   string  `json:"image_base64"`
		MimeType      string  `json:"mime_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	path, err := h.ingest.SubmitDamagePhoto(r.Context(),
		model.SessionToken(req.ScanSessionID),
		model.PairingProof{PairingID: req.PairingID, Challenge: req.Challenge},
		service.SubmitPhotoParams{
			AssetTag:    req.AssetTag,
			ImageBase64: req.ImageBase64,
			MimeType:    req.MimeType,
		},
	)
	if err != nil {
		writeServiceError(w, err, "failed to submit damage photo")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventPhotoUpload,
		ScanSessionID: req.ScanSessionID,
		PairingID:     req.PairingID,
		Details:       map[string]interface{}{"path": path},
	})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path})
}

// POST /v1/delete-temp-photo
func (h *ScanHandler) DeleteTempPhoto(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req struct {
		ScanSessionID string `json:"scan_session_id"`
		Path          string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	path, err := h.ingest.DeleteTempPhoto(r.Context(), principal, req.ScanSessionID, req.Path)
	if err != nil {
		writeServiceError(w, err, "failed to delete temp photo")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:          audit.EventPhotoDelete,
		Principal:     principal,
		ScanSessionID: req.ScanSessionID,
		Details:       map[string]interface{}{"path": path},
	})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path})
}
