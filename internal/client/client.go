// Package client is the HTTP client for the scan relay API used by the
// desktop and phone orchestrators.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/model"
)

const (
	requestTimeout   = 15 * time.Second
	maxErrorBodySize = 64 << 10
)

type Options struct {
	BaseURL string
	// Token is the desktop bearer token. Phone calls work without it.
	Token      string
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	// stream has no overall timeout since SSE responses are long lived.
	stream *http.Client
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    httpClient,
		stream:  &http.Client{Transport: httpClient.Transport},
	}
}

// APIError is a non-2xx response from the relay.
type APIError struct {
	Status  int
	Code    apperrors.ErrorCode
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("relay returned %d %s: %s", e.Status, e.Code, e.Message)
}

// HasCode reports whether err is an APIError carrying code.
func HasCode(err error, code apperrors.ErrorCode) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type CreatePairingRequest struct {
	Context    model.ScanContext `json:"context"`
	ContextRef *string           `json:"context_ref,omitempty"`
	DeviceID   *string           `json:"device_id,omitempty"`
	TTLSeconds int               `json:"ttl_seconds,omitempty"`
}

type Pairing struct {
	PairingID  string            `json:"pairing_id"`
	Challenge  string            `json:"challenge"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Context    model.ScanContext `json:"context"`
	ContextRef *string           `json:"context_ref"`
	QRPayload  string            `json:"pairing_qr_payload"`
}

// Proof returns the pairing proof the phone will present.
func (p *Pairing) Proof() model.PairingProof {
	return model.PairingProof{PairingID: p.PairingID, Challenge: p.Challenge}
}

type ConsumePairingRequest struct {
	model.PairingProof
	DeviceID          *string `json:"device_id,omitempty"`
	SessionTTLSeconds int     `json:"session_ttl_seconds,omitempty"`
}

type Session struct {
	ScanSessionID string            `json:"scan_session_id"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Context       model.ScanContext `json:"context"`
	ContextRef    *string           `json:"context_ref"`
	ServerNow     time.Time         `json:"server_now"`
}

type PairingStatus struct {
	Paired        bool                `json:"paired"`
	ScanSessionID string              `json:"scan_session_id"`
	Status        model.SessionStatus `json:"status"`
	ExpiresAt     *time.Time          `json:"expires_at"`
}

type ScanReceipt struct {
	EventID   int64     `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}

type DamagePhoto struct {
	Session  model.SessionToken
	Proof    model.PairingProof
	AssetTag *string
	Image    []byte
	MimeType string
}

type SessionStatus struct {
	Status         model.SessionStatus `json:"status"`
	ExpiresAt      time.Time           `json:"expires_at"`
	EndedAt        *time.Time          `json:"ended_at"`
	RemoteMode     model.RemoteMode    `json:"remote_mode"`
	RemoteAssetTag *string             `json:"remote_asset_tag"`
}

type ModeResult struct {
	Mode     model.RemoteMode `json:"mode"`
	AssetTag *string          `json:"asset_tag"`
}

func (c *Client) CreatePairing(ctx context.Context, req CreatePairingRequest) (*Pairing, error) {
	var out Pairing
	if err := c.post(ctx, "/v1/create-pairing", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ConsumePairing(ctx context.Context, req ConsumePairingRequest) (*Session, error) {
	var out Session
	if err := c.post(ctx, "/v1/consume-pairing", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PairingSession asks whether the phone has redeemed pairingID yet.
func (c *Client) PairingSession(ctx context.Context, pairingID string) (*PairingStatus, error) {
	var out PairingStatus
	if err := c.post(ctx, "/v1/pairing-session", map[string]string{"pairing_id": pairingID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitScan(ctx context.Context, token model.SessionToken, barcode string) (*ScanReceipt, error) {
	var out ScanReceipt
	body := map[string]string{"scan_session_id": token.String(), "barcode": barcode}
	if err := c.post(ctx, "/v1/submit-scan", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDamagePhoto uploads photo and returns the temporary object path.
func (c *Client) SubmitDamagePhoto(ctx context.Context, photo DamagePhoto) (string, error) {
	body := map[string]any{
		"scan_session_id": photo.Session.String(),
		"pairing_id":      photo.Proof.PairingID,
		"challenge":       photo.Proof.Challenge,
		"asset_tag":       photo.AssetTag,
		"image_base64":    base64.StdEncoding.EncodeToString(photo.Image),
		"mime_type":       photo.MimeType,
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := c.post(ctx, "/v1/submit-damage-photo", body, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// SessionStatus authenticates with the bearer token when set, and with
// proof when it is complete.
func (c *Client) SessionStatus(ctx context.Context, sessionID string, proof model.PairingProof) (*SessionStatus, error) {
	body := map[string]string{"scan_session_id": sessionID}
	if proof.Complete() {
		body["pairing_id"] = proof.PairingID
		body["challenge"] = proof.Challenge
	}
	var out SessionStatus
	if err := c.post(ctx, "/v1/session-status", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetSessionMode(ctx context.Context, sessionID string, mode model.RemoteMode, assetTag *string) (*ModeResult, error) {
	body := map[string]any{"scan_session_id": sessionID, "mode": mode, "asset_tag": assetTag}
	var out ModeResult
	if err := c.post(ctx, "/v1/set-session-mode", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/v1/end-session", map[string]string{"scan_session_id": sessionID}, nil)
}

// DeleteTempPhoto removes a temporary photo. sessionID may be empty, in
// which case the server infers it from path.
func (c *Client) DeleteTempPhoto(ctx context.Context, sessionID, path string) error {
	body := map[string]string{"path": path}
	if sessionID != "" {
		body["scan_session_id"] = sessionID
	}
	return c.post(ctx, "/v1/delete-temp-photo", body, nil)
}

// ScanEvents lists events with id greater than afterID, oldest first.
func (c *Client) ScanEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]model.ScanEvent, error) {
	body := map[string]any{"scan_session_id": sessionID, "after_id": afterID}
	if limit > 0 {
		body["limit"] = limit
	}
	var out struct {
		Events []model.ScanEvent `json:"events"`
	}
	if err := c.post(ctx, "/v1/scan-events", body, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("relay call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Error string              `json:"error"`
		Code  apperrors.ErrorCode `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			apiErr.Message = body.Error
		}
		apiErr.Code = body.Code
	}
	return apiErr
}
