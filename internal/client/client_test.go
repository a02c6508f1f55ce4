package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/model"
)

type recorded struct {
	path   string
	auth   string
	body   map[string]any
	method string
}

// newRelay serves canned JSON per path and records the last request.
func newRelay(t *testing.T, responses map[string]string) (*Client, *recorded) {
	t.Helper()
	last := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last.path = r.URL.Path
		last.auth = r.Header.Get("Authorization")
		last.method = r.Method
		last.body = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&last.body)
		}
		resp, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"Session not found","code":"NOT_FOUND"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, resp)
	}))
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/", Token: "tok"}), last
}

func TestClientCalls(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatePairing sends bearer and decodes", func(t *testing.T) {
		c, last := newRelay(t, map[string]string{
			"/v1/create-pairing": `{"pairing_id":"p1","challenge":"abc","expires_at":"2026-01-01T00:00:45Z","context":"bulk","context_ref":null,"pairing_qr_payload":"{}"}`,
		})

		p, err := c.CreatePairing(ctx, CreatePairingRequest{Context: model.ScanContextBulk, TTLSeconds: 30})
		require.NoError(t, err)

		assert.Equal(t, "Bearer tok", last.auth)
		assert.Equal(t, http.MethodPost, last.method)
		assert.Equal(t, "bulk", last.body["context"])
		assert.EqualValues(t, 30, last.body["ttl_seconds"])
		assert.Equal(t, "p1", p.PairingID)
		assert.Equal(t, model.PairingProof{PairingID: "p1", Challenge: "abc"}, p.Proof())
		assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 45, 0, time.UTC), p.ExpiresAt.UTC())
	})

	t.Run("ConsumePairing flattens the proof", func(t *testing.T) {
		c, last := newRelay(t, map[string]string{
			"/v1/consume-pairing": `{"scan_session_id":"s1","expires_at":"2026-01-01T00:15:00Z","context":"search","context_ref":null,"server_now":"2026-01-01T00:00:00Z"}`,
		})

		s, err := c.ConsumePairing(ctx, ConsumePairingRequest{
			PairingProof: model.PairingProof{PairingID: "p1", Challenge: "abc"},
		})
		require.NoError(t, err)

		assert.Equal(t, "p1", last.body["pairing_id"])
		assert.Equal(t, "abc", last.body["challenge"])
		assert.NotContains(t, last.body, "device_id")
		assert.Equal(t, "s1", s.ScanSessionID)
		assert.Equal(t, 15*time.Minute, s.ExpiresAt.Sub(s.ServerNow))
	})

	t.Run("SessionStatus omits incomplete proof", func(t *testing.T) {
		c, last := newRelay(t, map[string]string{
			"/v1/session-status": `{"ok":true,"status":"active","expires_at":"2026-01-01T00:15:00Z","ended_at":null,"remote_mode":"damage","remote_asset_tag":"A-1"}`,
		})

		st, err := c.SessionStatus(ctx, "s1", model.PairingProof{PairingID: "p1"})
		require.NoError(t, err)
		assert.NotContains(t, last.body, "pairing_id")
		assert.Equal(t, model.RemoteModeDamage, st.RemoteMode)
		require.NotNil(t, st.RemoteAssetTag)
		assert.Equal(t, "A-1", *st.RemoteAssetTag)
		assert.Nil(t, st.EndedAt)

		_, err = c.SessionStatus(ctx, "s1", model.PairingProof{PairingID: "p1", Challenge: "abc"})
		require.NoError(t, err)
		assert.Equal(t, "abc", last.body["challenge"])
	})

	t.Run("SubmitDamagePhoto encodes the image", func(t *testing.T) {
		c, last := newRelay(t, map[string]string{
			"/v1/submit-damage-photo": `{"ok":true,"path":"remote-temp/s1/x.jpg"}`,
		})
		tag := "A-1"

		path, err := c.SubmitDamagePhoto(ctx, DamagePhoto{
			Session:  "s1",
			Proof:    model.PairingProof{PairingID: "p1", Challenge: "abc"},
			AssetTag: &tag,
			Image:    []byte{0xff, 0xd8},
			MimeType: "image/jpeg",
		})
		require.NoError(t, err)
		assert.Equal(t, "remote-temp/s1/x.jpg", path)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8}), last.body["image_base64"])
		assert.Equal(t, "A-1", last.body["asset_tag"])
	})

	t.Run("ScanEvents decodes events", func(t *testing.T) {
		c, last := newRelay(t, map[string]string{
			"/v1/scan-events": `{"events":[{"id":7,"scan_session_id":"s1","barcode":"X1","source":"remote_phone","created_at":"2026-01-01T00:00:01Z"}]}`,
		})

		events, err := c.ScanEvents(ctx, "s1", 6, 0)
		require.NoError(t, err)
		assert.EqualValues(t, 6, last.body["after_id"])
		assert.NotContains(t, last.body, "limit")
		require.Len(t, events, 1)
		assert.EqualValues(t, 7, events[0].ID)
		assert.Equal(t, model.EventSourceRemotePhone, events[0].Source)
	})

	t.Run("DeleteTempPhoto without session id", func(t *testing.T) {
		c, last := newRelay(t, map[string]string{
			"/v1/delete-temp-photo": `{"ok":true,"path":"remote-temp/s1/x.jpg"}`,
		})

		require.NoError(t, c.DeleteTempPhoto(ctx, "", "remote-temp/s1/x.jpg"))
		assert.NotContains(t, last.body, "scan_session_id")
	})

	t.Run("error responses become APIError", func(t *testing.T) {
		c, _ := newRelay(t, map[string]string{})

		err := c.EndSession(ctx, "missing")
		require.Error(t, err)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, "Session not found", apiErr.Message)
		assert.True(t, HasCode(err, apperrors.ErrCodeNotFound))
		assert.False(t, HasCode(err, apperrors.ErrCodePairingInvalid))
	})

	t.Run("non-JSON error body keeps status text", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := New(Options{BaseURL: srv.URL}).SubmitScan(ctx, "s1", "X")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.Status)
		assert.Empty(t, apiErr.Code)
	})
}

func TestStreamSession(t *testing.T) {
	t.Run("delivers events and skips heartbeats", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/scan-sessions/s1/stream", r.URL.Path)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: connected\ndata: {\"scan_session_id\":\"s1\"}\n\n")
			fmt.Fprint(w, ": ping\n\n")
			fmt.Fprint(w, "event: scan_event\r\ndata: {\"id\":1}\r\n\r\n")
			fmt.Fprint(w, "event: session_ended\ndata: {\"status\":\"ended\"}\n\n")
		}))
		defer srv.Close()

		var got []StreamEvent
		err := New(Options{BaseURL: srv.URL, Token: "tok"}).StreamSession(context.Background(), "s1", func(ev StreamEvent) {
			got = append(got, ev)
		})
		require.NoError(t, err)

		require.Len(t, got, 3)
		assert.Equal(t, "connected", got[0].Type)
		assert.Equal(t, "scan_event", got[1].Type)
		assert.JSONEq(t, `{"id":1}`, string(got[1].Data))
		assert.Equal(t, "session_ended", got[2].Type)
	})

	t.Run("rejected stream returns APIError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":"Forbidden","code":"FORBIDDEN"}`)
		}))
		defer srv.Close()

		err := New(Options{BaseURL: srv.URL}).StreamPairing(context.Background(), "p1", func(StreamEvent) {})
		assert.True(t, HasCode(err, apperrors.ErrCodeForbidden))
	})

	t.Run("multi-line data is joined", func(t *testing.T) {
		s := newEventScanner(strings.NewReader("data: a\ndata: b\n\nevent: x\n"))
		require.True(t, s.next())
		assert.Equal(t, "a\nb", string(s.event.Data))
		assert.False(t, s.next())
		assert.NoError(t, s.err)
	})
}
