package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/assettrack/scan-relay-go/internal/auth"
	"github.com/assettrack/scan-relay-go/internal/model"
	"github.com/assettrack/scan-relay-go/internal/service"
	"github.com/assettrack/scan-relay-go/internal/sse"
)

const testSecret = "test-secret-0123456789abcdef0123456789"

type mockPairing struct {
	mock.Mock
}

func (m *mockPairing) CreateChallenge(ctx context.Context, principal string, params service.CreatePairingParams) (*service.CreatePairingResult, error) {
	args := m.Called(ctx, principal, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CreatePairingResult), args.Error(1)
}

func (m *mockPairing) ConsumeChallenge(ctx context.Context, proof model.PairingProof, params service.ConsumePairingParams) (*service.ConsumePairingResult, error) {
	args := m.Called(ctx, proof, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ConsumePairingResult), args.Error(1)
}

func (m *mockPairing) FindSessionForPairing(ctx context.Context, principal, pairingID string) (*service.PairingSessionResult, error) {
	args := m.Called(ctx, principal, pairingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.PairingSessionResult), args.Error(1)
}

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) EndSession(ctx context.Context, principal, sessionID string) (*model.ScanSession, error) {
	args := m.Called(ctx, principal, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScanSession), args.Error(1)
}

func (m *mockSessions) GetStatus(ctx context.Context, principal string, proof model.PairingProof, sessionID string) (*service.SessionStatusResult, error) {
	args := m.Called(ctx, principal, proof, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionStatusResult), args.Error(1)
}

func (m *mockSessions) SetMode(ctx context.Context, principal, sessionID, mode string, assetTag *string) (*service.SetModeResult, error) {
	args := m.Called(ctx, principal, sessionID, mode, assetTag)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SetModeResult), args.Error(1)
}

func (m *mockSessions) ListEvents(ctx context.Context, principal, sessionID string, afterID int64, limit int) ([]model.ScanEvent, error) {
	args := m.Called(ctx, principal, sessionID, afterID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ScanEvent), args.Error(1)
}

func (m *mockSessions) AuthorizeStream(ctx context.Context, principal, sessionID string) (*model.ScanSession, error) {
	args := m.Called(ctx, principal, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScanSession), args.Error(1)
}

func (m *mockSessions) AuthorizePairingStream(ctx context.Context, principal, pairingID string) error {
	args := m.Called(ctx, principal, pairingID)
	return args.Error(0)
}

type mockIngest struct {
	mock.Mock
}

func (m *mockIngest) SubmitScan(ctx context.Context, token model.SessionToken, barcode string) (*model.ScanEvent, error) {
	args := m.Called(ctx, token, barcode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScanEvent), args.Error(1)
}

func (m *mockIngest) SubmitDamagePhoto(ctx context.Context, token model.SessionToken, proof model.PairingProof, params service.SubmitPhotoParams) (string, error) {
	args := m.Called(ctx, token, proof, params)
	return args.String(0), args.Error(1)
}

func (m *mockIngest) DeleteTempPhoto(ctx context.Context, principal, sessionID, path string) (string, error) {
	args := m.Called(ctx, principal, sessionID, path)
	return args.String(0), args.Error(1)
}

// stubLimiter allows requests until deny is set.
type stubLimiter struct {
	deny bool
}

func (l *stubLimiter) CheckLimit(ctx context.Context, scope, clientID string, limit int, window time.Duration) (bool, time.Time) {
	return !l.deny, time.Now().Add(window)
}

type testServer struct {
	pairing  *mockPairing
	sessions *mockSessions
	ingest   *mockIngest
	limiter  *stubLimiter
	broker   *sse.Broker
	jwt      *auth.JWTService
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		pairing:  &mockPairing{},
		sessions: &mockSessions{},
		ingest:   &mockIngest{},
		limiter:  &stubLimiter{},
		broker:   sse.NewBroker(nil),
		jwt:      auth.NewJWTService(testSecret, ""),
	}
	t.Cleanup(ts.broker.Close)
	ts.handler = NewRouter(RouterDeps{
		Pairing:        ts.pairing,
		Sessions:       ts.sessions,
		Ingest:         ts.ingest,
		Broker:         ts.broker,
		Verifier:       ts.jwt,
		Limiter:        ts.limiter,
		AllowedOrigins: []string{"*"},
	})
	return ts
}

func (ts *testServer) token(t *testing.T, principal string) string {
	t.Helper()
	token, err := ts.jwt.SignToken(principal, "", time.Hour)
	require.NoError(t, err)
	return token
}

// post sends body as JSON, with a bearer token when token is not empty.
func (ts *testServer) post(t *testing.T, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
