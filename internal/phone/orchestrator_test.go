package phone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assettrack/scan-relay-go/internal/client"
	"github.com/assettrack/scan-relay-go/internal/clock"
	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/model"
)

var (
	epoch      = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	errNetwork = errors.New("network is unreachable")
)

const (
	sessionID = "0d6e4c1a-0000-4000-8000-000000000002"
	qrText    = `{"type":"scan_pairing","pairing_id":"p-1","challenge":"secret"}`
)

type fakeAPI struct {
	mu  sync.Mutex
	clk *clock.FakeClock

	skew       time.Duration
	ttl        time.Duration
	consumeErr error
	consumed   []client.ConsumePairingRequest
	scans      []string
	photos     []client.DamagePhoto
	status     client.SessionStatus
	statusErr  error
	proofs     []model.PairingProof
}

func newFakeAPI(clk *clock.FakeClock) *fakeAPI {
	return &fakeAPI{
		clk:    clk,
		ttl:    15 * time.Minute,
		status: client.SessionStatus{Status: model.SessionStatusActive, RemoteMode: model.RemoteModeScan},
	}
}

func (f *fakeAPI) set(fn func(*fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) ConsumePairing(_ context.Context, req client.ConsumePairingRequest) (*client.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, req)
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	serverNow := f.clk.Now().Add(f.skew)
	f.status.ExpiresAt = serverNow.Add(f.ttl)
	return &client.Session{
		ScanSessionID: sessionID,
		ExpiresAt:     serverNow.Add(f.ttl),
		Context:       model.ScanContextSearch,
		ServerNow:     serverNow,
	}, nil
}

func (f *fakeAPI) SubmitScan(_ context.Context, _ model.SessionToken, barcode string) (*client.ScanReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, barcode)
	return &client.ScanReceipt{EventID: int64(len(f.scans)), CreatedAt: f.clk.Now()}, nil
}

func (f *fakeAPI) SubmitDamagePhoto(_ context.Context, photo client.DamagePhoto) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, photo)
	return "remote-temp/" + photo.Session.String() + "/photo.jpg", nil
}

func (f *fakeAPI) SessionStatus(_ context.Context, _ string, proof model.PairingProof) (*client.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proofs = append(f.proofs, proof)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

type fixture struct {
	clk    *clock.FakeClock
	api    *fakeAPI
	orch   *Orchestrator
	states []State
	modes  []model.RemoteMode
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	f := &fixture{clk: clk, api: newFakeAPI(clk)}
	f.orch = New(Options{
		API:      f.api,
		Clock:    clk,
		DeviceID: strPtr("phone-1"),
		Callbacks: Callbacks{
			OnState:       func(s State) { f.states = append(f.states, s) },
			OnModeChanged: func(m model.RemoteMode, _ *string) { f.modes = append(f.modes, m) },
		},
	})
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) pair(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.StartPairing())
	require.NoError(t, f.orch.HandleRead(context.Background(), qrText))
	require.Equal(t, StateScanning, f.orch.State())
}

func strPtr(s string) *string { return &s }

func TestPairing(t *testing.T) {
	t.Run("pairing QR is consumed", func(t *testing.T) {
		f := newFixture(t)
		f.pair(t)

		require.Len(t, f.api.consumed, 1)
		req := f.api.consumed[0]
		assert.Equal(t, model.PairingProof{PairingID: "p-1", Challenge: "secret"}, req.PairingProof)
		require.NotNil(t, req.DeviceID)
		assert.Equal(t, "phone-1", *req.DeviceID)
		assert.Equal(t, sessionID, f.orch.SessionID())
		assert.Equal(t, []State{StatePairing, StateScanning}, f.states)
	})

	t.Run("non-pairing code is rejected", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.orch.StartPairing())

		err := f.orch.HandleRead(context.Background(), "ASSET-1")

		assert.ErrorIs(t, err, ErrNotPairingCode)
		assert.Equal(t, StatePairing, f.orch.State())
		assert.Empty(t, f.api.consumed)
	})

	t.Run("consume failure stays in pairing", func(t *testing.T) {
		f := newFixture(t)
		f.api.set(func(a *fakeAPI) {
			a.consumeErr = &client.APIError{Status: 400, Code: apperrors.ErrCodePairingInvalid, Message: "Pairing invalid, expired, or already used"}
		})
		require.NoError(t, f.orch.StartPairing())

		err := f.orch.HandleRead(context.Background(), qrText)

		assert.True(t, client.HasCode(err, apperrors.ErrCodePairingInvalid))
		assert.Equal(t, StatePairing, f.orch.State())
		assert.Empty(t, f.orch.SessionID())
	})

	t.Run("reads while idle are ignored", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.orch.HandleRead(context.Background(), qrText))
		assert.Empty(t, f.api.consumed)
		assert.Equal(t, StateIdle, f.orch.State())
	})
}

func TestScanning(t *testing.T) {
	t.Run("repeated reads inside the debounce are dropped", func(t *testing.T) {
		f := newFixture(t)
		f.pair(t)
		ctx := context.Background()

		require.NoError(t, f.orch.HandleRead(ctx, "A-1"))
		require.NoError(t, f.orch.HandleRead(ctx, " A-1 "))
		require.NoError(t, f.orch.HandleRead(ctx, "B-2"))
		f.clk.Advance(ReadDebounce)
		require.NoError(t, f.orch.HandleRead(ctx, "B-2"))

		assert.Equal(t, []string{"A-1", "B-2", "B-2"}, f.api.scans)
	})

	t.Run("the pairing QR read again does not post", func(t *testing.T) {
		f := newFixture(t)
		f.pair(t)

		require.NoError(t, f.orch.HandleRead(context.Background(), qrText))
		assert.Empty(t, f.api.scans)
	})

	t.Run("frames are refused outside damage mode", func(t *testing.T) {
		f := newFixture(t)
		f.pair(t)

		_, err := f.orch.HandleFrame(context.Background(), []byte{1}, "image/jpeg")
		assert.ErrorIs(t, err, ErrNotCapturing)
	})
}

func TestCountdown(t *testing.T) {
	t.Run("forces idle at zero despite clock skew", func(t *testing.T) {
		f := newFixture(t)
		f.api.set(func(a *fakeAPI) {
			a.skew = time.Hour
			a.ttl = 5 * time.Second
			a.statusErr = errNetwork
		})
		f.pair(t)

		assert.Equal(t, 5*time.Second, f.orch.Remaining())
		f.clk.Advance(4500 * time.Millisecond)
		assert.Equal(t, StateScanning, f.orch.State())

		f.clk.Advance(CountdownInterval)

		assert.Equal(t, StateIdle, f.orch.State())
		assert.Empty(t, f.orch.SessionID())
		assert.Zero(t, f.clk.PendingCount())
		require.NoError(t, f.orch.HandleRead(context.Background(), "LATE"))
		assert.Empty(t, f.api.scans)
	})

	t.Run("reads between ticks are refused once time is up", func(t *testing.T) {
		f := newFixture(t)
		f.api.set(func(a *fakeAPI) {
			a.ttl = 4800 * time.Millisecond
			a.statusErr = errNetwork
		})
		f.pair(t)

		f.clk.Advance(4900 * time.Millisecond)
		require.Equal(t, StateScanning, f.orch.State())
		assert.Zero(t, f.orch.Remaining())

		err := f.orch.HandleRead(context.Background(), "LATE")
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.Empty(t, f.api.scans)
	})

	t.Run("frames between ticks are refused once time is up", func(t *testing.T) {
		f := newFixture(t)
		f.api.set(func(a *fakeAPI) {
			a.ttl = 2200 * time.Millisecond
			a.status.RemoteMode = model.RemoteModeDamage
		})
		f.pair(t)

		f.clk.Advance(2300 * time.Millisecond)
		require.Equal(t, StateDamage, f.orch.State())

		_, err := f.orch.HandleFrame(context.Background(), []byte{1}, "image/jpeg")
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.Empty(t, f.api.photos)
	})
}

func TestStatusPoll(t *testing.T) {
	t.Run("follows the desktop into damage mode and back", func(t *testing.T) {
		f := newFixture(t)
		f.pair(t)
		f.api.set(func(a *fakeAPI) {
			a.status.RemoteMode = model.RemoteModeDamage
			a.status.RemoteAssetTag = strPtr("A-1")
		})

		f.clk.Advance(StatusInterval)
		assert.Equal(t, StateDamage, f.orch.State())

		path, err := f.orch.HandleFrame(context.Background(), []byte{0xff, 0xd8}, "image/jpeg")
		require.NoError(t, err)
		assert.Contains(t, path, sessionID)
		require.Len(t, f.api.photos, 1)
		photo := f.api.photos[0]
		assert.Equal(t, model.PairingProof{PairingID: "p-1", Challenge: "secret"}, photo.Proof)
		require.NotNil(t, photo.AssetTag)
		assert.Equal(t, "A-1", *photo.AssetTag)

		require.NoError(t, f.orch.HandleRead(context.Background(), "IGNORED"))
		assert.Empty(t, f.api.scans)

		f.api.set(func(a *fakeAPI) {
			a.status.RemoteMode = model.RemoteModeScan
			a.status.RemoteAssetTag = nil
		})
		f.clk.Advance(StatusInterval)

		assert.Equal(t, StateScanning, f.orch.State())
		assert.Equal(t, []model.RemoteMode{model.RemoteModeDamage, model.RemoteModeScan}, f.modes)
		for _, proof := range f.api.proofs {
			assert.Equal(t, "secret", proof.Challenge)
		}
	})

	t.Run("non-active status returns to idle", func(t *testing.T) {
		f := newFixture(t)
		f.pair(t)
		f.api.set(func(a *fakeAPI) { a.status.Status = model.SessionStatusEnded })

		f.clk.Advance(StatusInterval)

		assert.Equal(t, StateIdle, f.orch.State())
		assert.Zero(t, f.clk.PendingCount())
	})

	t.Run("poll errors are swallowed", func(t *testing.T) {
		f := newFixture(t)
		f.pair(t)
		f.api.set(func(a *fakeAPI) { a.statusErr = errNetwork })

		f.clk.Advance(5 * StatusInterval)

		assert.Equal(t, StateScanning, f.orch.State())
	})
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	f.pair(t)

	f.orch.Close()

	assert.Zero(t, f.clk.PendingCount())
	assert.ErrorIs(t, f.orch.StartPairing(), ErrClosed)
}
