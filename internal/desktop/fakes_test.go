package desktop

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/assettrack/scan-relay-go/internal/client"
	"github.com/assettrack/scan-relay-go/internal/clock"
	"github.com/assettrack/scan-relay-go/internal/model"
)

var (
	epoch      = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	errNetwork = errors.New("connection refused")
)

const testSessionID = "6f1c2b9e-0000-4000-8000-000000000001"

type modeCall struct {
	mode model.RemoteMode
	tag  *string
}

// fakeAPI is an in-memory relay.
type fakeAPI struct {
	mu  sync.Mutex
	clk *clock.FakeClock

	createErr   error
	pairingErr  error
	paired      bool
	sessionTTL  time.Duration
	status      model.SessionStatus
	statusErr   error
	events      []model.ScanEvent
	modeFails   int
	modeCalls   []modeCall
	deleteFails map[string]bool
	deleted     []string
	endErr      error
	ended       []string
	calls       map[string]int
}

func newFakeAPI(clk *clock.FakeClock) *fakeAPI {
	return &fakeAPI{
		clk:         clk,
		sessionTTL:  15 * time.Minute,
		status:      model.SessionStatusActive,
		deleteFails: make(map[string]bool),
		calls:       make(map[string]int),
	}
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) set(fn func(*fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) CreatePairing(_ context.Context, req client.CreatePairingRequest) (*client.Pairing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &client.Pairing{
		PairingID: "p-1",
		Challenge: "secret",
		ExpiresAt: f.clk.Now().Add(45 * time.Second),
		Context:   req.Context,
		QRPayload: model.NewQRPayload(model.PairingProof{PairingID: "p-1", Challenge: "secret"}),
	}, nil
}

func (f *fakeAPI) PairingSession(_ context.Context, pairingID string) (*client.PairingStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["pairing"]++
	if f.pairingErr != nil {
		return nil, f.pairingErr
	}
	if !f.paired {
		return &client.PairingStatus{}, nil
	}
	expires := f.clk.Now().Add(f.sessionTTL)
	return &client.PairingStatus{
		Paired:        true,
		ScanSessionID: testSessionID,
		Status:        f.status,
		ExpiresAt:     &expires,
	}, nil
}

func (f *fakeAPI) SessionStatus(_ context.Context, sessionID string, _ model.PairingProof) (*client.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["status"]++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &client.SessionStatus{
		Status:     f.status,
		ExpiresAt:  f.clk.Now().Add(f.sessionTTL),
		RemoteMode: model.RemoteModeScan,
	}, nil
}

func (f *fakeAPI) SetSessionMode(_ context.Context, _ string, mode model.RemoteMode, tag *string) (*client.ModeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["mode"]++
	f.modeCalls = append(f.modeCalls, modeCall{mode: mode, tag: tag})
	if f.modeFails > 0 {
		f.modeFails--
		return nil, errNetwork
	}
	return &client.ModeResult{Mode: mode, AssetTag: tag}, nil
}

func (f *fakeAPI) EndSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["end"]++
	if f.endErr != nil {
		return f.endErr
	}
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeAPI) DeleteTempPhoto(_ context.Context, _ string, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	if f.deleteFails[path] {
		return errNetwork
	}
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeAPI) ScanEvents(_ context.Context, _ string, afterID int64, limit int) ([]model.ScanEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["events"]++
	var out []model.ScanEvent
	for _, ev := range f.events {
		if ev.ID > afterID && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

// recorder captures callbacks.
type recorder struct {
	mu        sync.Mutex
	states    []State
	qrs       []QRCode
	paired    []string
	barcodes  []string
	photos    [][2]string
	pending   []int
	modes     []model.RemoteMode
	countdown []time.Duration
	errs      []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnState: func(s State) { r.lock(func() { r.states = append(r.states, s) }) },
		OnQR:    func(q QRCode) { r.lock(func() { r.qrs = append(r.qrs, q) }) },
		OnPaired: func(id string, _ time.Time) {
			r.lock(func() { r.paired = append(r.paired, id) })
		},
		OnBarcode: func(ev model.ScanEvent) {
			r.lock(func() { r.barcodes = append(r.barcodes, ev.Barcode) })
		},
		OnDamagePhoto: func(tag, path string) {
			r.lock(func() { r.photos = append(r.photos, [2]string{tag, path}) })
		},
		OnPendingPhotos: func(n int) { r.lock(func() { r.pending = append(r.pending, n) }) },
		OnModeChanged: func(m model.RemoteMode, _ *string) {
			r.lock(func() { r.modes = append(r.modes, m) })
		},
		OnCountdown: func(d time.Duration) { r.lock(func() { r.countdown = append(r.countdown, d) }) },
		OnError:     func(err error) { r.lock(func() { r.errs = append(r.errs, err) }) },
	}
}

func (r *recorder) lock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

func (r *recorder) barcodeList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.barcodes...)
}

type fixture struct {
	t         *testing.T
	clk       *clock.FakeClock
	api       *fakeAPI
	rec       *recorder
	orch      *Orchestrator
	statePath string
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	f := &fixture{
		t:         t,
		clk:       clk,
		api:       newFakeAPI(clk),
		rec:       &recorder{},
		statePath: filepath.Join(t.TempDir(), "desktop", "session.yaml"),
	}
	f.orch = f.newOrchestrator(opts...)
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) newOrchestrator(opts ...func(*Options)) *Orchestrator {
	o := Options{
		API:       f.api,
		Clock:     f.clk,
		StatePath: f.statePath,
		Pairing:   client.CreatePairingRequest{Context: model.ScanContextSearch},
		Callbacks: f.rec.callbacks(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return New(o)
}

// pair runs Pair and lets the phone redeem the code on the first poll.
func (f *fixture) pair() {
	f.t.Helper()
	_, err := f.orch.Pair(context.Background())
	require.NoError(f.t, err)
	f.api.set(func(a *fakeAPI) { a.paired = true })
	f.clk.Advance(PairingPollInterval)
	require.Equal(f.t, StatePaired, f.orch.State())
}

func scanEvent(id int64, barcode string) model.ScanEvent {
	return model.ScanEvent{
		ID:            id,
		ScanSessionID: testSessionID,
		Barcode:       barcode,
		Source:        model.EventSourceRemotePhone,
		CreatedAt:     epoch,
	}
}

// scanEventAt is a read made offset after epoch.
func scanEventAt(id int64, barcode string, offset time.Duration) model.ScanEvent {
	ev := scanEvent(id, barcode)
	ev.CreatedAt = epoch.Add(offset)
	return ev
}

func photoEvent(id int64, path string, tag *string) model.ScanEvent {
	return model.ScanEvent{
		ID:            id,
		ScanSessionID: testSessionID,
		Barcode:       model.EncodeDamagePhoto(path, tag),
		Source:        model.EventSourceRemoteDamagePhoto,
		CreatedAt:     epoch,
	}
}

// fakeStreamer hands pushed events to the orchestrator until closed.
type fakeStreamer struct {
	started chan string
	events  chan client.StreamEvent
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		started: make(chan string, 4),
		events:  make(chan client.StreamEvent),
	}
}

func (s *fakeStreamer) StreamSession(ctx context.Context, sessionID string, fn func(client.StreamEvent)) error {
	s.started <- sessionID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			fn(ev)
		}
	}
}

func strPtr(s string) *string { return &s }
