// Package desktop drives the desktop side of remote scanning: it issues the
// pairing QR, waits for the phone, and turns the session's event log into
// barcode and damage-photo callbacks.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/client"
	"github.com/assettrack/scan-relay-go/internal/clock"
	"github.com/assettrack/scan-relay-go/internal/model"
)

const (
	PairingPollInterval  = 1200 * time.Millisecond
	LivenessInterval     = 2 * time.Second
	LivenessFailureLimit = 3
	EventPollInterval    = 2 * time.Second
	EventPollLimit       = 200
	CountdownInterval    = time.Second
	StreamRetryDelay     = 5 * time.Second

	RecentEventWindow = 200
	BarcodeDebounce   = 1500 * time.Millisecond

	PendingPhotoTTL      = 10 * time.Minute
	PendingPurgeInterval = 30 * time.Second
	ModeDebounce         = 90 * time.Millisecond
)

var (
	ErrClosed    = errors.New("desktop: orchestrator closed")
	ErrNoSession = errors.New("desktop: no active session")
)

type State string

const (
	StateIdle          State = "idle"
	StateGenerating    State = "generating"
	StateAwaitingPhone State = "awaiting-phone"
	StatePaired        State = "paired"
	StateScanning      State = "scanning"
	StateDamage        State = "damage"
	StateEnded         State = "ended"
	StateExpired       State = "expired"
)

// API is the part of the relay client the orchestrator calls.
// *client.Client satisfies it.
type API interface {
	CreatePairing(ctx context.Context, req client.CreatePairingRequest) (*client.Pairing, error)
	PairingSession(ctx context.Context, pairingID string) (*client.PairingStatus, error)
	SessionStatus(ctx context.Context, sessionID string, proof model.PairingProof) (*client.SessionStatus, error)
	SetSessionMode(ctx context.Context, sessionID string, mode model.RemoteMode, assetTag *string) (*client.ModeResult, error)
	EndSession(ctx context.Context, sessionID string) error
	DeleteTempPhoto(ctx context.Context, sessionID, path string) error
	ScanEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]model.ScanEvent, error)
}

// Streamer opens the push channel for a session.
type Streamer interface {
	StreamSession(ctx context.Context, sessionID string, fn func(client.StreamEvent)) error
}

var (
	_ API      = (*client.Client)(nil)
	_ Streamer = (*client.Client)(nil)
)

// Callbacks are invoked without the orchestrator lock held. Nil entries are
// skipped.
type Callbacks struct {
	OnState         func(State)
	OnQR            func(QRCode)
	OnPaired        func(sessionID string, expiresAt time.Time)
	OnBarcode       func(event model.ScanEvent)
	OnDamagePhoto   func(assetTag, path string)
	OnPendingPhotos func(count int)
	OnModeChanged   func(mode model.RemoteMode, assetTag *string)
	OnCountdown     func(remaining time.Duration)
	OnError         func(err error)
}

type Options struct {
	API API
	// Stream enables the push channel. Polling alone is sufficient.
	Stream Streamer
	Clock  clock.Clock
	// StatePath is the YAML file that keeps the pairing across restarts.
	// Empty disables persistence.
	StatePath string
	Pairing   client.CreatePairingRequest
	Callbacks Callbacks
}

// Orchestrator owns every timer and subscription of one desktop scanning
// session. All of them are released by Close.
type Orchestrator struct {
	api    API
	stream Streamer
	clock  clock.Clock
	store  *stateStore
	cb     Callbacks
	req    client.CreatePairingRequest

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	gen          uint64
	closed       bool
	state        State
	timers       map[string]*clock.Timer
	streamCancel context.CancelFunc
	pairing      *client.Pairing
	session      *session
}

type session struct {
	id        string
	expiresAt time.Time
	events    *EventLog
	failures  int

	lastBarcode   string
	lastBarcodeAt time.Time

	mode     model.RemoteMode
	assetTag *string

	// Desired mode awaiting server confirmation.
	wantMode model.RemoteMode
	wantTag  *string

	drawerTag string
	drawer    bool
	pending   []PendingPhoto
}

func New(opts Options) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		api:    opts.API,
		stream: opts.Stream,
		clock:  clk,
		cb:     opts.Callbacks,
		req:    opts.Pairing,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		timers: make(map[string]*clock.Timer),
	}
	if opts.StatePath != "" {
		o.store = &stateStore{path: opts.StatePath}
	}
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID returns the paired session, or "" when there is none.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ""
	}
	return o.session.id
}

// RemoteMode returns the last mode confirmed by the server.
func (o *Orchestrator) RemoteMode() (model.RemoteMode, *string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return model.RemoteModeScan, nil
	}
	return o.session.mode, o.session.assetTag
}

// Remaining returns the time left before the session expires.
func (o *Orchestrator) Remaining() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return 0
	}
	return max(o.session.expiresAt.Sub(o.clock.Now()), 0)
}

// Pair discards any current session, issues a new pairing challenge and
// starts waiting for the phone. On error the orchestrator is back to idle.
func (o *Orchestrator) Pair(ctx context.Context) (*QRCode, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.resetLocked()
	if o.store != nil {
		o.store.clear()
	}
	gen := o.gen
	notify := o.setStateLocked(StateGenerating)
	o.mu.Unlock()
	notify()

	pairing, err := o.api.CreatePairing(ctx, o.req)
	if err == nil {
		var qr *QRCode
		qr, err = renderQR(pairing)
		if err == nil {
			return o.awaitPhone(gen, pairing, qr)
		}
	}

	o.mu.Lock()
	if o.gen == gen {
		notify = o.setStateLocked(StateIdle)
	}
	o.mu.Unlock()
	notify()
	return nil, fmt.Errorf("create pairing: %w", err)
}

func (o *Orchestrator) awaitPhone(gen uint64, pairing *client.Pairing, qr *QRCode) (*QRCode, error) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.pairing = pairing
	notify := o.setStateLocked(StateAwaitingPhone)
	o.startLoopLocked("pairing", PairingPollInterval, o.pollPairing)
	o.mu.Unlock()

	log.Info().
		Str("pairingId", pairing.PairingID).
		Time("expiresAt", pairing.ExpiresAt).
		Msg("pairing challenge issued")

	notify()
	if o.cb.OnQR != nil {
		o.cb.OnQR(*qr)
	}
	return qr, nil
}

func (o *Orchestrator) pollPairing(ctx context.Context, gen uint64) bool {
	o.mu.Lock()
	pairing := o.pairing
	o.mu.Unlock()
	if pairing == nil {
		return false
	}

	status, err := o.api.PairingSession(ctx, pairing.PairingID)
	if err != nil {
		log.Debug().Err(err).Str("pairingId", pairing.PairingID).Msg("pairing poll failed")
		return true
	}

	if !status.Paired || status.ScanSessionID == "" {
		if !o.clock.Now().Before(pairing.ExpiresAt) {
			o.mu.Lock()
			var notify func()
			if o.gen == gen {
				o.pairing = nil
				notify = o.setStateLocked(StateExpired)
			}
			o.mu.Unlock()
			if notify != nil {
				notify()
			}
			return false
		}
		return true
	}

	if status.Status != model.SessionStatusActive {
		log.Info().
			Str("pairingId", pairing.PairingID).
			Str("scanSessionId", status.ScanSessionID).
			Str("status", string(status.Status)).
			Msg("paired session is not active")
		target := StateEnded
		if status.Status == model.SessionStatusExpired {
			target = StateExpired
		}
		o.mu.Lock()
		var notify func()
		if o.gen == gen {
			o.pairing = nil
			notify = o.setStateLocked(target)
		}
		o.mu.Unlock()
		if notify != nil {
			notify()
		}
		return false
	}

	expiresAt := pairing.ExpiresAt
	if status.ExpiresAt != nil {
		expiresAt = *status.ExpiresAt
	}
	o.attach(gen, status.ScanSessionID, expiresAt, 0)
	return false
}

// Restore resumes the session saved in the state file. It reports false,
// and removes the file, when there is nothing to resume.
func (o *Orchestrator) Restore(ctx context.Context) (bool, error) {
	if o.store == nil {
		return false, nil
	}
	saved, err := o.store.load()
	if err != nil {
		return false, err
	}
	if saved == nil {
		return false, nil
	}
	if !o.clock.Now().Before(saved.ExpiresAt) {
		o.store.clear()
		return false, nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, ErrClosed
	}
	o.resetLocked()
	gen := o.gen
	o.mu.Unlock()

	status, err := o.api.SessionStatus(ctx, saved.ScanSessionID, model.PairingProof{})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			o.store.clear()
			return false, nil
		}
		return false, fmt.Errorf("restore session: %w", err)
	}
	if status.Status != model.SessionStatusActive {
		o.store.clear()
		return false, nil
	}

	o.attach(gen, saved.ScanSessionID, status.ExpiresAt, saved.LastEventID)

	o.mu.Lock()
	var notify func()
	if o.gen == gen && o.session != nil {
		notify = o.confirmModeLocked(status.RemoteMode, status.RemoteAssetTag)
	}
	o.mu.Unlock()
	if notify != nil {
		notify()
	}
	return true, nil
}

// attach binds the orchestrator to a live session and starts its loops.
func (o *Orchestrator) attach(gen uint64, sessionID string, expiresAt time.Time, afterID int64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.stopTimersLocked()
	o.pairing = nil
	o.session = &session{
		id:        sessionID,
		expiresAt: expiresAt,
		events:    NewEventLog(RecentEventWindow, afterID),
		mode:      model.RemoteModeScan,
		wantMode:  model.RemoteModeScan,
	}
	o.saveLocked()
	notify := o.setStateLocked(StatePaired)

	o.startLoopLocked("liveness", LivenessInterval, o.checkLiveness)
	o.startLoopLocked("events", EventPollInterval, o.pollEvents)
	o.startLoopLocked("countdown", CountdownInterval, o.tickCountdown)
	o.startLoopLocked("purge", PendingPurgeInterval, o.purgePending)
	o.startStreamLocked()
	o.mu.Unlock()

	log.Info().
		Str("scanSessionId", sessionID).
		Time("expiresAt", expiresAt).
		Msg("scan session attached")

	notify()
	if o.cb.OnPaired != nil {
		o.cb.OnPaired(sessionID, expiresAt)
	}
}

func (o *Orchestrator) checkLiveness(ctx context.Context, gen uint64) bool {
	id, ok := o.sessionFor(gen)
	if !ok {
		return false
	}

	status, err := o.api.SessionStatus(ctx, id, model.PairingProof{})

	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return false
	}
	if err != nil {
		o.session.failures++
		failures := o.session.failures
		var notify func()
		if failures >= LivenessFailureLimit {
			notify = o.detachLocked(StateIdle)
		}
		o.mu.Unlock()

		log.Debug().Err(err).Str("scanSessionId", id).Int("failures", failures).Msg("liveness check failed")
		if notify != nil {
			log.Warn().Str("scanSessionId", id).Msg("session unreachable, clearing local state")
			notify()
			return false
		}
		return true
	}

	o.session.failures = 0
	if status.Status != model.SessionStatusActive {
		final := StateEnded
		if status.Status == model.SessionStatusExpired {
			final = StateExpired
		}
		notify := o.detachLocked(final)
		o.mu.Unlock()
		notify()
		return false
	}
	o.session.expiresAt = status.ExpiresAt
	o.mu.Unlock()
	return true
}

func (o *Orchestrator) tickCountdown(_ context.Context, gen uint64) bool {
	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return false
	}
	remaining := o.session.expiresAt.Sub(o.clock.Now())
	if remaining <= 0 {
		notify := o.detachLocked(StateExpired)
		o.mu.Unlock()
		if o.cb.OnCountdown != nil {
			o.cb.OnCountdown(0)
		}
		notify()
		return false
	}
	o.mu.Unlock()

	if o.cb.OnCountdown != nil {
		o.cb.OnCountdown(remaining)
	}
	return true
}

// End ends the session on the server. The local session is only cleared
// once the server has accepted the request.
func (o *Orchestrator) End(ctx context.Context) error {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	id, gen := o.session.id, o.gen
	o.mu.Unlock()

	if err := o.api.EndSession(ctx, id); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	o.mu.Lock()
	var notify func()
	if o.gen == gen {
		notify = o.detachLocked(StateEnded)
	}
	o.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// Close stops every timer and the push subscription. The state file is
// kept so the session can be restored later.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.gen++
	o.stopTimersLocked()
	o.mu.Unlock()
	o.cancel()
}

// sessionFor returns the current session id if gen is still current.
func (o *Orchestrator) sessionFor(gen uint64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.session == nil {
		return "", false
	}
	return o.session.id, true
}

// resetLocked abandons the current pairing or session without touching
// the server.
func (o *Orchestrator) resetLocked() {
	o.gen++
	o.stopTimersLocked()
	o.pairing = nil
	o.session = nil
}

// detachLocked drops the session, forgets the saved state and moves to
// final. Outstanding callbacks of the old generation become no-ops.
func (o *Orchestrator) detachLocked(final State) func() {
	id := ""
	if o.session != nil {
		id = o.session.id
	}
	o.resetLocked()
	if o.store != nil {
		o.store.clear()
	}
	log.Info().Str("scanSessionId", id).Str("state", string(final)).Msg("scan session detached")
	return o.setStateLocked(final)
}

func (o *Orchestrator) setStateLocked(s State) func() {
	if o.state == s {
		return func() {}
	}
	o.state = s
	return func() {
		if o.cb.OnState != nil {
			o.cb.OnState(s)
		}
	}
}

// startLoopLocked runs fn every interval for the current generation until
// fn returns false.
func (o *Orchestrator) startLoopLocked(name string, interval time.Duration, fn func(ctx context.Context, gen uint64) bool) {
	gen := o.gen
	var tick func()
	tick = func() {
		o.mu.Lock()
		live := o.gen == gen
		o.mu.Unlock()
		if !live || !fn(o.ctx, gen) {
			return
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		if o.gen == gen {
			o.timers[name] = o.clock.AfterFunc(interval, tick)
		}
	}
	o.timers[name] = o.clock.AfterFunc(interval, tick)
}

func (o *Orchestrator) stopTimersLocked() {
	for name, t := range o.timers {
		t.Stop()
		delete(o.timers, name)
	}
	if o.streamCancel != nil {
		o.streamCancel()
		o.streamCancel = nil
	}
}

func (o *Orchestrator) reportError(err error) {
	if o.cb.OnError != nil {
		o.cb.OnError(err)
	}
}
