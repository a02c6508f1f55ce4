// Package phone drives the phone side of remote scanning: it redeems the
// desktop's pairing QR and then forwards decoded barcodes or captured
// damage photos into the session.
package phone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/client"
	"github.com/assettrack/scan-relay-go/internal/clock"
	"github.com/assettrack/scan-relay-go/internal/model"
)

const (
	ReadDebounce      = 1200 * time.Millisecond
	CountdownInterval = 500 * time.Millisecond
	StatusInterval    = 2 * time.Second
	// FrameInterval is how often callers should feed camera frames to the
	// decoder.
	FrameInterval = 220 * time.Millisecond
)

var (
	ErrClosed         = errors.New("phone: orchestrator closed")
	ErrNotPairingCode = errors.New("phone: not a valid pairing QR")
	ErrNotCapturing   = errors.New("phone: not in damage capture mode")
	ErrSessionExpired = errors.New("phone: session time is up")
)

type State string

const (
	StateIdle     State = "idle"
	StatePairing  State = "pairing"
	StateScanning State = "scanning"
	StateDamage   State = "damage"
)

// API is the part of the relay client the phone calls. It never needs the
// desktop's bearer token. *client.Client satisfies it.
type API interface {
	ConsumePairing(ctx context.Context, req client.ConsumePairingRequest) (*client.Session, error)
	SubmitScan(ctx context.Context, token model.SessionToken, barcode string) (*client.ScanReceipt, error)
	SubmitDamagePhoto(ctx context.Context, photo client.DamagePhoto) (string, error)
	SessionStatus(ctx context.Context, sessionID string, proof model.PairingProof) (*client.SessionStatus, error)
}

var _ API = (*client.Client)(nil)

type Callbacks struct {
	OnState       func(State)
	OnPaired      func(session client.Session)
	OnScanned     func(barcode string, receipt client.ScanReceipt)
	OnPhoto       func(path string)
	OnCountdown   func(remaining time.Duration)
	OnModeChanged func(mode model.RemoteMode, assetTag *string)
}

type Options struct {
	API      API
	Clock    clock.Clock
	DeviceID *string
	// SessionTTLSeconds is requested on consume; zero leaves the server
	// default.
	SessionTTLSeconds int
	Callbacks         Callbacks
}

type Orchestrator struct {
	api        API
	clock      clock.Clock
	deviceID   *string
	sessionTTL int
	cb         Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	gen        uint64
	closed     bool
	state      State
	timers     map[string]*clock.Timer
	lastRead   string
	lastReadAt time.Time
	session    *session
}

type session struct {
	id        string
	proof     model.PairingProof
	expiresAt time.Time
	// skew is server time minus local time at consume.
	skew     time.Duration
	assetTag *string
}

func New(opts Options) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		api:        opts.API,
		clock:      clk,
		deviceID:   opts.DeviceID,
		sessionTTL: opts.SessionTTLSeconds,
		cb:         opts.Callbacks,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		timers:     make(map[string]*clock.Timer),
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID returns the paired session, or "" when idle.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ""
	}
	return o.session.id
}

// StartPairing drops any current session and waits for a pairing QR.
func (o *Orchestrator) StartPairing() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.resetLocked()
	o.lastRead = ""
	notify := o.setStateLocked(StatePairing)
	o.mu.Unlock()
	notify()
	return nil
}

// Stop returns to idle without touching the server.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.resetLocked()
	notify := o.setStateLocked(StateIdle)
	o.mu.Unlock()
	notify()
}

// HandleRead processes text decoded from the camera. Repeats of the same
// text within ReadDebounce are ignored. While pairing the text must be a
// pairing QR; while scanning it is posted as a barcode. Other states ignore
// reads.
func (o *Orchestrator) HandleRead(ctx context.Context, raw string) error {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}

	o.mu.Lock()
	now := o.clock.Now()
	if text == o.lastRead && now.Sub(o.lastReadAt) < ReadDebounce {
		o.mu.Unlock()
		return nil
	}
	if o.state == StateScanning && o.remainingLocked() <= 0 {
		o.mu.Unlock()
		return ErrSessionExpired
	}
	o.lastRead, o.lastReadAt = text, now
	state, gen := o.state, o.gen
	var token model.SessionToken
	if o.session != nil {
		token = model.SessionToken(o.session.id)
	}
	o.mu.Unlock()

	switch state {
	case StatePairing:
		return o.consume(ctx, gen, text)
	case StateScanning:
		receipt, err := o.api.SubmitScan(ctx, token, text)
		if err != nil {
			return fmt.Errorf("submit scan: %w", err)
		}
		if o.cb.OnScanned != nil {
			o.cb.OnScanned(text, *receipt)
		}
	}
	return nil
}

func (o *Orchestrator) consume(ctx context.Context, gen uint64, text string) error {
	proof, ok := ParsePairPayload(text)
	if !ok {
		return ErrNotPairingCode
	}

	sess, err := o.api.ConsumePairing(ctx, client.ConsumePairingRequest{
		PairingProof:      proof,
		DeviceID:          o.deviceID,
		SessionTTLSeconds: o.sessionTTL,
	})
	if err != nil {
		return fmt.Errorf("consume pairing: %w", err)
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return ErrClosed
	}
	skew := time.Duration(0)
	if !sess.ServerNow.IsZero() {
		skew = sess.ServerNow.Sub(o.clock.Now())
	}
	o.session = &session{
		id:        sess.ScanSessionID,
		proof:     proof,
		expiresAt: sess.ExpiresAt,
		skew:      skew,
	}
	notify := o.setStateLocked(StateScanning)
	o.startLoopLocked("countdown", CountdownInterval, o.tickCountdown)
	o.startLoopLocked("status", StatusInterval, o.pollStatus)
	remaining := o.remainingLocked()
	o.mu.Unlock()

	log.Info().
		Str("scanSessionId", sess.ScanSessionID).
		Str("context", string(sess.Context)).
		Dur("skew", skew).
		Msg("phone paired")

	notify()
	if o.cb.OnPaired != nil {
		o.cb.OnPaired(*sess)
	}
	if o.cb.OnCountdown != nil {
		o.cb.OnCountdown(remaining)
	}
	return nil
}

// HandleFrame uploads a captured frame as a damage photo for the asset tag
// the desktop announced.
func (o *Orchestrator) HandleFrame(ctx context.Context, image []byte, mimeType string) (string, error) {
	o.mu.Lock()
	if o.state != StateDamage || o.session == nil {
		o.mu.Unlock()
		return "", ErrNotCapturing
	}
	if o.remainingLocked() <= 0 {
		o.mu.Unlock()
		return "", ErrSessionExpired
	}
	photo := client.DamagePhoto{
		Session:  model.SessionToken(o.session.id),
		Proof:    o.session.proof,
		AssetTag: o.session.assetTag,
		Image:    image,
		MimeType: mimeType,
	}
	o.mu.Unlock()

	path, err := o.api.SubmitDamagePhoto(ctx, photo)
	if err != nil {
		return "", fmt.Errorf("submit damage photo: %w", err)
	}
	if o.cb.OnPhoto != nil {
		o.cb.OnPhoto(path)
	}
	return path, nil
}

// Remaining returns the session time left, corrected for server skew.
func (o *Orchestrator) Remaining() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remainingLocked()
}

func (o *Orchestrator) remainingLocked() time.Duration {
	if o.session == nil {
		return 0
	}
	serverNow := o.clock.Now().Add(o.session.skew)
	return max(o.session.expiresAt.Sub(serverNow), 0)
}

func (o *Orchestrator) tickCountdown(_ context.Context, gen uint64) bool {
	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return false
	}
	remaining := o.remainingLocked()
	var notify func()
	if remaining <= 0 {
		log.Info().Str("scanSessionId", o.session.id).Msg("session expired on phone")
		o.resetLocked()
		notify = o.setStateLocked(StateIdle)
	}
	o.mu.Unlock()

	if o.cb.OnCountdown != nil {
		o.cb.OnCountdown(remaining)
	}
	if notify != nil {
		notify()
		return false
	}
	return true
}

func (o *Orchestrator) pollStatus(ctx context.Context, gen uint64) bool {
	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return false
	}
	id, proof := o.session.id, o.session.proof
	o.mu.Unlock()

	status, err := o.api.SessionStatus(ctx, id, proof)
	if err != nil {
		log.Debug().Err(err).Str("scanSessionId", id).Msg("status poll failed")
		return true
	}

	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return false
	}
	if status.Status != model.SessionStatusActive {
		log.Info().Str("scanSessionId", id).Str("status", string(status.Status)).Msg("session no longer active")
		o.resetLocked()
		notify := o.setStateLocked(StateIdle)
		o.mu.Unlock()
		notify()
		return false
	}

	o.session.expiresAt = status.ExpiresAt
	target := StateScanning
	if status.RemoteMode == model.RemoteModeDamage {
		target = StateDamage
	}
	changed := o.state != target || !sameTag(o.session.assetTag, status.RemoteAssetTag)
	o.session.assetTag = status.RemoteAssetTag
	notify := o.setStateLocked(target)
	o.mu.Unlock()

	notify()
	if changed && o.cb.OnModeChanged != nil {
		o.cb.OnModeChanged(status.RemoteMode, status.RemoteAssetTag)
	}
	return true
}

// Close stops all timers. The orchestrator cannot be reused.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.resetLocked()
	o.mu.Unlock()
	o.cancel()
}

func (o *Orchestrator) resetLocked() {
	o.gen++
	for name, t := range o.timers {
		t.Stop()
		delete(o.timers, name)
	}
	o.session = nil
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

func sameTag(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
