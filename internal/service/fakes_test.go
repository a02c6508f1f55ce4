package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/assettrack/scan-relay-go/internal/database"
	"github.com/assettrack/scan-relay-go/internal/model"
	"github.com/assettrack/scan-relay-go/internal/repository"
	"github.com/assettrack/scan-relay-go/internal/sse"
)

// memDB is an in-memory stand-in for the three tables. Transactions are
// serialized and roll back by restoring a snapshot.
type memDB struct {
	mu         sync.Mutex
	txMu       sync.Mutex
	now        func() time.Time
	challenges map[string]model.PairingChallenge
	sessions   map[string]model.ScanSession
	events     []model.ScanEvent
	nextEvent  int64
	failEvents bool
}

func newMemDB(now func() time.Time) *memDB {
	return &memDB{
		now:        now,
		challenges: make(map[string]model.PairingChallenge),
		sessions:   make(map[string]model.ScanSession),
	}
}

func (m *memDB) WithTx(ctx context.Context, fn database.TxFunc) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	challenges := make(map[string]model.PairingChallenge, len(m.challenges))
	for k, v := range m.challenges {
		challenges[k] = v
	}
	sessions := make(map[string]model.ScanSession, len(m.sessions))
	for k, v := range m.sessions {
		sessions[k] = v
	}
	m.mu.Unlock()

	if err := fn(nil); err != nil {
		m.mu.Lock()
		m.challenges = challenges
		m.sessions = sessions
		m.mu.Unlock()
		return err
	}
	return nil
}

type memChallengeRepo struct{ db *memDB }

func (r *memChallengeRepo) FindByID(ctx context.Context, id string) (*model.PairingChallenge, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	pc, ok := r.db.challenges[id]
	if !ok {
		return nil, nil
	}
	return &pc, nil
}

func (r *memChallengeRepo) Create(ctx context.Context, p model.CreatePairingChallengeParams) (*model.PairingChallenge, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	pc := model.PairingChallenge{
		ID:         uuid.NewString(),
		Challenge:  p.Challenge,
		CreatedBy:  p.CreatedBy,
		DeviceID:   p.DeviceID,
		Context:    p.Context,
		ContextRef: p.ContextRef,
		ExpiresAt:  p.ExpiresAt,
		CreatedAt:  r.db.now(),
	}
	r.db.challenges[pc.ID] = pc
	return &pc, nil
}

func (r *memChallengeRepo) Consume(ctx context.Context, id, challenge string) (*model.PairingChallenge, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	pc, ok := r.db.challenges[id]
	if !ok || pc.Challenge != challenge || pc.ConsumedAt != nil || !pc.ExpiresAt.After(r.db.now()) {
		return nil, nil
	}
	now := r.db.now()
	pc.ConsumedAt = &now
	r.db.challenges[id] = pc
	return &pc, nil
}

func (r *memChallengeRepo) DeleteStale(ctx context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, pc := range r.db.challenges {
		if pc.ConsumedAt == nil && pc.ExpiresAt.Before(r.db.now()) {
			delete(r.db.challenges, id)
			n++
		}
	}
	return n, nil
}

func (r *memChallengeRepo) WithTx(tx *sqlx.Tx) repository.PairingChallengeRepository { return r }

type memSessionRepo struct{ db *memDB }

func (r *memSessionRepo) FindByID(ctx context.Context, id string) (*model.ScanSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *memSessionRepo) FindByPairingChallengeID(ctx context.Context, challengeID string) (*model.ScanSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, s := range r.db.sessions {
		if s.PairingChallengeID == challengeID {
			return &s, nil
		}
	}
	return nil, nil
}

func (r *memSessionRepo) Create(ctx context.Context, p model.CreateScanSessionParams) (*model.ScanSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.now()
	s := model.ScanSession{
		ID:                 uuid.NewString(),
		CreatedBy:          p.CreatedBy,
		DeviceID:           p.DeviceID,
		PairingChallengeID: p.PairingChallengeID,
		Context:            p.Context,
		ContextRef:         p.ContextRef,
		Status:             model.SessionStatusActive,
		ExpiresAt:          p.ExpiresAt,
		RemoteMode:         model.RemoteModeScan,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.db.sessions[s.ID] = s
	return &s, nil
}

func (r *memSessionRepo) MarkExpired(ctx context.Context, id string) (*model.ScanSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	now := r.db.now()
	if !ok || s.Status != model.SessionStatusActive || s.ExpiresAt.After(now) {
		return nil, nil
	}
	s.Status = model.SessionStatusExpired
	if s.EndedAt == nil {
		s.EndedAt = &now
	}
	r.db.sessions[id] = s
	return &s, nil
}

func (r *memSessionRepo) End(ctx context.Context, id string) (*model.ScanSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok {
		return nil, nil
	}
	if s.Status != model.SessionStatusExpired {
		s.Status = model.SessionStatusEnded
	}
	if s.EndedAt == nil {
		now := r.db.now()
		s.EndedAt = &now
	}
	r.db.sessions[id] = s
	return &s, nil
}

func (r *memSessionRepo) SetMode(ctx context.Context, id string, mode model.RemoteMode, assetTag *string) (*model.ScanSession, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok || !s.IsLive(r.db.now()) {
		return nil, nil
	}
	s.RemoteMode = mode
	s.RemoteAssetTag = assetTag
	r.db.sessions[id] = s
	return &s, nil
}

func (r *memSessionRepo) ExpireOverdue(ctx context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	now := r.db.now()
	for id, s := range r.db.sessions {
		if s.NeedsLazyExpiry(now) {
			s.Status = model.SessionStatusExpired
			s.EndedAt = &now
			r.db.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) FindTerminalWithPhotos(ctx context.Context, endedBefore time.Time, limit int) ([]model.ScanSession, error) {
	return nil, nil
}

func (r *memSessionRepo) WithTx(tx *sqlx.Tx) repository.ScanSessionRepository { return r }

type memEventRepo struct{ db *memDB }

func (r *memEventRepo) Create(ctx context.Context, p model.CreateScanEventParams) (*model.ScanEvent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failEvents {
		return nil, fmt.Errorf("insert failed")
	}
	r.db.nextEvent++
	e := model.ScanEvent{
		ID:            r.db.nextEvent,
		ScanSessionID: p.ScanSessionID,
		Barcode:       p.Barcode,
		Source:        p.Source,
		CreatedAt:     r.db.now(),
	}
	r.db.events = append(r.db.events, e)
	return &e, nil
}

func (r *memEventRepo) ListAfter(ctx context.Context, sessionID string, afterID int64, limit int) ([]model.ScanEvent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []model.ScanEvent{}
	for _, e := range r.db.events {
		if e.ScanSessionID == sessionID && e.ID > afterID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memEventRepo) ListBySource(ctx context.Context, sessionID string, source model.EventSource) ([]model.ScanEvent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := []model.ScanEvent{}
	for _, e := range r.db.events {
		if e.ScanSessionID == sessionID && e.Source == source {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memEventRepo) DeletePhotoEvents(ctx context.Context, sessionID, path string) (int64, error) {
	return r.deleteWhere(func(e *model.ScanEvent) bool {
		payload, ok := e.DamagePhoto()
		return e.ScanSessionID == sessionID && ok && payload.Path == path
	}), nil
}

func (r *memEventRepo) DeleteByIDs(ctx context.Context, sessionID string, ids []int64) (int64, error) {
	return r.deleteWhere(func(e *model.ScanEvent) bool {
		return e.ScanSessionID == sessionID && slices.Contains(ids, e.ID)
	}), nil
}

func (r *memEventRepo) deleteWhere(match func(*model.ScanEvent) bool) int64 {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	kept := r.db.events[:0]
	var n int64
	for _, e := range r.db.events {
		if match(&e) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.db.events = kept
	return n
}

func (r *memEventRepo) WithTx(tx *sqlx.Tx) repository.ScanEventRepository { return r }

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return fmt.Errorf("disk full")
	}
	s.objects[path] = data
	return nil
}

func (s *memStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *memStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []sse.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// fixture wires all services over one in-memory database and a
// controllable clock.
type fixture struct {
	clock     *time.Time
	db        *memDB
	store     *memStore
	publisher *recordingPublisher
	pairing   *PairingService
	sessions  *SessionService
	ingest    *IngestService
}

func newFixture() *fixture {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{clock: &now, store: newMemStore(), publisher: &recordingPublisher{}}
	clock := func() time.Time { return *f.clock }
	f.db = newMemDB(clock)

	challenges := &memChallengeRepo{db: f.db}
	sessions := &memSessionRepo{db: f.db}
	events := &memEventRepo{db: f.db}

	f.pairing = NewPairingService(f.db, challenges, sessions, f.publisher)
	f.pairing.now = clock
	f.sessions = NewSessionService(sessions, challenges, events, f.publisher)
	f.sessions.now = clock
	f.ingest = NewIngestService(sessions, challenges, events, f.store, f.publisher)
	f.ingest.now = clock
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

// pair creates and consumes a challenge for owner, returning the proof and
// session id.
func (f *fixture) pair(owner string) (model.PairingProof, string) {
	created, err := f.pairing.CreateChallenge(context.Background(), owner, CreatePairingParams{Context: "search"})
	if err != nil {
		panic(err)
	}
	proof := model.PairingProof{PairingID: created.PairingID, Challenge: created.Challenge}
	consumed, err := f.pairing.ConsumeChallenge(context.Background(), proof, ConsumePairingParams{})
	if err != nil {
		panic(err)
	}
	return proof, consumed.ScanSessionID
}
