package service

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/model"
	redisclient "github.com/assettrack/scan-relay-go/internal/redis"
	"github.com/assettrack/scan-relay-go/internal/repository"
	"github.com/assettrack/scan-relay-go/internal/sse"
	"github.com/assettrack/scan-relay-go/internal/util"
)

// SessionEndedPayload is pushed when a session becomes terminal.
type SessionEndedPayload struct {
	ScanSessionID string              `json:"scan_session_id"`
	Status        model.SessionStatus `json:"status"`
}

// sessionAccess holds the lookups and capability checks shared by the
// session control and ingestion services.
type sessionAccess struct {
	sessions   repository.ScanSessionRepository
	challenges repository.PairingChallengeRepository
	publisher  sse.Publisher
	now        Clock
}

func (a *sessionAccess) load(ctx context.Context, sessionID string) (*model.ScanSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperrors.MissingRequired("scan_session_id")
	}
	if !util.IsValidUUID(sessionID) {
		return nil, apperrors.NotFound("Session")
	}

	session, err := a.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("find scan session: %w", err))
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

// loadOwned returns the session only if principal created it.
func (a *sessionAccess) loadOwned(ctx context.Context, principal, sessionID string) (*model.ScanSession, error) {
	if principal == "" {
		return nil, apperrors.Unauthorized("Unauthorized")
	}
	session, err := a.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CreatedBy != principal {
		return nil, apperrors.Forbidden("Forbidden")
	}
	return session, nil
}

// proofMatches reports whether proof names the consumed challenge that
// spawned session. The secret is compared in constant time.
func (a *sessionAccess) proofMatches(ctx context.Context, session *model.ScanSession, proof model.PairingProof) (bool, error) {
	proof.PairingID = strings.TrimSpace(proof.PairingID)
	proof.Challenge = strings.TrimSpace(proof.Challenge)
	if !proof.Complete() || proof.PairingID != session.PairingChallengeID {
		return false, nil
	}

	pc, err := a.challenges.FindByID(ctx, proof.PairingID)
	if err != nil {
		return false, apperrors.Database(fmt.Errorf("find pairing challenge: %w", err))
	}
	if pc == nil || !pc.IsConsumed() {
		return false, nil
	}
	return util.ConstantTimeEqual(pc.Challenge, proof.Challenge), nil
}

// expireIfOverdue applies lazy expiry: an active row past its deadline is
// flipped to expired before anyone acts on it.
func (a *sessionAccess) expireIfOverdue(ctx context.Context, session *model.ScanSession) (*model.ScanSession, error) {
	if !session.NeedsLazyExpiry(a.now()) {
		return session, nil
	}

	updated, err := a.sessions.MarkExpired(ctx, session.ID)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("expire scan session: %w", err))
	}
	if updated == nil {
		// The database clock disagrees or another writer got there first.
		// Report what this request observed.
		observed := *session
		observed.Status = model.SessionStatusExpired
		return &observed, nil
	}

	publish(ctx, a.publisher, redisclient.SessionChannel(updated.ID), sse.EventSessionEnded, SessionEndedPayload{
		ScanSessionID: updated.ID,
		Status:        updated.Status,
	})
	return updated, nil
}

// requireLive loads the session and rejects it unless it accepts
// submissions right now.
func (a *sessionAccess) requireLive(ctx context.Context, sessionID string) (*model.ScanSession, error) {
	session, err := a.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session, err = a.expireIfOverdue(ctx, session)
	if err != nil {
		return nil, err
	}
	if !session.IsLive(a.now()) {
		return nil, apperrors.SessionNotActive()
	}
	return session, nil
}
