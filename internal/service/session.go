package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/config"
	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/model"
	redisclient "github.com/assettrack/scan-relay-go/internal/redis"
	"github.com/assettrack/scan-relay-go/internal/repository"
	"github.com/assettrack/scan-relay-go/internal/sse"
	"github.com/assettrack/scan-relay-go/internal/util"
)

const (
	DefaultEventPageSize = 50
	MaxEventPageSize     = 200
)

type SessionStatusResult struct {
	Status         model.SessionStatus
	ExpiresAt      time.Time
	EndedAt        *time.Time
	RemoteMode     model.RemoteMode
	RemoteAssetTag *string
}

type SetModeResult struct {
	Mode     model.RemoteMode
	AssetTag *string
}

// ModeChangedPayload is pushed when the desktop switches the phone's mode.
type ModeChangedPayload struct {
	ScanSessionID string           `json:"scan_session_id"`
	Mode          model.RemoteMode `json:"mode"`
	AssetTag      *string          `json:"asset_tag"`
}

type SessionService struct {
	sessionAccess
	events repository.ScanEventRepository
}

func NewSessionService(
	sessions repository.ScanSessionRepository,
	challenges repository.PairingChallengeRepository,
	events repository.ScanEventRepository,
	publisher sse.Publisher,
) *SessionService {
	return &SessionService{
		sessionAccess: sessionAccess{
			sessions:   sessions,
			challenges: challenges,
			publisher:  publisher,
			now:        time.Now,
		},
		events: events,
	}
}

// EndSession terminates a session on the owner's request. Ending twice is
// a no-op success; an expired session stays expired.
func (s *SessionService) EndSession(ctx context.Context, principal, sessionID string) (*model.ScanSession, error) {
	session, err := s.loadOwned(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}

	ended, err := s.sessions.End(ctx, session.ID)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("end scan session: %w", err))
	}
	if ended == nil {
		return nil, apperrors.NotFound("Session")
	}

	log.Info().
		Str("scanSessionId", ended.ID).
		Str("status", string(ended.Status)).
		Msg("scan session ended")

	publish(ctx, s.publisher, redisclient.SessionChannel(ended.ID), sse.EventSessionEnded, SessionEndedPayload{
		ScanSessionID: ended.ID,
		Status:        ended.Status,
	})

	return ended, nil
}

// GetStatus reports liveness and remote mode to either the owner or the
// phone holding the pairing proof.
func (s *SessionService) GetStatus(ctx context.Context, principal string, proof model.PairingProof, sessionID string) (*SessionStatusResult, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	allowed := principal != "" && session.CreatedBy == principal
	if !allowed {
		allowed, err = s.proofMatches(ctx, session, proof)
		if err != nil {
			return nil, err
		}
	}
	if !allowed {
		return nil, apperrors.Unauthorized("Unauthorized")
	}

	session, err = s.expireIfOverdue(ctx, session)
	if err != nil {
		return nil, err
	}

	return &SessionStatusResult{
		Status:         session.Status,
		ExpiresAt:      session.ExpiresAt,
		EndedAt:        session.EndedAt,
		RemoteMode:     session.Mode(),
		RemoteAssetTag: session.RemoteAssetTag,
	}, nil
}

// SetMode switches the phone between plain scanning and damage capture
// for a specific asset.
func (s *SessionService) SetMode(ctx context.Context, principal, sessionID, mode string, assetTag *string) (*SetModeResult, error) {
	remoteMode, ok := model.ParseRemoteMode(strings.TrimSpace(mode))
	if !ok {
		return nil, apperrors.ValidationError("mode must be scan or damage")
	}

	var tag *string
	if remoteMode == model.RemoteModeDamage {
		if assetTag != nil {
			trimmed := strings.TrimSpace(*assetTag)
			if trimmed != "" {
				tag = &trimmed
			}
		}
		if tag == nil {
			return nil, apperrors.ValidationError("asset_tag is required for damage mode")
		}
		if util.RuneLen(*tag) > config.MaxBarcodeLength {
			return nil, apperrors.ValidationError(fmt.Sprintf("asset_tag exceeds %d characters", config.MaxBarcodeLength))
		}
	}

	session, err := s.loadOwned(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsLive(s.now()) {
		return nil, apperrors.SessionNotActive()
	}

	updated, err := s.sessions.SetMode(ctx, session.ID, remoteMode, tag)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("set remote mode: %w", err))
	}
	if updated == nil {
		return nil, apperrors.SessionNotActive()
	}

	log.Info().
		Str("scanSessionId", updated.ID).
		Str("mode", string(updated.RemoteMode)).
		Msg("remote mode changed")

	publish(ctx, s.publisher, redisclient.SessionChannel(updated.ID), sse.EventModeChanged, ModeChangedPayload{
		ScanSessionID: updated.ID,
		Mode:          updated.RemoteMode,
		AssetTag:      updated.RemoteAssetTag,
	})

	return &SetModeResult{Mode: updated.RemoteMode, AssetTag: updated.RemoteAssetTag}, nil
}

// ListEvents is the owner's poll fallback for the push stream.
func (s *SessionService) ListEvents(ctx context.Context, principal, sessionID string, afterID int64, limit int) ([]model.ScanEvent, error) {
	session, err := s.loadOwned(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	if afterID < 0 {
		afterID = 0
	}
	if limit <= 0 {
		limit = DefaultEventPageSize
	}
	if limit > MaxEventPageSize {
		limit = MaxEventPageSize
	}

	events, err := s.events.ListAfter(ctx, session.ID, afterID, limit)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("list scan events: %w", err))
	}
	return events, nil
}

// AuthorizeStream checks that principal may subscribe to the session's
// push stream.
func (s *SessionService) AuthorizeStream(ctx context.Context, principal, sessionID string) (*model.ScanSession, error) {
	return s.loadOwned(ctx, principal, sessionID)
}

// AuthorizePairingStream checks that principal created the pairing
// challenge before it may wait on the pairing channel.
func (s *SessionService) AuthorizePairingStream(ctx context.Context, principal, pairingID string) error {
	if principal == "" {
		return apperrors.Unauthorized("Unauthorized")
	}
	if !util.IsValidUUID(pairingID) {
		return apperrors.NotFound("Pairing")
	}
	pc, err := s.challenges.FindByID(ctx, pairingID)
	if err != nil {
		return apperrors.Database(fmt.Errorf("find pairing challenge: %w", err))
	}
	if pc == nil {
		return apperrors.NotFound("Pairing")
	}
	if pc.CreatedBy != principal {
		return apperrors.Forbidden("Forbidden")
	}
	return nil
}
