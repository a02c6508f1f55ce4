package desktop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/model"
)

// PendingPhoto is a damage photo that arrived while no damage drawer was
// open for its asset tag.
type PendingPhoto struct {
	Path       string
	AssetTag   string
	ReceivedAt time.Time
}

// Pending returns a copy of the queued photos.
func (o *Orchestrator) Pending() []PendingPhoto {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	return append([]PendingPhoto(nil), o.session.pending...)
}

func (o *Orchestrator) receivePhotoLocked(photo model.DamagePhotoPayload) func() {
	s := o.session
	tag := ""
	if photo.AssetTag != nil {
		tag = *photo.AssetTag
	}

	if s.drawer && (tag == "" || tag == s.drawerTag) {
		drawerTag := s.drawerTag
		return func() {
			if o.cb.OnDamagePhoto != nil {
				o.cb.OnDamagePhoto(drawerTag, photo.Path)
			}
		}
	}

	s.pending = append(s.pending, PendingPhoto{
		Path:       photo.Path,
		AssetTag:   tag,
		ReceivedAt: o.clock.Now(),
	})
	count := len(s.pending)
	return func() {
		if o.cb.OnPendingPhotos != nil {
			o.cb.OnPendingPhotos(count)
		}
	}
}

// OpenDamage opens the damage drawer for assetTag, hands it the pending
// photos already taken for that tag and asks the phone to switch to photo
// capture.
func (o *Orchestrator) OpenDamage(assetTag string) error {
	assetTag = strings.TrimSpace(assetTag)
	if assetTag == "" {
		return errors.New("desktop: asset tag is required for damage mode")
	}

	o.mu.Lock()
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	s.drawer = true
	s.drawerTag = assetTag

	var merged []PendingPhoto
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.AssetTag == assetTag {
			merged = append(merged, p)
		} else {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	count := len(kept)
	o.scheduleModeLocked(model.RemoteModeDamage, &assetTag)
	o.mu.Unlock()

	for _, p := range merged {
		if o.cb.OnDamagePhoto != nil {
			o.cb.OnDamagePhoto(assetTag, p.Path)
		}
	}
	if len(merged) > 0 && o.cb.OnPendingPhotos != nil {
		o.cb.OnPendingPhotos(count)
	}
	return nil
}

// CloseDamage closes the drawer and switches the phone back to scanning.
func (o *Orchestrator) CloseDamage() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ErrNoSession
	}
	o.session.drawer = false
	o.session.drawerTag = ""
	o.scheduleModeLocked(model.RemoteModeScan, nil)
	return nil
}

// DismissPending deletes every queued photo on the server. Photos whose
// deletion failed stay queued.
func (o *Orchestrator) DismissPending(ctx context.Context) error {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	id, gen := o.session.id, o.gen
	queued := append([]PendingPhoto(nil), o.session.pending...)
	o.mu.Unlock()

	var errs []error
	deleted := make(map[string]bool, len(queued))
	for _, p := range queued {
		if err := o.api.DeleteTempPhoto(ctx, id, p.Path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", p.Path, err))
			continue
		}
		deleted[p.Path] = true
	}

	count := o.dropPending(gen, deleted)
	if count >= 0 && len(deleted) > 0 && o.cb.OnPendingPhotos != nil {
		o.cb.OnPendingPhotos(count)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) purgePending(ctx context.Context, gen uint64) bool {
	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return false
	}
	id := o.session.id
	cutoff := o.clock.Now().Add(-PendingPhotoTTL)
	stale := make(map[string]bool)
	for _, p := range o.session.pending {
		if !p.ReceivedAt.After(cutoff) {
			stale[p.Path] = true
		}
	}
	o.mu.Unlock()

	if len(stale) == 0 {
		return true
	}
	for path := range stale {
		if err := o.api.DeleteTempPhoto(ctx, id, path); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("stale photo delete failed")
		}
	}

	log.Info().Str("scanSessionId", id).Int("count", len(stale)).Msg("purged stale pending photos")

	count := o.dropPending(gen, stale)
	if count < 0 {
		return false
	}
	if o.cb.OnPendingPhotos != nil {
		o.cb.OnPendingPhotos(count)
	}
	return true
}

// dropPending removes paths from the queue and returns the new length, or
// -1 if the session is gone.
func (o *Orchestrator) dropPending(gen uint64, paths map[string]bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen || o.session == nil {
		return -1
	}
	kept := o.session.pending[:0]
	for _, p := range o.session.pending {
		if !paths[p.Path] {
			kept = append(kept, p)
		}
	}
	o.session.pending = kept
	return len(kept)
}

// scheduleModeLocked debounces mode requests so rapid open/close of the
// drawer results in one call carrying the last wish.
func (o *Orchestrator) scheduleModeLocked(mode model.RemoteMode, assetTag *string) {
	o.session.wantMode = mode
	o.session.wantTag = assetTag
	if t := o.timers["mode"]; t != nil {
		t.Stop()
	}
	gen := o.gen
	o.timers["mode"] = o.clock.AfterFunc(ModeDebounce, func() {
		o.applyMode(gen)
	})
}

func (o *Orchestrator) applyMode(gen uint64) {
	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return
	}
	id, mode, tag := o.session.id, o.session.wantMode, o.session.wantTag
	o.mu.Unlock()

	result, err := o.api.SetSessionMode(o.ctx, id, mode, tag)
	if err != nil {
		log.Debug().Err(err).Str("scanSessionId", id).Msg("set mode failed, retrying once")
		result, err = o.api.SetSessionMode(o.ctx, id, mode, tag)
	}
	if err != nil {
		log.Warn().Err(err).Str("scanSessionId", id).Str("mode", string(mode)).Msg("set mode failed")
		o.reportError(fmt.Errorf("set mode %s: %w", mode, err))
		return
	}

	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return
	}
	// A newer request is queued; its own confirmation will report.
	if o.session.wantMode != mode || !sameTag(o.session.wantTag, tag) {
		o.mu.Unlock()
		return
	}
	notify := o.confirmModeLocked(result.Mode, result.AssetTag)
	o.mu.Unlock()
	notify()
}

// confirmModeLocked records a mode the server has acknowledged.
func (o *Orchestrator) confirmModeLocked(mode model.RemoteMode, assetTag *string) func() {
	s := o.session
	changed := s.mode != mode || !sameTag(s.assetTag, assetTag)
	s.mode, s.assetTag = mode, assetTag

	stateChange := func() {}
	switch o.state {
	case StatePaired, StateScanning, StateDamage:
		target := StateScanning
		if mode == model.RemoteModeDamage {
			target = StateDamage
		}
		stateChange = o.setStateLocked(target)
	}

	return func() {
		stateChange()
		if changed && o.cb.OnModeChanged != nil {
			o.cb.OnModeChanged(mode, assetTag)
		}
	}
}

func sameTag(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
