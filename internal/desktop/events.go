package desktop

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/client"
	"github.com/assettrack/scan-relay-go/internal/model"
	"github.com/assettrack/scan-relay-go/internal/sse"
)

// EventLog decides which scan events are new. It remembers the last window
// ids it accepted and a high-water mark: the highest id the poll has read
// through. Everything at or below the mark has already been seen by the
// poll, so it is only ever a duplicate.
type EventLog struct {
	window int
	seen   map[int64]struct{}
	order  []int64
	mark   int64
}

func NewEventLog(window int, mark int64) *EventLog {
	return &EventLog{
		window: window,
		seen:   make(map[int64]struct{}, window),
		mark:   mark,
	}
}

// Accept records id and reports whether it has not been applied before.
func (l *EventLog) Accept(id int64) bool {
	if id <= l.mark {
		return false
	}
	if _, dup := l.seen[id]; dup {
		return false
	}
	l.seen[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > l.window {
		delete(l.seen, l.order[0])
		l.order = l.order[1:]
	}
	return true
}

// Advance raises the high-water mark to id. The mark never moves back.
func (l *EventLog) Advance(id int64) {
	if id > l.mark {
		l.mark = id
	}
}

func (l *EventLog) HighWater() int64 {
	return l.mark
}

// Deliver applies a pushed or polled scan event. Duplicates, events of other
// sessions and repeated barcode reads inside the debounce window are dropped.
func (o *Orchestrator) Deliver(event model.ScanEvent) {
	o.mu.Lock()
	notify := o.deliverLocked(event)
	o.mu.Unlock()
	notify()
}

func (o *Orchestrator) deliverLocked(event model.ScanEvent) func() {
	s := o.session
	if s == nil || event.ScanSessionID != s.id {
		return func() {}
	}
	if !s.events.Accept(event.ID) {
		return func() {}
	}

	if photo, ok := event.DamagePhoto(); ok {
		return o.receivePhotoLocked(photo)
	}

	// Read time, not arrival time, so a batched poll debounces like push.
	readAt := event.CreatedAt
	if readAt.IsZero() {
		readAt = o.clock.Now()
	}
	if event.Barcode == s.lastBarcode && readAt.Sub(s.lastBarcodeAt) < BarcodeDebounce {
		log.Debug().Int64("eventId", event.ID).Msg("duplicate barcode read ignored")
		return func() {}
	}
	s.lastBarcode = event.Barcode
	s.lastBarcodeAt = readAt

	var stateChange func()
	if o.state == StatePaired {
		stateChange = o.setStateLocked(StateScanning)
	}
	return func() {
		if stateChange != nil {
			stateChange()
		}
		if o.cb.OnBarcode != nil {
			o.cb.OnBarcode(event)
		}
	}
}

func (o *Orchestrator) pollEvents(ctx context.Context, gen uint64) bool {
	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return false
	}
	id, after := o.session.id, o.session.events.HighWater()
	o.mu.Unlock()

	events, err := o.api.ScanEvents(ctx, id, after, EventPollLimit)
	if err != nil {
		log.Debug().Err(err).Str("scanSessionId", id).Msg("event poll failed")
		return true
	}
	if len(events) == 0 {
		return true
	}

	var notes []func()
	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return false
	}
	for _, ev := range events {
		notes = append(notes, o.deliverLocked(ev))
		o.session.events.Advance(ev.ID)
	}
	if o.session.events.HighWater() > after {
		o.saveLocked()
	}
	o.mu.Unlock()

	for _, n := range notes {
		n()
	}
	return true
}

func (o *Orchestrator) startStreamLocked() {
	if o.stream == nil || o.session == nil {
		return
	}
	gen, id := o.gen, o.session.id
	ctx, cancel := context.WithCancel(o.ctx)
	o.streamCancel = cancel

	go func() {
		err := o.stream.StreamSession(ctx, id, func(ev client.StreamEvent) {
			o.handlePush(gen, ev)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug().Err(err).Str("scanSessionId", id).Msg("event stream closed")
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		if o.gen != gen {
			return
		}
		o.timers["stream"] = o.clock.AfterFunc(StreamRetryDelay, func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if o.gen == gen {
				o.startStreamLocked()
			}
		})
	}()
}

func (o *Orchestrator) handlePush(gen uint64, ev client.StreamEvent) {
	o.mu.Lock()
	if o.gen != gen || o.session == nil {
		o.mu.Unlock()
		return
	}

	notify := func() {}
	switch ev.Type {
	case sse.EventScan:
		var event model.ScanEvent
		if err := json.Unmarshal(ev.Data, &event); err != nil {
			log.Debug().Err(err).Msg("malformed scan_event push")
			break
		}
		notify = o.deliverLocked(event)

	case sse.EventModeChanged:
		var payload struct {
			ScanSessionID string           `json:"scan_session_id"`
			Mode          model.RemoteMode `json:"mode"`
			AssetTag      *string          `json:"asset_tag"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ScanSessionID != o.session.id {
			break
		}
		notify = o.confirmModeLocked(payload.Mode, payload.AssetTag)

	case sse.EventSessionEnded:
		var payload struct {
			ScanSessionID string              `json:"scan_session_id"`
			Status        model.SessionStatus `json:"status"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ScanSessionID != o.session.id {
			break
		}
		final := StateEnded
		if payload.Status == model.SessionStatusExpired {
			final = StateExpired
		}
		notify = o.detachLocked(final)
	}
	o.mu.Unlock()
	notify()
}
