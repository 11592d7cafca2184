package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callbridge/pbx-bridge-go/internal/callstore"
	"github.com/callbridge/pbx-bridge-go/internal/config"
	"github.com/callbridge/pbx-bridge-go/internal/dedupe"
	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/model"
	"github.com/callbridge/pbx-bridge-go/internal/realtime"
	"github.com/callbridge/pbx-bridge-go/internal/util"
)

// Notifier delivers realtime messages to operator connections.
type Notifier interface {
	SendToIdentity(pred realtime.Predicate, msg any) int
	Broadcast(msg any, exclude string) int
}

type CorrelatorConfig struct {
	Direction string
}

// Stats is a snapshot of the correlator counters.
type Stats struct {
	CallEvents        int64 `json:"callEvents"`
	Webhooks          int64 `json:"webhooks"`
	DuplicateWebhooks int64 `json:"duplicateWebhooks"`
	RecordsCreated    int64 `json:"recordsCreated"`
	RecordsUpdated    int64 `json:"recordsUpdated"`
	StoreFailures     int64 `json:"storeFailures"`
	LiveCalls         int   `json:"liveCalls"`
}

// Correlator merges the call-control stream and the conversation webhook
// stream into call records, record-store writes and realtime updates.
type Correlator struct {
	calls      *callstore.Store
	reconciler *Reconciler
	notifier   Notifier
	guard      dedupe.Guard
	cfg        CorrelatorConfig
	locks      *keyLocks
	outcomes   sync.WaitGroup
	now        func() time.Time

	callEvents        atomic.Int64
	webhooks          atomic.Int64
	duplicateWebhooks atomic.Int64
	recordsCreated    atomic.Int64
	recordsUpdated    atomic.Int64
	storeFailures     atomic.Int64
}

func NewCorrelator(
	calls *callstore.Store,
	reconciler *Reconciler,
	notifier Notifier,
	guard dedupe.Guard,
	cfg CorrelatorConfig,
) *Correlator {
	if cfg.Direction == "" {
		cfg.Direction = model.DirectionInbound
	}
	return &Correlator{
		calls:      calls,
		reconciler: reconciler,
		notifier:   notifier,
		guard:      guard,
		cfg:        cfg,
		locks:      newKeyLocks(),
		now:        time.Now,
	}
}

// Run consumes call-control events until ctx is done or events is closed.
// Events for one correlation key are handled in order; different keys never
// wait on each other.
func (c *Correlator) Run(ctx context.Context, events <-chan model.CallEvent) {
	queue := newKeyedQueue(func(ev model.CallEvent) {
		c.HandleCallEvent(ctx, ev)
	})

	log.Info().Msg("correlator started")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			queue.push(ev)
		}
	}

	queue.wait()
	log.Info().Msg("correlator stopped")
}

// SubmitOutcome handles a verified conversation outcome in the background so
// the webhook response does not wait on the record store.
func (c *Correlator) SubmitOutcome(ctx context.Context, outcome *model.ConversationOutcome) {
	ctx = context.WithoutCancel(ctx)
	c.outcomes.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, config.OutcomeProcessingTimeout)
		defer cancel()
		c.HandleConversationOutcome(ctx, outcome)
	})
}

// Wait blocks until every submitted outcome has been handled.
func (c *Correlator) Wait() {
	c.outcomes.Wait()
}

func (c *Correlator) Stats() Stats {
	return Stats{
		CallEvents:        c.callEvents.Load(),
		Webhooks:          c.webhooks.Load(),
		DuplicateWebhooks: c.duplicateWebhooks.Load(),
		RecordsCreated:    c.recordsCreated.Load(),
		RecordsUpdated:    c.recordsUpdated.Load(),
		StoreFailures:     c.storeFailures.Load(),
		LiveCalls:         c.calls.Len(),
	}
}

// HandleCallEvent applies one call-control event. It never panics past the
// correlator and never returns an error; failures are logged.
func (c *Correlator) HandleCallEvent(ctx context.Context, ev model.CallEvent) {
	defer c.recoverHandler("call event", ev.CorrelationKey)

	if ev.CorrelationKey == "" {
		log.Debug().Str("kind", string(ev.Kind)).Msg("call event without correlation key ignored")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	c.callEvents.Add(1)

	unlock := c.locks.Lock(ev.CorrelationKey)
	defer unlock()

	switch ev.Kind {
	case model.CallEventNew:
		c.onNew(ctx, ev)
	case model.CallEventStateChange:
		c.onTransition(ev, ev.State, string(ev.State))
	case model.CallEventDial:
		c.onDial(ev)
	case model.CallEventBridge:
		c.onTransition(ev, model.CallStateConnected, model.EventLabelBridge)
	case model.CallEventHangup:
		c.onHangup(ctx, ev)
	default:
		log.Debug().Str("kind", string(ev.Kind)).Msg("unknown call event kind ignored")
	}
}

func (c *Correlator) onNew(ctx context.Context, ev model.CallEvent) {
	rec, err := c.calls.Create(ev.CorrelationKey, model.CallRecord{
		CallerNumber:   ev.CallerNumber,
		CallerName:     ev.CallerName,
		Channel:        ev.Channel,
		Extension:      ev.Extension,
		Direction:      c.cfg.Direction,
		StartedAt:      ev.Timestamp,
		ConversationID: ev.ConversationID,
	})
	if err != nil {
		log.Warn().Err(err).Str("correlationKey", ev.CorrelationKey).Msg("new call rejected")
		return
	}

	log.Info().
		Str("correlationKey", rec.CorrelationKey).
		Str("caller", util.MaskNumber(rec.CallerNumber)).
		Str("extension", rec.Extension).
		Msg("call started")

	if rec.CallerNumber != "" {
		match, err := c.reconciler.LookupCaller(ctx, rec.CallerNumber)
		if err != nil {
			c.storeFailures.Add(1)
			log.Warn().Err(err).Str("correlationKey", rec.CorrelationKey).Msg("caller lookup failed")
		} else if updated, ok := c.calls.Mutate(rec.CorrelationKey, func(r *model.CallRecord) {
			applyMatch(r, match)
		}); ok {
			rec = updated
		}
	}

	if rec.Extension != "" {
		sent := c.notifier.SendToIdentity(realtime.MatchExtension(rec.Extension), callMessage(model.MessageScreenPop, rec, "new"))
		log.Debug().Str("extension", rec.Extension).Int("sent", sent).Msg("screen pop delivered")
	}
	c.notifier.Broadcast(callMessage(model.MessageCallUpdate, rec, "new"), "")
}

func (c *Correlator) onTransition(ev model.CallEvent, next model.CallState, label string) {
	rec, ok := c.calls.Mutate(ev.CorrelationKey, func(r *model.CallRecord) {
		attachConversation(r, ev.ConversationID)
		if next != "" {
			r.Advance(next, label)
		}
	})
	if !ok {
		logUnknownKey(ev)
		return
	}

	c.notifier.Broadcast(callMessage(model.MessageCallUpdate, rec, string(ev.Kind)), "")
}

func (c *Correlator) onDial(ev model.CallEvent) {
	rec, ok := c.calls.Mutate(ev.CorrelationKey, func(r *model.CallRecord) {
		attachConversation(r, ev.ConversationID)
		r.Events = append(r.Events, model.EventLabelDial)
		if ev.Destination != "" && r.Extension == "" {
			r.Extension = ev.Destination
		}
	})
	if !ok {
		logUnknownKey(ev)
		return
	}

	if ev.Destination != "" {
		c.notifier.SendToIdentity(realtime.MatchExtension(ev.Destination), callMessage(model.MessageScreenPop, rec, "dial"))
	}
	c.notifier.Broadcast(callMessage(model.MessageCallUpdate, rec, "dial"), "")
}

func (c *Correlator) onHangup(ctx context.Context, ev model.CallEvent) {
	alreadyEnded := false
	rec, ok := c.calls.Mutate(ev.CorrelationKey, func(r *model.CallRecord) {
		attachConversation(r, ev.ConversationID)
		if r.State == model.CallStateEnded {
			alreadyEnded = true
			return
		}
		r.Advance(model.CallStateEnded, string(model.CallStateEnded))
		ended := ev.Timestamp
		r.EndedAt = &ended
		r.DurationSecs = r.Duration()
		r.HangupCause = hangupCause(ev)
	})
	if !ok {
		logUnknownKey(ev)
		return
	}
	if alreadyEnded || rec.ExternalRecordID != "" {
		log.Debug().Str("correlationKey", rec.CorrelationKey).Msg("repeated hangup ignored")
		return
	}

	log.Info().
		Str("correlationKey", rec.CorrelationKey).
		Int("duration", rec.DurationSecs).
		Str("cause", rec.HangupCause).
		Msg("call ended")

	if id, err := c.reconciler.CreateForCall(ctx, rec, nil); err != nil {
		c.storeFailures.Add(1)
	} else {
		c.recordsCreated.Add(1)
		c.linkMatches(ctx, id, rec)
		if updated, ok := c.calls.Mutate(rec.CorrelationKey, func(r *model.CallRecord) {
			if r.ExternalRecordID == "" {
				r.ExternalRecordID = id
			}
		}); ok {
			rec = updated
		}
	}

	c.notifier.Broadcast(callMessage(model.MessageCallUpdate, rec, "hangup"), "")
}

// HandleConversationOutcome correlates a verified conversation outcome with
// the live call carrying its conversation id.
func (c *Correlator) HandleConversationOutcome(ctx context.Context, outcome *model.ConversationOutcome) {
	defer c.recoverHandler("conversation outcome", outcome.ConversationID)
	c.webhooks.Add(1)

	if outcome.ConversationID == "" {
		log.Warn().Msg("conversation outcome without conversation id ignored")
		return
	}

	claimed, err := c.guard.Claim(ctx, outcome.ConversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", outcome.ConversationID).Msg("delivery dedupe unavailable, processing anyway")
	} else if !claimed {
		c.duplicateWebhooks.Add(1)
		log.Info().Str("conversationId", outcome.ConversationID).Msg("duplicate conversation outcome ignored")
		return
	}

	if !c.reconcileOutcome(ctx, outcome) && err == nil {
		c.releaseClaim(ctx, outcome.ConversationID)
	}

	c.notifier.Broadcast(model.TranscriptionMessage{
		Type:           model.MessageAITranscription,
		ConversationID: outcome.ConversationID,
		Summary:        outcome.Summary,
		CallSuccessful: outcome.Successful,
		Timestamp:      c.now().UnixMilli(),
	}, "")
}

// releaseClaim lets a redelivery of a conversation whose record-store write
// failed be processed again.
func (c *Correlator) releaseClaim(ctx context.Context, conversationID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.PingTimeout)
	defer cancel()
	if err := c.guard.Release(ctx, conversationID); err != nil {
		log.Warn().Err(err).Str("conversationId", conversationID).Msg("failed to release delivery claim")
		return
	}
	log.Info().Str("conversationId", conversationID).Msg("delivery claim released after failed write")
}

// reconcileOutcome reports whether the record store write succeeded. On
// failure the live call is kept so a redelivery can still find it.
func (c *Correlator) reconcileOutcome(ctx context.Context, outcome *model.ConversationOutcome) bool {
	rec, found := c.calls.FindByConversationID(outcome.ConversationID)
	if found {
		unlock := c.locks.Lock(rec.CorrelationKey)
		defer unlock()

		// the hangup path may have run or finished while we waited
		rec, found = c.calls.Get(rec.CorrelationKey)
		if found && rec.ConversationID != outcome.ConversationID {
			found = false
		}
	}

	switch {
	case found && rec.ExternalRecordID != "":
		if err := c.reconciler.UpdateExisting(ctx, rec.ExternalRecordID, rec, outcome); err != nil {
			c.storeFailures.Add(1)
			return false
		}
		c.recordsUpdated.Add(1)
		c.calls.Remove(rec.CorrelationKey)
		return true

	case found:
		log.Info().
			Str("correlationKey", rec.CorrelationKey).
			Str("conversationId", outcome.ConversationID).
			Msg("conversation outcome arrived before hangup")
		mergeOutcome(rec, outcome)
		if !c.createFromOutcome(ctx, rec, outcome) {
			return false
		}
		c.calls.Remove(rec.CorrelationKey)
		return true

	default:
		log.Info().
			Str("conversationId", outcome.ConversationID).
			Str("caller", util.MaskNumber(outcome.PhoneNumber)).
			Msg("no call matches conversation outcome, creating from webhook")
		rec := c.synthesize(outcome)
		if rec.CallerNumber != "" {
			if match, err := c.reconciler.LookupCaller(ctx, rec.CallerNumber); err != nil {
				c.storeFailures.Add(1)
				log.Warn().Err(err).Str("conversationId", outcome.ConversationID).Msg("caller lookup failed")
			} else {
				applyMatch(rec, match)
			}
		}
		return c.createFromOutcome(ctx, rec, outcome)
	}
}

func (c *Correlator) createFromOutcome(ctx context.Context, rec *model.CallRecord, outcome *model.ConversationOutcome) bool {
	id, err := c.reconciler.CreateForCall(ctx, rec, outcome)
	if err != nil {
		c.storeFailures.Add(1)
		return false
	}
	c.recordsCreated.Add(1)
	c.linkMatches(ctx, id, rec)
	return true
}

// linkMatches is best-effort: a failed link leaves the created record intact.
func (c *Correlator) linkMatches(ctx context.Context, id string, rec *model.CallRecord) {
	if rec.MatchedContactID != "" {
		if err := c.reconciler.LinkToContact(ctx, id, rec.MatchedContactID); err != nil {
			c.storeFailures.Add(1)
		}
	}
	if rec.MatchedAccountID != "" {
		if err := c.reconciler.LinkToAccount(ctx, id, rec.MatchedAccountID); err != nil {
			c.storeFailures.Add(1)
		}
	}
}

// synthesize builds a call record from the webhook alone.
func (c *Correlator) synthesize(outcome *model.ConversationOutcome) *model.CallRecord {
	started := c.now()
	if outcome.StartedAtUnix > 0 {
		started = time.Unix(outcome.StartedAtUnix, 0)
	}
	ended := started.Add(time.Duration(outcome.DurationSecs) * time.Second)
	return &model.CallRecord{
		CorrelationKey: "conversation:" + outcome.ConversationID,
		CallerNumber:   outcome.PhoneNumber,
		CallerName:     outcome.UserName,
		Direction:      c.cfg.Direction,
		StartedAt:      started,
		EndedAt:        &ended,
		DurationSecs:   outcome.DurationSecs,
		State:          model.CallStateEnded,
		ConversationID: outcome.ConversationID,
	}
}

func (c *Correlator) recoverHandler(what, key string) {
	if r := recover(); r != nil {
		log.Error().
			Str("handler", what).
			Str("key", key).
			Str("panic", fmt.Sprint(r)).
			Msg("correlator handler panicked")
	}
}

func mergeOutcome(rec *model.CallRecord, outcome *model.ConversationOutcome) {
	if rec.CallerNumber == "" {
		rec.CallerNumber = outcome.PhoneNumber
	}
	if rec.CallerName == "" {
		rec.CallerName = outcome.UserName
	}
	if rec.DurationSecs == 0 && rec.EndedAt == nil {
		rec.DurationSecs = outcome.DurationSecs
	}
}

func attachConversation(rec *model.CallRecord, conversationID string) {
	if conversationID != "" && rec.ConversationID == "" {
		rec.ConversationID = conversationID
	}
}

func applyMatch(rec *model.CallRecord, match *CallerMatch) {
	if match == nil {
		return
	}
	if match.Contact != nil {
		rec.MatchedContactID = match.Contact.ID
		rec.MatchedContactName = match.Contact.Name
	}
	if match.Account != nil {
		rec.MatchedAccountID = match.Account.ID
		rec.MatchedAccountName = match.Account.Name
	}
}

func hangupCause(ev model.CallEvent) string {
	switch {
	case ev.Cause != "" && ev.CauseCode != "":
		return fmt.Sprintf("%s (%s)", ev.Cause, ev.CauseCode)
	case ev.Cause != "":
		return ev.Cause
	default:
		return ev.CauseCode
	}
}

func logUnknownKey(ev model.CallEvent) {
	log.Debug().
		Str("correlationKey", ev.CorrelationKey).
		Str("kind", string(ev.Kind)).
		Str("code", string(apperrors.ErrCodeUnknownKey)).
		Msg("call event for unknown call absorbed")
}

func callMessage(msgType string, rec *model.CallRecord, event string) model.CallMessage {
	data := model.CallData{
		CallerIDNum:    rec.CallerNumber,
		CallerIDName:   rec.CallerName,
		Channel:        rec.Channel,
		Timestamp:      rec.StartedAt.UnixMilli(),
		ConversationID: rec.ConversationID,
		UniqueID:       rec.CorrelationKey,
		Event:          event,
		State:          rec.State,
		Extension:      rec.Extension,
		Duration:       rec.DurationSecs,
		Cause:          rec.HangupCause,
		ExternalID:     rec.ExternalRecordID,
	}
	if rec.MatchedContactID != "" {
		data.Contact = &model.RecordMatch{ID: rec.MatchedContactID, Name: rec.MatchedContactName}
	}
	if rec.MatchedAccountID != "" {
		data.Account = &model.RecordMatch{ID: rec.MatchedAccountID, Name: rec.MatchedAccountName}
	}
	return model.CallMessage{Type: msgType, CallData: data}
}
