package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callbridge/pbx-bridge-go/internal/crm"
	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/model"
)

const (
	callStatusHeld    = "Held"
	callStatusNotHeld = "Not Held"

	dateStartLayout = "2006-01-02 15:04:05"
)

// Deployment-specific custom fields on the Call entity.
var extendedFields = map[string]bool{
	"aiSummary":      true,
	"aiTranscript":   true,
	"aiCost":         true,
	"conversationId": true,
	"aiSuccessful":   true,
}

type ReconcilerConfig struct {
	Direction   string
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

// CallerMatch is the contact and account resolved for a phone number.
type CallerMatch struct {
	Contact *model.RecordMatch
	Account *model.RecordMatch
}

// Reconciler turns call state into create/update/link calls against the
// record store.
type Reconciler struct {
	store crm.Store
	cfg   ReconcilerConfig

	// set once the store has rejected the extended fields
	extendedUnavailable atomic.Bool
}

func NewReconciler(store crm.Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Direction == "" {
		cfg.Direction = model.DirectionInbound
	}
	return &Reconciler{store: store, cfg: cfg}
}

// ExtendedFieldsAvailable reports whether extended Call fields are still sent.
func (r *Reconciler) ExtendedFieldsAvailable() bool {
	return !r.extendedUnavailable.Load()
}

// CreateForCall creates the Call record for rec, merging outcome when given.
// The full attribute set is tried first; if the store rejects one of the
// extended fields the base set is sent instead.
func (r *Reconciler) CreateForCall(ctx context.Context, rec *model.CallRecord, outcome *model.ConversationOutcome) (string, error) {
	base := r.baseAttributes(rec, outcome)
	extended := extendedAttributes(rec, outcome)

	var id string
	err := r.writeWithFallback(ctx, base, extended, func(ctx context.Context, attrs crm.Attributes) error {
		var err error
		id, err = r.store.CreateRecord(ctx, crm.EntityCall, attrs)
		return err
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("correlationKey", rec.CorrelationKey).
			Str("conversationId", rec.ConversationID).
			Msg("create call record failed")
		return "", err
	}

	log.Info().
		Str("recordId", id).
		Str("correlationKey", rec.CorrelationKey).
		Str("conversationId", rec.ConversationID).
		Bool("withOutcome", outcome != nil).
		Msg("call record created")

	return id, nil
}

// UpdateExisting writes the outcome's analytic fields onto an existing record.
func (r *Reconciler) UpdateExisting(ctx context.Context, externalID string, rec *model.CallRecord, outcome *model.ConversationOutcome) error {
	base := crm.Attributes{"description": describe(rec, outcome)}
	extended := extendedAttributes(rec, outcome)

	err := r.writeWithFallback(ctx, base, extended, func(ctx context.Context, attrs crm.Attributes) error {
		return r.store.UpdateRecord(ctx, crm.EntityCall, externalID, attrs)
	})
	if err != nil {
		log.Error().Err(err).Str("recordId", externalID).Msg("update call record failed")
		return err
	}

	log.Info().Str("recordId", externalID).Msg("call record updated")
	return nil
}

func (r *Reconciler) LinkToContact(ctx context.Context, externalID, contactID string) error {
	return r.link(ctx, externalID, crm.LinkContacts, contactID)
}

func (r *Reconciler) LinkToAccount(ctx context.Context, externalID, accountID string) error {
	return r.link(ctx, externalID, crm.LinkAccounts, accountID)
}

func (r *Reconciler) link(ctx context.Context, externalID, link, relatedID string) error {
	err := r.withRetry(ctx, "link "+link, func(ctx context.Context) error {
		return r.store.LinkRecord(ctx, crm.EntityCall, externalID, link, relatedID)
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("recordId", externalID).
			Str("link", link).
			Str("relatedId", relatedID).
			Msg("link call record failed")
		return err
	}
	return nil
}

// LookupCaller resolves a phone number to a contact (and its account), or to
// an account directly when no contact matches.
func (r *Reconciler) LookupCaller(ctx context.Context, number string) (*CallerMatch, error) {
	match := &CallerMatch{}
	if number == "" {
		return match, nil
	}

	contacts, err := r.search(ctx, crm.EntityContact, number)
	if err != nil {
		return nil, err
	}
	if len(contacts) > 0 {
		c := contacts[0]
		match.Contact = &model.RecordMatch{ID: c.String("id"), Name: c.String("name")}

		if accountID := c.String("accountId"); accountID != "" {
			match.Account = &model.RecordMatch{ID: accountID, Name: c.String("accountName")}
			if match.Account.Name == "" {
				if acc, err := r.get(ctx, crm.EntityAccount, accountID); err == nil {
					match.Account.Name = acc.String("name")
				}
			}
		}
		return match, nil
	}

	accounts, err := r.search(ctx, crm.EntityAccount, number)
	if err != nil {
		return nil, err
	}
	if len(accounts) > 0 {
		match.Account = &model.RecordMatch{ID: accounts[0].String("id"), Name: accounts[0].String("name")}
	}
	return match, nil
}

func (r *Reconciler) search(ctx context.Context, entity, number string) ([]crm.Attributes, error) {
	var list []crm.Attributes
	err := r.withRetry(ctx, "search "+entity, func(ctx context.Context) error {
		var err error
		list, err = r.store.SearchByField(ctx, entity, "phoneNumber", number)
		return err
	})
	return list, err
}

func (r *Reconciler) get(ctx context.Context, entity, id string) (crm.Attributes, error) {
	var attrs crm.Attributes
	err := r.withRetry(ctx, "get "+entity, func(ctx context.Context) error {
		var err error
		attrs, err = r.store.GetRecord(ctx, entity, id)
		return err
	})
	return attrs, err
}

// writeWithFallback sends base plus extended, then base alone if the store
// named an extended field as invalid.
func (r *Reconciler) writeWithFallback(ctx context.Context, base, extended crm.Attributes, write func(context.Context, crm.Attributes) error) error {
	if len(extended) == 0 || r.extendedUnavailable.Load() {
		return r.withRetry(ctx, "write call", func(ctx context.Context) error {
			return write(ctx, base)
		})
	}

	full := make(crm.Attributes, len(base)+len(extended))
	for k, v := range base {
		full[k] = v
	}
	for k, v := range extended {
		full[k] = v
	}

	err := r.withRetry(ctx, "write call", func(ctx context.Context) error {
		return write(ctx, full)
	})
	if err == nil || !rejectsExtended(err) {
		return err
	}

	r.extendedUnavailable.Store(true)
	log.Warn().
		Strs("fields", apperrors.ValidationFields(err)).
		Msg("record store lacks extended call fields, continuing with base fields")

	return r.withRetry(ctx, "write call", func(ctx context.Context) error {
		return write(ctx, base)
	})
}

func rejectsExtended(err error) bool {
	for _, f := range apperrors.ValidationFields(err) {
		if extendedFields[f] {
			return true
		}
	}
	return false
}

// withRetry runs fn up to MaxAttempts times with linear backoff. Only
// STORE_TRANSIENT failures are retried.
func (r *Reconciler) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !apperrors.IsCode(err, apperrors.ErrCodeStoreTransient) || attempt >= r.cfg.MaxAttempts {
			return err
		}

		delay := r.cfg.Backoff * time.Duration(attempt)
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("retryIn", delay).
			Msg("record store call failed, retrying")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (r *Reconciler) attempt(ctx context.Context, fn func(context.Context) error) error {
	if r.cfg.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (r *Reconciler) baseAttributes(rec *model.CallRecord, outcome *model.ConversationOutcome) crm.Attributes {
	direction := rec.Direction
	if direction == "" {
		direction = r.cfg.Direction
	}

	duration := rec.Duration()
	if duration == 0 && outcome != nil {
		duration = outcome.DurationSecs
	}
	status := callStatusNotHeld
	if outcome != nil || answered(rec) {
		status = callStatusHeld
	}

	return crm.Attributes{
		"name":        fmt.Sprintf("%s call from %s", direction, callerLabel(rec)),
		"status":      status,
		"direction":   direction,
		"dateStart":   rec.StartedAt.UTC().Format(dateStartLayout),
		"duration":    duration,
		"description": describe(rec, outcome),
	}
}

func extendedAttributes(rec *model.CallRecord, outcome *model.ConversationOutcome) crm.Attributes {
	attrs := crm.Attributes{}
	if rec != nil && rec.ConversationID != "" {
		attrs["conversationId"] = rec.ConversationID
	}
	if outcome == nil {
		return attrs
	}
	attrs["conversationId"] = outcome.ConversationID
	attrs["aiSummary"] = outcome.Summary
	attrs["aiTranscript"] = outcome.Transcript
	attrs["aiCost"] = outcome.Cost
	attrs["aiSuccessful"] = outcome.Successful
	return attrs
}

// answered reports whether the call ever reached CONNECTED.
func answered(rec *model.CallRecord) bool {
	if rec.State == model.CallStateConnected {
		return true
	}
	for _, label := range rec.Events {
		if label == string(model.CallStateConnected) || label == model.EventLabelBridge {
			return true
		}
	}
	return false
}

func callerLabel(rec *model.CallRecord) string {
	switch {
	case rec.CallerName != "" && rec.CallerNumber != "":
		return fmt.Sprintf("%s (%s)", rec.CallerName, rec.CallerNumber)
	case rec.CallerNumber != "":
		return rec.CallerNumber
	case rec.CallerName != "":
		return rec.CallerName
	default:
		return "unknown caller"
	}
}

func describe(rec *model.CallRecord, outcome *model.ConversationOutcome) string {
	var b strings.Builder
	if rec != nil {
		fmt.Fprintf(&b, "Caller: %s\n", callerLabel(rec))
		if rec.Extension != "" {
			fmt.Fprintf(&b, "Extension: %s\n", rec.Extension)
		}
		if rec.HangupCause != "" {
			fmt.Fprintf(&b, "Hangup cause: %s\n", rec.HangupCause)
		}
	}
	if outcome != nil {
		if outcome.Summary != "" {
			fmt.Fprintf(&b, "\nAI summary:\n%s\n", outcome.Summary)
		}
		result := "unsuccessful"
		if outcome.Successful {
			result = "successful"
		}
		fmt.Fprintf(&b, "AI call result: %s\n", result)
		if outcome.TerminationReason != "" {
			fmt.Fprintf(&b, "Termination reason: %s\n", outcome.TerminationReason)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
