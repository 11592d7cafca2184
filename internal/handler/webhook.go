package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/callbridge/pbx-bridge-go/internal/middleware"
	"github.com/callbridge/pbx-bridge-go/internal/model"
	"github.com/callbridge/pbx-bridge-go/internal/webhook"
)

// OutcomeSubmitter accepts verified conversation outcomes for background
// processing.
type OutcomeSubmitter interface {
	SubmitOutcome(ctx context.Context, outcome *model.ConversationOutcome)
}

type WebhookHandler struct {
	outcomes OutcomeSubmitter
}

func NewWebhookHandler(outcomes OutcomeSubmitter) *WebhookHandler {
	return &WebhookHandler{outcomes: outcomes}
}

// Conversation acknowledges every authenticated delivery immediately; the
// outcome is processed after the response is written.
func (h *WebhookHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	body := middleware.GetRawBody(r.Context())

	outcome, err := webhook.ParseOutcome(body)
	switch {
	case errors.Is(err, webhook.ErrIgnoredEvent):
		log.Debug().Msg("webhook event type ignored")
	case err != nil:
		log.Warn().Err(err).Int("bytes", len(body)).Msg("webhook payload could not be parsed")
	default:
		log.Info().
			Str("conversationId", outcome.ConversationID).
			Str("status", outcome.Status).
			Msg("conversation outcome received")
		h.outcomes.SubmitOutcome(r.Context(), outcome)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
