package webhook

import (
	"encoding/json"
	"errors"
	"strings"

	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/model"
)

const EventPostCallTranscription = "post_call_transcription"

// ErrIgnoredEvent is returned for authenticated events that carry no
// conversation outcome (audio uploads, initiation failures, ...).
var ErrIgnoredEvent = errors.New("webhook event type carries no conversation outcome")

type payload struct {
	Type           string `json:"type"`
	EventTimestamp int64  `json:"event_timestamp"`
	Data           struct {
		AgentID        string `json:"agent_id"`
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
		Transcript     []struct {
			Role    string  `json:"role"`
			Message *string `json:"message"`
		} `json:"transcript"`
		Metadata struct {
			StartTimeUnixSecs int64   `json:"start_time_unix_secs"`
			CallDurationSecs  int     `json:"call_duration_secs"`
			Cost              float64 `json:"cost"`
			TerminationReason string  `json:"termination_reason"`
			PhoneCall         *struct {
				ExternalNumber string `json:"external_number"`
			} `json:"phone_call"`
		} `json:"metadata"`
		Analysis struct {
			CallSuccessful    string `json:"call_successful"`
			TranscriptSummary string `json:"transcript_summary"`
		} `json:"analysis"`
		ClientData struct {
			DynamicVariables map[string]any `json:"dynamic_variables"`
		} `json:"conversation_initiation_client_data"`
	} `json:"data"`
}

// ParseOutcome extracts the conversation outcome from a verified webhook body.
func ParseOutcome(rawBody []byte) (*model.ConversationOutcome, error) {
	var p payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, apperrors.InvalidInput("body", err.Error())
	}
	if p.Type != EventPostCallTranscription {
		return nil, ErrIgnoredEvent
	}

	d := p.Data
	if d.ConversationID == "" {
		return nil, apperrors.InvalidInput("conversation_id", "missing")
	}

	outcome := &model.ConversationOutcome{
		ConversationID:    d.ConversationID,
		AgentID:           d.AgentID,
		Status:            d.Status,
		StartedAtUnix:     d.Metadata.StartTimeUnixSecs,
		DurationSecs:      d.Metadata.CallDurationSecs,
		Summary:           d.Analysis.TranscriptSummary,
		Successful:        d.Analysis.CallSuccessful == "success",
		Cost:              d.Metadata.Cost,
		TerminationReason: d.Metadata.TerminationReason,
		UserName:          stringVar(d.ClientData.DynamicVariables, "user_name"),
	}

	if d.Metadata.PhoneCall != nil {
		outcome.PhoneNumber = d.Metadata.PhoneCall.ExternalNumber
	}
	if outcome.PhoneNumber == "" {
		outcome.PhoneNumber = stringVar(d.ClientData.DynamicVariables, "system__caller_id")
	}

	var lines []string
	for _, turn := range d.Transcript {
		if turn.Message == nil || strings.TrimSpace(*turn.Message) == "" {
			continue
		}
		lines = append(lines, speaker(turn.Role)+": "+strings.TrimSpace(*turn.Message))
	}
	outcome.Transcript = strings.Join(lines, "\n")

	return outcome, nil
}

func stringVar(vars map[string]any, key string) string {
	if v, ok := vars[key].(string); ok {
		return v
	}
	return ""
}

func speaker(role string) string {
	switch role {
	case "agent":
		return "Agent"
	case "user":
		return "Caller"
	default:
		return role
	}
}
