package model

import "time"

type CallState string

const (
	CallStateNew       CallState = "NEW"
	CallStateRinging   CallState = "RINGING"
	CallStateConnected CallState = "CONNECTED"
	CallStateEnded     CallState = "ENDED"
)

var callStateRank = map[CallState]int{
	CallStateNew:       0,
	CallStateRinging:   1,
	CallStateConnected: 2,
	CallStateEnded:     3,
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Nothing leaves ENDED.
func (s CallState) CanAdvanceTo(next CallState) bool {
	from, ok := callStateRank[s]
	if !ok {
		return false
	}
	to, ok := callStateRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Event log labels for events that are not state changes.
const (
	EventLabelDial   = "DIAL"
	EventLabelBridge = "BRIDGE"
)

const (
	DirectionInbound  = "Inbound"
	DirectionOutbound = "Outbound"
)

// CallRecord is the live state of one call leg, keyed by the call-control
// source's correlation key.
type CallRecord struct {
	CorrelationKey string `json:"correlationKey"`
	CallerNumber   string `json:"callerNumber,omitempty"`
	CallerName     string `json:"callerName,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Extension      string `json:"extension,omitempty"`
	Direction      string `json:"direction"`

	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	DurationSecs int        `json:"durationSecs,omitempty"`
	HangupCause  string     `json:"hangupCause,omitempty"`

	State  CallState `json:"state"`
	Events []string  `json:"events"`

	ConversationID   string `json:"conversationId,omitempty"`
	ExternalRecordID string `json:"externalRecordId,omitempty"`

	MatchedContactID   string `json:"matchedContactId,omitempty"`
	MatchedContactName string `json:"matchedContactName,omitempty"`
	MatchedAccountID   string `json:"matchedAccountId,omitempty"`
	MatchedAccountName string `json:"matchedAccountName,omitempty"`
}

// Clone returns a deep copy safe to hand out of the store.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndedAt != nil {
		ended := *r.EndedAt
		c.EndedAt = &ended
	}
	c.Events = append([]string(nil), r.Events...)
	return &c
}

// Advance moves the record to next if that is a forward transition and
// appends the label to the event log either way.
func (r *CallRecord) Advance(next CallState, label string) bool {
	if label != "" {
		r.Events = append(r.Events, label)
	}
	if !r.State.CanAdvanceTo(next) {
		return false
	}
	r.State = next
	return true
}

// Duration returns the explicit duration when known, otherwise the span
// between start and end.
func (r *CallRecord) Duration() int {
	if r.DurationSecs > 0 {
		return r.DurationSecs
	}
	if r.EndedAt != nil {
		return int(r.EndedAt.Sub(r.StartedAt).Seconds())
	}
	return 0
}

type CallEventKind string

const (
	CallEventNew         CallEventKind = "new"
	CallEventStateChange CallEventKind = "state_change"
	CallEventDial        CallEventKind = "dial"
	CallEventHangup      CallEventKind = "hangup"
	CallEventBridge      CallEventKind = "bridge"
)

// CallEvent is one typed event from the call-control source.
type CallEvent struct {
	Kind           CallEventKind
	CorrelationKey string
	CallerNumber   string
	CallerName     string
	Channel        string
	Extension      string
	Destination    string
	// State is the target state of a state_change; empty when the event
	// only carries metadata such as a conversation id.
	State          CallState
	CauseCode      string
	Cause          string
	BridgePeer     string
	ConversationID string
	Timestamp      time.Time
}
