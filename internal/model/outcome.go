package model

// ConversationOutcome is the verified result of one analysed AI conversation.
type ConversationOutcome struct {
	ConversationID    string  `json:"conversationId"`
	AgentID           string  `json:"agentId,omitempty"`
	Status            string  `json:"status,omitempty"`
	PhoneNumber       string  `json:"phoneNumber,omitempty"`
	UserName          string  `json:"userName,omitempty"`
	StartedAtUnix     int64   `json:"startedAtUnix,omitempty"`
	DurationSecs      int     `json:"durationSecs,omitempty"`
	Transcript        string  `json:"transcript,omitempty"`
	Summary           string  `json:"summary,omitempty"`
	Successful        bool    `json:"successful"`
	Cost              float64 `json:"cost,omitempty"`
	TerminationReason string  `json:"terminationReason,omitempty"`
}
