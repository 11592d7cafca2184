package model

// Identity is the operator attached to a realtime connection by register_agent.
type Identity struct {
	OperatorID  string `json:"agentId"`
	DisplayName string `json:"agentName"`
	Extension   string `json:"extension"`
}

// Client -> server message types
const (
	ClientMessageRegister  = "register_agent"
	ClientMessagePing      = "ping"
	ClientMessageGetStatus = "get_status"
)

// Server -> client message types
const (
	MessageConnected       = "connected"
	MessageRegistered      = "registered"
	MessageScreenPop       = "screen_pop"
	MessageCallUpdate      = "call_update"
	MessageAITranscription = "ai_transcription"
	MessagePong            = "pong"
	MessageStatus          = "status"
)

type ClientMessage struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId,omitempty"`
	AgentName string `json:"agentName,omitempty"`
	Extension string `json:"extension,omitempty"`
}

type ConnectedMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type RegisteredMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type StatusMessage struct {
	Type      string    `json:"type"`
	Connected bool      `json:"connected"`
	ClientID  string    `json:"clientId"`
	Metadata  *Identity `json:"metadata"`
}

// CallData is the call payload of screen_pop and call_update messages.
type CallData struct {
	CallerIDNum    string       `json:"callerIdNum"`
	CallerIDName   string       `json:"callerIdName"`
	Channel        string       `json:"channel"`
	Timestamp      int64        `json:"timestamp"`
	Contact        *RecordMatch `json:"contact"`
	Account        *RecordMatch `json:"account"`
	AISummary      string       `json:"aiSummary"`
	ConversationID string       `json:"conversationId"`

	// call_update extras
	UniqueID   string    `json:"uniqueId,omitempty"`
	Event      string    `json:"event,omitempty"`
	State      CallState `json:"state,omitempty"`
	Extension  string    `json:"extension,omitempty"`
	Duration   int       `json:"duration,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
}

// RecordMatch is a contact or account resolved from the record store.
type RecordMatch struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CallMessage struct {
	Type     string   `json:"type"`
	CallData CallData `json:"callData"`
}

type TranscriptionMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Summary        string `json:"summary"`
	CallSuccessful bool   `json:"callSuccessful"`
	Timestamp      int64  `json:"timestamp"`
}
