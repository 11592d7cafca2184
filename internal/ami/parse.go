package ami

import (
	"strings"
	"time"

	"github.com/callbridge/pbx-bridge-go/internal/model"
)

// Message is one manager block. Keys are lower-cased.
type Message map[string]string

func (m Message) Get(key string) string {
	return m[strings.ToLower(key)]
}

// Parser maps manager events onto call events.
type Parser struct {
	inboundContexts      map[string]bool
	conversationVariable string
}

// NewParser builds a parser. With no inbound contexts every new channel is
// accepted.
func NewParser(inboundContexts []string, conversationVariable string) *Parser {
	contexts := make(map[string]bool, len(inboundContexts))
	for _, c := range inboundContexts {
		if c = strings.TrimSpace(c); c != "" {
			contexts[c] = true
		}
	}
	return &Parser{
		inboundContexts:      contexts,
		conversationVariable: conversationVariable,
	}
}

// Parse returns the call event for msg, or false when the message is not a
// call-control event the bridge follows.
func (p *Parser) Parse(msg Message, now time.Time) (model.CallEvent, bool) {
	ev := model.CallEvent{
		CorrelationKey: msg.Get("Uniqueid"),
		CallerNumber:   cleanCallerID(msg.Get("CallerIDNum")),
		CallerName:     cleanCallerID(msg.Get("CallerIDName")),
		Channel:        msg.Get("Channel"),
		Timestamp:      now,
	}

	switch msg.Get("Event") {
	case "Newchannel":
		if len(p.inboundContexts) > 0 && !p.inboundContexts[msg.Get("Context")] {
			return ev, false
		}
		ev.Kind = model.CallEventNew
		ev.Extension = msg.Get("Exten")

	case "Newstate":
		switch msg.Get("ChannelState") {
		case "4", "5":
			ev.State = model.CallStateRinging
		case "6":
			ev.State = model.CallStateConnected
		default:
			return ev, false
		}
		ev.Kind = model.CallEventStateChange

	case "DialBegin":
		ev.Kind = model.CallEventDial
		ev.Destination = firstNonEmpty(msg.Get("DestCallerIDNum"), msg.Get("DialString"))

	case "Dial":
		if msg.Get("SubEvent") != "Begin" {
			return ev, false
		}
		ev.Kind = model.CallEventDial
		ev.Destination = firstNonEmpty(msg.Get("DestCallerIDNum"), msg.Get("Dialstring"))

	case "BridgeEnter":
		ev.Kind = model.CallEventBridge
		ev.BridgePeer = msg.Get("BridgeUniqueid")

	case "Bridge":
		ev.Kind = model.CallEventBridge
		ev.CorrelationKey = firstNonEmpty(msg.Get("Uniqueid1"), ev.CorrelationKey)
		ev.BridgePeer = msg.Get("Uniqueid2")

	case "Hangup":
		ev.Kind = model.CallEventHangup
		ev.CauseCode = msg.Get("Cause")
		ev.Cause = msg.Get("Cause-txt")

	case "VarSet":
		if p.conversationVariable == "" || msg.Get("Variable") != p.conversationVariable {
			return ev, false
		}
		value := strings.TrimSpace(msg.Get("Value"))
		if value == "" {
			return ev, false
		}
		ev.Kind = model.CallEventStateChange
		ev.ConversationID = value

	default:
		return ev, false
	}

	if ev.CorrelationKey == "" {
		return ev, false
	}
	return ev, true
}

// cleanCallerID drops the placeholders Asterisk uses for unknown caller id.
func cleanCallerID(v string) string {
	if v == "<unknown>" {
		return ""
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
