package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/callbridge/pbx-bridge-go/internal/audit"
	"github.com/callbridge/pbx-bridge-go/internal/config"
	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/model"
	"github.com/callbridge/pbx-bridge-go/internal/realtime"
)

type RealtimeHandler struct {
	registry *realtime.Registry
	upgrader websocket.Upgrader
}

func NewRealtimeHandler(registry *realtime.Registry) *RealtimeHandler {
	return &RealtimeHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(config.WSReadLimitBytes)

	id, err := h.registry.Register(conn)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeCapacityExceeded) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventCapacityRejected})
		}
		log.Warn().Err(err).Msg("realtime client rejected")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections")
		_ = conn.WriteControl(websocket.CloseMessage, msg, timeNow().Add(config.WSWriteTimeout))
		_ = conn.Close()
		return
	}
	defer h.registry.Unregister(id)

	conn.SetPongHandler(func(string) error {
		h.registry.MarkAlive(id)
		return nil
	})

	h.registry.SendTo(id, model.ConnectedMessage{Type: model.MessageConnected, ClientID: id})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("clientId", id).Msg("realtime read error")
			}
			return
		}
		h.handleMessage(r, id, data)
	}
}

func (h *RealtimeHandler) handleMessage(r *http.Request, id string, data []byte) {
	var msg model.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Str("clientId", id).Msg("realtime message is not JSON")
		return
	}

	switch msg.Type {
	case model.ClientMessageRegister:
		identity := model.Identity{
			OperatorID:  msg.AgentID,
			DisplayName: msg.AgentName,
			Extension:   msg.Extension,
		}
		h.registry.Identify(id, identity)
		audit.LogFromRequest(r, audit.Event{
			Type:         audit.EventAgentRegistered,
			OperatorID:   msg.AgentID,
			ConnectionID: id,
			Details:      map[string]interface{}{"extension": msg.Extension},
		})
		h.registry.SendTo(id, model.RegisteredMessage{Type: model.MessageRegistered, AgentID: msg.AgentID})

	case model.ClientMessagePing:
		h.registry.MarkAlive(id)
		h.registry.SendTo(id, model.PongMessage{Type: model.MessagePong})

	case model.ClientMessageGetStatus:
		identity, _ := h.registry.Identity(id)
		h.registry.SendTo(id, model.StatusMessage{
			Type:      model.MessageStatus,
			Connected: true,
			ClientID:  id,
			Metadata:  identity,
		})

	default:
		log.Debug().Str("clientId", id).Str("type", msg.Type).Msg("unknown realtime message type")
	}
}
