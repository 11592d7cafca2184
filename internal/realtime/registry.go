// Package realtime tracks operator websocket connections and fans call status
// out to them. Delivery is best-effort: a failed write drops the connection.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/model"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the registry writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Predicate selects connections by operator identity.
type Predicate func(model.Identity) bool

func MatchOperator(operatorID string) Predicate {
	return func(id model.Identity) bool {
		return operatorID != "" && id.OperatorID == operatorID
	}
}

func MatchExtension(extension string) Predicate {
	return func(id model.Identity) bool {
		return extension != "" && id.Extension == extension
	}
}

type connection struct {
	id           string
	conn         Conn
	identity     *model.Identity
	awaitingPong bool
	connectedAt  time.Time
	writeMu      sync.Mutex
}

type Registry struct {
	conns        map[string]*connection
	mu           sync.RWMutex
	maxConns     int
	pingInterval time.Duration
	writeTimeout time.Duration
	closed       bool
	done         chan struct{}
	closeOnce    sync.Once
}

func NewRegistry(maxConns int, pingInterval time.Duration) *Registry {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Registry{
		conns:        make(map[string]*connection),
		maxConns:     maxConns,
		pingInterval: pingInterval,
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
}

// Register admits a socket and returns its connection id. When the registry is
// full it returns CAPACITY_EXCEEDED and the caller must close the socket.
func (r *Registry) Register(conn Conn) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", apperrors.Internal("registry is closed")
	}
	if len(r.conns) >= r.maxConns {
		r.mu.Unlock()
		return "", apperrors.CapacityExceeded(r.maxConns)
	}

	c := &connection{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
	}
	r.conns[c.id] = c
	count := len(r.conns)
	r.mu.Unlock()

	log.Info().
		Str("clientId", c.id).
		Int("clientCount", count).
		Msg("realtime client connected")

	return c.id, nil
}

// Unregister removes and closes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	count := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = c.conn.Close()

	log.Info().
		Str("clientId", id).
		Int("clientCount", count).
		Msg("realtime client disconnected")
}

// Identify attaches operator identity to a connection; re-identification
// overwrites.
func (r *Registry) Identify(id string, identity model.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.identity = &identity
	return true
}

func (r *Registry) Identity(id string) (*model.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok || c.identity == nil {
		return nil, false
	}
	identity := *c.identity
	return &identity, true
}

// MarkAlive records a pong (or any inbound frame) for the connection.
func (r *Registry) MarkAlive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.awaitingPong = false
	}
}

// SendTo delivers msg to one connection. It returns false if the connection is
// unknown or the write failed.
func (r *Registry) SendTo(id string, msg any) bool {
	data, ok := encode(msg)
	if !ok {
		return false
	}

	r.mu.RLock()
	c, exists := r.conns[id]
	r.mu.RUnlock()
	if !exists {
		return false
	}
	return r.write(c, data)
}

// SendToIdentity delivers msg to every identified connection matching pred.
// Zero matches is a normal outcome.
func (r *Registry) SendToIdentity(pred Predicate, msg any) int {
	data, ok := encode(msg)
	if !ok {
		return 0
	}

	r.mu.RLock()
	targets := make([]*connection, 0)
	for _, c := range r.conns {
		if c.identity != nil && pred(*c.identity) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	return r.writeAll(targets, data)
}

// Broadcast delivers msg to every connection except exclude.
func (r *Registry) Broadcast(msg any, exclude string) int {
	data, ok := encode(msg)
	if !ok {
		return 0
	}

	r.mu.RLock()
	targets := make([]*connection, 0, len(r.conns))
	for id, c := range r.conns {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	return r.writeAll(targets, data)
}

// LivenessSweep closes connections that never answered the previous probe and
// probes the rest.
func (r *Registry) LivenessSweep() {
	r.mu.Lock()
	var stale, probe []*connection
	for id, c := range r.conns {
		if c.awaitingPong {
			delete(r.conns, id)
			stale = append(stale, c)
			continue
		}
		c.awaitingPong = true
		probe = append(probe, c)
	}
	r.mu.Unlock()

	for _, c := range stale {
		_ = c.conn.Close()
		log.Info().Str("clientId", c.id).Msg("realtime client unresponsive, closed")
	}

	for _, c := range probe {
		deadline := time.Now().Add(r.writeTimeout)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			log.Debug().Err(err).Str("clientId", c.id).Msg("ping failed, dropping connection")
			r.drop(c)
		}
	}
}

// Start runs the liveness sweep on the configured interval until Close.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(r.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.LivenessSweep()
			}
		}
	}()
	log.Info().Dur("interval", r.pingInterval).Msg("realtime liveness sweep started")
}

// Close notifies every connection of shutdown, closes the sockets, clears the
// registry and stops the liveness sweep.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)

		r.mu.Lock()
		conns := r.conns
		r.conns = make(map[string]*connection)
		r.closed = true
		r.mu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		for _, c := range conns {
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.writeTimeout))
			_ = c.conn.Close()
		}

		log.Info().Int("clientCount", len(conns)).Msg("realtime registry closed")
	})
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) IdentifiedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.conns {
		if c.identity != nil {
			n++
		}
	}
	return n
}

func (r *Registry) writeAll(targets []*connection, data []byte) int {
	sent := 0
	for _, c := range targets {
		if r.write(c, data) {
			sent++
		}
	}
	return sent
}

func (r *Registry) write(c *connection, data []byte) bool {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("clientId", c.id).Msg("realtime send failed, dropping connection")
		r.drop(c)
		return false
	}
	return true
}

func (r *Registry) drop(c *connection) {
	r.mu.Lock()
	if current, ok := r.conns[c.id]; ok && current == c {
		delete(r.conns, c.id)
	}
	r.mu.Unlock()
	_ = c.conn.Close()
}

func encode(msg any) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal realtime message")
		return nil, false
	}
	return data, true
}
