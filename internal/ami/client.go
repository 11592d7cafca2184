// Package ami is a client for the Asterisk Manager Interface that turns
// manager events into call events.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callbridge/pbx-bridge-go/internal/model"
)

const (
	dialTimeout  = 10 * time.Second
	loginTimeout = 10 * time.Second
	eventBuffer  = 256
)

var (
	ErrLoginRejected    = errors.New("manager login rejected")
	ErrAlreadyConnected = errors.New("manager session already running")
)

type Config struct {
	Addr                 string
	Username             string
	Secret               string
	Reconnect            bool
	ReconnectDelay       time.Duration
	InboundContexts      []string
	ConversationVariable string
}

type Client struct {
	cfg    Config
	parser *Parser

	// serializes Connect and Disconnect
	lifecycle sync.Mutex

	connected atomic.Bool
	mu        sync.Mutex
	events    chan model.CallEvent
	// set once the session owning events has ended
	eventsClosed bool
	conn         net.Conn
	cancel       context.CancelFunc
	done         chan struct{}
	now          func() time.Time
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		parser: NewParser(cfg.InboundContexts, cfg.ConversationVariable),
		events: make(chan model.CallEvent, eventBuffer),
		now:    time.Now,
	}
}

// Events returns the channel of the current session. It is closed when the
// session ends; a later Connect starts a new channel.
func (c *Client) Events() <-chan model.CallEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials and logs in, then reads events in the background. A failed
// first attempt is returned unless reconnect is enabled, in which case the
// background loop keeps retrying.
func (c *Client) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running() {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)

	conn, reader, err := c.dial(ctx)
	if err != nil && !c.cfg.Reconnect {
		cancel()
		return err
	}
	if err != nil {
		log.Warn().Err(err).Str("addr", c.cfg.Addr).Msg("manager connection failed, will retry")
	}

	c.mu.Lock()
	if c.cancel != nil {
		// release the context of a session that ended on its own
		c.cancel()
	}
	if c.eventsClosed {
		c.events = make(chan model.CallEvent, eventBuffer)
		c.eventsClosed = false
	}
	events := c.events
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(ctx, conn, reader, events, done)
	return nil
}

func (c *Client) running() bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Disconnect stops the read loop and closes the socket.
func (c *Client) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	log.Info().Msg("manager connection closed")
}

func (c *Client) loop(ctx context.Context, conn net.Conn, reader *bufio.Reader, events chan model.CallEvent, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.eventsClosed = true
		c.mu.Unlock()
		close(events)
	}()

	for {
		if conn != nil {
			err := c.readEvents(ctx, reader, events)
			c.connected.Store(false)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("addr", c.cfg.Addr).Msg("manager connection lost")
		}

		if !c.cfg.Reconnect {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		var err error
		conn, reader, err = c.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Str("addr", c.cfg.Addr).Msg("manager reconnect failed")
			conn = nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial manager: %w", err)
	}

	reader := bufio.NewReader(conn)
	if err := c.login(conn, reader); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	log.Info().Str("addr", c.cfg.Addr).Msg("manager connected")
	return conn, reader, nil
}

func (c *Client) login(conn net.Conn, reader *bufio.Reader) error {
	_ = conn.SetDeadline(time.Now().Add(loginTimeout))
	defer conn.SetDeadline(time.Time{})

	banner, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read banner: %w", err)
	}
	log.Debug().Str("banner", strings.TrimSpace(banner)).Msg("manager banner")

	action := fmt.Sprintf("Action: Login\r\nUsername: %s\r\nSecret: %s\r\nEvents: on\r\n\r\n", c.cfg.Username, c.cfg.Secret)
	if _, err := conn.Write([]byte(action)); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	for {
		msg, err := readMessage(reader)
		if err != nil {
			return fmt.Errorf("read login response: %w", err)
		}
		switch msg.Get("Response") {
		case "Success":
			return nil
		case "Error":
			return fmt.Errorf("%w: %s", ErrLoginRejected, msg.Get("Message"))
		}
		// events may arrive ahead of the response
	}
}

func (c *Client) readEvents(ctx context.Context, reader *bufio.Reader, events chan<- model.CallEvent) error {
	for {
		msg, err := readMessage(reader)
		if err != nil {
			return err
		}
		if msg.Get("Event") == "" {
			continue
		}

		ev, ok := c.parser.Parse(msg, c.now())
		if !ok {
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readMessage reads one blank-line terminated block of "Key: Value" lines.
func readMessage(reader *bufio.Reader) (Message, error) {
	msg := Message{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(msg) == 0 {
				continue
			}
			return msg, nil
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		msg[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
}
