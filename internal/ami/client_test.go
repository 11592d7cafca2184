package ami

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callbridge/pbx-bridge-go/internal/model"
)

// fakeManager accepts manager connections and runs session for each.
type fakeManager struct {
	listener net.Listener
	accepted chan net.Conn
}

func newFakeManager(t *testing.T) *fakeManager {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := &fakeManager{listener: ln, accepted: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			m.accepted <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *fakeManager) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-m.accepted:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no manager connection accepted")
		return nil
	}
}

// handshake sends the banner, reads the login action and answers it.
func handshake(t *testing.T, conn net.Conn, response string) Message {
	t.Helper()
	_, err := conn.Write([]byte("Asterisk Call Manager/5.0.1\r\n"))
	require.NoError(t, err)

	login, err := readMessage(bufio.NewReader(conn))
	require.NoError(t, err)

	_, err = conn.Write([]byte(response))
	require.NoError(t, err)
	return login
}

func receive(t *testing.T, events <-chan model.CallEvent) model.CallEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no call event received")
		return model.CallEvent{}
	}
}

func TestClient_LoginAndEvents(t *testing.T) {
	mgr := newFakeManager(t)
	client := NewClient(Config{
		Addr:                 mgr.listener.Addr().String(),
		Username:             "bridge",
		Secret:               "pw",
		ConversationVariable: "CONVERSATION_ID",
	})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect(context.Background()) }()

	conn := mgr.next(t)
	defer conn.Close()
	login := handshake(t, conn, "Response: Success\r\nMessage: Authentication accepted\r\n\r\n")
	require.NoError(t, <-errCh)

	assert.Equal(t, "Login", login.Get("Action"))
	assert.Equal(t, "bridge", login.Get("Username"))
	assert.Equal(t, "pw", login.Get("Secret"))
	assert.True(t, client.Connected())

	_, err := conn.Write([]byte(strings.Join([]string{
		"Event: FullyBooted\r\nStatus: Fully Booted\r\n\r\n",
		"Event: Newchannel\r\nChannel: PJSIP/trunk-1\r\nUniqueid: 1.1\r\nCallerIDNum: +15550001\r\nExten: 200\r\nContext: from-trunk\r\n\r\n",
		"Event: Hangup\r\nUniqueid: 1.1\r\nCause: 16\r\nCause-txt: Normal Clearing\r\n\r\n",
	}, "")))
	require.NoError(t, err)

	ev := receive(t, client.Events())
	assert.Equal(t, model.CallEventNew, ev.Kind)
	assert.Equal(t, "+15550001", ev.CallerNumber)
	assert.Equal(t, "200", ev.Extension)

	ev = receive(t, client.Events())
	assert.Equal(t, model.CallEventHangup, ev.Kind)
	assert.Equal(t, "Normal Clearing", ev.Cause)

	client.Disconnect()
	assert.False(t, client.Connected())
	_, open := <-client.Events()
	assert.False(t, open, "events channel closes on disconnect")
}

func TestClient_LoginRejected(t *testing.T) {
	mgr := newFakeManager(t)
	client := NewClient(Config{Addr: mgr.listener.Addr().String(), Username: "bridge", Secret: "wrong"})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect(context.Background()) }()

	conn := mgr.next(t)
	defer conn.Close()
	handshake(t, conn, "Response: Error\r\nMessage: Authentication failed\r\n\r\n")

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoginRejected))
	assert.False(t, client.Connected())
}

func TestClient_ReconnectsAfterConnectionLoss(t *testing.T) {
	mgr := newFakeManager(t)
	client := NewClient(Config{
		Addr:           mgr.listener.Addr().String(),
		Username:       "bridge",
		Reconnect:      true,
		ReconnectDelay: 20 * time.Millisecond,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect(context.Background()) }()

	first := mgr.next(t)
	handshake(t, first, "Response: Success\r\n\r\n")
	require.NoError(t, <-errCh)
	first.Close()

	second := mgr.next(t)
	defer second.Close()
	handshake(t, second, "Response: Success\r\n\r\n")

	_, err := second.Write([]byte("Event: Newstate\r\nUniqueid: 2.2\r\nChannelState: 6\r\n\r\n"))
	require.NoError(t, err)

	ev := receive(t, client.Events())
	assert.Equal(t, "2.2", ev.CorrelationKey)
	assert.Equal(t, model.CallStateConnected, ev.State)
	assert.True(t, client.Connected())

	client.Disconnect()
}

func TestClient_ConnectFailureWithoutReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := NewClient(Config{Addr: addr})
	err = client.Connect(context.Background())
	assert.Error(t, err)
	assert.False(t, client.Connected())
}

func TestClient_ConnectAgainAfterDisconnect(t *testing.T) {
	mgr := newFakeManager(t)
	client := NewClient(Config{Addr: mgr.listener.Addr().String(), Username: "bridge"})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect(context.Background()) }()
	first := mgr.next(t)
	defer first.Close()
	handshake(t, first, "Response: Success\r\n\r\n")
	require.NoError(t, <-errCh)

	assert.ErrorIs(t, client.Connect(context.Background()), ErrAlreadyConnected)

	firstEvents := client.Events()
	client.Disconnect()
	_, open := <-firstEvents
	assert.False(t, open)

	go func() { errCh <- client.Connect(context.Background()) }()
	second := mgr.next(t)
	defer second.Close()
	handshake(t, second, "Response: Success\r\n\r\n")
	require.NoError(t, <-errCh)
	assert.True(t, client.Connected())

	_, err := second.Write([]byte("Event: Hangup\r\nUniqueid: 3.3\r\nCause: 16\r\nCause-txt: Normal Clearing\r\n\r\n"))
	require.NoError(t, err)

	ev := receive(t, client.Events())
	assert.Equal(t, model.CallEventHangup, ev.Kind)
	assert.Equal(t, "3.3", ev.CorrelationKey)

	client.Disconnect()
	_, open = <-client.Events()
	assert.False(t, open)
}
