package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realtime-chat/internal/config"
	"realtime-chat/internal/registry"
	"realtime-chat/internal/types"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsPeer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []types.Envelope
}

func startHub(t *testing.T) (*Hub, *registry.Registry, string) {
	t.Helper()
	return startHubWith(t, ServeConfig{
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 4096,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
}

func startHubWith(t *testing.T, cfg ServeConfig) (*Hub, *registry.Registry, string) {
	t.Helper()
	reg := registry.New()
	router := NewRouter(reg, RouterConfig{DefaultRoom: "general"}, nil, nil)
	hub := NewHub(router, nil, nil)
	go hub.Run()

	srv := httptest.NewServer(ServeWS(hub, cfg))
	t.Cleanup(func() {
		hub.Stop()
		<-hub.Done()
		srv.Close()
	})
	return hub, reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialPeer(t *testing.T, url string) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	p := &wsPeer{t: t, conn: conn}
	p.expect(types.EventOnlineUsers)
	return p
}

func (p *wsPeer) send(t types.EventType, payload any) {
	p.t.Helper()
	env, err := types.NewEnvelope(t, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(env))
}

func (p *wsPeer) next(timeout time.Duration) (types.Envelope, bool) {
	if len(p.pending) > 0 {
		env := p.pending[0]
		p.pending = p.pending[1:]
		return env, true
	}
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	_, frame, err := p.conn.ReadMessage()
	if err != nil {
		return types.Envelope{}, false
	}
	for _, raw := range bytes.Split(frame, []byte{'\n'}) {
		var env types.Envelope
		if json.Unmarshal(raw, &env) == nil {
			p.pending = append(p.pending, env)
		}
	}
	return p.next(timeout)
}

// expect skips events until one of type t arrives.
func (p *wsPeer) expect(t types.EventType) types.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env, ok := p.next(time.Until(deadline))
		if !ok {
			break
		}
		if env.Type == t {
			return env
		}
	}
	p.t.Fatalf("timed out waiting for %s", t)
	return types.Envelope{}
}

// drain collects every event that arrives within d.
func (p *wsPeer) drain(d time.Duration) []types.Envelope {
	var out []types.Envelope
	for {
		env, ok := p.next(d)
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func (p *wsPeer) login(identity string, room string) {
	p.t.Helper()
	p.send(types.EventAnnounce, identity)
	p.expect(types.EventOnlineUsers)
	p.send(types.EventJoinRoom, room)
	p.expect(types.EventRoomMessages)
}

func TestHubDeliversMessageOnlyToOtherSubscribers(t *testing.T) {
	_, _, url := startHub(t)
	alice := dialPeer(t, url)
	bob := dialPeer(t, url)

	alice.login("alice", "general")
	bob.login("bob", "general")

	alice.send(types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Room: "general"}, Message: "hi",
	})

	env := bob.expect(types.EventMessage)
	var p types.MessagePayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "hi", p.Message.Message)
	assert.Equal(t, "alice", p.Message.User)

	for _, e := range bob.drain(150 * time.Millisecond) {
		assert.NotEqual(t, types.EventMessage, e.Type, "bob must see the message exactly once")
	}
	for _, e := range alice.drain(150 * time.Millisecond) {
		assert.NotEqual(t, types.EventMessage, e.Type, "the sender gets no echo")
	}
}

func defaultLimits() ServeConfig {
	return ServeConfig{
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 4096,
		RateLimitRPS:   config.DefaultRateLimitRPS,
		RateLimitBurst: config.DefaultRateLimitBurst,
	}
}

func (p *wsPeer) say(body string) string {
	p.t.Helper()
	id := uuid.NewString()
	p.send(types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Room: "general"}, Message: body, ClientID: id,
	})
	return id
}

func TestHubDefaultLimitsAdmitAFullBurstAfterHandshake(t *testing.T) {
	_, _, url := startHubWith(t, defaultLimits())
	alice := dialPeer(t, url)
	bob := dialPeer(t, url)
	alice.login("alice", "general")
	alice.send(types.EventGetOnlineUsers, nil)
	alice.expect(types.EventOnlineUsers)
	bob.login("bob", "general")

	for i := 0; i < config.DefaultRateLimitBurst; i++ {
		alice.say(fmt.Sprintf("m%d", i))
	}
	for i := 0; i < config.DefaultRateLimitBurst; i++ {
		bob.expect(types.EventMessage)
	}

	carol := dialPeer(t, url)
	carol.send(types.EventAnnounce, "carol")
	carol.expect(types.EventOnlineUsers)
	carol.send(types.EventJoinRoom, "general")
	var snapshot types.RoomMessagesPayload
	require.NoError(t, carol.expect(types.EventRoomMessages).Decode(&snapshot))
	assert.Len(t, snapshot.Messages, config.DefaultRateLimitBurst)

	for _, e := range alice.drain(150 * time.Millisecond) {
		assert.NotEqual(t, types.EventRateLimited, e.Type)
	}
}

func TestHubRefusedSendsAreReportedToSender(t *testing.T) {
	_, reg, url := startHubWith(t, defaultLimits())
	alice := dialPeer(t, url)
	bob := dialPeer(t, url)
	alice.login("alice", "general")
	bob.login("bob", "general")

	const total = config.DefaultRateLimitBurst + 5
	for i := 0; i < total; i++ {
		alice.say(fmt.Sprintf("m%d", i))
	}

	refused := map[string]bool{}
	for _, e := range alice.drain(300 * time.Millisecond) {
		if e.Type != types.EventRateLimited {
			continue
		}
		var n types.RateLimitedPayload
		require.NoError(t, e.Decode(&n))
		assert.Equal(t, types.EventSendMessage, n.Event)
		assert.Equal(t, "general", n.Room)
		refused[n.MessageID] = true
	}
	var delivered []string
	for _, e := range bob.drain(300 * time.Millisecond) {
		if e.Type != types.EventMessage {
			continue
		}
		var p types.MessagePayload
		require.NoError(t, e.Decode(&p))
		assert.False(t, refused[p.Message.ID], "a refused message must not reach peers")
		delivered = append(delivered, p.Message.ID)
	}

	assert.NotEmpty(t, refused)
	assert.Equal(t, total, len(refused)+len(delivered))
	assert.Len(t, reg.Messages("general"), len(delivered))
}

func TestHubDisconnectUpdatesOnlineUsers(t *testing.T) {
	_, reg, url := startHub(t)
	alice := dialPeer(t, url)
	bob := dialPeer(t, url)

	alice.login("alice", "general")
	bob.login("bob", "general")

	require.NoError(t, alice.conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := bob.expect(types.EventOnlineUsers)
		var users []string
		require.NoError(t, env.Decode(&users))
		if !contains(users, "alice") {
			assert.Equal(t, []string{"bob"}, users)
			assert.Len(t, reg.Subscribers("general"), 1)
			return
		}
	}
	t.Fatal("alice never left the online set")
}

func TestHubIdentityTakeoverClosesOldConnection(t *testing.T) {
	_, _, url := startHub(t)
	first := dialPeer(t, url)
	second := dialPeer(t, url)

	first.send(types.EventAnnounce, "alice")
	first.expect(types.EventOnlineUsers)
	second.send(types.EventAnnounce, "alice")
	second.expect(types.EventOnlineUsers)

	expectClosed(t, first.conn)
}

func TestHubStopClosesClients(t *testing.T) {
	hub, _, url := startHub(t)
	peer := dialPeer(t, url)

	hub.Stop()
	<-hub.Done()

	expectClosed(t, peer.conn)
}

// expectClosed reads until the server closes the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("connection was not closed: %v", err)
		}
		return
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
