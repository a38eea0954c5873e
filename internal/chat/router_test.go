package chat

import (
	"fmt"
	"testing"
	"time"

	"realtime-chat/internal/registry"
	"realtime-chat/internal/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routerFixture struct {
	t      *testing.T
	reg    *registry.Registry
	router *Router
	seq    int
}

func newFixture(t *testing.T, cfg RouterConfig) *routerFixture {
	t.Helper()
	reg := registry.New()
	router := NewRouter(reg, cfg, nil, nil)
	f := &routerFixture{t: t, reg: reg, router: router}
	router.newID = func() string {
		f.seq++
		return fmt.Sprintf("id-%03d", f.seq)
	}
	router.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *routerFixture) event(conn registry.ConnID, t types.EventType, payload any) Result {
	f.t.Helper()
	env, err := types.NewEnvelope(t, payload)
	require.NoError(f.t, err)
	return f.router.Handle(Inbound{Conn: conn, Event: env})
}

// connect opens a connection, announces identity and joins rooms.
func (f *routerFixture) connect(conn registry.ConnID, identity string, rooms ...string) {
	f.t.Helper()
	f.router.Connect(conn)
	if identity != "" {
		f.event(conn, types.EventAnnounce, identity)
	}
	for _, room := range rooms {
		f.event(conn, types.EventJoinRoom, room)
	}
}

func find(res Result, t types.EventType) []Outbound {
	var out []Outbound
	for _, o := range res.Out {
		if o.Event.Type == t {
			out = append(out, o)
		}
	}
	return out
}

func decodeOut[T any](t *testing.T, o Outbound) T {
	t.Helper()
	var v T
	require.NoError(t, o.Event.Decode(&v))
	return v
}

func TestConnectJoinsDefaultRoomAndSendsOnlineUsers(t *testing.T) {
	f := newFixture(t, RouterConfig{DefaultRoom: "general"})
	f.connect("c1", "alice")

	res := f.router.Connect("c2")
	online := find(res, types.EventOnlineUsers)
	require.Len(t, online, 1)
	assert.Equal(t, []registry.ConnID{"c2"}, online[0].To)
	assert.Equal(t, []string{"alice"}, decodeOut[[]string](t, online[0]))
	assert.ElementsMatch(t, []registry.ConnID{"c1", "c2"}, f.reg.Subscribers("general"))
}

func TestAnnounceBroadcastsOnlineUsersToEveryone(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.router.Connect("c1")
	f.router.Connect("c2")

	res := f.event("c1", types.EventAnnounce, "alice")
	online := find(res, types.EventOnlineUsers)
	require.Len(t, online, 1)
	assert.ElementsMatch(t, []registry.ConnID{"c1", "c2"}, online[0].To)

	res = f.event("c1", types.EventAnnounce, "alice2")
	assert.Empty(t, res.Out, "duplicate announce is silent")
}

func TestAnnounceTakeoverEvictsOldConnection(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("old", "alice")
	f.router.Connect("new")

	res := f.event("new", types.EventAnnounce, "alice")
	assert.Equal(t, []registry.ConnID{"old"}, res.Evict)
}

func TestAnnounceBoundToToken(t *testing.T) {
	f := newFixture(t, RouterConfig{BindTokenIdentity: true})
	f.router.Connect("c1")

	env, _ := types.NewEnvelope(types.EventAnnounce, "mallory")
	res := f.router.Handle(Inbound{Conn: "c1", Verified: "alice", Event: env})
	assert.Empty(t, res.Out)
	_, ok := f.reg.Identity("c1")
	assert.False(t, ok)

	env, _ = types.NewEnvelope(types.EventAnnounce, "alice")
	f.router.Handle(Inbound{Conn: "c1", Verified: "alice", Event: env})
	identity, _ := f.reg.Identity("c1")
	assert.Equal(t, "alice", identity)
}

func TestSendMessageFansOutToOthersOnly(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	f.connect("b", "bob", "general")

	res := f.event("a", types.EventSendMessage, types.SendMessagePayload{
		Target:  types.Target{Room: "general"},
		Message: "hi",
	})

	msgs := find(res, types.EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, []registry.ConnID{"b"}, msgs[0].To)

	p := decodeOut[types.MessagePayload](t, msgs[0])
	assert.Equal(t, "general", p.Room)
	assert.Equal(t, "alice", p.Message.User)
	assert.Equal(t, "hi", p.Message.Message)
	assert.Equal(t, []string{"alice"}, p.Message.ReadBy)
	assert.NotEmpty(t, p.Message.ID)

	assert.Len(t, f.reg.Messages("general"), 1)
}

func TestSendMessageWithoutIdentityIsDropped(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("anon", "", "general")

	res := f.event("anon", types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Room: "general"}, Message: "hi",
	})
	assert.Empty(t, res.Out)
	assert.Empty(t, f.reg.Messages("general"))
}

func TestSendMessageAdoptsClientID(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")

	proposed := uuid.NewString()
	send := func() {
		f.event("a", types.EventSendMessage, types.SendMessagePayload{
			Target: types.Target{Room: "general"}, Message: "x", ClientID: proposed,
		})
	}
	send()
	send()
	f.event("a", types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Room: "general"}, Message: "y", ClientID: "not-a-uuid",
	})

	log := f.reg.Messages("general")
	require.Len(t, log, 3)
	assert.Equal(t, proposed, log[0].ID)
	assert.Equal(t, "id-001", log[1].ID, "a reused id is replaced")
	assert.Equal(t, "id-002", log[2].ID)
}

func TestClientIDReusedAcrossRoomsIsReplaced(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general", "tech")

	proposed := uuid.NewString()
	f.event("a", types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Room: "general"}, Message: "x", ClientID: proposed,
	})
	f.event("a", types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Room: "tech"}, Message: "x", ClientID: proposed,
	})

	assert.Equal(t, proposed, f.reg.Messages("general")[0].ID)
	assert.Equal(t, "id-001", f.reg.Messages("tech")[0].ID)
}

func TestReplySnapshotUsesStoredMessage(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	f.event("a", types.EventSendMessage, types.SendMessagePayload{Target: types.Target{Room: "general"}, Message: "original"})

	f.event("a", types.EventSendMessage, types.SendMessagePayload{
		Target:  types.Target{Room: "general"},
		Message: "reply",
		ReplyTo: &types.ReplyRef{ID: "id-001", User: "forged", Message: "forged"},
	})
	log := f.reg.Messages("general")
	require.Len(t, log, 2)
	require.NotNil(t, log[1].ReplyTo)
	assert.Equal(t, types.ReplyRef{ID: "id-001", User: "alice", Message: "original"}, *log[1].ReplyTo)
}

func TestPrivateMessageIsStoredButNotAutoSubscribed(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice")
	f.connect("b", "bob")

	f.event("a", types.EventJoinPrivate, "bob")
	res := f.event("a", types.EventSendMessage, types.SendMessagePayload{
		Target:  types.Target{Recipient: "bob", IsPrivate: true},
		Message: "psst",
	})
	assert.Empty(t, find(res, types.EventMessage), "bob is not subscribed yet")

	room := registry.ConversationID("alice", "bob")
	require.Len(t, f.reg.Messages(room), 1)

	res = f.event("b", types.EventJoinPrivate, "alice")
	hist := find(res, types.EventPrivateMessages)
	require.Len(t, hist, 1)
	assert.Equal(t, []registry.ConnID{"b"}, hist[0].To)
	p := decodeOut[types.RoomMessagesPayload](t, hist[0])
	assert.Equal(t, room, p.Room)
	require.Len(t, p.Messages, 1)
	assert.Equal(t, "psst", p.Messages[0].Message)

	res = f.event("b", types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Recipient: "alice", IsPrivate: true}, Message: "hey",
	})
	msgs := find(res, types.EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, []registry.ConnID{"a"}, msgs[0].To)
}

func TestFreshPeerJoinGetsFullLog(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	for i := 0; i < 5; i++ {
		f.event("a", types.EventSendMessage, types.SendMessagePayload{
			Target: types.Target{Room: "general"}, Message: fmt.Sprint(i),
		})
	}

	f.connect("late", "carol")
	res := f.event("late", types.EventJoinRoom, "general")

	hist := find(res, types.EventRoomMessages)
	require.Len(t, hist, 1)
	p := decodeOut[types.RoomMessagesPayload](t, hist[0])
	require.Len(t, p.Messages, 5)
	for i, m := range p.Messages {
		assert.Equal(t, fmt.Sprint(i), m.Message)
	}

	joined := find(res, types.EventUserJoinedRoom)
	require.Len(t, joined, 1)
	assert.Equal(t, []registry.ConnID{"a"}, joined[0].To)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	peers := []string{"bob", "carol", "dave"}
	for i, p := range peers {
		f.connect(registry.ConnID(fmt.Sprint("p", i)), p, "general")
	}
	f.event("a", types.EventSendMessage, types.SendMessagePayload{Target: types.Target{Room: "general"}, Message: "hi"})

	for i := range peers {
		conn := registry.ConnID(fmt.Sprint("p", i))
		for repeat := 0; repeat < 3; repeat++ {
			res := f.event(conn, types.EventMarkAsRead, types.MarkAsReadPayload{
				Target: types.Target{Room: "general"}, MessageID: "id-001",
			})
			receipts := find(res, types.EventReadReceipt)
			if repeat == 0 {
				require.Len(t, receipts, 1)
				assert.Len(t, receipts[0].To, len(peers)+1, "receipt reaches every subscriber including the reader")
			} else {
				assert.Empty(t, receipts)
			}
		}
	}

	stored, ok := f.reg.FindMessage("general", "id-001")
	require.True(t, ok)
	assert.Len(t, stored.ReadBy, len(peers)+1)
}

func TestMarkReadUnknownMessageIsSilent(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	res := f.event("a", types.EventMarkAsRead, types.MarkAsReadPayload{
		Target: types.Target{Room: "general"}, MessageID: "missing",
	})
	assert.Empty(t, res.Out)
}

func TestReactionsDeduplicatePerSymbol(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	f.connect("b", "bob", "general")
	f.event("a", types.EventSendMessage, types.SendMessagePayload{Target: types.Target{Room: "general"}, Message: "hi"})

	react := func(symbol string) Result {
		return f.event("b", types.EventAddReaction, types.AddReactionPayload{
			Target: types.Target{Room: "general"}, MessageID: "id-001", Reaction: symbol,
		})
	}
	require.Len(t, find(react("👍"), types.EventReactionUpdate), 1)
	assert.Empty(t, react("👍").Out)
	require.Len(t, find(react("❤️"), types.EventReactionUpdate), 1)

	stored, _ := f.reg.FindMessage("general", "id-001")
	assert.Equal(t, []string{"bob"}, stored.Reactions["👍"])
	assert.Equal(t, []string{"bob"}, stored.Reactions["❤️"])
}

func TestOnlyAuthorDeletes(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	f.connect("b", "bob", "general")
	f.event("a", types.EventSendMessage, types.SendMessagePayload{Target: types.Target{Room: "general"}, Message: "hi"})

	res := f.event("b", types.EventDeleteMessage, types.DeleteMessagePayload{
		Target: types.Target{Room: "general"}, MessageID: "id-001",
	})
	assert.Empty(t, res.Out)
	assert.Len(t, f.reg.Messages("general"), 1)

	res = f.event("a", types.EventDeleteMessage, types.DeleteMessagePayload{
		Target: types.Target{Room: "general"}, MessageID: "id-001",
	})
	deleted := find(res, types.EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.ElementsMatch(t, []registry.ConnID{"a", "b"}, deleted[0].To)
	assert.Empty(t, f.reg.Messages("general"))
}

func TestDeleteInPrivateConversation(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice")
	f.event("a", types.EventJoinPrivate, "bob")
	f.event("a", types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Recipient: "bob", IsPrivate: true}, Message: "oops",
	})

	f.event("a", types.EventDeleteMessage, types.DeleteMessagePayload{
		Target:    types.Target{Recipient: "bob", IsPrivate: true},
		MessageID: "id-001",
	})
	assert.Empty(t, f.reg.Messages(registry.ConversationID("alice", "bob")))
}

func TestTypingGoesToOthersOnChange(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	f.connect("b", "bob", "general")

	typing := types.TypingPayload{Target: types.Target{Room: "general"}}
	res := f.event("a", types.EventTyping, typing)
	ev := find(res, types.EventUserTyping)
	require.Len(t, ev, 1)
	assert.Equal(t, []registry.ConnID{"b"}, ev[0].To)
	assert.Equal(t, types.UserTypingPayload{User: "alice", Room: "general", Typing: true},
		decodeOut[types.UserTypingPayload](t, ev[0]))

	assert.Empty(t, f.event("a", types.EventTyping, typing).Out)

	res = f.event("a", types.EventStopTyping, typing)
	ev = find(res, types.EventUserTyping)
	require.Len(t, ev, 1)
	assert.False(t, decodeOut[types.UserTypingPayload](t, ev[0]).Typing)
}

func TestDisconnectNotifiesRemainingPeers(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	f.connect("b", "bob", "general")
	f.event("a", types.EventTyping, types.TypingPayload{Target: types.Target{Room: "general"}})

	res := f.router.Disconnect("a")

	stop := find(res, types.EventUserTyping)
	require.Len(t, stop, 1)
	assert.Equal(t, []registry.ConnID{"b"}, stop[0].To)
	assert.False(t, decodeOut[types.UserTypingPayload](t, stop[0]).Typing)

	online := find(res, types.EventOnlineUsers)
	require.Len(t, online, 1)
	assert.Equal(t, []registry.ConnID{"b"}, online[0].To)
	assert.Equal(t, []string{"bob"}, decodeOut[[]string](t, online[0]))

	assert.Equal(t, []registry.ConnID{"b"}, f.reg.Subscribers("general"))

	res = f.event("b", types.EventSendMessage, types.SendMessagePayload{Target: types.Target{Room: "general"}, Message: "anyone?"})
	assert.Empty(t, find(res, types.EventMessage), "nobody else is subscribed")

	assert.Empty(t, f.router.Disconnect("a").Out)
}

func TestUnknownAndMalformedEventsAreDropped(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")

	res := f.router.Handle(Inbound{Conn: "a", Event: types.Envelope{Type: "explode"}})
	assert.Empty(t, res.Out)

	res = f.router.Handle(Inbound{Conn: "a", Event: types.Envelope{Type: types.EventSendMessage, Data: []byte(`{"room":`)}})
	assert.Empty(t, res.Out)
}

func TestUnknownEventTypesShareOneMetricLabel(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice")
	for i := 0; i < 50; i++ {
		f.event("a", types.EventType(fmt.Sprintf("junk-%d", i)), "x")
	}
	f.event("a", types.EventGetOnlineUsers, nil)

	received := f.router.metrics.EventsReceived
	assert.Equal(t, 50.0, testutil.ToFloat64(received.WithLabelValues("unknown")))
	// announce, getOnlineUsers and unknown.
	assert.Equal(t, 3, testutil.CollectAndCount(received))
}

func TestAnnounceRejectsSeparatorInIdentity(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.router.Connect("c1")

	res := f.event("c1", types.EventAnnounce, "a-b")
	assert.Empty(t, res.Out)
	_, ok := f.reg.Identity("c1")
	assert.False(t, ok)
}

func TestThrottledSendIsRefusedWithNotice(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	f.connect("a", "alice", "general")
	f.connect("b", "bob", "general")

	env, err := types.NewEnvelope(types.EventSendMessage, types.SendMessagePayload{
		Target: types.Target{Room: "general"}, Message: "hi", ClientID: "cid-1",
	})
	require.NoError(t, err)
	res := f.router.Handle(Inbound{Conn: "a", Event: env, Throttled: true})

	require.Len(t, res.Out, 1)
	assert.Equal(t, []registry.ConnID{"a"}, res.Out[0].To)
	assert.Equal(t, types.EventRateLimited, res.Out[0].Event.Type)
	notice := decodeOut[types.RateLimitedPayload](t, res.Out[0])
	assert.Equal(t, types.RateLimitedPayload{Event: types.EventSendMessage, Room: "general", MessageID: "cid-1"}, notice)
	assert.Empty(t, f.reg.Messages("general"))
}
