package chat

import (
	"encoding/json"
	"strings"
	"time"

	"realtime-chat/internal/metrics"
	"realtime-chat/internal/registry"
	"realtime-chat/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Inbound is one decoded event read from a connection. Verified carries the
// identity proven by the upgrade token, empty when none was presented.
// Throttled marks an event the connection's rate limiter refused.
type Inbound struct {
	Conn      registry.ConnID
	Verified  string
	Event     types.Envelope
	Throttled bool
}

// Outbound is one event addressed to a set of connections.
type Outbound struct {
	To    []registry.ConnID
	Event types.Envelope
}

// Result is everything the hub must do after the router handled an event.
type Result struct {
	Out   []Outbound
	Evict []registry.ConnID
}

type RouterConfig struct {
	DefaultRoom       string
	BindTokenIdentity bool
}

// Router turns inbound events into registry mutations plus outbound events.
// It never blocks and never reports errors back to the peer: events that
// fail validation are dropped.
type Router struct {
	reg     *registry.Registry
	cfg     RouterConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() string
}

func NewRouter(reg *registry.Registry, cfg RouterConfig, log *zap.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Router{
		reg:     reg,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
		newID:   newMessageID,
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Connect registers a new transport, subscribes it to the default room and
// sends it the current online set.
func (r *Router) Connect(id registry.ConnID) Result {
	r.reg.Connect(id)
	if r.cfg.DefaultRoom != "" {
		r.reg.Join(id, r.cfg.DefaultRoom)
	}
	var res Result
	r.emit(&res, []registry.ConnID{id}, types.EventOnlineUsers, r.reg.Online())
	return res
}

// Disconnect tears down the connection and tells the remaining peers.
func (r *Router) Disconnect(id registry.ConnID) Result {
	d := r.reg.Disconnect(id)
	var res Result
	if d.Identity == "" {
		return res
	}
	for _, room := range d.Typing {
		r.emit(&res, r.reg.Subscribers(room), types.EventUserTyping,
			types.UserTypingPayload{User: d.Identity, Room: room, Typing: false})
	}
	for _, room := range d.Rooms {
		r.emit(&res, r.reg.Subscribers(room), types.EventUserLeftRoom,
			types.RoomPresencePayload{Username: d.Identity, Room: room})
	}
	if d.WentOffline {
		online := r.reg.Online()
		r.metrics.OnlineUsers.Set(float64(len(online)))
		r.emit(&res, r.reg.Connections(), types.EventOnlineUsers, online)
	}
	return res
}

// Handle applies one inbound event.
func (r *Router) Handle(in Inbound) Result {
	label := string(in.Event.Type)
	if !types.IsClientEvent(in.Event.Type) {
		label = "unknown"
	}
	r.metrics.EventsReceived.WithLabelValues(label).Inc()

	var res Result
	if in.Throttled {
		r.throttled(&res, in)
		return res
	}
	switch in.Event.Type {
	case types.EventAnnounce:
		r.announce(&res, in)
	case types.EventGetOnlineUsers:
		r.emit(&res, []registry.ConnID{in.Conn}, types.EventOnlineUsers, r.reg.Online())
	case types.EventJoinRoom:
		r.joinRoom(&res, in)
	case types.EventLeaveRoom:
		r.leaveRoom(&res, in)
	case types.EventJoinPrivate:
		r.joinPrivate(&res, in)
	case types.EventSendMessage:
		r.sendMessage(&res, in)
	case types.EventTyping:
		r.setTyping(&res, in, true)
	case types.EventStopTyping:
		r.setTyping(&res, in, false)
	case types.EventMarkAsRead:
		r.markRead(&res, in)
	case types.EventAddReaction:
		r.addReaction(&res, in)
	case types.EventDeleteMessage:
		r.deleteMessage(&res, in)
	default:
		r.drop(in, "unknown_event")
	}
	return res
}

func (r *Router) announce(res *Result, in Inbound) {
	var identity string
	if !r.decode(in, &identity) {
		return
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		r.drop(in, "empty_identity")
		return
	}
	if !types.ValidIdentity(identity) {
		r.drop(in, "invalid_identity")
		return
	}
	if r.cfg.BindTokenIdentity && identity != in.Verified {
		r.drop(in, "identity_mismatch")
		return
	}
	displaced, ok := r.reg.Announce(in.Conn, identity)
	if !ok {
		r.drop(in, "already_announced")
		return
	}
	if displaced != "" {
		res.Evict = append(res.Evict, displaced)
	}
	r.log.Info("identity announced", zap.String("conn", string(in.Conn)), zap.String("identity", identity))

	online := r.reg.Online()
	r.metrics.OnlineUsers.Set(float64(len(online)))
	r.emit(res, r.reg.Connections(), types.EventOnlineUsers, online)
}

func (r *Router) joinRoom(res *Result, in Inbound) {
	var room string
	if !r.decode(in, &room) {
		return
	}
	log, ok := r.reg.Join(in.Conn, room)
	if !ok {
		r.drop(in, "join_failed")
		return
	}
	r.emit(res, []registry.ConnID{in.Conn}, types.EventRoomMessages,
		types.RoomMessagesPayload{Room: room, Messages: log})

	if identity, ok := r.reg.Identity(in.Conn); ok {
		r.emit(res, except(r.reg.Subscribers(room), in.Conn), types.EventUserJoinedRoom,
			types.RoomPresencePayload{Username: identity, Room: room})
	}
}

func (r *Router) leaveRoom(res *Result, in Inbound) {
	var room string
	if !r.decode(in, &room) {
		return
	}
	if !r.reg.Leave(in.Conn, room) {
		r.drop(in, "not_subscribed")
		return
	}
	if identity, ok := r.reg.Identity(in.Conn); ok {
		r.emit(res, r.reg.Subscribers(room), types.EventUserLeftRoom,
			types.RoomPresencePayload{Username: identity, Room: room})
	}
}

func (r *Router) joinPrivate(res *Result, in Inbound) {
	sender, ok := r.sender(in)
	if !ok {
		return
	}
	var other string
	if !r.decode(in, &other) {
		return
	}
	if other == "" {
		r.drop(in, "no_recipient")
		return
	}
	room := registry.ConversationID(sender, other)
	log, ok := r.reg.Join(in.Conn, room)
	if !ok {
		r.drop(in, "join_failed")
		return
	}
	r.emit(res, []registry.ConnID{in.Conn}, types.EventPrivateMessages,
		types.RoomMessagesPayload{Room: room, Messages: log})
}

func (r *Router) sendMessage(res *Result, in Inbound) {
	sender, ok := r.sender(in)
	if !ok {
		return
	}
	var p types.SendMessagePayload
	if !r.decode(in, &p) {
		return
	}
	room := p.Resolve(sender)
	if room == "" {
		r.drop(in, "no_target")
		return
	}
	if strings.TrimSpace(p.Message) == "" {
		r.drop(in, "empty_body")
		return
	}

	msg := types.Message{
		ID:        r.messageID(p.ClientID),
		User:      sender,
		Message:   p.Message,
		Timestamp: r.now(),
		ReadBy:    []string{sender},
		Reactions: map[string][]string{},
		ReplyTo:   r.replySnapshot(room, p.ReplyTo),
	}
	r.reg.AppendMessage(room, msg)

	// The sender already holds its optimistic copy.
	r.emit(res, except(r.reg.Subscribers(room), in.Conn), types.EventMessage,
		types.MessagePayload{Room: room, Message: msg})
}

// messageID adopts the client's proposed id when it is a UUID not held by
// any stored message, so the sender's optimistic copy and every peer agree.
func (r *Router) messageID(proposed string) string {
	if proposed != "" {
		if parsed, err := uuid.Parse(proposed); err == nil && !r.reg.HasMessageID(parsed.String()) {
			return parsed.String()
		}
	}
	return r.newID()
}

// throttled tells the sender its event was refused. A refused sendMessage
// names the proposed id so the optimistic copy can be withdrawn.
func (r *Router) throttled(res *Result, in Inbound) {
	r.drop(in, "rate_limited")
	notice := types.RateLimitedPayload{Event: in.Event.Type}
	switch in.Event.Type {
	case types.EventSendMessage:
		var p types.SendMessagePayload
		if in.Event.Decode(&p) == nil {
			if sender, ok := r.reg.Identity(in.Conn); ok {
				notice.Room = p.Resolve(sender)
			}
			notice.MessageID = p.ClientID
		}
	case types.EventMarkAsRead, types.EventAddReaction:
		var p types.MarkAsReadPayload
		if in.Event.Decode(&p) == nil {
			if sender, ok := r.reg.Identity(in.Conn); ok {
				notice.Room = p.Resolve(sender)
			}
			notice.MessageID = p.MessageID
		}
	}
	r.emit(res, []registry.ConnID{in.Conn}, types.EventRateLimited, notice)
}

// replySnapshot prefers the stored copy of the referenced message over the
// client's snapshot.
func (r *Router) replySnapshot(room string, ref *types.ReplyRef) *types.ReplyRef {
	if ref == nil || ref.ID == "" {
		return nil
	}
	if target, ok := r.reg.FindMessage(room, ref.ID); ok {
		return &types.ReplyRef{ID: target.ID, User: target.User, Message: target.Message}
	}
	snapshot := *ref
	return &snapshot
}

func (r *Router) setTyping(res *Result, in Inbound, typing bool) {
	sender, ok := r.sender(in)
	if !ok {
		return
	}
	var p types.TypingPayload
	if !r.decode(in, &p) {
		return
	}
	room := p.Resolve(sender)
	if room == "" {
		r.drop(in, "no_target")
		return
	}
	if !r.reg.SetTyping(sender, room, typing) {
		return
	}
	r.emit(res, except(r.reg.Subscribers(room), in.Conn), types.EventUserTyping,
		types.UserTypingPayload{User: sender, Room: room, Typing: typing})
}

func (r *Router) markRead(res *Result, in Inbound) {
	sender, ok := r.sender(in)
	if !ok {
		return
	}
	var p types.MarkAsReadPayload
	if !r.decode(in, &p) {
		return
	}
	room := p.Resolve(sender)
	changed := r.reg.UpdateMessage(room, p.MessageID, func(m *types.Message) bool {
		if m.HasReader(sender) {
			return false
		}
		m.ReadBy = append(m.ReadBy, sender)
		return true
	})
	if !changed {
		r.drop(in, "read_noop")
		return
	}
	r.emit(res, r.reg.Subscribers(room), types.EventReadReceipt,
		types.ReadReceiptPayload{MessageID: p.MessageID, Room: room, User: sender})
}

func (r *Router) addReaction(res *Result, in Inbound) {
	sender, ok := r.sender(in)
	if !ok {
		return
	}
	var p types.AddReactionPayload
	if !r.decode(in, &p) {
		return
	}
	if p.Reaction == "" {
		r.drop(in, "empty_reaction")
		return
	}
	room := p.Resolve(sender)
	changed := r.reg.UpdateMessage(room, p.MessageID, func(m *types.Message) bool {
		if m.HasReaction(p.Reaction, sender) {
			return false
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[p.Reaction] = append(m.Reactions[p.Reaction], sender)
		return true
	})
	if !changed {
		r.drop(in, "reaction_noop")
		return
	}
	r.emit(res, r.reg.Subscribers(room), types.EventReactionUpdate,
		types.ReactionUpdatePayload{MessageID: p.MessageID, Room: room, Reaction: p.Reaction, User: sender})
}

func (r *Router) deleteMessage(res *Result, in Inbound) {
	sender, ok := r.sender(in)
	if !ok {
		return
	}
	var p types.DeleteMessagePayload
	if !r.decode(in, &p) {
		return
	}
	room := p.Resolve(sender)
	target, found := r.reg.FindMessage(room, p.MessageID)
	if !found {
		r.drop(in, "not_found")
		return
	}
	if target.User != sender {
		r.drop(in, "not_author")
		return
	}
	if _, ok := r.reg.RemoveMessage(room, p.MessageID); !ok {
		return
	}
	r.emit(res, r.reg.Subscribers(room), types.EventMessageDeleted,
		types.MessageDeletedPayload{MessageID: p.MessageID, Room: room})
}

func (r *Router) sender(in Inbound) (string, bool) {
	identity, ok := r.reg.Identity(in.Conn)
	if !ok {
		r.drop(in, "no_identity")
	}
	return identity, ok
}

func (r *Router) decode(in Inbound, v any) bool {
	if err := in.Event.Decode(v); err != nil {
		r.log.Debug("malformed payload", zap.String("conn", string(in.Conn)), zap.Error(err))
		r.drop(in, "malformed")
		return false
	}
	return true
}

func (r *Router) drop(in Inbound, reason string) {
	r.metrics.EventsDropped.WithLabelValues(reason).Inc()
	r.log.Debug("event dropped",
		zap.String("conn", string(in.Conn)),
		zap.String("type", string(in.Event.Type)),
		zap.String("reason", reason),
	)
}

func (r *Router) emit(res *Result, to []registry.ConnID, t types.EventType, payload any) {
	if len(to) == 0 {
		return
	}
	env, err := types.NewEnvelope(t, payload)
	if err != nil {
		r.log.Error("encode outbound event", zap.String("type", string(t)), zap.Error(err))
		return
	}
	res.Out = append(res.Out, Outbound{To: to, Event: env})
}

func except(ids []registry.ConnID, skip registry.ConnID) []registry.ConnID {
	out := ids[:0:0]
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

// encodeEnvelope is the frame body written for one outbound event.
func encodeEnvelope(env types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
