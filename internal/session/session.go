// Package session is the client side of the realtime protocol. A Session
// owns at most one live transport, turns user intents into outbound events
// and reduces inbound events into a reconciler.View.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"realtime-chat/internal/localcache"
	"realtime-chat/internal/reconciler"
	"realtime-chat/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotConnected   = errors.New("session is not connected")
	ErrNoIdentity     = errors.New("no username set")
	ErrBadIdentity    = errors.New("username must not contain " + types.ConversationSeparator)
	ErrEmptyMessage   = errors.New("message is empty")
	ErrUnknownMessage = errors.New("message not found in the current room")
	ErrNotAuthor      = errors.New("only the author can delete a message")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Identified
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Identified:
		return "identified"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventDisconnected is published on Updates when the transport goes away.
const EventDisconnected types.EventType = "disconnected"

// Update tells observers that the view changed.
type Update struct {
	Type types.EventType
	Room string
}

const updateBuffer = 64

// CacheKey is where the message view of identity is persisted.
func CacheKey(identity string) string {
	return "messages_" + identity
}

type Options struct {
	Dialer      Dialer
	Cache       localcache.Store
	DefaultRoom string
	Log         *zap.Logger
}

type Session struct {
	mu        sync.Mutex
	state     State
	transport Transport
	identity  string
	room      string
	peer      string
	replyTo   *types.ReplyRef

	dialer  Dialer
	cache   localcache.Store
	view    *reconciler.View
	updates chan Update
	log     *zap.Logger
	now     func() time.Time
	newID   func() string
}

func New(opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	room := opts.DefaultRoom
	if room == "" {
		room = "general"
	}
	s := &Session{
		room:    room,
		dialer:  opts.Dialer,
		cache:   opts.Cache,
		view:    reconciler.New(),
		updates: make(chan Update, updateBuffer),
		log:     log.Named("session"),
		now:     time.Now,
		newID:   newMessageID,
	}
	s.view.Activate(room)
	return s
}

func newMessageID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (s *Session) View() *reconciler.View { return s.view }

// Updates delivers a notice after every reduced inbound event. Notices are
// dropped when nobody keeps up.
func (s *Session) Updates() <-chan Update { return s.updates }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Room returns the key of the active room or conversation.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Peer is the other participant when a private conversation is active.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Connect dials the server. It is a no-op while connecting or connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	s.mu.Unlock()

	t, err := s.dialer.Dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Disconnected
		return fmt.Errorf("connect: %w", err)
	}
	if s.state != Connecting {
		// Disconnect or Logout raced the dial.
		t.Close()
		return nil
	}
	s.transport = t
	s.state = Connected
	s.log.Info("connected")

	if s.identity != "" {
		s.state = Identified
		s.identifyLocked()
	}
	go s.readLoop(t)
	return nil
}

// identifyLocked re-announces and rejoins, since a new connection has no
// server-side membership.
func (s *Session) identifyLocked() {
	s.sendLocked(types.EventAnnounce, s.identity)
	s.rejoinLocked()
	s.sendLocked(types.EventGetOnlineUsers, nil)
}

func (s *Session) rejoinLocked() {
	if s.peer != "" {
		s.sendLocked(types.EventJoinPrivate, s.peer)
		return
	}
	s.sendLocked(types.EventJoinRoom, s.room)
}

// Disconnect closes the transport. Logs are kept; presence and typing are
// forgotten.
func (s *Session) Disconnect() {
	s.mu.Lock()
	t := s.dropLocked()
	s.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (s *Session) dropLocked() Transport {
	t := s.transport
	s.transport = nil
	if s.state != Disconnected {
		s.log.Info("disconnected")
	}
	s.state = Disconnected
	s.view.ClearEphemeral()
	return t
}

// SetUsername binds the local identity. A different identity swaps the view
// for the one persisted under that identity.
func (s *Session) SetUsername(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNoIdentity
	}
	if !types.ValidIdentity(name) {
		return ErrBadIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if name == s.identity && s.state == Identified {
		return nil
	}
	if name != s.identity {
		s.view.Reset()
		s.view.Activate(s.room)
		s.restoreLocked(name)
	}
	s.identity = name
	s.view.SetSelf(name)

	if s.state == Connected || s.state == Identified {
		s.state = Identified
		s.identifyLocked()
	}
	return nil
}

func (s *Session) restoreLocked(identity string) {
	if s.cache == nil {
		return
	}
	blob, err := s.cache.Get(CacheKey(identity))
	if errors.Is(err, localcache.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn("read cached messages", zap.String("identity", identity), zap.Error(err))
		return
	}
	var snapshot map[string][]types.Message
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		s.log.Warn("discarding unreadable message cache", zap.String("identity", identity), zap.Error(err))
		return
	}
	s.view.Restore(snapshot)
}

func (s *Session) persistLocked() {
	if s.cache == nil || s.identity == "" {
		return
	}
	blob, err := json.Marshal(s.view.Snapshot())
	if err != nil {
		s.log.Warn("encode message cache", zap.Error(err))
		return
	}
	if err := s.cache.Set(CacheKey(s.identity), blob); err != nil {
		s.log.Warn("write message cache", zap.Error(err))
	}
}

func (s *Session) connectedLocked() error {
	if s.state != Connected && s.state != Identified {
		return ErrNotConnected
	}
	return nil
}

func (s *Session) identifiedLocked() error {
	if err := s.connectedLocked(); err != nil {
		return err
	}
	if s.identity == "" {
		return ErrNoIdentity
	}
	return nil
}

// JoinRoom leaves the active room and switches to room.
func (s *Session) JoinRoom(room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return errors.New("room name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectedLocked(); err != nil {
		return err
	}
	if s.room != room {
		s.sendLocked(types.EventLeaveRoom, s.room)
	}
	s.sendLocked(types.EventJoinRoom, room)
	s.room, s.peer, s.replyTo = room, "", nil
	s.view.Activate(room)
	return nil
}

// JoinPrivate switches to the conversation with peer.
func (s *Session) JoinPrivate(peer string) error {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return errors.New("recipient is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.identifiedLocked(); err != nil {
		return err
	}
	room := types.ConversationID(s.identity, peer)
	if s.room != room {
		s.sendLocked(types.EventLeaveRoom, s.room)
	}
	s.sendLocked(types.EventJoinPrivate, peer)
	s.room, s.peer, s.replyTo = room, peer, nil
	s.view.Activate(room)
	return nil
}

func (s *Session) targetLocked() types.Target {
	if s.peer != "" {
		return types.Target{Recipient: s.peer, IsPrivate: true}
	}
	return types.Target{Room: s.room}
}

// SendMessage appends the message to the local log before sending it; the
// server does not echo it back. A rateLimited reply withdraws the copy.
func (s *Session) SendMessage(body string) (types.Message, error) {
	if strings.TrimSpace(body) == "" {
		return types.Message{}, ErrEmptyMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.identifiedLocked(); err != nil {
		return types.Message{}, err
	}

	msg := types.Message{
		ID:        s.newID(),
		User:      s.identity,
		Message:   body,
		Timestamp: s.now(),
		ReadBy:    []string{s.identity},
		Reactions: map[string][]string{},
		ReplyTo:   s.replyTo,
	}
	s.view.AppendLocal(s.room, msg)
	s.sendLocked(types.EventSendMessage, types.SendMessagePayload{
		Target:   s.targetLocked(),
		Message:  body,
		ReplyTo:  s.replyTo,
		ClientID: msg.ID,
	})
	s.replyTo = nil
	s.persistLocked()
	return msg, nil
}

func (s *Session) StartTyping() error { return s.typing(types.EventTyping) }
func (s *Session) StopTyping() error  { return s.typing(types.EventStopTyping) }

func (s *Session) typing(t types.EventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.identifiedLocked(); err != nil {
		return err
	}
	s.sendLocked(t, types.TypingPayload{Target: s.targetLocked()})
	return nil
}

// MarkAsRead and AddReaction are applied when the server broadcasts them
// back, which includes this client.
func (s *Session) MarkAsRead(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.identifiedLocked(); err != nil {
		return err
	}
	s.sendLocked(types.EventMarkAsRead, types.MarkAsReadPayload{Target: s.targetLocked(), MessageID: messageID})
	return nil
}

func (s *Session) AddReaction(messageID, reaction string) error {
	if reaction == "" {
		return errors.New("reaction is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.identifiedLocked(); err != nil {
		return err
	}
	s.sendLocked(types.EventAddReaction, types.AddReactionPayload{
		Target:    s.targetLocked(),
		MessageID: messageID,
		Reaction:  reaction,
	})
	return nil
}

// DeleteMessage removes the message locally right away and asks the server
// to remove it for everyone.
func (s *Session) DeleteMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.identifiedLocked(); err != nil {
		return err
	}
	m, ok := s.view.Find(s.room, messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if m.User != s.identity {
		return ErrNotAuthor
	}
	s.view.ApplyDelete(s.room, messageID)
	s.sendLocked(types.EventDeleteMessage, types.DeleteMessagePayload{Target: s.targetLocked(), MessageID: messageID})
	s.persistLocked()
	return nil
}

// StartReply makes the next sent message a reply to messageID.
func (s *Session) StartReply(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.view.Find(s.room, messageID)
	if !ok {
		return ErrUnknownMessage
	}
	s.replyTo = &types.ReplyRef{ID: m.ID, User: m.User, Message: m.Message}
	return nil
}

func (s *Session) CancelReply() {
	s.mu.Lock()
	s.replyTo = nil
	s.mu.Unlock()
}

func (s *Session) ReplyingTo() *types.ReplyRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyTo == nil {
		return nil
	}
	ref := *s.replyTo
	return &ref
}

// ClearMessages drops every local log and the persisted copy.
func (s *Session) ClearMessages() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.ClearMessages()
	if s.cache == nil || s.identity == "" {
		return nil
	}
	return s.cache.Delete(CacheKey(s.identity))
}

// Logout disconnects and forgets the identity. The persisted logs stay in
// the cache for the next SetUsername.
func (s *Session) Logout() {
	s.mu.Lock()
	t := s.dropLocked()
	s.identity = ""
	s.replyTo = nil
	s.view.Reset()
	s.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (s *Session) sendLocked(t types.EventType, payload any) {
	if s.transport == nil {
		return
	}
	env, err := types.NewEnvelope(t, payload)
	if err != nil {
		s.log.Error("encode outbound event", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := s.transport.Send(env); err != nil {
		s.log.Warn("send failed", zap.String("type", string(t)), zap.Error(err))
	}
}

func (s *Session) readLoop(t Transport) {
	for {
		env, err := t.Receive()
		if err != nil {
			s.mu.Lock()
			current := s.transport == t
			if current {
				s.dropLocked()
			}
			s.mu.Unlock()
			if current {
				s.log.Info("transport closed", zap.Error(err))
				t.Close()
				s.publish(Update{Type: EventDisconnected})
			}
			return
		}
		s.reduce(env)
	}
}

func (s *Session) reduce(env types.Envelope) {
	var room string
	changed := true
	persist := false

	switch env.Type {
	case types.EventOnlineUsers:
		var users []string
		if !s.decode(env, &users) {
			return
		}
		s.view.SetOnline(users)

	case types.EventRoomMessages, types.EventPrivateMessages:
		var p types.RoomMessagesPayload
		if !s.decode(env, &p) {
			return
		}
		room = p.Room
		s.view.MergeSnapshot(p.Room, p.Messages)
		persist = true

	case types.EventMessage:
		var p types.MessagePayload
		if !s.decode(env, &p) {
			return
		}
		room = p.Room
		changed = s.view.Receive(p.Room, p.Message)
		persist = changed

	case types.EventUserTyping:
		var p types.UserTypingPayload
		if !s.decode(env, &p) {
			return
		}
		room = p.Room
		s.view.SetTyping(p.Room, p.User, p.Typing)

	case types.EventReadReceipt:
		var p types.ReadReceiptPayload
		if !s.decode(env, &p) {
			return
		}
		room = p.Room
		changed = s.view.ApplyRead(p.Room, p.MessageID, p.User)
		persist = changed

	case types.EventReactionUpdate:
		var p types.ReactionUpdatePayload
		if !s.decode(env, &p) {
			return
		}
		room = p.Room
		changed = s.view.ApplyReaction(p.Room, p.MessageID, p.Reaction, p.User)
		persist = changed

	case types.EventMessageDeleted:
		var p types.MessageDeletedPayload
		if !s.decode(env, &p) {
			return
		}
		room = p.Room
		changed = s.view.ApplyDelete(p.Room, p.MessageID)
		persist = changed

	case types.EventRateLimited:
		var p types.RateLimitedPayload
		if !s.decode(env, &p) {
			return
		}
		room = p.Room
		s.log.Warn("server refused event, rate limit reached", zap.String("event", string(p.Event)))
		if p.Event == types.EventSendMessage && p.MessageID != "" {
			persist = s.view.ApplyDelete(p.Room, p.MessageID)
		}

	case types.EventUserJoinedRoom, types.EventUserLeftRoom:
		var p types.RoomPresencePayload
		if !s.decode(env, &p) {
			return
		}
		room = p.Room
		if env.Type == types.EventUserJoinedRoom {
			s.view.UserJoined(p.Room, p.Username)
		} else {
			s.view.UserLeft(p.Room, p.Username)
		}

	default:
		s.log.Debug("ignoring unknown event", zap.String("type", string(env.Type)))
		return
	}

	if persist {
		s.mu.Lock()
		s.persistLocked()
		s.mu.Unlock()
	}
	if changed {
		s.publish(Update{Type: env.Type, Room: room})
	}
}

func (s *Session) decode(env types.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		s.log.Debug("dropping malformed event", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	return true
}

func (s *Session) publish(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}
