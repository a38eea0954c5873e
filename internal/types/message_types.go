package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type EventType string

// Client to server.
const (
	EventAnnounce       EventType = "announce"
	EventGetOnlineUsers EventType = "getOnlineUsers"
	EventJoinRoom       EventType = "joinRoom"
	EventLeaveRoom      EventType = "leaveRoom"
	EventJoinPrivate    EventType = "joinPrivate"
	EventSendMessage    EventType = "sendMessage"
	EventTyping         EventType = "typing"
	EventStopTyping     EventType = "stopTyping"
	EventMarkAsRead     EventType = "markAsRead"
	EventAddReaction    EventType = "addReaction"
	EventDeleteMessage  EventType = "deleteMessage"
)

// Server to client.
const (
	EventOnlineUsers     EventType = "onlineUsers"
	EventRoomMessages    EventType = "roomMessages"
	EventPrivateMessages EventType = "privateMessages"
	EventMessage         EventType = "message"
	EventUserTyping      EventType = "userTyping"
	EventReadReceipt     EventType = "readReceipt"
	EventReactionUpdate  EventType = "reactionUpdate"
	EventMessageDeleted  EventType = "messageDeleted"
	EventUserJoinedRoom  EventType = "userJoinedRoom"
	EventUserLeftRoom    EventType = "userLeftRoom"
	EventRateLimited     EventType = "rateLimited"
)

var clientEvents = map[EventType]struct{}{
	EventAnnounce:       {},
	EventGetOnlineUsers: {},
	EventJoinRoom:       {},
	EventLeaveRoom:      {},
	EventJoinPrivate:    {},
	EventSendMessage:    {},
	EventTyping:         {},
	EventStopTyping:     {},
	EventMarkAsRead:     {},
	EventAddReaction:    {},
	EventDeleteMessage:  {},
}

// IsClientEvent reports whether t is part of the client to server catalogue.
func IsClientEvent(t EventType) bool {
	_, ok := clientEvents[t]
	return ok
}

// Metered reports whether t is charged against a connection's message
// budget. Handshake, membership, typing and delete events are not.
func Metered(t EventType) bool {
	switch t {
	case EventSendMessage, EventMarkAsRead, EventAddReaction:
		return true
	}
	return false
}

// ConversationSeparator joins the two participants of a private conversation.
const ConversationSeparator = "-"

// ValidIdentity reports whether identity can take part in private
// conversations without colliding with another pair's key.
func ValidIdentity(identity string) bool {
	return identity != "" && !strings.Contains(identity, ConversationSeparator)
}

// ConversationID returns the canonical room key for a private exchange
// between a and b. The result does not depend on argument order.
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ConversationSeparator)
}

// Envelope is the unit exchanged over the websocket. Several envelopes may
// share one frame, separated by '\n'.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ReplyRef is a snapshot of the message being answered.
type ReplyRef struct {
	ID      string `json:"id"`
	User    string `json:"user"`
	Message string `json:"message"`
}

// Message is the wire and storage shape of a chat message.
type Message struct {
	ID        string              `json:"id"`
	User      string              `json:"user"`
	Message   string              `json:"message"`
	Timestamp time.Time           `json:"timestamp"`
	ReadBy    []string            `json:"readBy"`
	Reactions map[string][]string `json:"reactions"`
	ReplyTo   *ReplyRef           `json:"replyTo,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with a log.
func (m Message) Clone() Message {
	out := m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	out.Reactions = make(map[string][]string, len(m.Reactions))
	for symbol, users := range m.Reactions {
		out.Reactions[symbol] = append([]string(nil), users...)
	}
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		out.ReplyTo = &ref
	}
	return out
}

// HasReader reports whether identity is already in the reader set.
func (m Message) HasReader(identity string) bool {
	for _, r := range m.ReadBy {
		if r == identity {
			return true
		}
	}
	return false
}

// HasReaction reports whether identity already reacted with symbol.
func (m Message) HasReaction(symbol, identity string) bool {
	for _, u := range m.Reactions[symbol] {
		if u == identity {
			return true
		}
	}
	return false
}

// Target addresses either a public room or the private conversation with
// Recipient.
type Target struct {
	Room      string `json:"room,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	IsPrivate bool   `json:"isPrivate,omitempty"`
}

// Resolve returns the room key the target refers to for sender.
func (t Target) Resolve(sender string) string {
	if t.IsPrivate {
		if t.Recipient == "" {
			return ""
		}
		return ConversationID(sender, t.Recipient)
	}
	return t.Room
}

type SendMessagePayload struct {
	Target
	Message  string    `json:"message"`
	ReplyTo  *ReplyRef `json:"replyTo,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
}

type TypingPayload struct {
	Target
}

type MarkAsReadPayload struct {
	Target
	MessageID string `json:"messageId"`
}

type AddReactionPayload struct {
	Target
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type DeleteMessagePayload struct {
	Target
	MessageID string `json:"messageId"`
}

type RoomMessagesPayload struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

type MessagePayload struct {
	Room    string  `json:"room"`
	Message Message `json:"message"`
}

type UserTypingPayload struct {
	User   string `json:"user"`
	Room   string `json:"room"`
	Typing bool   `json:"typing"`
}

type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
	User      string `json:"user"`
}

type ReactionUpdatePayload struct {
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
	Reaction  string `json:"reaction"`
	User      string `json:"user"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
}

type RoomPresencePayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// RateLimitedPayload is sent back to a connection whose event was refused.
// For sendMessage, MessageID is the proposed client id so the sender can
// withdraw its local copy.
type RateLimitedPayload struct {
	Event     EventType `json:"event"`
	Room      string    `json:"room,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}
