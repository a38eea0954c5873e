// Package reconciler keeps a client's projection of the rooms it has seen.
// Every update is routed by the room carried in the event, never by which
// room happens to be active, and every log is append-only and keyed by
// message id.
package reconciler

import (
	"sort"
	"sync"

	"realtime-chat/internal/types"
)

type NotificationKind string

const (
	NotifyMessage NotificationKind = "message"
	NotifyJoin    NotificationKind = "join"
	NotifyLeave   NotificationKind = "leave"
)

type Notification struct {
	Kind NotificationKind `json:"type"`
	From string           `json:"from"`
	Room string           `json:"room"`
}

type roomLog struct {
	order []string
	byID  map[string]*types.Message
}

func newRoomLog() *roomLog {
	return &roomLog{byID: make(map[string]*types.Message)}
}

func (l *roomLog) add(m types.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, dup := l.byID[m.ID]; dup {
		return false
	}
	c := m.Clone()
	l.byID[m.ID] = &c
	l.order = append(l.order, m.ID)
	return true
}

func (l *roomLog) remove(id string) bool {
	if _, ok := l.byID[id]; !ok {
		return false
	}
	delete(l.byID, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

func (l *roomLog) list() []types.Message {
	out := make([]types.Message, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id].Clone())
	}
	return out
}

// View is safe for concurrent use.
type View struct {
	mu            sync.RWMutex
	self          string
	active        string
	rooms         map[string]*roomLog
	unread        map[string]int
	typing        map[string]map[string]struct{}
	online        []string
	notifications []Notification
}

func New() *View {
	return &View{
		rooms:  make(map[string]*roomLog),
		unread: make(map[string]int),
		typing: make(map[string]map[string]struct{}),
	}
}

// SetSelf records the local identity used to tell own messages apart.
func (v *View) SetSelf(identity string) {
	v.mu.Lock()
	v.self = identity
	v.mu.Unlock()
}

func (v *View) logLocked(room string) *roomLog {
	l, ok := v.rooms[room]
	if !ok {
		l = newRoomLog()
		v.rooms[room] = l
	}
	return l
}

// Activate makes room the active one and resets its unread counter.
func (v *View) Activate(room string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = room
	v.unread[room] = 0
	v.logLocked(room)
}

func (v *View) Active() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// MergeSnapshot unions a full log delivered on join into the held log.
// Entries already present are kept where they are; new ones are appended in
// the order given. It returns the number of messages added.
func (v *View) MergeSnapshot(room string, msgs []types.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	l := v.logLocked(room)
	added := 0
	for _, m := range msgs {
		if l.add(m) {
			added++
		}
	}
	return added
}

// AppendLocal records a message this client just sent.
func (v *View) AppendLocal(room string, m types.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.logLocked(room).add(m)
}

// Receive appends a message delivered by the server. Messages by another
// identity count as unread unless room is active, and raise a notification.
func (v *View) Receive(room string, m types.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.logLocked(room).add(m) {
		return false
	}
	if m.User != v.self {
		if room != v.active {
			v.unread[room]++
		}
		v.notifications = append(v.notifications, Notification{Kind: NotifyMessage, From: m.User, Room: room})
	}
	return true
}

func (v *View) mutate(room, id string, fn func(*types.Message) bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.rooms[room]
	if !ok {
		return false
	}
	m, ok := l.byID[id]
	if !ok {
		return false
	}
	return fn(m)
}

// ApplyRead adds user to the reader set of the message, once.
func (v *View) ApplyRead(room, id, user string) bool {
	return v.mutate(room, id, func(m *types.Message) bool {
		if m.HasReader(user) {
			return false
		}
		m.ReadBy = append(m.ReadBy, user)
		return true
	})
}

// ApplyReaction adds user under symbol, once per symbol.
func (v *View) ApplyReaction(room, id, symbol, user string) bool {
	return v.mutate(room, id, func(m *types.Message) bool {
		if m.HasReaction(symbol, user) {
			return false
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[symbol] = append(m.Reactions[symbol], user)
		return true
	})
}

func (v *View) ApplyDelete(room, id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.rooms[room]
	if !ok {
		return false
	}
	return l.remove(id)
}

func (v *View) Messages(room string) []types.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	l, ok := v.rooms[room]
	if !ok {
		return nil
	}
	return l.list()
}

func (v *View) Find(room, id string) (types.Message, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	l, ok := v.rooms[room]
	if !ok {
		return types.Message{}, false
	}
	m, ok := l.byID[id]
	if !ok {
		return types.Message{}, false
	}
	return m.Clone(), true
}

func (v *View) Unread(room string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.unread[room]
}

// SetTyping tracks who is typing where. The local identity is ignored.
func (v *View) SetTyping(room, user string, typing bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if user == v.self {
		return
	}
	set, ok := v.typing[room]
	if typing {
		if !ok {
			set = make(map[string]struct{})
			v.typing[room] = set
		}
		set[user] = struct{}{}
		return
	}
	if ok {
		delete(set, user)
		if len(set) == 0 {
			delete(v.typing, room)
		}
	}
}

// Typing returns the identities currently typing in room, sorted.
func (v *View) Typing(room string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	users := make([]string, 0, len(v.typing[room]))
	for u := range v.typing[room] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (v *View) SetOnline(users []string) {
	v.mu.Lock()
	v.online = append([]string(nil), users...)
	v.mu.Unlock()
}

func (v *View) Online() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.online...)
}

// UserJoined and UserLeft only notify about the active room.
func (v *View) UserJoined(room, user string) bool {
	return v.presence(NotifyJoin, room, user)
}

func (v *View) UserLeft(room, user string) bool {
	return v.presence(NotifyLeave, room, user)
}

func (v *View) presence(kind NotificationKind, room, user string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if room != v.active || user == v.self {
		return false
	}
	v.notifications = append(v.notifications, Notification{Kind: kind, From: user, Room: room})
	return true
}

func (v *View) Notifications() []Notification {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Notification(nil), v.notifications...)
}

func (v *View) ClearNotifications() {
	v.mu.Lock()
	v.notifications = nil
	v.mu.Unlock()
}

// ClearEphemeral forgets presence and typing. Logs are kept.
func (v *View) ClearEphemeral() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.online = nil
	v.typing = make(map[string]map[string]struct{})
}

// ClearMessages drops every room log and unread counter.
func (v *View) ClearMessages() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rooms = make(map[string]*roomLog)
	v.unread = make(map[string]int)
	if v.active != "" {
		v.logLocked(v.active)
	}
}

// Reset returns the view to its initial state, keeping only the active room.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.self = ""
	v.rooms = make(map[string]*roomLog)
	v.unread = make(map[string]int)
	v.typing = make(map[string]map[string]struct{})
	v.online = nil
	v.notifications = nil
	if v.active != "" {
		v.logLocked(v.active)
	}
}

// Snapshot copies every room log, for persistence.
func (v *View) Snapshot() map[string][]types.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string][]types.Message, len(v.rooms))
	for name, l := range v.rooms {
		out[name] = l.list()
	}
	return out
}

// Restore merges a persisted snapshot into the held logs.
func (v *View) Restore(snapshot map[string][]types.Message) {
	for room, msgs := range snapshot {
		v.MergeSnapshot(room, msgs)
	}
}
