// Package registry holds the authoritative in-memory chat state: which
// connections are online under which identity, who is subscribed to which
// room, each room's message log and the ephemeral typing set.
//
// Every operation is a no-op on an unknown connection, room or message; the
// boolean results let callers decide whether anything needs to be fanned out.
package registry

import (
	"sort"
	"sync"
	"time"

	"realtime-chat/internal/types"

	"go.uber.org/zap"
)

// ConnID identifies one transport connection for its lifetime.
type ConnID string

type connection struct {
	identity string
	rooms    map[string]struct{}
}

type room struct {
	mu          sync.Mutex
	name        string
	subscribers map[ConnID]struct{}
	log         []types.Message
}

type typingKey struct {
	identity string
	room     string
}

// Registry is safe for concurrent use. Maps are guarded by mu; each room log
// has its own lock so unrelated rooms never contend.
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnID]*connection
	online map[string]ConnID
	rooms  map[string]*room
	typing map[typingKey]struct{}

	// ids indexes every stored message id across rooms. Taken after a room
	// lock, never before.
	idmu sync.Mutex
	ids  map[string]struct{}

	historyLimit int
	log          *zap.Logger
}

type Option func(*Registry)

// WithHistoryLimit caps every room log at n messages, dropping the oldest.
// Zero means unbounded.
func WithHistoryLimit(n int) Option {
	return func(r *Registry) { r.historyLimit = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[ConnID]*connection),
		online: make(map[string]ConnID),
		rooms:  make(map[string]*room),
		typing: make(map[typingKey]struct{}),
		ids:    make(map[string]struct{}),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ConversationID is the deterministic room key for a private exchange.
func ConversationID(a, b string) string {
	return types.ConversationID(a, b)
}

// Connect creates the bookkeeping for a freshly opened transport.
func (r *Registry) Connect(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return
	}
	r.conns[id] = &connection{rooms: make(map[string]struct{})}
}

// Announce binds identity to the connection. It is a no-op when the
// connection is unknown or already has an identity. If another connection
// currently holds the identity, that connection loses it and is returned as
// displaced so the caller can close it.
func (r *Registry) Announce(id ConnID, identity string) (displaced ConnID, ok bool) {
	if identity == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.conns[id]
	if !exists || c.identity != "" {
		return "", false
	}
	if prev, held := r.online[identity]; held && prev != id {
		if pc, ok := r.conns[prev]; ok {
			pc.identity = ""
		}
		displaced = prev
		r.log.Debug("identity taken over", zap.String("identity", identity), zap.String("previous", string(prev)))
	}
	c.identity = identity
	r.online[identity] = id
	return displaced, true
}

// Identity returns the identity bound to the connection, if any.
func (r *Registry) Identity(id ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok || c.identity == "" {
		return "", false
	}
	return c.identity, true
}

// Online returns the sorted set of identities with a live connection.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.online))
	for identity := range r.online {
		users = append(users, identity)
	}
	sort.Strings(users)
	return users
}

// Connections returns every live connection id.
func (r *Registry) Connections() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// roomLocked returns the named room, creating it when absent. r.mu must be
// held for writing.
func (r *Registry) roomLocked(name string) *room {
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{name: name, subscribers: make(map[ConnID]struct{})}
		r.rooms[name] = rm
	}
	return rm
}

func (r *Registry) lookup(name string) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[name]
	return rm, ok
}

// EnsureRoom makes sure a (possibly empty) log exists for name.
func (r *Registry) EnsureRoom(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.roomLocked(name)
	r.mu.Unlock()
}

// Join subscribes the connection to the room, creating the room's log if
// needed, and returns a copy of the current log.
func (r *Registry) Join(id ConnID, name string) ([]types.Message, bool) {
	if name == "" {
		return nil, false
	}
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	rm := r.roomLocked(name)
	rm.subscribers[id] = struct{}{}
	c.rooms[name] = struct{}{}
	r.mu.Unlock()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return cloneLog(rm.log), true
}

// Leave removes the subscription and reports whether one existed.
func (r *Registry) Leave(id ConnID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, joined := c.rooms[name]; !joined {
		return false
	}
	delete(c.rooms, name)
	if rm, ok := r.rooms[name]; ok {
		delete(rm.subscribers, id)
	}
	return true
}

// Subscribers returns the connections currently subscribed to the room.
func (r *Registry) Subscribers(name string) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[name]
	if !ok {
		return nil
	}
	ids := make([]ConnID, 0, len(rm.subscribers))
	for id := range rm.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Departure describes what a disconnect removed.
type Departure struct {
	Identity    string
	Rooms       []string
	Typing      []string
	WentOffline bool
}

// Disconnect drops the connection, its identity binding, every subscription
// and any typing marks of its identity. Repeated calls return a zero
// Departure.
func (r *Registry) Disconnect(id ConnID) Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return Departure{}
	}
	delete(r.conns, id)

	d := Departure{Identity: c.identity}
	for name := range c.rooms {
		if rm, ok := r.rooms[name]; ok {
			delete(rm.subscribers, id)
		}
		d.Rooms = append(d.Rooms, name)
	}
	sort.Strings(d.Rooms)

	if c.identity != "" && r.online[c.identity] == id {
		delete(r.online, c.identity)
		d.WentOffline = true
		for key := range r.typing {
			if key.identity == c.identity {
				delete(r.typing, key)
				d.Typing = append(d.Typing, key.room)
			}
		}
		sort.Strings(d.Typing)
	}
	return d
}

// SetTyping records or clears the (identity, room) typing mark and reports
// whether the set changed.
func (r *Registry) SetTyping(identity, name string, typing bool) bool {
	if identity == "" || name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := typingKey{identity: identity, room: name}
	_, present := r.typing[key]
	if typing {
		r.typing[key] = struct{}{}
		return !present
	}
	delete(r.typing, key)
	return present
}

// IsTyping reports whether identity is marked typing in the room.
func (r *Registry) IsTyping(identity, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.typing[typingKey{identity: identity, room: name}]
	return ok
}

// AppendMessage adds msg to the room's log, creating the log if needed and
// trimming it to the history limit.
func (r *Registry) AppendMessage(name string, msg types.Message) {
	if name == "" {
		return
	}
	r.mu.Lock()
	rm := r.roomLocked(name)
	r.mu.Unlock()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.log = append(rm.log, msg.Clone())
	r.index(msg.ID)
	if r.historyLimit > 0 && len(rm.log) > r.historyLimit {
		drop := len(rm.log) - r.historyLimit
		r.unindex(rm.log[:drop]...)
		rm.log = append(rm.log[:0:0], rm.log[drop:]...)
	}
}

// HasMessageID reports whether any room currently stores a message with id.
func (r *Registry) HasMessageID(id string) bool {
	r.idmu.Lock()
	defer r.idmu.Unlock()
	_, ok := r.ids[id]
	return ok
}

func (r *Registry) index(id string) {
	r.idmu.Lock()
	r.ids[id] = struct{}{}
	r.idmu.Unlock()
}

func (r *Registry) unindex(msgs ...types.Message) {
	r.idmu.Lock()
	for _, m := range msgs {
		delete(r.ids, m.ID)
	}
	r.idmu.Unlock()
}

// FindMessage returns a copy of the message with the given id.
func (r *Registry) FindMessage(name, id string) (types.Message, bool) {
	rm, ok := r.lookup(name)
	if !ok {
		return types.Message{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if i := indexOf(rm.log, id); i >= 0 {
		return rm.log[i].Clone(), true
	}
	return types.Message{}, false
}

// UpdateMessage runs fn on the stored message while holding the room lock.
// fn reports whether it changed anything; the result is false when the
// message does not exist or fn made no change.
func (r *Registry) UpdateMessage(name, id string, fn func(*types.Message) bool) bool {
	rm, ok := r.lookup(name)
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	i := indexOf(rm.log, id)
	if i < 0 {
		return false
	}
	return fn(&rm.log[i])
}

// RemoveMessage deletes the message from the room's log permanently.
func (r *Registry) RemoveMessage(name, id string) (types.Message, bool) {
	rm, ok := r.lookup(name)
	if !ok {
		return types.Message{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	i := indexOf(rm.log, id)
	if i < 0 {
		return types.Message{}, false
	}
	removed := rm.log[i]
	r.unindex(removed)
	rm.log = append(rm.log[:i], rm.log[i+1:]...)
	return removed, true
}

// Messages returns a copy of the room's log.
func (r *Registry) Messages(name string) []types.Message {
	rm, ok := r.lookup(name)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return cloneLog(rm.log)
}

// RoomStats is a point-in-time summary of one room.
type RoomStats struct {
	Name        string
	Subscribers int
	Messages    int
}

// Rooms summarizes every room that has been referenced, sorted by name.
func (r *Registry) Rooms() []RoomStats {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	subs := make(map[string]int, len(r.rooms))
	for name, rm := range r.rooms {
		rooms = append(rooms, rm)
		subs[name] = len(rm.subscribers)
	}
	r.mu.RUnlock()

	stats := make([]RoomStats, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		stats = append(stats, RoomStats{Name: rm.name, Subscribers: subs[rm.name], Messages: len(rm.log)})
		rm.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// PruneBefore drops every message created before cutoff and returns how
// many were removed.
func (r *Registry) PruneBefore(cutoff time.Time) int {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	removed := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		kept := rm.log[:0]
		for _, m := range rm.log {
			if m.Timestamp.Before(cutoff) {
				removed++
				r.unindex(m)
				continue
			}
			kept = append(kept, m)
		}
		rm.log = kept
		rm.mu.Unlock()
	}
	return removed
}

func indexOf(log []types.Message, id string) int {
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneLog(log []types.Message) []types.Message {
	out := make([]types.Message, len(log))
	for i, m := range log {
		out[i] = m.Clone()
	}
	return out
}
