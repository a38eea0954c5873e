package reconciler

import (
	"strings"
	"time"

	"realtime-chat/internal/types"
)

type DateRange string

const (
	AnyDate   DateRange = ""
	Today     DateRange = "today"
	Yesterday DateRange = "yesterday"
	LastWeek  DateRange = "week"
	LastMonth DateRange = "month"
)

// AnyReaction matches messages that carry at least one reaction.
const AnyReaction = "reacted"

// Filter narrows a room log. Zero fields match everything.
type Filter struct {
	// Text matches the body or the author, case-insensitively.
	Text     string
	User     string
	Date     DateRange
	Reaction string
}

// Match reports whether m passes every set criterion. Calendar days are
// evaluated in now's location.
func (f Filter) Match(m types.Message, now time.Time) bool {
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(m.Message), needle) &&
			!strings.Contains(strings.ToLower(m.User), needle) {
			return false
		}
	}
	if f.User != "" && !strings.Contains(strings.ToLower(m.User), strings.ToLower(f.User)) {
		return false
	}
	if !f.matchDate(m.Timestamp, now) {
		return false
	}
	return f.matchReaction(m)
}

func (f Filter) matchDate(ts, now time.Time) bool {
	ts = ts.In(now.Location())
	switch f.Date {
	case Today:
		return sameDay(ts, now)
	case Yesterday:
		return sameDay(ts, now.AddDate(0, 0, -1))
	case LastWeek:
		return !ts.Before(now.AddDate(0, 0, -7))
	case LastMonth:
		return !ts.Before(now.AddDate(0, -1, 0))
	default:
		return true
	}
}

func (f Filter) matchReaction(m types.Message) bool {
	switch f.Reaction {
	case "":
		return true
	case AnyReaction:
		for _, users := range m.Reactions {
			if len(users) > 0 {
				return true
			}
		}
		return false
	default:
		return len(m.Reactions[f.Reaction]) > 0
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Search returns the messages of room that match f, in log order.
func (v *View) Search(room string, f Filter, now time.Time) []types.Message {
	var out []types.Message
	for _, m := range v.Messages(room) {
		if f.Match(m, now) {
			out = append(out, m)
		}
	}
	return out
}
