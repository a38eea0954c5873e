package reconciler

import (
	"fmt"
	"testing"
	"time"

	"realtime-chat/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, user, body string) types.Message {
	return types.Message{ID: id, User: user, Message: body, ReadBy: []string{user}, Reactions: map[string][]string{}}
}

func ids(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMergeSnapshotIsAppendOnlyUnion(t *testing.T) {
	v := New()
	v.AppendLocal("general", msg("b", "alice", "held"))

	added := v.MergeSnapshot("general", []types.Message{
		msg("a", "bob", "1"),
		msg("b", "alice", "held"),
		msg("c", "bob", "3"),
	})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"b", "a", "c"}, ids(v.Messages("general")))

	assert.Zero(t, v.MergeSnapshot("general", []types.Message{msg("a", "bob", "1")}))
	assert.Len(t, v.Messages("general"), 3)
}

func TestOwnEchoIsNotAppendedTwice(t *testing.T) {
	v := New()
	v.SetSelf("alice")
	v.Activate("general")
	require.True(t, v.AppendLocal("general", msg("m1", "alice", "hi")))

	assert.False(t, v.Receive("general", msg("m1", "alice", "hi")))
	assert.Len(t, v.Messages("general"), 1)
	assert.Empty(t, v.Notifications())
}

func TestUnreadCountsOnlyForeignMessagesInInactiveRooms(t *testing.T) {
	v := New()
	v.SetSelf("alice")
	v.Activate("general")

	v.Receive("general", msg("1", "bob", "seen"))
	v.Receive("random", msg("2", "bob", "unseen"))
	v.Receive("random", msg("3", "bob", "unseen"))
	v.Receive("random", msg("4", "alice", "mine"))

	assert.Zero(t, v.Unread("general"))
	assert.Equal(t, 2, v.Unread("random"))

	v.Activate("random")
	assert.Zero(t, v.Unread("random"))
	assert.Equal(t, "random", v.Active())
}

func TestUpdatesRouteByCarriedRoom(t *testing.T) {
	v := New()
	v.SetSelf("alice")
	v.Activate("general")
	v.Receive("random", msg("m", "bob", "x"))

	// The active room is general; the update names random.
	require.True(t, v.ApplyRead("random", "m", "carol"))
	require.True(t, v.ApplyReaction("random", "m", "👍", "carol"))

	got, ok := v.Find("random", "m")
	require.True(t, ok)
	assert.Equal(t, []string{"bob", "carol"}, got.ReadBy)
	assert.Equal(t, []string{"carol"}, got.Reactions["👍"])

	assert.False(t, v.ApplyRead("general", "m", "dave"))
	assert.True(t, v.ApplyDelete("random", "m"))
	assert.Empty(t, v.Messages("random"))
}

func TestReadAndReactionAreIdempotent(t *testing.T) {
	v := New()
	v.AppendLocal("general", msg("m", "alice", "x"))

	assert.True(t, v.ApplyRead("general", "m", "bob"))
	assert.False(t, v.ApplyRead("general", "m", "bob"))
	assert.False(t, v.ApplyRead("general", "m", "alice"))

	assert.True(t, v.ApplyReaction("general", "m", "👍", "bob"))
	assert.False(t, v.ApplyReaction("general", "m", "👍", "bob"))
	assert.True(t, v.ApplyReaction("general", "m", "❤️", "bob"))

	got, _ := v.Find("general", "m")
	assert.Equal(t, []string{"alice", "bob"}, got.ReadBy)
	assert.Equal(t, []string{"bob"}, got.Reactions["👍"])
	assert.Equal(t, []string{"bob"}, got.Reactions["❤️"])

	assert.False(t, v.ApplyDelete("general", "missing"))
	assert.False(t, v.ApplyReaction("nowhere", "m", "👍", "bob"))
}

func TestMessagesAreCopies(t *testing.T) {
	v := New()
	v.AppendLocal("general", msg("m", "alice", "x"))
	got := v.Messages("general")
	got[0].ReadBy[0] = "mallory"
	got[0].Reactions["x"] = []string{"mallory"}

	again, _ := v.Find("general", "m")
	assert.Equal(t, []string{"alice"}, again.ReadBy)
	assert.Empty(t, again.Reactions)
}

func TestPresenceNotificationsOnlyForActiveRoom(t *testing.T) {
	v := New()
	v.SetSelf("alice")
	v.Activate("general")

	assert.True(t, v.UserJoined("general", "bob"))
	assert.False(t, v.UserJoined("random", "bob"))
	assert.False(t, v.UserLeft("general", "alice"))
	assert.True(t, v.UserLeft("general", "bob"))

	assert.Equal(t, []Notification{
		{Kind: NotifyJoin, From: "bob", Room: "general"},
		{Kind: NotifyLeave, From: "bob", Room: "general"},
	}, v.Notifications())

	v.ClearNotifications()
	assert.Empty(t, v.Notifications())
}

func TestTypingAndEphemeralReset(t *testing.T) {
	v := New()
	v.SetSelf("alice")
	v.SetTyping("general", "carol", true)
	v.SetTyping("general", "bob", true)
	v.SetTyping("general", "alice", true)
	assert.Equal(t, []string{"bob", "carol"}, v.Typing("general"))

	v.SetTyping("general", "bob", false)
	assert.Equal(t, []string{"carol"}, v.Typing("general"))

	v.SetOnline([]string{"alice", "carol"})
	v.AppendLocal("general", msg("m", "alice", "x"))
	v.ClearEphemeral()

	assert.Empty(t, v.Typing("general"))
	assert.Empty(t, v.Online())
	assert.Len(t, v.Messages("general"), 1)
}

func TestSnapshotRestoreAndClear(t *testing.T) {
	v := New()
	v.Activate("general")
	for i := 0; i < 3; i++ {
		v.AppendLocal("general", msg(fmt.Sprintf("m%d", i), "alice", "x"))
	}
	v.Receive("alice-bob", msg("p", "bob", "psst"))

	snap := v.Snapshot()
	other := New()
	other.Restore(snap)
	assert.Equal(t, []string{"m0", "m1", "m2"}, ids(other.Messages("general")))
	assert.Equal(t, []string{"p"}, ids(other.Messages("alice-bob")))

	v.ClearMessages()
	assert.Empty(t, v.Messages("general"))
	assert.Nil(t, v.Messages("alice-bob"))
	assert.Zero(t, v.Unread("alice-bob"))

	other.SetSelf("alice")
	other.Reset()
	assert.Empty(t, other.Snapshot()["general"])
}

func TestSearchFilters(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	v := New()
	add := func(id, user, body string, at time.Time, reactions map[string][]string) {
		m := msg(id, user, body)
		m.Timestamp = at
		if reactions != nil {
			m.Reactions = reactions
		}
		v.AppendLocal("general", m)
	}
	add("today", "alice", "Hello there", now.Add(-time.Hour), map[string][]string{"👍": {"bob"}})
	add("yesterday", "bob", "lunch?", now.AddDate(0, 0, -1), nil)
	add("lastweek", "carol", "standup notes", now.AddDate(0, 0, -5), map[string][]string{"🎉": {"alice"}})
	add("old", "Alice", "ancient", now.AddDate(0, -2, 0), nil)

	cases := []struct {
		name string
		f    Filter
		want []string
	}{
		{"no filter", Filter{}, []string{"today", "yesterday", "lastweek", "old"}},
		{"text matches body", Filter{Text: "HELLO"}, []string{"today"}},
		{"text matches author", Filter{Text: "alice"}, []string{"today", "old"}},
		{"user filter", Filter{User: "bo"}, []string{"yesterday"}},
		{"today", Filter{Date: Today}, []string{"today"}},
		{"yesterday", Filter{Date: Yesterday}, []string{"yesterday"}},
		{"week", Filter{Date: LastWeek}, []string{"today", "yesterday", "lastweek"}},
		{"month", Filter{Date: LastMonth}, []string{"today", "yesterday", "lastweek"}},
		{"any reaction", Filter{Reaction: AnyReaction}, []string{"today", "lastweek"}},
		{"one symbol", Filter{Reaction: "🎉"}, []string{"lastweek"}},
		{"combined", Filter{Text: "alice", Date: LastWeek}, []string{"today"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ids(v.Search("general", tc.f, now)))
		})
	}
}
