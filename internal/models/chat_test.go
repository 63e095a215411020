package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChatRecord_SortedMessages_OrdersByTimestamp(t *testing.T) {
	req := require.New(t)
	rec := &ChatRecord{
		Participants: map[string]bool{"u1": true, "u2": true},
		Messages: map[string]Message{
			"m3": {Sender: "u1", Text: "third", Timestamp: 300},
			"m1": {Sender: "u2", Text: "first", Timestamp: 100},
			"m2": {Sender: "u1", Text: "second", Timestamp: 200},
			"m0": {Sender: "u2", Text: "late", Timestamp: 1_000_000},
		},
	}

	messages := rec.SortedMessages()

	req.Len(messages, 4)
	req.Equal([]string{"m1", "m2", "m3", "m0"}, messageIDs(messages))
	for i := 1; i < len(messages); i++ {
		req.LessOrEqual(messages[i-1].Timestamp, messages[i].Timestamp)
	}
}

func TestSortMessages_TiesBrokenByID(t *testing.T) {
	req := require.New(t)
	messages := []Message{
		{ID: "b", Timestamp: 100},
		{ID: "c", Timestamp: 50},
		{ID: "a", Timestamp: 100},
	}

	SortMessages(messages)

	req.Equal([]string{"c", "a", "b"}, messageIDs(messages))
}

func TestChatRecord_Others(t *testing.T) {
	req := require.New(t)

	rec := &ChatRecord{Participants: map[string]bool{"u1": true, "u2": true}}
	req.Equal([]string{"u2"}, rec.Others("u1"))

	self := &ChatRecord{Participants: map[string]bool{"u1": true}}
	req.Empty(self.Others("u1"))

	unflagged := &ChatRecord{Participants: map[string]bool{"u1": true, "u2": false}}
	req.Empty(unflagged.Others("u1"))

	group := &ChatRecord{Participants: map[string]bool{"u1": true, "u3": true, "u2": true}}
	req.Equal([]string{"u2", "u3"}, group.Others("u1"))
}

func TestEnrichedChatView_Latest(t *testing.T) {
	req := require.New(t)
	view := &EnrichedChatView{
		Receiver: UserProfile{"id": "u2"},
		Chat: ChatView{
			ID:           "c1",
			Participants: map[string]bool{"u1": true, "u2": true},
			Messages: []Message{
				{ID: "m1", Timestamp: 100},
				{ID: "m2", Timestamp: 200},
			},
		},
	}

	latest := view.Latest(MessageStatusSent)

	req.Len(latest.Chat.Messages, 1)
	req.Equal("m2", latest.Chat.Messages[0].ID)
	req.Equal(MessageStatusSent, latest.Chat.Messages[0].Status)
	// the source view is left untouched
	req.Len(view.Chat.Messages, 2)
	req.Empty(view.Chat.Messages[1].Status)

	empty := (&EnrichedChatView{Chat: ChatView{ID: "c2"}}).Latest(MessageStatusSent)
	req.NotNil(empty.Chat.Messages)
	req.Empty(empty.Chat.Messages)
}

func TestParseTimestamp(t *testing.T) {
	ref := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		in   any
		want Timestamp
	}{
		{"int", 100, 100},
		{"float", float64(200), 200},
		{"numeric string", "300", 300},
		{"json number", json.Number("400"), 400},
		{"rfc3339", "2024-03-01T12:00:00Z", TimestampFromTime(ref)},
		{"rfc3339 offset", "2024-03-01T14:00:00+02:00", TimestampFromTime(ref)},
		{"datetime", "2024-03-01 12:00:00", TimestampFromTime(ref)},
		{"time", ref, TimestampFromTime(ref)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTimestamp(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := ParseTimestamp("yesterday")
	require.ErrorIs(t, err, ErrInvalidTimestamp)
	_, err = ParseTimestamp(true)
	require.ErrorIs(t, err, ErrInvalidTimestamp)
}

func TestParseTimestamp_RejectsFloatsOutsideInt64(t *testing.T) {
	for _, in := range []any{1e19, -1e19, float64(math.MaxInt64), "1e300"} {
		_, err := ParseTimestamp(in)
		require.ErrorIs(t, err, ErrInvalidTimestamp, "input %v", in)
	}

	got, err := ParseTimestamp(float64(-(1 << 63)))
	require.NoError(t, err)
	require.Equal(t, Timestamp(math.MinInt64), got)
}

func TestTimestamp_UnmarshalJSON_MixedFormats(t *testing.T) {
	req := require.New(t)
	var messages []Message
	err := json.Unmarshal([]byte(`[
		{"id":"a","timestamp":"2024-03-01T12:00:00Z"},
		{"id":"b","timestamp":1000}
	]`), &messages)
	req.NoError(err)

	SortMessages(messages)
	req.Equal([]string{"b", "a"}, messageIDs(messages))
}

func messageIDs(messages []Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}
