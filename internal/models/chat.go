package models

import (
	"sort"
)

const MessageStatusSent = "sent"

// UserProfile is the profile document stored for a user. The service only
// relies on the id field; everything else is passed through to clients.
type UserProfile map[string]any

func (p UserProfile) ID() string {
	id, _ := p["id"].(string)
	return id
}

type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp Timestamp `json:"timestamp"`
	Status    string    `json:"status,omitempty"`
}

type ChatRecord struct {
	ID           string             `json:"id,omitempty"`
	Participants map[string]bool    `json:"participants"`
	Messages     map[string]Message `json:"messages,omitempty"`
}

// Others returns the participants other than self, sorted by id.
func (c *ChatRecord) Others(self string) []string {
	others := make([]string, 0, len(c.Participants))
	for id, member := range c.Participants {
		if member && id != self {
			others = append(others, id)
		}
	}
	sort.Strings(others)
	return others
}

// HasParticipant reports whether userID is flagged as a member of the chat.
func (c *ChatRecord) HasParticipant(userID string) bool {
	return c.Participants[userID]
}

// SortedMessages returns the chat messages ordered by SortMessages.
func (c *ChatRecord) SortedMessages() []Message {
	messages := make([]Message, 0, len(c.Messages))
	for id, msg := range c.Messages {
		msg.ID = id
		messages = append(messages, msg)
	}
	SortMessages(messages)
	return messages
}

// SortMessages orders messages by timestamp ascending. Messages sharing a
// timestamp are ordered by id so that every fetch yields the same sequence.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})
}

type ChatView struct {
	ID           string          `json:"id"`
	Participants map[string]bool `json:"participants"`
	Messages     []Message       `json:"messages"`
}

type EnrichedChatView struct {
	Receiver UserProfile `json:"receiver"`
	Chat     ChatView    `json:"chat"`
}

// Latest returns a copy of the view holding only its newest message, tagged
// with status. The copy has an empty message list when the chat has none.
func (v *EnrichedChatView) Latest(status string) *EnrichedChatView {
	out := &EnrichedChatView{
		Receiver: v.Receiver,
		Chat: ChatView{
			ID:           v.Chat.ID,
			Participants: v.Chat.Participants,
			Messages:     []Message{},
		},
	}
	if n := len(v.Chat.Messages); n > 0 {
		newest := v.Chat.Messages[n-1]
		newest.Status = status
		out.Chat.Messages = append(out.Chat.Messages, newest)
	}
	return out
}

type FeedEventKind int

const (
	ChildAdded FeedEventKind = iota + 1
	ChildRemoved
)

func (k FeedEventKind) String() string {
	switch k {
	case ChildAdded:
		return "child_added"
	case ChildRemoved:
		return "child_removed"
	default:
		return "unknown"
	}
}

// FeedEvent is a membership change on the chats a user participates in.
// Record is only set for ChildAdded events when the store has it at hand.
type FeedEvent struct {
	Kind   FeedEventKind
	ChatID string
	Record *ChatRecord
}
