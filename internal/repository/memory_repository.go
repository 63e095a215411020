package repository

import (
	"context"
	"fmt"
	"os"
	"sync"

	"metachat/dm-sync-service/internal/apperrors"
	"metachat/dm-sync-service/internal/models"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MemoryRepository keeps profiles and chats in process and emits
// membership feed events synchronously on every write.
type MemoryRepository struct {
	// writeMu serializes writes together with their feed delivery so
	// subscribers observe changes in write order.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	profiles map[string]models.UserProfile
	chats    map[string]*models.ChatRecord
	subs     *subscriptionSet
}

var _ ChatRepository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		profiles: make(map[string]models.UserProfile),
		chats:    make(map[string]*models.ChatRecord),
		subs:     newSubscriptionSet(),
	}
}

func (r *MemoryRepository) InitializeTables() error { return nil }

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) GetUserProfile(ctx context.Context, userID string) (models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Store("get user profile", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[userID]
	if !ok {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("user %s not found", userID), nil)
	}

	out := make(models.UserProfile, len(profile)+1)
	for k, v := range profile {
		out[k] = v
	}
	out["id"] = userID
	return out, nil
}

func (r *MemoryRepository) GetChat(ctx context.Context, chatID string) (*models.ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Store("get chat", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	chat, ok := r.chats[chatID]
	if !ok {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("chat %s not found", chatID), nil)
	}
	return cloneChat(chat), nil
}

func (r *MemoryRepository) GetUserChats(ctx context.Context, userID string) (map[string]*models.ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Store("get user chats", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*models.ChatRecord)
	for id, chat := range r.chats {
		if chat.HasParticipant(userID) {
			out[id] = cloneChat(chat)
		}
	}
	return out, nil
}

func (r *MemoryRepository) SubscribeUserChats(userID string, handler FeedHandler) (Subscription, error) {
	return r.subs.add(userID, handler), nil
}

func (r *MemoryRepository) PutUserProfile(userID string, profile models.UserProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := make(models.UserProfile, len(profile))
	for k, v := range profile {
		stored[k] = v
	}
	r.profiles[userID] = stored
}

// PutChat creates or replaces a chat. Participants gained by the write get a
// child-added event, participants lost get a child-removed event.
func (r *MemoryRepository) PutChat(chat *models.ChatRecord) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	stored := cloneChat(chat)

	r.mu.Lock()
	var before map[string]bool
	if prev, ok := r.chats[chat.ID]; ok {
		before = prev.Participants
	}
	r.chats[chat.ID] = stored
	r.mu.Unlock()

	for userID, member := range stored.Participants {
		if member && !before[userID] {
			r.subs.deliver(userID, models.FeedEvent{Kind: models.ChildAdded, ChatID: chat.ID, Record: cloneChat(stored)})
		}
	}
	for userID, member := range before {
		if member && !stored.Participants[userID] {
			r.subs.deliver(userID, models.FeedEvent{Kind: models.ChildRemoved, ChatID: chat.ID})
		}
	}
}

// AppendMessage adds a message to an existing chat without emitting any
// membership event.
func (r *MemoryRepository) AppendMessage(chatID string, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chat, ok := r.chats[chatID]
	if !ok {
		return apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("chat %s not found", chatID), nil)
	}
	if chat.Messages == nil {
		chat.Messages = make(map[string]models.Message)
	}
	chat.Messages[msg.ID] = msg
	return nil
}

func (r *MemoryRepository) RemoveChat(chatID string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	chat, ok := r.chats[chatID]
	delete(r.chats, chatID)
	r.mu.Unlock()

	if !ok {
		return
	}
	for userID, member := range chat.Participants {
		if member {
			r.subs.deliver(userID, models.FeedEvent{Kind: models.ChildRemoved, ChatID: chatID})
		}
	}
}

// Subscribers reports how many live subscriptions userID holds.
func (r *MemoryRepository) Subscribers(userID string) int {
	return r.subs.count(userID)
}

type seedDocument struct {
	UserData map[string]map[string]any `yaml:"userData"`
	Chats    map[string]seedChat       `yaml:"chats"`
}

type seedChat struct {
	Participants map[string]bool        `yaml:"participants"`
	Messages     map[string]seedMessage `yaml:"messages"`
}

type seedMessage struct {
	Sender    string `yaml:"sender"`
	Text      string `yaml:"text"`
	Timestamp any    `yaml:"timestamp"`
}

// LoadSeedFile fills the repository from a YAML or JSON document with
// top-level userData and chats trees.
func (r *MemoryRepository) LoadSeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read seed file %s", path)
	}
	return r.LoadSeed(data)
}

func (r *MemoryRepository) LoadSeed(data []byte) error {
	var doc seedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "decode seed document")
	}

	for userID, profile := range doc.UserData {
		r.PutUserProfile(userID, profile)
	}

	for chatID, raw := range doc.Chats {
		chat := &models.ChatRecord{
			ID:           chatID,
			Participants: raw.Participants,
			Messages:     make(map[string]models.Message, len(raw.Messages)),
		}
		for msgID, m := range raw.Messages {
			ts, err := models.ParseTimestamp(m.Timestamp)
			if err != nil {
				return errors.Wrapf(err, "chat %s message %s", chatID, msgID)
			}
			chat.Messages[msgID] = models.Message{
				ID:        msgID,
				Sender:    m.Sender,
				Text:      m.Text,
				Timestamp: ts,
			}
		}
		r.PutChat(chat)
	}

	return nil
}

func cloneChat(c *models.ChatRecord) *models.ChatRecord {
	out := &models.ChatRecord{
		ID:           c.ID,
		Participants: make(map[string]bool, len(c.Participants)),
		Messages:     make(map[string]models.Message, len(c.Messages)),
	}
	for k, v := range c.Participants {
		out.Participants[k] = v
	}
	for k, v := range c.Messages {
		out.Messages[k] = v
	}
	return out
}
