package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"metachat/dm-sync-service/internal/apperrors"
	"metachat/dm-sync-service/internal/models"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const DefaultFeedChannel = "chat_membership"

// Subscription is a live membership subscription opened by SubscribeUserChats.
type Subscription interface {
	Unsubscribe()
}

// FeedHandler receives membership changes for one user. Handlers are called
// in the order the store observed the changes and must not block.
type FeedHandler func(evt models.FeedEvent)

//go:generate go run go.uber.org/mock/mockgen -source=chat_repository.go -destination=../mocks/mock_chat_repository.go -package=mocks
type ChatRepository interface {
	GetUserProfile(ctx context.Context, userID string) (models.UserProfile, error)
	GetChat(ctx context.Context, chatID string) (*models.ChatRecord, error)
	GetUserChats(ctx context.Context, userID string) (map[string]*models.ChatRecord, error)
	SubscribeUserChats(userID string, handler FeedHandler) (Subscription, error)
	InitializeTables() error
	Close() error
}

type chatRepository struct {
	db   *sql.DB
	feed *FeedListener
}

// NewChatRepository returns the postgres backed repository. feed may be nil,
// in which case SubscribeUserChats fails.
func NewChatRepository(db *sql.DB, feed *FeedListener) ChatRepository {
	return &chatRepository{
		db:   db,
		feed: feed,
	}
}

func (r *chatRepository) InitializeTables() error {
	channel := DefaultFeedChannel
	if r.feed != nil {
		channel = r.feed.channel
	}
	return InitializeSchema(r.db, channel)
}

// InitializeSchema creates the chat tables and the membership trigger that
// notifies channel.
func InitializeSchema(db *sql.DB, channel string) error {
	if channel == "" {
		channel = DefaultFeedChannel
	}

	query := `
	CREATE TABLE IF NOT EXISTS user_profiles (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		text TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_chat_participants_user_id ON chat_participants(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
	CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at);

	CREATE OR REPLACE FUNCTION notify_chat_membership() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'INSERT' THEN
			PERFORM pg_notify(` + pq.QuoteLiteral(channel) + `,
				json_build_object('op', 'added', 'chat_id', NEW.chat_id, 'user_id', NEW.user_id)::text);
			RETURN NEW;
		END IF;
		PERFORM pg_notify(` + pq.QuoteLiteral(channel) + `,
			json_build_object('op', 'removed', 'chat_id', OLD.chat_id, 'user_id', OLD.user_id)::text);
		RETURN OLD;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS chat_membership_notify ON chat_participants;
	CREATE TRIGGER chat_membership_notify
		AFTER INSERT OR DELETE ON chat_participants
		FOR EACH ROW EXECUTE FUNCTION notify_chat_membership();
	`

	_, err := db.Exec(query)
	return err
}

func (r *chatRepository) GetUserProfile(ctx context.Context, userID string) (models.UserProfile, error) {
	query := `
	SELECT data
	FROM user_profiles
	WHERE id = $1
	`

	var data []byte
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("user %s not found", userID), nil)
		}
		return nil, apperrors.Store("get user profile", errors.Wrap(err, "chatRepo.GetUserProfile.query"))
	}

	profile := models.UserProfile{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &profile); err != nil {
			return nil, apperrors.Store("decode user profile", errors.Wrap(err, "chatRepo.GetUserProfile.decode"))
		}
	}
	profile["id"] = userID

	return profile, nil
}

func (r *chatRepository) GetChat(ctx context.Context, chatID string) (*models.ChatRecord, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists)
	if err != nil {
		return nil, apperrors.Store("get chat", errors.Wrap(err, "chatRepo.GetChat.exists"))
	}
	if !exists {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("chat %s not found", chatID), nil)
	}

	chats, err := r.loadChats(ctx, []string{chatID})
	if err != nil {
		return nil, err
	}

	return chats[chatID], nil
}

func (r *chatRepository) GetUserChats(ctx context.Context, userID string) (map[string]*models.ChatRecord, error) {
	query := `
	SELECT chat_id
	FROM chat_participants
	WHERE user_id = $1
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Store("get user chats", errors.Wrap(err, "chatRepo.GetUserChats.query"))
	}
	defer rows.Close()

	var chatIDs []string
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			return nil, apperrors.Store("get user chats", errors.Wrap(err, "chatRepo.GetUserChats.scan"))
		}
		chatIDs = append(chatIDs, chatID)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Store("get user chats", errors.Wrap(err, "chatRepo.GetUserChats.rows"))
	}

	if len(chatIDs) == 0 {
		return map[string]*models.ChatRecord{}, nil
	}

	return r.loadChats(ctx, chatIDs)
}

// loadChats assembles chat records for ids from the participant and message
// tables.
func (r *chatRepository) loadChats(ctx context.Context, chatIDs []string) (map[string]*models.ChatRecord, error) {
	chats := make(map[string]*models.ChatRecord, len(chatIDs))
	for _, id := range chatIDs {
		chats[id] = &models.ChatRecord{
			ID:           id,
			Participants: map[string]bool{},
			Messages:     map[string]models.Message{},
		}
	}

	participantsQuery := `
	SELECT chat_id, user_id
	FROM chat_participants
	WHERE chat_id = ANY($1)
	`

	rows, err := r.db.QueryContext(ctx, participantsQuery, pq.Array(chatIDs))
	if err != nil {
		return nil, apperrors.Store("load chat participants", errors.Wrap(err, "chatRepo.loadChats.participants"))
	}
	defer rows.Close()

	for rows.Next() {
		var chatID, userID string
		if err := rows.Scan(&chatID, &userID); err != nil {
			return nil, apperrors.Store("load chat participants", errors.Wrap(err, "chatRepo.loadChats.participants.scan"))
		}
		if chat, ok := chats[chatID]; ok {
			chat.Participants[userID] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Store("load chat participants", errors.Wrap(err, "chatRepo.loadChats.participants.rows"))
	}

	messagesQuery := `
	SELECT id, chat_id, sender_id, text, sent_at
	FROM messages
	WHERE chat_id = ANY($1)
	`

	msgRows, err := r.db.QueryContext(ctx, messagesQuery, pq.Array(chatIDs))
	if err != nil {
		return nil, apperrors.Store("load chat messages", errors.Wrap(err, "chatRepo.loadChats.messages"))
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var msg models.Message
		var chatID string
		var sentAt time.Time
		if err := msgRows.Scan(&msg.ID, &chatID, &msg.Sender, &msg.Text, &sentAt); err != nil {
			return nil, apperrors.Store("load chat messages", errors.Wrap(err, "chatRepo.loadChats.messages.scan"))
		}
		msg.Timestamp = models.TimestampFromTime(sentAt)
		if chat, ok := chats[chatID]; ok {
			chat.Messages[msg.ID] = msg
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, apperrors.Store("load chat messages", errors.Wrap(err, "chatRepo.loadChats.messages.rows"))
	}

	return chats, nil
}

func (r *chatRepository) SubscribeUserChats(userID string, handler FeedHandler) (Subscription, error) {
	if r.feed == nil {
		return nil, apperrors.Store("subscribe user chats", errors.New("change feed listener not configured"))
	}
	return r.feed.subscribe(userID, handler), nil
}

func (r *chatRepository) Close() error {
	if r.feed == nil {
		return nil
	}
	return r.feed.Close()
}
