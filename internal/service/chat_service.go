package service

import (
	"context"
	"sort"

	"metachat/dm-sync-service/internal/apperrors"
	"metachat/dm-sync-service/internal/models"
	"metachat/dm-sync-service/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultEnrichConcurrency = 8
	DefaultMessagesLimit     = 50
	MaxMessagesLimit         = 100
)

type ChatService interface {
	GetUserProfile(ctx context.Context, userID string) (models.UserProfile, error)
	EnrichChat(ctx context.Context, selfUserID, chatID string, chat *models.ChatRecord) (*models.EnrichedChatView, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.EnrichedChatView, error)
	GetRawUserChats(ctx context.Context, userID string) (map[string]*models.ChatRecord, error)
	GetChat(ctx context.Context, chatID string) (*models.ChatRecord, error)
	GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]models.Message, error)
}

type chatService struct {
	repository        repository.ChatRepository
	logger            *logrus.Logger
	enrichConcurrency int
}

func NewChatService(repo repository.ChatRepository, logger *logrus.Logger, enrichConcurrency int) ChatService {
	if enrichConcurrency <= 0 {
		enrichConcurrency = DefaultEnrichConcurrency
	}
	return &chatService{
		repository:        repo,
		logger:            logger,
		enrichConcurrency: enrichConcurrency,
	}
}

func (s *chatService) GetUserProfile(ctx context.Context, userID string) (models.UserProfile, error) {
	if userID == "" {
		return nil, apperrors.ErrMissingUserID
	}
	return s.repository.GetUserProfile(ctx, userID)
}

// EnrichChat resolves the counterpart of selfUserID in chat and returns the
// client view with messages in timestamp order. A chat with no counterpart
// yields a nil view and a nil error.
func (s *chatService) EnrichChat(ctx context.Context, selfUserID, chatID string, chat *models.ChatRecord) (*models.EnrichedChatView, error) {
	others := chat.Others(selfUserID)
	if len(others) == 0 {
		s.logger.WithError(apperrors.ErrDegenerateChat).WithFields(logrus.Fields{
			"chat_id": chatID,
			"user_id": selfUserID,
		}).Debug("Suppressing chat")
		return nil, nil
	}
	if len(others) > 1 {
		s.logger.WithFields(logrus.Fields{
			"chat_id":      chatID,
			"user_id":      selfUserID,
			"participants": len(others) + 1,
		}).Warn("Chat has more than two participants, using first counterpart")
	}

	receiver, err := s.GetUserProfile(ctx, others[0])
	if err != nil {
		return nil, err
	}

	participants := make(map[string]bool, len(chat.Participants))
	for id, member := range chat.Participants {
		participants[id] = member
	}

	return &models.EnrichedChatView{
		Receiver: receiver,
		Chat: models.ChatView{
			ID:           chatID,
			Participants: participants,
			Messages:     chat.SortedMessages(),
		},
	}, nil
}

// GetUserChats loads and enriches every chat userID participates in. Chats
// that fail to enrich are logged and left out; only the membership query
// itself can fail the call.
func (s *chatService) GetUserChats(ctx context.Context, userID string) ([]*models.EnrichedChatView, error) {
	if userID == "" {
		return nil, apperrors.ErrMissingUserID
	}

	chats, err := s.repository.GetUserChats(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to get user chats")
		return nil, err
	}

	p := pool.NewWithResults[*models.EnrichedChatView]().WithMaxGoroutines(s.enrichConcurrency)
	for chatID, chat := range chats {
		if chat == nil {
			continue
		}
		p.Go(func() *models.EnrichedChatView {
			view, err := s.EnrichChat(ctx, userID, chatID, chat)
			if err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"chat_id": chatID,
					"user_id": userID,
				}).Error("Failed to enrich chat")
				return nil
			}
			return view
		})
	}

	views := make([]*models.EnrichedChatView, 0, len(chats))
	for _, view := range p.Wait() {
		if view != nil {
			views = append(views, view)
		}
	}

	sortByRecentActivity(views)
	return views, nil
}

func (s *chatService) GetRawUserChats(ctx context.Context, userID string) (map[string]*models.ChatRecord, error) {
	if userID == "" {
		return nil, apperrors.ErrMissingUserID
	}

	chats, err := s.repository.GetUserChats(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to get raw user chats")
		return nil, err
	}

	return chats, nil
}

func (s *chatService) GetChat(ctx context.Context, chatID string) (*models.ChatRecord, error) {
	chat, err := s.repository.GetChat(ctx, chatID)
	if err != nil {
		if !apperrors.IsCode(err, apperrors.CodeNotFound) {
			s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to get chat")
		}
		return nil, err
	}

	return chat, nil
}

// GetChatMessages pages backwards through a chat: it returns at most limit
// messages older than beforeMessageID (or the newest ones when empty), in
// timestamp order.
func (s *chatService) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessagesLimit
	}
	if limit > MaxMessagesLimit {
		limit = MaxMessagesLimit
	}

	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	messages := chat.SortedMessages()
	end := len(messages)
	if beforeMessageID != "" {
		end = -1
		for i, msg := range messages {
			if msg.ID == beforeMessageID {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, apperrors.NotFound("message " + beforeMessageID + " not found")
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	return messages[start:end], nil
}

func sortByRecentActivity(views []*models.EnrichedChatView) {
	lastActivity := func(v *models.EnrichedChatView) models.Timestamp {
		if n := len(v.Chat.Messages); n > 0 {
			return v.Chat.Messages[n-1].Timestamp
		}
		return 0
	}
	sort.SliceStable(views, func(i, j int) bool {
		li, lj := lastActivity(views[i]), lastActivity(views[j])
		if li != lj {
			return li > lj
		}
		return views[i].Chat.ID < views[j].Chat.ID
	})
}
