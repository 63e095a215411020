package fanout

import (
	"sync"

	"metachat/dm-sync-service/internal/models"
	"metachat/dm-sync-service/internal/repository"
)

// FeedSubscriber opens membership subscriptions on the chat repository.
type FeedSubscriber struct {
	repository repository.ChatRepository
}

func NewFeedSubscriber(repo repository.ChatRepository) *FeedSubscriber {
	return &FeedSubscriber{repository: repo}
}

// Handle is one attached subscription. Callbacks run under the handle lock,
// so once Detach returns no callback is running and none will run again.
type Handle struct {
	userID    string
	onAdded   func(chatID string)
	onRemoved func(chatID string)

	mu       sync.Mutex
	detached bool
	sub      repository.Subscription
}

func (f *FeedSubscriber) Attach(userID string, onAdded, onRemoved func(chatID string)) (*Handle, error) {
	h := &Handle{
		userID:    userID,
		onAdded:   onAdded,
		onRemoved: onRemoved,
	}

	sub, err := f.repository.SubscribeUserChats(userID, h.deliver)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()

	return h, nil
}

func (h *Handle) deliver(evt models.FeedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.detached {
		return
	}
	switch evt.Kind {
	case models.ChildAdded:
		h.onAdded(evt.ChatID)
	case models.ChildRemoved:
		h.onRemoved(evt.ChatID)
	}
}

// Detach stops callback delivery and releases the store subscription.
// Further calls do nothing.
func (h *Handle) Detach() {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return
	}
	h.detached = true
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (h *Handle) Detached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detached
}
