package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"metachat/dm-sync-service/internal/models"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// subscriptionSet routes feed events to the handlers registered per user.
type subscriptionSet struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]FeedHandler
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{handlers: make(map[string]map[uint64]FeedHandler)}
}

func (s *subscriptionSet) add(userID string, handler FeedHandler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if _, ok := s.handlers[userID]; !ok {
		s.handlers[userID] = make(map[uint64]FeedHandler)
	}
	s.handlers[userID][id] = handler

	return &subscription{set: s, userID: userID, id: id}
}

func (s *subscriptionSet) remove(userID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handlers, ok := s.handlers[userID]; ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(s.handlers, userID)
		}
	}
}

// deliver calls every handler subscribed to userID. Handlers run outside the
// lock so they may unsubscribe.
func (s *subscriptionSet) deliver(userID string, evt models.FeedEvent) {
	s.mu.RLock()
	handlers := make([]FeedHandler, 0, len(s.handlers[userID]))
	for _, h := range s.handlers[userID] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

func (s *subscriptionSet) count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[userID])
}

type subscription struct {
	set    *subscriptionSet
	userID string
	id     uint64
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.set.remove(s.userID, s.id)
	})
}

type membershipNotification struct {
	Op     string `json:"op"`
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// FeedListener turns postgres NOTIFY payloads emitted by the
// chat_participants trigger into per-user feed events.
type FeedListener struct {
	listener *pq.Listener
	channel  string
	subs     *subscriptionSet
	logger   *logrus.Logger
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

func NewFeedListener(dsn, channel string, minReconnect, maxReconnect time.Duration, logger *logrus.Logger) (*FeedListener, error) {
	if channel == "" {
		channel = DefaultFeedChannel
	}
	if minReconnect <= 0 {
		minReconnect = 10 * time.Second
	}
	if maxReconnect < minReconnect {
		maxReconnect = time.Minute
	}

	f := &FeedListener{
		channel: channel,
		subs:    newSubscriptionSet(),
		logger:  logger,
		done:    make(chan struct{}),
	}

	f.listener = pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		entry := logger.WithField("channel", channel)
		switch ev {
		case pq.ListenerEventConnected:
			entry.Info("Change feed listener connected")
		case pq.ListenerEventDisconnected:
			entry.WithError(err).Warn("Change feed listener disconnected")
		case pq.ListenerEventReconnected:
			entry.Warn("Change feed listener reconnected, notifications sent meanwhile were lost")
		case pq.ListenerEventConnectionAttemptFailed:
			entry.WithError(err).Error("Change feed listener connection attempt failed")
		}
	})

	if err := f.listener.Listen(channel); err != nil {
		f.listener.Close()
		return nil, errors.Wrapf(err, "listen on channel %s", channel)
	}

	return f, nil
}

// Run dispatches notifications until ctx is done or the listener is closed.
// Notifications are dispatched one at a time in arrival order, which keeps
// an add ahead of a later remove for the same chat.
func (f *FeedListener) Run(ctx context.Context) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			f.dispatch(n.Extra)
		case <-ping.C:
			if err := f.listener.Ping(); err != nil {
				f.logger.WithError(err).Warn("Change feed listener ping failed")
			}
		}
	}
}

func (f *FeedListener) dispatch(payload string) {
	var n membershipNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		f.logger.WithError(err).WithField("payload", payload).Warn("Discarding malformed membership notification")
		return
	}

	evt := models.FeedEvent{ChatID: n.ChatID}
	switch n.Op {
	case "added":
		evt.Kind = models.ChildAdded
	case "removed":
		evt.Kind = models.ChildRemoved
	default:
		f.logger.WithField("op", n.Op).Warn("Discarding membership notification with unknown op")
		return
	}

	f.subs.deliver(n.UserID, evt)
}

func (f *FeedListener) subscribe(userID string, handler FeedHandler) Subscription {
	return f.subs.add(userID, handler)
}

func (f *FeedListener) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)
	return f.listener.Close()
}
