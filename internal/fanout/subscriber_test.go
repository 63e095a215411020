package fanout

import (
	"errors"
	"sync"
	"testing"

	"metachat/dm-sync-service/internal/mocks"
	"metachat/dm-sync-service/internal/models"
	"metachat/dm-sync-service/internal/repository"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestFeedSubscriber_DeliversUntilDetached(t *testing.T) {
	req := require.New(t)
	repo := repository.NewMemoryRepository()
	subscriber := NewFeedSubscriber(repo)

	var mu sync.Mutex
	var added, removed []string
	handle, err := subscriber.Attach("u1",
		func(chatID string) { mu.Lock(); added = append(added, chatID); mu.Unlock() },
		func(chatID string) { mu.Lock(); removed = append(removed, chatID); mu.Unlock() },
	)
	req.NoError(err)

	repo.PutChat(chat("c1", "u1", "u2"))
	repo.RemoveChat("c1")
	handle.Detach()
	repo.PutChat(chat("c2", "u1", "u2"))

	req.Equal([]string{"c1"}, added)
	req.Equal([]string{"c1"}, removed)
	req.True(handle.Detached())
	req.Equal(0, repo.Subscribers("u1"))
}

func TestFeedSubscriber_DetachTwiceUnsubscribesOnce(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockChatRepository(ctrl)
	sub := mocks.NewMockSubscription(ctrl)

	repo.EXPECT().SubscribeUserChats("u1", gomock.Any()).Return(sub, nil).Times(1)
	sub.EXPECT().Unsubscribe().Times(1)

	handle, err := NewFeedSubscriber(repo).Attach("u1", func(string) {}, func(string) {})
	req.NoError(err)

	handle.Detach()
	handle.Detach()
}

func TestFeedSubscriber_DetachDoesNotAffectOtherSessions(t *testing.T) {
	req := require.New(t)
	repo := repository.NewMemoryRepository()
	subscriber := NewFeedSubscriber(repo)

	var first, second int
	h1, err := subscriber.Attach("u1", func(string) { first++ }, func(string) {})
	req.NoError(err)
	_, err = subscriber.Attach("u1", func(string) { second++ }, func(string) {})
	req.NoError(err)

	h1.Detach()
	h1.Detach()
	repo.PutChat(chat("c1", "u1", "u2"))

	req.Equal(0, first)
	req.Equal(1, second)
	req.Equal(1, repo.Subscribers("u1"))
}

func TestFeedSubscriber_DropsEventsInFlightAtDetach(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockChatRepository(ctrl)
	sub := mocks.NewMockSubscription(ctrl)

	var deliver repository.FeedHandler
	repo.EXPECT().SubscribeUserChats("u1", gomock.Any()).DoAndReturn(
		func(_ string, handler repository.FeedHandler) (repository.Subscription, error) {
			deliver = handler
			return sub, nil
		})
	sub.EXPECT().Unsubscribe()

	calls := 0
	handle, err := NewFeedSubscriber(repo).Attach("u1", func(string) { calls++ }, func(string) { calls++ })
	req.NoError(err)

	deliver(models.FeedEvent{Kind: models.ChildAdded, ChatID: "c1"})
	handle.Detach()
	// the store still has the event queued and hands it over late
	deliver(models.FeedEvent{Kind: models.ChildRemoved, ChatID: "c1"})

	req.Equal(1, calls)
}

func TestFeedSubscriber_AttachError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockChatRepository(ctrl)
	repo.EXPECT().SubscribeUserChats("u1", gomock.Any()).Return(nil, errors.New("listener down"))

	handle, err := NewFeedSubscriber(repo).Attach("u1", func(string) {}, func(string) {})

	require.Nil(t, handle)
	require.EqualError(t, err, "listener down")
}
