package repository

import (
	"context"
	"sync"
	"testing"

	"metachat/dm-sync-service/internal/apperrors"
	"metachat/dm-sync-service/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
userData:
  u1:
    name: Alice
  u2:
    name: Bob
chats:
  c1:
    participants:
      u1: true
      u2: true
    messages:
      m1:
        sender: u1
        text: hi
        timestamp: 100
      m2:
        sender: u2
        text: hello
        timestamp: "2024-03-01T12:00:00Z"
`

type recorder struct {
	mu     sync.Mutex
	events []models.FeedEvent
}

func (r *recorder) handle(evt models.FeedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []models.FeedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.FeedEvent(nil), r.events...)
}

func TestMemoryRepository_LoadSeed(t *testing.T) {
	req := require.New(t)
	repo := NewMemoryRepository()

	req.NoError(repo.LoadSeed([]byte(seedYAML)))

	profile, err := repo.GetUserProfile(context.Background(), "u2")
	req.NoError(err)
	req.Equal("u2", profile.ID())
	req.Equal("Bob", profile["name"])

	chat, err := repo.GetChat(context.Background(), "c1")
	req.NoError(err)
	req.Equal("c1", chat.ID)
	req.True(chat.HasParticipant("u1"))
	req.Len(chat.Messages, 2)
	req.Equal(models.Timestamp(100), chat.Messages["m1"].Timestamp)
	req.Greater(chat.Messages["m2"].Timestamp, chat.Messages["m1"].Timestamp)
}

func TestMemoryRepository_LoadSeed_InvalidTimestamp(t *testing.T) {
	repo := NewMemoryRepository()

	err := repo.LoadSeed([]byte(`
chats:
  c1:
    participants: {u1: true, u2: true}
    messages:
      m1: {sender: u1, text: hi, timestamp: "not a date"}
`))

	require.ErrorIs(t, err, models.ErrInvalidTimestamp)
}

func TestMemoryRepository_NotFound(t *testing.T) {
	req := require.New(t)
	repo := NewMemoryRepository()

	_, err := repo.GetUserProfile(context.Background(), "ghost")
	req.True(apperrors.IsCode(err, apperrors.CodeNotFound))

	_, err = repo.GetChat(context.Background(), "ghost")
	req.ErrorIs(err, apperrors.ErrChatNotFound)
}

func TestMemoryRepository_GetUserChats_FiltersByMembership(t *testing.T) {
	req := require.New(t)
	repo := NewMemoryRepository()
	repo.PutChat(&models.ChatRecord{ID: "c1", Participants: map[string]bool{"u1": true, "u2": true}})
	repo.PutChat(&models.ChatRecord{ID: "c2", Participants: map[string]bool{"u2": true, "u3": true}})

	chats, err := repo.GetUserChats(context.Background(), "u1")
	req.NoError(err)
	req.Len(chats, 1)
	req.Contains(chats, "c1")

	none, err := repo.GetUserChats(context.Background(), "u9")
	req.NoError(err)
	req.NotNil(none)
	req.Empty(none)
}

func TestMemoryRepository_Feed_AddThenRemove(t *testing.T) {
	req := require.New(t)
	repo := NewMemoryRepository()
	rec := &recorder{}

	sub, err := repo.SubscribeUserChats("u1", rec.handle)
	req.NoError(err)
	req.Equal(1, repo.Subscribers("u1"))

	repo.PutChat(&models.ChatRecord{ID: "c1", Participants: map[string]bool{"u1": true, "u2": true}})
	// re-putting the same membership is not a new add
	repo.PutChat(&models.ChatRecord{ID: "c1", Participants: map[string]bool{"u1": true, "u2": true}})
	repo.PutChat(&models.ChatRecord{ID: "c2", Participants: map[string]bool{"u2": true, "u3": true}})
	repo.RemoveChat("c1")

	events := rec.all()
	req.Len(events, 2)
	req.Equal(models.ChildAdded, events[0].Kind)
	req.Equal("c1", events[0].ChatID)
	req.NotNil(events[0].Record)
	req.Equal(models.ChildRemoved, events[1].Kind)
	req.Equal("c1", events[1].ChatID)

	sub.Unsubscribe()
	sub.Unsubscribe()
	req.Equal(0, repo.Subscribers("u1"))

	repo.PutChat(&models.ChatRecord{ID: "c3", Participants: map[string]bool{"u1": true, "u2": true}})
	req.Len(rec.all(), 2)
}

func TestMemoryRepository_Feed_ParticipantDropped(t *testing.T) {
	req := require.New(t)
	repo := NewMemoryRepository()
	rec := &recorder{}
	repo.PutChat(&models.ChatRecord{ID: "c1", Participants: map[string]bool{"u1": true, "u2": true}})

	_, err := repo.SubscribeUserChats("u1", rec.handle)
	req.NoError(err)

	repo.PutChat(&models.ChatRecord{ID: "c1", Participants: map[string]bool{"u2": true, "u3": true}})

	events := rec.all()
	req.Len(events, 1)
	req.Equal(models.ChildRemoved, events[0].Kind)
}

func TestFeedListener_Dispatch(t *testing.T) {
	req := require.New(t)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := &FeedListener{channel: DefaultFeedChannel, subs: newSubscriptionSet(), logger: logger}
	u1 := &recorder{}
	u2 := &recorder{}
	f.subscribe("u1", u1.handle)
	f.subscribe("u2", u2.handle)

	f.dispatch(`{"op":"added","chat_id":"c1","user_id":"u1"}`)
	f.dispatch(`{"op":"removed","chat_id":"c1","user_id":"u1"}`)
	f.dispatch(`{"op":"renamed","chat_id":"c1","user_id":"u1"}`)
	f.dispatch(`not json`)

	events := u1.all()
	req.Len(events, 2)
	req.Equal(models.FeedEvent{Kind: models.ChildAdded, ChatID: "c1"}, events[0])
	req.Equal(models.FeedEvent{Kind: models.ChildRemoved, ChatID: "c1"}, events[1])
	req.Empty(u2.all())
	req.Len(hook.AllEntries(), 2)
}
