package fanout

import (
	"context"
	"errors"
	"time"

	"metachat/dm-sync-service/internal/apperrors"
	"metachat/dm-sync-service/internal/models"
	"metachat/dm-sync-service/internal/service"
	"metachat/dm-sync-service/internal/session"

	"github.com/sirupsen/logrus"
)

// Event names understood by clients.
const (
	EventGetChats = "getChats"
	EventNew      = "new"
	EventDeleted  = "deleted"
)

const (
	DefaultSnapshotTimeout = 10 * time.Second
	DefaultEventTimeout    = 5 * time.Second
)

type Options struct {
	SnapshotTimeout time.Duration
	EventTimeout    time.Duration
}

// Dispatcher drives every connected session: snapshot first, then the
// incremental feed until the session disconnects.
type Dispatcher struct {
	service    service.ChatService
	subscriber *FeedSubscriber
	registry   *session.Registry
	emitter    session.Emitter
	logger     *logrus.Logger
	opts       Options
}

func NewDispatcher(svc service.ChatService, subscriber *FeedSubscriber, registry *session.Registry, emitter session.Emitter, logger *logrus.Logger, opts Options) *Dispatcher {
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = DefaultEventTimeout
	}
	return &Dispatcher{
		service:    svc,
		subscriber: subscriber,
		registry:   registry,
		emitter:    emitter,
		logger:     logger,
		opts:       opts,
	}
}

// Connect registers a session for userID on conn and starts its worker.
// The returned session must be handed back to Disconnect when the
// connection goes away.
func (d *Dispatcher) Connect(ctx context.Context, userID string, conn session.Conn) (*session.Session, error) {
	if userID == "" {
		return nil, apperrors.ErrMissingUserID
	}

	s := session.New(ctx, userID, conn, d.emitter)
	d.registry.Register(s)

	d.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"session_id":    s.ID,
		"connection_id": conn.ID(),
	}).Info("Session connected")

	go d.run(s)
	return s, nil
}

func (d *Dispatcher) Disconnect(s *session.Session) {
	removed := d.registry.UnregisterSession(s)

	d.logger.WithFields(logrus.Fields{
		"user_id":    s.UserID,
		"session_id": s.ID,
		"current":    removed,
	}).Info("Session disconnected")
}

func (d *Dispatcher) Shutdown() error {
	return d.registry.CloseAll()
}

func (d *Dispatcher) run(s *session.Session) {
	entry := d.logger.WithFields(logrus.Fields{
		"user_id":    s.UserID,
		"session_id": s.ID,
	})

	if !s.Advance(session.StateSnapshotting) {
		return
	}

	// The feed is attached before the snapshot is loaded so that no change
	// falls between the two. Queued events are only drained once getChats
	// has been emitted.
	queue := newEventQueue()
	handle, err := d.subscriber.Attach(s.UserID,
		func(chatID string) {
			queue.push(models.FeedEvent{Kind: models.ChildAdded, ChatID: chatID})
		},
		func(chatID string) {
			queue.push(models.FeedEvent{Kind: models.ChildRemoved, ChatID: chatID})
		},
	)
	if err != nil {
		entry.WithError(err).Error("Failed to attach chat feed")
		return
	}
	if !s.Attach(handle) {
		return
	}

	known, ok := d.snapshot(s, handle, entry)
	if !ok {
		return
	}
	if !s.Advance(session.StateLive) {
		return
	}
	entry.Debug("Chat feed live")

	for {
		select {
		case <-s.Context().Done():
			return
		case <-queue.ready:
			for _, evt := range queue.drain() {
				if s.Closed() {
					return
				}
				d.handle(s, evt, known, entry)
			}
		}
	}
}

// snapshot emits the full chat list and returns the ids it contained. A
// failed load emits nothing and detaches the feed.
func (d *Dispatcher) snapshot(s *session.Session, handle *Handle, entry *logrus.Entry) (map[string]struct{}, bool) {
	ctx, cancel := context.WithTimeout(s.Context(), d.opts.SnapshotTimeout)
	defer cancel()

	views, err := d.service.GetUserChats(ctx, s.UserID)
	if err != nil {
		handle.Detach()
		if s.Context().Err() == nil {
			entry.WithError(err).Error("Failed to load chat snapshot")
		}
		return nil, false
	}

	if err := s.Emit(EventGetChats, views); err != nil {
		handle.Detach()
		d.logEmitError(entry, err, EventGetChats)
		return nil, false
	}

	known := make(map[string]struct{}, len(views))
	for _, view := range views {
		known[view.Chat.ID] = struct{}{}
	}

	entry.WithField("chats", len(views)).Debug("Chat snapshot sent")
	return known, true
}

// handle turns one feed event into a client event. known holds the chats
// the client already has, so an add that the snapshot already covered is
// not sent twice.
func (d *Dispatcher) handle(s *session.Session, evt models.FeedEvent, known map[string]struct{}, entry *logrus.Entry) {
	entry = entry.WithFields(logrus.Fields{
		"chat_id": evt.ChatID,
		"event":   evt.Kind.String(),
	})

	switch evt.Kind {
	case models.ChildAdded:
		if _, ok := known[evt.ChatID]; ok {
			entry.Debug("Chat already delivered")
			return
		}
		view, err := d.enrich(s, evt.ChatID)
		if err != nil {
			if s.Context().Err() == nil {
				entry.WithError(err).Warn("Skipping added chat")
			}
			return
		}
		if view == nil {
			return
		}
		if err := s.Emit(EventNew, view.Latest(models.MessageStatusSent)); err != nil {
			d.logEmitError(entry, err, EventNew)
			return
		}
		known[evt.ChatID] = struct{}{}

	case models.ChildRemoved:
		delete(known, evt.ChatID)
		if err := s.Emit(EventDeleted, evt.ChatID); err != nil {
			d.logEmitError(entry, err, EventDeleted)
		}
	}
}

// enrich re-fetches the chat so the view reflects its current state.
func (d *Dispatcher) enrich(s *session.Session, chatID string) (*models.EnrichedChatView, error) {
	ctx, cancel := context.WithTimeout(s.Context(), d.opts.EventTimeout)
	defer cancel()

	chat, err := d.service.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return d.service.EnrichChat(ctx, s.UserID, chatID, chat)
}

func (d *Dispatcher) logEmitError(entry *logrus.Entry, err error, event string) {
	if errors.Is(err, session.ErrSessionClosed) {
		entry.WithField("emit", event).Debug("Dropping event for closed session")
		return
	}
	entry.WithError(err).WithField("emit", event).Warn("Failed to emit event")
}
