package grpc

import (
	"context"
	"sort"

	"metachat/dm-sync-service/internal/apperrors"
	"metachat/dm-sync-service/internal/models"
	"metachat/dm-sync-service/internal/service"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	pb "github.com/kegazani/metachat-proto/chat"
)

// ChatServer exposes the read side of the chat store over gRPC. Write RPCs
// are served by the messaging service and answer Unimplemented here.
type ChatServer struct {
	pb.UnimplementedChatServiceServer
	service service.ChatService
	logger  *logrus.Logger
}

func NewChatServer(svc service.ChatService, logger *logrus.Logger) *ChatServer {
	return &ChatServer{
		service: svc,
		logger:  logger,
	}
}

func (s *ChatServer) CreateChat(ctx context.Context, req *pb.CreateChatRequest) (*pb.CreateChatResponse, error) {
	return nil, status.Error(codes.Unimplemented, "chat creation is not served by the sync service")
}

func (s *ChatServer) SendMessage(ctx context.Context, req *pb.SendMessageRequest) (*pb.SendMessageResponse, error) {
	return nil, status.Error(codes.Unimplemented, "message sending is not served by the sync service")
}

func (s *ChatServer) MarkMessagesAsRead(ctx context.Context, req *pb.MarkMessagesAsReadRequest) (*pb.MarkMessagesAsReadResponse, error) {
	return nil, status.Error(codes.Unimplemented, "read receipts are not served by the sync service")
}

func (s *ChatServer) GetChat(ctx context.Context, req *pb.GetChatRequest) (*pb.GetChatResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Debug("Getting chat via gRPC")

	chat, err := s.service.GetChat(ctx, req.ChatId)
	if err != nil {
		return nil, toStatus(err, "failed to get chat")
	}

	return &pb.GetChatResponse{
		Chat: chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetUserChats(ctx context.Context, req *pb.GetUserChatsRequest) (*pb.GetUserChatsResponse, error) {
	s.logger.WithField("user_id", req.UserId).Debug("Getting user chats via gRPC")

	chats, err := s.service.GetRawUserChats(ctx, req.UserId)
	if err != nil {
		return nil, toStatus(err, "failed to get user chats")
	}

	ids := make([]string, 0, len(chats))
	for id := range chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	protoChats := make([]*pb.Chat, 0, len(ids))
	for _, id := range ids {
		protoChats = append(protoChats, chatToProto(chats[id]))
	}

	return &pb.GetUserChatsResponse{
		Chats: protoChats,
	}, nil
}

func (s *ChatServer) GetChatMessages(ctx context.Context, req *pb.GetChatMessagesRequest) (*pb.GetChatMessagesResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Debug("Getting chat messages via gRPC")

	messages, err := s.service.GetChatMessages(ctx, req.ChatId, int(req.Limit), req.BeforeMessageId)
	if err != nil {
		return nil, toStatus(err, "failed to get chat messages")
	}

	protoMessages := make([]*pb.Message, len(messages))
	for i, m := range messages {
		protoMessages[i] = messageToProto(req.ChatId, m)
	}

	return &pb.GetChatMessagesResponse{
		Messages: protoMessages,
	}, nil
}

func toStatus(err error, msg string) error {
	code := apperrors.GRPCCode(err)
	if code == codes.NotFound {
		return status.Error(code, err.Error())
	}
	return status.Errorf(code, "%s: %v", msg, err)
}

// chatToProto maps a direct chat onto the two-user proto shape. Participants
// are ordered by id.
func chatToProto(chat *models.ChatRecord) *pb.Chat {
	var participants []string
	for id, member := range chat.Participants {
		if member {
			participants = append(participants, id)
		}
	}
	sort.Strings(participants)

	protoChat := &pb.Chat{Id: chat.ID}
	if len(participants) > 0 {
		protoChat.UserId1 = participants[0]
	}
	if len(participants) > 1 {
		protoChat.UserId2 = participants[1]
	}

	messages := chat.SortedMessages()
	if n := len(messages); n > 0 {
		protoChat.CreatedAt = timestamppb.New(messages[0].Timestamp.Time())
		protoChat.UpdatedAt = timestamppb.New(messages[n-1].Timestamp.Time())
	}

	return protoChat
}

func messageToProto(chatID string, msg models.Message) *pb.Message {
	return &pb.Message{
		Id:        msg.ID,
		ChatId:    chatID,
		SenderId:  msg.Sender,
		Content:   msg.Text,
		CreatedAt: timestamppb.New(msg.Timestamp.Time()),
	}
}
