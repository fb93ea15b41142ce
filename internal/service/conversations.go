package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
	"github.com/mmeshcher/marketplace-core/internal/repository"
)

const (
	maxMessageLength = 4000
	previewLength    = 100
)

// Send добавляет сообщение в переписку пары отправитель-получатель, создавая её
// при первом сообщении, и уведомляет получателя.
func (s *Service) Send(ctx context.Context, senderID, recipientID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if senderID == "" || recipientID == "" || senderID == recipientID {
		return nil, ErrInvalidMessage
	}
	if content == "" || utf8.RuneCountInString(content) > maxMessageLength {
		return nil, ErrInvalidMessage
	}

	conv, msg, err := s.repo.AppendMessage(ctx, senderID, recipientID, content, s.now())
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	s.notifyMessage(context.WithoutCancel(ctx), conv, msg, recipientID)

	return msg, nil
}

func (s *Service) notifyMessage(ctx context.Context, conv *model.Conversation, msg *model.Message, recipientID string) {
	events := make([]model.PushEvent, 0, 3)

	ev, err := model.NewPushEvent(recipientID, model.PushNewMessage, model.NewMessagePayload{
		ConversationID: conv.ID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Timestamp:      msg.CreatedAt,
	})
	if err == nil {
		events = append(events, ev)
	}

	for _, userID := range []string{recipientID, msg.SenderID} {
		ev, err := model.NewPushEvent(userID, model.PushConversationUpdated, model.ConversationUpdatedPayload{
			ConversationID: conv.ID,
			LastMessage:    conv.LastMessage,
			Unread:         conv.Unread[userID],
		})
		if err == nil {
			events = append(events, ev)
		}
	}

	_, err = s.Notify(ctx, Notice{
		Recipient: recipientID,
		Type:      model.NotificationMessage,
		Title:     "New message",
		Message:   preview(msg.Content),
		Link:      "/messages/" + conv.ID,
		DedupeKey: "message:" + msg.ID,
		Push:      events,
	})
	if err != nil {
		s.logger.Error("notify new message",
			zap.Error(err),
			zap.String("conversation_id", conv.ID),
			zap.String("recipient_id", recipientID),
		)
	}
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}

// Fetch возвращает историю переписки в порядке отправки, обнуляет счётчик
// непрочитанных читателя и отмечает прочитанными сообщения собеседника.
func (s *Service) Fetch(ctx context.Context, conversationID, readerID string) ([]model.Message, error) {
	msgs, err := s.repo.FetchMessages(ctx, conversationID, readerID)
	if errors.Is(err, repository.ErrNotParticipant) {
		return nil, ErrForbidden
	}
	return msgs, err
}

// ListConversations возвращает переписки пользователя, последние активные первыми.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	convs, err := s.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := make([]model.ConversationSummary, 0, len(convs))
	for i := range convs {
		c := &convs[i]
		res = append(res, model.ConversationSummary{
			ConversationID: c.ID,
			CounterpartID:  c.Counterpart(userID),
			LastMessage:    c.LastMessage,
			LastMessageAt:  c.LastMessageAt,
			Unread:         c.Unread[userID],
		})
	}
	return res, nil
}
