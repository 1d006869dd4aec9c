package board

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAppendChat  = "board.append_chat"
	opListChat    = "board.list_chat"
	opRestoreChat = "board.restore_chat"

	chatDedupeTextPrefix = 32
)

// ChatEntry describes one chat message to append.
type ChatEntry struct {
	UserID          string
	DisplayName     string
	Text            string
	ReplyTo         string
	ReactionsJSON   string
	LinkPreviewJSON string
	CreatedAtMillis int64
}

// AppendChat stores a chat message and trims the board's history to the
// configured bound, keeping the most recent entries.
func (s *Service) AppendChat(ctx context.Context, boardID BoardID, entry ChatEntry) (ChatMessage, error) {
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendChat, "id_generation_failed", err, zap.String("board_id", boardID.String()))
		return ChatMessage{}, newServiceError(opAppendChat, "id_generation_failed", err)
	}

	createdAt := entry.CreatedAtMillis
	if createdAt <= 0 {
		createdAt = s.clock().UTC().UnixMilli()
	}
	message := ChatMessage{
		MessageID:       messageID,
		BoardID:         boardID.String(),
		UserID:          entry.UserID,
		DisplayName:     entry.DisplayName,
		Text:            entry.Text,
		ReplyTo:         entry.ReplyTo,
		ReactionsJSON:   entry.ReactionsJSON,
		LinkPreviewJSON: entry.LinkPreviewJSON,
		CreatedAtMillis: createdAt,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return newServiceError(opAppendChat, "insert_failed", err)
		}
		return trimChat(tx, boardID, s.chatHistoryLimit)
	})
	if txErr != nil {
		s.logError(opAppendChat, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
		return ChatMessage{}, txErr
	}
	return message, nil
}

// ListChat returns the board's chat history in chronological order.
func (s *Service) ListChat(ctx context.Context, boardID BoardID) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String()).
		Order("created_at_ms ASC, message_id ASC").
		Find(&messages).Error; err != nil {
		s.logError(opListChat, "query_failed", err, zap.String("board_id", boardID.String()))
		return nil, newServiceError(opListChat, "query_failed", err)
	}
	return messages, nil
}

// RestoreChat merges chat messages from an export artifact using a
// best-effort dedup key of timestamp, author, and text prefix. It returns the
// number of messages inserted.
func (s *Service) RestoreChat(ctx context.Context, boardID BoardID, messages []ChatMessage) (int, error) {
	existing, err := s.ListChat(ctx, boardID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, message := range existing {
		seen[chatDedupeKey(message)] = struct{}{}
	}

	inserted := 0
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, message := range messages {
			key := chatDedupeKey(message)
			if _, duplicate := seen[key]; duplicate {
				continue
			}
			seen[key] = struct{}{}

			fresh := message
			fresh.BoardID = boardID.String()
			if fresh.MessageID == "" {
				messageID, idErr := s.idProvider.NewID()
				if idErr != nil {
					return newServiceError(opRestoreChat, "id_generation_failed", idErr)
				}
				fresh.MessageID = messageID
			} else if collideErr := tx.Select("message_id").
				Where("message_id = ?", fresh.MessageID).
				Take(&ChatMessage{}).Error; collideErr == nil {
				messageID, idErr := s.idProvider.NewID()
				if idErr != nil {
					return newServiceError(opRestoreChat, "id_generation_failed", idErr)
				}
				fresh.MessageID = messageID
			} else if !errors.Is(collideErr, gorm.ErrRecordNotFound) {
				return newServiceError(opRestoreChat, "lookup_failed", collideErr)
			}

			if createErr := tx.Create(&fresh).Error; createErr != nil {
				return newServiceError(opRestoreChat, "insert_failed", createErr)
			}
			inserted++
		}
		return trimChat(tx, boardID, s.chatHistoryLimit)
	})
	if txErr != nil {
		s.logError(opRestoreChat, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
		return 0, txErr
	}
	return inserted, nil
}

func chatDedupeKey(message ChatMessage) string {
	text := message.Text
	if len(text) > chatDedupeTextPrefix {
		text = text[:chatDedupeTextPrefix]
	}
	return fmt.Sprintf("%d|%s|%s", message.CreatedAtMillis, message.UserID, text)
}

func trimChat(tx *gorm.DB, boardID BoardID, limit int) error {
	var total int64
	if err := tx.Model(&ChatMessage{}).
		Where("board_id = ?", boardID.String()).
		Count(&total).Error; err != nil {
		return newServiceError(opAppendChat, "count_failed", err)
	}
	overflow := total - int64(limit)
	if overflow <= 0 {
		return nil
	}

	var stale []ChatMessage
	if err := tx.Select("message_id").
		Where("board_id = ?", boardID.String()).
		Order("created_at_ms ASC, message_id ASC").
		Limit(int(overflow)).
		Find(&stale).Error; err != nil {
		return newServiceError(opAppendChat, "trim_lookup_failed", err)
	}
	staleIDs := make([]string, 0, len(stale))
	for _, message := range stale {
		staleIDs = append(staleIDs, message.MessageID)
	}
	if err := tx.Where("message_id IN ?", staleIDs).
		Delete(&ChatMessage{}).Error; err != nil {
		return newServiceError(opAppendChat, "trim_delete_failed", err)
	}
	return nil
}
