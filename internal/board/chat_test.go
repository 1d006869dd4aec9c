package board

import (
	"context"
	"fmt"
	"testing"
)

func TestAppendChatTrimsHistory(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{ChatHistoryLimit: 3})
	boardID := mustBoardID(t, "board-1")
	mustEnsureBoard(t, service, boardID, mustUserID(t, "alice"))

	for i := 1; i <= 5; i++ {
		_, err := service.AppendChat(context.Background(), boardID, ChatEntry{
			UserID:          "alice",
			DisplayName:     "Alice",
			Text:            fmt.Sprintf("message %d", i),
			CreatedAtMillis: int64(i) * 1000,
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	messages, err := service.ListChat(context.Background(), boardID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected history trimmed to 3, got %d", len(messages))
	}
	if messages[0].Text != "message 3" || messages[2].Text != "message 5" {
		t.Fatalf("expected the most recent messages kept, got %+v", messages)
	}
}

func TestRestoreChatDeduplicates(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	boardID := mustBoardID(t, "board-1")
	mustEnsureBoard(t, service, boardID, mustUserID(t, "alice"))

	existing, err := service.AppendChat(context.Background(), boardID, ChatEntry{
		UserID:          "alice",
		Text:            "hello there",
		CreatedAtMillis: 1000,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	incoming := []ChatMessage{
		// same timestamp, author, and text as the stored message: skipped.
		{MessageID: "other-id", UserID: "alice", Text: "hello there", CreatedAtMillis: 1000},
		// new message whose id collides with a stored one: inserted under a fresh id.
		{MessageID: existing.MessageID, UserID: "bob", Text: "hi", CreatedAtMillis: 2000},
		{MessageID: "msg-3", UserID: "alice", Text: "bye", CreatedAtMillis: 3000},
	}
	inserted, err := service.RestoreChat(context.Background(), boardID, incoming)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 inserted, got %d", inserted)
	}

	messages, err := service.ListChat(context.Background(), boardID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages total, got %d", len(messages))
	}
	if messages[1].MessageID == existing.MessageID {
		t.Fatalf("colliding message id was not reassigned")
	}

	// restoring the same artifact again inserts nothing.
	inserted, err = service.RestoreChat(context.Background(), boardID, incoming)
	if err != nil {
		t.Fatalf("second restore failed: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected idempotent restore, got %d inserted", inserted)
	}
}
