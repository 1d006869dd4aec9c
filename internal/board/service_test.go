package board

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestEnsureBoardCreatesOwnerOnFirstAccess(t *testing.T) {
	service, db := newTestService(t, ServiceConfig{})
	boardID := mustBoardID(t, "board-1")
	ownerID := mustUserID(t, "alice")

	created, err := service.EnsureBoard(context.Background(), boardID, ownerID, "Sprint Planning")
	if err != nil {
		t.Fatalf("ensure board failed: %v", err)
	}
	if created.Title != "Sprint Planning" {
		t.Fatalf("unexpected title %q", created.Title)
	}

	var member Member
	if err := db.Where("board_id = ? AND user_id = ?", "board-1", "alice").Take(&member).Error; err != nil {
		t.Fatalf("failed to load owner membership: %v", err)
	}
	if member.Role != RoleOwner.String() {
		t.Fatalf("expected owner role, got %q", member.Role)
	}

	// second access returns the existing board without re-creating membership.
	again, err := service.EnsureBoard(context.Background(), boardID, mustUserID(t, "bob"), "Different Title")
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if again.Title != "Sprint Planning" {
		t.Fatalf("expected original title to survive, got %q", again.Title)
	}
	var memberCount int64
	if err := db.Model(&Member{}).Where("board_id = ?", "board-1").Count(&memberCount).Error; err != nil {
		t.Fatalf("failed to count members: %v", err)
	}
	if memberCount != 1 {
		t.Fatalf("expected 1 member, got %d", memberCount)
	}
}

func TestResolveRoleReturnsMemberRole(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	boardID := mustBoardID(t, "board-1")
	mustEnsureBoard(t, service, boardID, mustUserID(t, "alice"))

	role, err := service.ResolveRole(context.Background(), boardID, "alice", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if role != RoleOwner {
		t.Fatalf("expected owner, got %q", role)
	}
}

func TestResolveRoleGrantsEditorToAuthenticatedNonMembers(t *testing.T) {
	service, db := newTestService(t, ServiceConfig{})
	boardID := mustBoardID(t, "board-1")
	mustEnsureBoard(t, service, boardID, mustUserID(t, "alice"))

	role, err := service.ResolveRole(context.Background(), boardID, "bob", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if role != RoleEditor {
		t.Fatalf("expected editor grant, got %q", role)
	}

	var member Member
	if err := db.Where("board_id = ? AND user_id = ?", "board-1", "bob").Take(&member).Error; err != nil {
		t.Fatalf("expected persisted editor membership: %v", err)
	}
	if member.Role != RoleEditor.String() {
		t.Fatalf("expected editor role persisted, got %q", member.Role)
	}
}

func TestResolveRoleViewerToken(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	boardID := mustBoardID(t, "board-1")
	mustEnsureBoard(t, service, boardID, mustUserID(t, "alice"))

	token, err := service.RotateViewerToken(context.Background(), boardID)
	if err != nil {
		t.Fatalf("rotate viewer token failed: %v", err)
	}

	role, err := service.ResolveRole(context.Background(), boardID, "", token)
	if err != nil {
		t.Fatalf("resolve with viewer token failed: %v", err)
	}
	if role != RoleViewer {
		t.Fatalf("expected viewer, got %q", role)
	}

	if _, err := service.ResolveRole(context.Background(), boardID, "", "wrong-token"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied for wrong token, got %v", err)
	}

	if err := service.ClearViewerToken(context.Background(), boardID); err != nil {
		t.Fatalf("clear viewer token failed: %v", err)
	}
	if _, err := service.ResolveRole(context.Background(), boardID, "", token); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied after token cleared, got %v", err)
	}
}

func TestMergeDocumentFoldsOpsAndSnapshot(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{CachedOpsLimit: 10})
	boardID := mustBoardID(t, "board-1")
	mustEnsureBoard(t, service, boardID, mustUserID(t, "alice"))

	firstBatch := []DocumentOp{
		{OpID: "op-1", Payload: json.RawMessage(`{"type":"stroke"}`), TimestampMillis: 100},
		{OpID: "op-2", Payload: json.RawMessage(`{"type":"stroke"}`), TimestampMillis: 200},
	}
	if err := service.MergeDocument(context.Background(), boardID, firstBatch, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	snapshot := json.RawMessage(`{"shapes":[1,2]}`)
	secondBatch := []DocumentOp{
		{OpID: "op-2", Payload: json.RawMessage(`{"type":"stroke","v":2}`), TimestampMillis: 250},
		{OpID: "op-3", Payload: json.RawMessage(`{"type":"erase"}`), TimestampMillis: 300},
	}
	if err := service.MergeDocument(context.Background(), boardID, secondBatch, snapshot); err != nil {
		t.Fatalf("second merge failed: %v", err)
	}

	document, err := service.CurrentDocument(context.Background(), boardID)
	if err != nil {
		t.Fatalf("current document failed: %v", err)
	}
	if len(document.Ops) != 3 {
		t.Fatalf("expected 3 deduplicated ops, got %d", len(document.Ops))
	}
	if document.Ops[1].TimestampMillis != 250 {
		t.Fatalf("expected op-2 to keep the newer timestamp, got %d", document.Ops[1].TimestampMillis)
	}
	if string(document.Snapshot) != `{"shapes":[1,2]}` {
		t.Fatalf("unexpected snapshot %s", document.Snapshot)
	}
}

func TestMergeDocumentUnknownBoard(t *testing.T) {
	service, _ := newTestService(t, ServiceConfig{})
	err := service.MergeDocument(context.Background(), mustBoardID(t, "missing"), []DocumentOp{{OpID: "op-1"}}, nil)
	if !errors.Is(err, ErrBoardNotFound) {
		t.Fatalf("expected board not found, got %v", err)
	}
}
