package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tessella-app/tessella/internal/board"
	"gorm.io/gorm"
)

var exportTestDatabaseSequence atomic.Int64

func newBoardService(t *testing.T) *board.Service {
	t.Helper()

	dsn := fmt.Sprintf("file:tessella_export_test_%d?mode=memory&cache=shared", exportTestDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&board.Board{}, &board.Member{}, &board.ChatMessage{},
		&board.Operation{}, &board.Snapshot{}, &board.SequenceCounter{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := board.NewService(board.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: board.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct board service: %v", err)
	}
	return service
}

func newExportService(t *testing.T, boards *board.Service) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Boards: boards,
		Clock:  func() time.Time { return time.Unix(1700000700, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct export service: %v", err)
	}
	return service
}

func mustApplyOps(t *testing.T, boards *board.Service, boardID board.BoardID, start, count int) {
	t.Helper()
	requests := make([]board.OperationRequest, 0, count)
	for i := 0; i < count; i++ {
		n := start + i
		opID, err := board.NewOpID(fmt.Sprintf("op-%d", n))
		if err != nil {
			t.Fatalf("invalid op id: %v", err)
		}
		requests = append(requests, board.OperationRequest{
			OpID:            opID,
			PayloadJSON:     fmt.Sprintf(`{"n":%d}`, n),
			TimestampMillis: int64(n) * 10,
		})
	}
	if _, err := boards.ApplyOperations(context.Background(), boardID, "alice", requests); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestExportReflectsDurableStateWithoutMutatingIt(t *testing.T) {
	boards := newBoardService(t)
	exporter := newExportService(t, boards)
	boardID, _ := board.NewBoardID("board-1")
	ownerID, _ := board.NewUserID("alice")
	if _, err := boards.EnsureBoard(context.Background(), boardID, ownerID, "Roadmap"); err != nil {
		t.Fatalf("ensure board failed: %v", err)
	}

	// 205 operations with the default cadence of 200 yields exactly one snapshot.
	mustApplyOps(t, boards, boardID, 1, 205)
	if _, err := boards.AppendChat(context.Background(), boardID, board.ChatEntry{
		UserID: "alice", DisplayName: "Alice", Text: "ship it", CreatedAtMillis: 1000,
	}); err != nil {
		t.Fatalf("append chat failed: %v", err)
	}

	artifact, err := exporter.Export(context.Background(), boardID)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if artifact.Meta.BaseVersion != 1 {
		t.Fatalf("expected base version 1 from the automatic checkpoint, got %d", artifact.Meta.BaseVersion)
	}
	if len(artifact.Ops) != 205 {
		t.Fatalf("expected the full operation log, got %d ops", len(artifact.Ops))
	}
	if artifact.Ops[0].Seq != 1 || artifact.Ops[204].Seq != 205 {
		t.Fatalf("unexpected sequence range %d..%d", artifact.Ops[0].Seq, artifact.Ops[204].Seq)
	}
	if len(artifact.Members) != 1 || artifact.Members[0].Role != "owner" {
		t.Fatalf("unexpected members: %+v", artifact.Members)
	}
	if len(artifact.Chat) != 1 || artifact.Chat[0].Text != "ship it" {
		t.Fatalf("unexpected chat: %+v", artifact.Chat)
	}
	if artifact.Meta.Checksum != board.ChecksumState(string(artifact.Snapshot)) {
		t.Fatalf("checksum does not match snapshot payload")
	}

	// exporting is read-only: a second export sees the same baseline.
	again, err := exporter.Export(context.Background(), boardID)
	if err != nil {
		t.Fatalf("second export failed: %v", err)
	}
	if again.Meta.BaseVersion != 1 {
		t.Fatalf("export created a checkpoint: base version %d", again.Meta.BaseVersion)
	}
	snapshot, err := boards.LatestSnapshot(context.Background(), boardID)
	if err != nil {
		t.Fatalf("latest snapshot failed: %v", err)
	}
	if snapshot.Version != 1 {
		t.Fatalf("expected snapshot store untouched, got version %d", snapshot.Version)
	}
}

func TestRestoreIntoEmptyDatabasePreservesSequences(t *testing.T) {
	source := newBoardService(t)
	boardID, _ := board.NewBoardID("board-1")
	ownerID, _ := board.NewUserID("alice")
	if _, err := source.EnsureBoard(context.Background(), boardID, ownerID, "Roadmap"); err != nil {
		t.Fatalf("ensure board failed: %v", err)
	}
	mustApplyOps(t, source, boardID, 1, 10)
	token, err := source.RotateViewerToken(context.Background(), boardID)
	if err != nil {
		t.Fatalf("rotate viewer token failed: %v", err)
	}

	artifact, err := newExportService(t, source).Export(context.Background(), boardID)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	target := newBoardService(t)
	restorer := newExportService(t, target)
	report, err := restorer.Restore(context.Background(), artifact)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !report.BoardCreated {
		t.Fatalf("expected board creation on fresh database")
	}
	if report.OpsInserted != 10 || report.OpsSkipped != 0 {
		t.Fatalf("unexpected op counts: %+v", report)
	}
	if report.SequenceValue != 10 {
		t.Fatalf("expected counter reconciled to 10, got %d", report.SequenceValue)
	}

	restored, err := target.ListOperations(context.Background(), boardID, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for i, record := range restored {
		if record.Seq != int64(i+1) {
			t.Fatalf("sequence %d not preserved: got %d", i+1, record.Seq)
		}
	}

	stored, err := target.GetBoard(context.Background(), boardID)
	if err != nil {
		t.Fatalf("get board failed: %v", err)
	}
	if stored.PublicViewerToken != token {
		t.Fatalf("viewer token not restored")
	}

	// the reconciled counter hands out fresh numbers after the restored range.
	opID, _ := board.NewOpID("op-after-restore")
	result, err := target.ApplyOperations(context.Background(), boardID, "alice", []board.OperationRequest{
		{OpID: opID, PayloadJSON: `{}`, TimestampMillis: 1},
	})
	if err != nil {
		t.Fatalf("apply after restore failed: %v", err)
	}
	if result.Outcomes[0].Seq != 11 {
		t.Fatalf("expected seq 11 after restore, got %d", result.Outcomes[0].Seq)
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	source := newBoardService(t)
	boardID, _ := board.NewBoardID("board-1")
	ownerID, _ := board.NewUserID("alice")
	if _, err := source.EnsureBoard(context.Background(), boardID, ownerID, "Roadmap"); err != nil {
		t.Fatalf("ensure board failed: %v", err)
	}
	mustApplyOps(t, source, boardID, 1, 5)
	if _, err := source.AppendChat(context.Background(), boardID, board.ChatEntry{
		UserID: "alice", Text: "hello", CreatedAtMillis: 1000,
	}); err != nil {
		t.Fatalf("append chat failed: %v", err)
	}

	artifact, err := newExportService(t, source).Export(context.Background(), boardID)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	target := newBoardService(t)
	restorer := newExportService(t, target)
	if _, err := restorer.Restore(context.Background(), artifact); err != nil {
		t.Fatalf("first restore failed: %v", err)
	}

	second, err := restorer.Restore(context.Background(), artifact)
	if err != nil {
		t.Fatalf("second restore failed: %v", err)
	}
	if second.BoardCreated {
		t.Fatalf("second restore re-created the board")
	}
	if second.OpsInserted != 0 || second.OpsSkipped != 5 {
		t.Fatalf("second restore duplicated ops: %+v", second)
	}
	if second.ChatInserted != 0 {
		t.Fatalf("second restore duplicated chat: %+v", second)
	}
	if second.SequenceValue != 5 {
		t.Fatalf("counter drifted to %d", second.SequenceValue)
	}

	operations, err := target.ListOperations(context.Background(), boardID, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(operations) != 5 {
		t.Fatalf("expected 5 operations after double restore, got %d", len(operations))
	}
}

func TestRestoreReplacesDivergedDocument(t *testing.T) {
	source := newBoardService(t)
	boardID, _ := board.NewBoardID("board-1")
	ownerID, _ := board.NewUserID("alice")
	if _, err := source.EnsureBoard(context.Background(), boardID, ownerID, "Roadmap"); err != nil {
		t.Fatalf("ensure board failed: %v", err)
	}
	if err := source.MergeDocument(context.Background(), boardID, nil, json.RawMessage(`{"v":"exported"}`)); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	artifact, err := newExportService(t, source).Export(context.Background(), boardID)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	// the target board has diverged since the export was taken.
	target := newBoardService(t)
	if _, err := target.EnsureBoard(context.Background(), boardID, ownerID, "Roadmap"); err != nil {
		t.Fatalf("target ensure failed: %v", err)
	}
	if err := target.MergeDocument(context.Background(), boardID, nil, json.RawMessage(`{"v":"local"}`)); err != nil {
		t.Fatalf("target merge failed: %v", err)
	}

	report, err := newExportService(t, target).Restore(context.Background(), artifact)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !report.SnapshotReplaced {
		t.Fatalf("expected differing documents to be replaced by the artifact")
	}
	document, err := target.CurrentDocument(context.Background(), boardID)
	if err != nil {
		t.Fatalf("current document failed: %v", err)
	}
	if string(document.Snapshot) != `{"v":"exported"}` {
		t.Fatalf("unexpected document snapshot %s", document.Snapshot)
	}
}

func TestArtifactFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board-1.tessella.json")
	artifact := Artifact{
		Meta: Meta{
			FormatVersion: artifactFormatVersion,
			BoardID:       "board-1",
			Title:         "Roadmap",
			BaseVersion:   1,
		},
		Snapshot: json.RawMessage(`{"shapes":[]}`),
		Ops: []OperationEntry{
			{Seq: 1, OpID: "op-1", Payload: json.RawMessage(`{"n":1}`), TimestampMillis: 10},
		},
		Members: []MemberEntry{{UserID: "alice", Role: "owner"}},
	}

	if err := WriteArtifact(path, artifact); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	loaded, err := ReadArtifact(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if loaded.Meta.BoardID != "board-1" || len(loaded.Ops) != 1 || loaded.Ops[0].Seq != 1 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestReadArtifactRejectsMissingBoardID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := WriteArtifact(path, Artifact{}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := ReadArtifact(path); err == nil {
		t.Fatalf("expected rejection of artifact without board id")
	}
}
