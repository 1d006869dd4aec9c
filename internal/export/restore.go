package export

import (
	"context"

	"github.com/tessella-app/tessella/internal/board"
	"go.uber.org/zap"
)

// Report summarizes what a restore run merged or created. Restore never
// aborts on conflicts; it always completes and accounts for every entity.
type Report struct {
	BoardCreated     bool
	MembersCreated   int
	MembersMerged    int
	ChatInserted     int
	OpsInserted      int
	OpsSkipped       int
	SnapshotReplaced bool
	SequenceValue    int64
}

// Restore rebuilds or merges a board from an export artifact. Operations are
// inserted idempotently with their original sequence numbers, and the board's
// sequence counter is reconciled upward to the maximum sequence seen, never
// downward. Running Restore twice with the same artifact is a no-op the
// second time.
func (s *Service) Restore(ctx context.Context, artifact Artifact) (Report, error) {
	report := Report{}

	boardID, err := board.NewBoardID(artifact.Meta.BoardID)
	if err != nil {
		return Report{}, err
	}

	created, err := s.boards.RestoreBoard(ctx, boardID, artifact.Meta.Title)
	if err != nil {
		return Report{}, err
	}
	report.BoardCreated = created

	for _, entry := range artifact.Members {
		userID, idErr := board.NewUserID(entry.UserID)
		if idErr != nil {
			continue
		}
		role, roleErr := board.ParseRole(entry.Role)
		if roleErr != nil {
			continue
		}
		memberCreated, memberErr := s.boards.RestoreMember(ctx, boardID, userID, role)
		if memberErr != nil {
			return Report{}, memberErr
		}
		if memberCreated {
			report.MembersCreated++
		} else {
			report.MembersMerged++
		}
	}

	if len(artifact.Chat) > 0 {
		messages := make([]board.ChatMessage, 0, len(artifact.Chat))
		for _, entry := range artifact.Chat {
			messages = append(messages, board.ChatMessage{
				MessageID:       entry.MessageID,
				UserID:          entry.UserID,
				DisplayName:     entry.Name,
				Text:            entry.Text,
				ReplyTo:         entry.ReplyTo,
				ReactionsJSON:   string(entry.Reactions),
				LinkPreviewJSON: string(entry.LinkPreview),
				CreatedAtMillis: entry.TimestampMillis,
			})
		}
		inserted, chatErr := s.boards.RestoreChat(ctx, boardID, messages)
		if chatErr != nil {
			return Report{}, chatErr
		}
		report.ChatInserted = inserted
	}

	if len(artifact.Snapshot) > 0 {
		incomingState := string(artifact.Snapshot)
		replaced, snapErr := s.restoreDocument(ctx, boardID, incomingState, artifact.Meta.BaseVersion)
		if snapErr != nil {
			return Report{}, snapErr
		}
		report.SnapshotReplaced = replaced
	}

	if artifact.PublicViewerToken != "" {
		stored, boardErr := s.boards.GetBoard(ctx, boardID)
		if boardErr != nil {
			return Report{}, boardErr
		}
		if stored.PublicViewerToken == "" {
			// Token restore is additive only; an already-enabled board keeps its token.
			if tokenErr := s.boards.SetViewerToken(ctx, boardID, artifact.PublicViewerToken); tokenErr != nil {
				return Report{}, tokenErr
			}
		}
	}

	records := make([]board.Operation, 0, len(artifact.Ops))
	for _, entry := range artifact.Ops {
		records = append(records, board.Operation{
			BoardID:         boardID.String(),
			Seq:             entry.Seq,
			OpID:            entry.OpID,
			PayloadJSON:     string(entry.Payload),
			AuthorID:        entry.AuthorID,
			CreatedAtMillis: entry.TimestampMillis,
		})
	}
	inserted, maxSeq, err := s.boards.RestoreOperations(ctx, boardID, records)
	if err != nil {
		return Report{}, err
	}
	report.OpsInserted = inserted
	report.OpsSkipped = len(records) - inserted

	if maxSeq > 0 {
		if err := s.boards.ReconcileSequence(ctx, boardID, maxSeq); err != nil {
			return Report{}, err
		}
	}
	counterValue, err := s.boards.SequenceValue(ctx, boardID)
	if err != nil {
		return Report{}, err
	}
	report.SequenceValue = counterValue

	s.logger.Info("board restored",
		zap.String("board_id", boardID.String()),
		zap.Bool("board_created", report.BoardCreated),
		zap.Int("ops_inserted", report.OpsInserted),
		zap.Int("ops_skipped", report.OpsSkipped),
		zap.Int64("sequence_value", report.SequenceValue))
	return report, nil
}

// restoreDocument replaces the board's cached document only when the incoming
// state differs by checksum, and records the artifact's snapshot version in
// the snapshot store when missing.
func (s *Service) restoreDocument(ctx context.Context, boardID board.BoardID, incomingState string, baseVersion int64) (bool, error) {
	stored, err := s.boards.GetBoard(ctx, boardID)
	if err != nil {
		return false, err
	}

	replaced := false
	if board.ChecksumState(stored.DocumentJSON) != board.ChecksumState(incomingState) {
		if err := s.boards.ReplaceDocument(ctx, boardID, incomingState); err != nil {
			return false, err
		}
		replaced = true
	}

	if baseVersion > 0 {
		if _, err := s.boards.RestoreSnapshot(ctx, boardID, baseVersion, incomingState); err != nil {
			return false, err
		}
	}
	return replaced, nil
}
