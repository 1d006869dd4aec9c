package export

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tessella-app/tessella/internal/board"
	"go.uber.org/zap"
)

var errMissingBoardService = errors.New("export: board service is required")

// ServiceConfig describes the toolchain's dependencies.
type ServiceConfig struct {
	Boards *board.Service
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service reads and writes export artifacts against the durable stores,
// bypassing the live room layer entirely.
type Service struct {
	boards *board.Service
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Boards == nil {
		return nil, errMissingBoardService
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{boards: cfg.Boards, clock: clock, logger: logger}, nil
}

// Export assembles a point-in-time artifact for the board. The source board
// is only read: exporting twice yields the same artifact apart from the
// exportedAt stamp.
func (s *Service) Export(ctx context.Context, boardID board.BoardID) (Artifact, error) {
	stored, err := s.boards.GetBoard(ctx, boardID)
	if err != nil {
		return Artifact{}, err
	}

	stateJSON := stored.DocumentJSON
	baseVersion := int64(0)
	snapshot, err := s.boards.LatestSnapshot(ctx, boardID)
	if err == nil {
		stateJSON = snapshot.StateJSON
		baseVersion = snapshot.Version
	} else if !errors.Is(err, board.ErrNoSnapshot) {
		return Artifact{}, err
	}

	operations, err := s.boards.ListOperations(ctx, boardID, 0)
	if err != nil {
		return Artifact{}, err
	}
	members, err := s.boards.ListMembers(ctx, boardID)
	if err != nil {
		return Artifact{}, err
	}
	chat, err := s.boards.ListChat(ctx, boardID)
	if err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{
		Meta: Meta{
			FormatVersion: artifactFormatVersion,
			ExportedAt:    s.clock().UTC().Format(time.RFC3339),
			BoardID:       stored.BoardID,
			Title:         stored.Title,
			BaseVersion:   baseVersion,
			Checksum:      board.ChecksumState(stateJSON),
		},
		Snapshot:          rawOrNull(stateJSON),
		Ops:               make([]OperationEntry, 0, len(operations)),
		Members:           make([]MemberEntry, 0, len(members)),
		Chat:              make([]ChatEntry, 0, len(chat)),
		PublicViewerToken: stored.PublicViewerToken,
	}
	for _, record := range operations {
		artifact.Ops = append(artifact.Ops, OperationEntry{
			Seq:             record.Seq,
			OpID:            record.OpID,
			Payload:         rawOrNull(record.PayloadJSON),
			AuthorID:        record.AuthorID,
			TimestampMillis: record.CreatedAtMillis,
		})
	}
	for _, member := range members {
		artifact.Members = append(artifact.Members, MemberEntry{
			UserID: member.UserID,
			Role:   member.Role,
		})
	}
	for _, message := range chat {
		artifact.Chat = append(artifact.Chat, ChatEntry{
			MessageID:       message.MessageID,
			UserID:          message.UserID,
			Name:            message.DisplayName,
			Text:            message.Text,
			ReplyTo:         message.ReplyTo,
			Reactions:       rawOrNull(message.ReactionsJSON),
			LinkPreview:     rawOrNull(message.LinkPreviewJSON),
			TimestampMillis: message.CreatedAtMillis,
		})
	}

	s.logger.Info("board exported",
		zap.String("board_id", boardID.String()),
		zap.Int64("base_version", baseVersion),
		zap.Int("ops", len(artifact.Ops)))
	return artifact, nil
}

func rawOrNull(value string) json.RawMessage {
	if value == "" {
		return nil
	}
	return json.RawMessage(value)
}
