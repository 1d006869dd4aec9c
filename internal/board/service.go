package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrBoardNotFound indicates that a board does not exist.
	ErrBoardNotFound = errors.New("board: not found")
	// ErrAccessDenied indicates that no role could be resolved for the caller.
	ErrAccessDenied = errors.New("board: access denied")
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	opServiceNew      = "board.service.new"
	opEnsureBoard     = "board.ensure_board"
	opGetBoard        = "board.get_board"
	opResolveRole     = "board.resolve_role"
	opMergeDocument   = "board.merge_document"
	opCurrentDocument = "board.current_document"

	defaultCheckpointInterval = 200
	defaultCachedOpsLimit     = 500
	defaultChatHistoryLimit   = 2000
)

// IDProvider issues identifiers for newly created records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies and tunables of the board service.
type ServiceConfig struct {
	Database           *gorm.DB
	Clock              func() time.Time
	IDProvider         IDProvider
	Logger             *zap.Logger
	CheckpointInterval int
	CachedOpsLimit     int
	ChatHistoryLimit   int
}

// Service owns all durable board state: boards, members, chat, the operation
// log, snapshots, and sequence counters.
type Service struct {
	db                 *gorm.DB
	clock              func() time.Time
	idProvider         IDProvider
	logger             *zap.Logger
	checkpointInterval int
	cachedOpsLimit     int
	chatHistoryLimit   int
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	checkpointInterval := cfg.CheckpointInterval
	if checkpointInterval <= 0 {
		checkpointInterval = defaultCheckpointInterval
	}
	cachedOpsLimit := cfg.CachedOpsLimit
	if cachedOpsLimit <= 0 {
		cachedOpsLimit = defaultCachedOpsLimit
	}
	chatHistoryLimit := cfg.ChatHistoryLimit
	if chatHistoryLimit <= 0 {
		chatHistoryLimit = defaultChatHistoryLimit
	}

	return &Service{
		db:                 cfg.Database,
		clock:              clock,
		idProvider:         cfg.IDProvider,
		logger:             logger,
		checkpointInterval: checkpointInterval,
		cachedOpsLimit:     cachedOpsLimit,
		chatHistoryLimit:   chatHistoryLimit,
	}, nil
}

// EnsureBoard returns the board, creating it on first access with the caller
// as its sole owner.
func (s *Service) EnsureBoard(ctx context.Context, boardID BoardID, ownerID UserID, title string) (Board, error) {
	var created Board
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Board
		err := tx.Where("board_id = ?", boardID.String()).Take(&existing).Error
		if err == nil {
			created = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opEnsureBoard, "board_select_failed", err)
		}

		now := s.clock().UTC().Unix()
		created = Board{
			BoardID:          boardID.String(),
			Title:            title,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return newServiceError(opEnsureBoard, "board_insert_failed", err)
		}
		owner := Member{
			BoardID:        boardID.String(),
			UserID:         ownerID.String(),
			Role:           RoleOwner.String(),
			AddedAtSeconds: now,
		}
		if err := tx.Create(&owner).Error; err != nil {
			return newServiceError(opEnsureBoard, "owner_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opEnsureBoard, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
		return Board{}, txErr
	}
	return created, nil
}

// RestoreBoard creates a bare board row when absent, used by the restore
// toolchain. Membership arrives separately from the artifact.
func (s *Service) RestoreBoard(ctx context.Context, boardID BoardID, title string) (bool, error) {
	now := s.clock().UTC().Unix()
	fresh := Board{
		BoardID:          boardID.String(),
		Title:            title,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
	if result.Error != nil {
		s.logError(opEnsureBoard, "restore_insert_failed", result.Error, zap.String("board_id", boardID.String()))
		return false, newServiceError(opEnsureBoard, "restore_insert_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetBoard loads a board by identifier.
func (s *Service) GetBoard(ctx context.Context, boardID BoardID) (Board, error) {
	var stored Board
	err := s.db.WithContext(ctx).Where("board_id = ?", boardID.String()).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Board{}, ErrBoardNotFound
	}
	if err != nil {
		s.logError(opGetBoard, "query_failed", err, zap.String("board_id", boardID.String()))
		return Board{}, newServiceError(opGetBoard, "query_failed", err)
	}
	return stored, nil
}

// ResolveRole resolves the caller's role on a board. Authenticated non-members
// opening the board directly are granted editor membership; an empty user id
// with a matching public-viewer token resolves to viewer.
func (s *Service) ResolveRole(ctx context.Context, boardID BoardID, userID string, viewerToken string) (Role, error) {
	stored, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return "", err
	}

	if userID != "" {
		var member Member
		err := s.db.WithContext(ctx).
			Where("board_id = ? AND user_id = ?", boardID.String(), userID).
			Take(&member).Error
		if err == nil {
			return ParseRole(member.Role)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opResolveRole, "member_select_failed", err, zap.String("board_id", boardID.String()))
			return "", newServiceError(opResolveRole, "member_select_failed", err)
		}

		grant := Member{
			BoardID:        boardID.String(),
			UserID:         userID,
			Role:           RoleEditor.String(),
			AddedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
			s.logError(opResolveRole, "editor_grant_failed", err, zap.String("board_id", boardID.String()))
			return "", newServiceError(opResolveRole, "editor_grant_failed", err)
		}
		return RoleEditor, nil
	}

	if viewerToken != "" && stored.PublicViewerToken != "" && viewerToken == stored.PublicViewerToken {
		return RoleViewer, nil
	}
	return "", ErrAccessDenied
}

// CurrentDocument returns the board's cached document.
func (s *Service) CurrentDocument(ctx context.Context, boardID BoardID) (Document, error) {
	stored, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return Document{}, err
	}
	document, err := ParseDocument(stored.DocumentJSON)
	if err != nil {
		s.logError(opCurrentDocument, "document_decode_failed", err, zap.String("board_id", boardID.String()))
		return Document{}, newServiceError(opCurrentDocument, "document_decode_failed", err)
	}
	return document, nil
}

// MergeDocument folds buffered operations and an optional snapshot into the
// board's cached document. It is the flush target of the persistence buffer.
func (s *Service) MergeDocument(ctx context.Context, boardID BoardID, ops []DocumentOp, snapshot json.RawMessage) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Board
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("board_id = ?", boardID.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBoardNotFound
		}
		if err != nil {
			return newServiceError(opMergeDocument, "board_select_failed", err)
		}

		document, err := ParseDocument(stored.DocumentJSON)
		if err != nil {
			return newServiceError(opMergeDocument, "document_decode_failed", err)
		}

		document.Ops = MergeOps(document.Ops, ops, s.cachedOpsLimit)
		if len(snapshot) > 0 {
			document.Snapshot = snapshot
		}
		document.UpdatedAtMillis = s.clock().UTC().UnixMilli()

		encoded, err := document.Encode()
		if err != nil {
			return newServiceError(opMergeDocument, "document_encode_failed", err)
		}
		stored.DocumentJSON = encoded
		stored.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&stored).Error; err != nil {
			return newServiceError(opMergeDocument, "board_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opMergeDocument, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
	}
	return txErr
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("board service error", attrs...)
}
