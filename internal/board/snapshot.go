package board

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCheckpoint     = "board.checkpoint"
	opLatestSnapshot = "board.latest_snapshot"
)

// ErrNoSnapshot indicates that a board has no checkpoint yet.
var ErrNoSnapshot = errors.New("board: no snapshot")

// ChecksumState returns the deterministic hex checksum of a serialized document state.
func ChecksumState(stateJSON string) string {
	sum := sha256.Sum256([]byte(stateJSON))
	return hex.EncodeToString(sum[:])
}

// Checkpoint persists a new versioned snapshot of the board's cached document
// and returns it. Versions per board are strictly increasing from 1.
func (s *Service) Checkpoint(ctx context.Context, boardID BoardID) (Snapshot, error) {
	var created Snapshot
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snapshot, err := s.checkpointTx(tx, boardID)
		if err != nil {
			return err
		}
		created = snapshot
		return nil
	})
	if txErr != nil {
		s.logError(opCheckpoint, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
		return Snapshot{}, txErr
	}
	return created, nil
}

func (s *Service) checkpointTx(tx *gorm.DB, boardID BoardID) (Snapshot, error) {
	var stored Board
	err := tx.Where("board_id = ?", boardID.String()).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrBoardNotFound
	}
	if err != nil {
		return Snapshot{}, newServiceError(opCheckpoint, "board_select_failed", err)
	}

	var existingCount int64
	if err := tx.Model(&Snapshot{}).
		Where("board_id = ?", boardID.String()).
		Count(&existingCount).Error; err != nil {
		return Snapshot{}, newServiceError(opCheckpoint, "count_failed", err)
	}

	snapshot := Snapshot{
		BoardID:          boardID.String(),
		Version:          existingCount + 1,
		StateJSON:        stored.DocumentJSON,
		Checksum:         ChecksumState(stored.DocumentJSON),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&snapshot).Error; err != nil {
		return Snapshot{}, newServiceError(opCheckpoint, "insert_failed", err)
	}
	return snapshot, nil
}

// LatestSnapshot returns the board's newest checkpoint, or ErrNoSnapshot.
func (s *Service) LatestSnapshot(ctx context.Context, boardID BoardID) (Snapshot, error) {
	var stored Snapshot
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String()).
		Order("version DESC").
		First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		s.logError(opLatestSnapshot, "query_failed", err, zap.String("board_id", boardID.String()))
		return Snapshot{}, newServiceError(opLatestSnapshot, "query_failed", err)
	}
	return stored, nil
}

// RestoreSnapshot inserts a snapshot with an explicit version when that
// version is not already present, used when rebuilding a board from an export
// artifact.
func (s *Service) RestoreSnapshot(ctx context.Context, boardID BoardID, version int64, stateJSON string) (bool, error) {
	if version <= 0 {
		version = 1
	}
	var existing Snapshot
	err := s.db.WithContext(ctx).
		Where("board_id = ? AND version = ?", boardID.String(), version).
		Take(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opCheckpoint, "restore_lookup_failed", err, zap.String("board_id", boardID.String()))
		return false, newServiceError(opCheckpoint, "restore_lookup_failed", err)
	}

	snapshot := Snapshot{
		BoardID:          boardID.String(),
		Version:          version,
		StateJSON:        stateJSON,
		Checksum:         ChecksumState(stateJSON),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		s.logError(opCheckpoint, "restore_insert_failed", err, zap.String("board_id", boardID.String()))
		return false, newServiceError(opCheckpoint, "restore_insert_failed", err)
	}
	return true, nil
}
