package board

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opApplyOperations   = "board.apply_operations"
	opListOperations    = "board.list_operations"
	opRestoreOperations = "board.restore_operations"
)

// OperationRequest describes one operation submitted by a client.
type OperationRequest struct {
	OpID            OpID
	PayloadJSON     string
	TimestampMillis int64
}

// OperationOutcome reports the durable result for one submitted operation.
type OperationOutcome struct {
	OpID      OpID
	Seq       int64
	Duplicate bool
}

// ApplyResult aggregates outcomes for one durably appended batch.
type ApplyResult struct {
	Outcomes           []OperationOutcome
	CheckpointVersion  int64
	CheckpointChecksum string
}

// ApplyOperations durably appends a batch of operations inside one atomic
// transaction. Each operation is deduplicated by its (board, opId) idempotency
// key; replays are silent no-ops that consume no sequence number. Crossing the
// checkpoint cadence triggers a snapshot inside the same transaction.
func (s *Service) ApplyOperations(ctx context.Context, boardID BoardID, authorID string, requests []OperationRequest) (ApplyResult, error) {
	result := ApplyResult{Outcomes: make([]OperationOutcome, 0, len(requests))}
	if len(requests) == 0 {
		return result, nil
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var countBefore int64
		if err := tx.Model(&Operation{}).
			Where("board_id = ?", boardID.String()).
			Count(&countBefore).Error; err != nil {
			return newServiceError(opApplyOperations, "count_failed", err)
		}

		logged := countBefore
		shouldCheckpoint := false
		for _, request := range requests {
			var existing Operation
			err := tx.Select("seq").
				Where("board_id = ? AND op_id = ?", boardID.String(), request.OpID.String()).
				Take(&existing).Error
			if err == nil {
				result.Outcomes = append(result.Outcomes, OperationOutcome{
					OpID:      request.OpID,
					Seq:       existing.Seq,
					Duplicate: true,
				})
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opApplyOperations, "dedupe_lookup_failed", err)
			}

			seq, err := nextSequence(tx, boardID)
			if err != nil {
				return newServiceError(opApplyOperations, "sequence_failed", err)
			}

			createdAt := request.TimestampMillis
			if createdAt <= 0 {
				createdAt = s.clock().UTC().UnixMilli()
			}
			record := Operation{
				BoardID:         boardID.String(),
				Seq:             seq,
				OpID:            request.OpID.String(),
				PayloadJSON:     request.PayloadJSON,
				AuthorID:        authorID,
				CreatedAtMillis: createdAt,
			}
			if err := tx.Create(&record).Error; err != nil {
				return newServiceError(opApplyOperations, "insert_failed", err)
			}

			result.Outcomes = append(result.Outcomes, OperationOutcome{
				OpID: request.OpID,
				Seq:  seq,
			})
			logged++
			if logged%int64(s.checkpointInterval) == 0 {
				shouldCheckpoint = true
			}
		}

		if shouldCheckpoint {
			snapshot, err := s.checkpointTx(tx, boardID)
			if err != nil {
				// A failed checkpoint must not roll back the operations
				// that triggered it; the latest snapshot simply stays stale.
				s.logError(opApplyOperations, "checkpoint_failed", err, zap.String("board_id", boardID.String()))
			} else {
				result.CheckpointVersion = snapshot.Version
				result.CheckpointChecksum = snapshot.Checksum
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opApplyOperations, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
		return ApplyResult{}, txErr
	}
	return result, nil
}

// ListOperations returns the board's operations with seq > fromSeq, ordered by
// ascending sequence number.
func (s *Service) ListOperations(ctx context.Context, boardID BoardID, fromSeq int64) ([]Operation, error) {
	var records []Operation
	if err := s.db.WithContext(ctx).
		Where("board_id = ? AND seq > ?", boardID.String(), fromSeq).
		Order("seq ASC").
		Find(&records).Error; err != nil {
		s.logError(opListOperations, "query_failed", err, zap.String("board_id", boardID.String()))
		return nil, newServiceError(opListOperations, "query_failed", err)
	}
	return records, nil
}

// RestoreOperations idempotently inserts operations carrying pre-assigned
// sequence numbers, as read from an export artifact. It returns the number of
// records inserted and the maximum sequence number seen across the input.
func (s *Service) RestoreOperations(ctx context.Context, boardID BoardID, records []Operation) (inserted int, maxSeq int64, err error) {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			if record.Seq > maxSeq {
				maxSeq = record.Seq
			}
			var existing Operation
			lookupErr := tx.Select("record_id").
				Where("board_id = ? AND op_id = ?", boardID.String(), record.OpID).
				Take(&existing).Error
			if lookupErr == nil {
				continue
			}
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return newServiceError(opRestoreOperations, "dedupe_lookup_failed", lookupErr)
			}

			fresh := Operation{
				BoardID:         boardID.String(),
				Seq:             record.Seq,
				OpID:            record.OpID,
				PayloadJSON:     record.PayloadJSON,
				AuthorID:        record.AuthorID,
				CreatedAtMillis: record.CreatedAtMillis,
			}
			if createErr := tx.Create(&fresh).Error; createErr != nil {
				return newServiceError(opRestoreOperations, "insert_failed", createErr)
			}
			inserted++
		}
		return nil
	})
	if txErr != nil {
		s.logError(opRestoreOperations, "transaction_failed", txErr, zap.String("board_id", boardID.String()))
		return 0, 0, txErr
	}
	return inserted, maxSeq, nil
}
