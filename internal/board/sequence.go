package board

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opReconcileSequence = "board.reconcile_sequence"
	opSequenceValue     = "board.sequence_value"
)

func counterKey(boardID BoardID) string {
	return fmt.Sprintf("board:%s:op_seq", boardID.String())
}

// nextSequence atomically increments and reads the board's sequence counter
// inside the caller's transaction. The counter row is created at zero on first
// use, so the first allocated sequence number is 1. If the transaction aborts,
// the increment rolls back with it and no sequence is consumed.
func nextSequence(tx *gorm.DB, boardID BoardID) (int64, error) {
	key := counterKey(boardID)
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SequenceCounter{CounterKey: key}).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&SequenceCounter{}).
		Where("counter_key = ?", key).
		Update("value", gorm.Expr("value + 1")).Error; err != nil {
		return 0, err
	}
	var counter SequenceCounter
	if err := tx.Where("counter_key = ?", key).Take(&counter).Error; err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// SequenceValue returns the board's current sequence counter value. A missing
// counter reads as zero.
func (s *Service) SequenceValue(ctx context.Context, boardID BoardID) (int64, error) {
	var counter SequenceCounter
	err := s.db.WithContext(ctx).
		Where("counter_key = ?", counterKey(boardID)).
		Take(&counter).Error
	if err == nil {
		return counter.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	s.logError(opSequenceValue, "query_failed", err)
	return 0, newServiceError(opSequenceValue, "query_failed", err)
}

// ReconcileSequence moves the board's sequence counter up to at least floor.
// The counter is never moved backward.
func (s *Service) ReconcileSequence(ctx context.Context, boardID BoardID, floor int64) error {
	key := counterKey(boardID)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&SequenceCounter{CounterKey: key}).Error; err != nil {
			return err
		}
		return tx.Model(&SequenceCounter{}).
			Where("counter_key = ? AND value < ?", key, floor).
			Update("value", floor).Error
	})
	if txErr != nil {
		s.logError(opReconcileSequence, "transaction_failed", txErr)
		return newServiceError(opReconcileSequence, "transaction_failed", txErr)
	}
	return nil
}
