package database

import (
	"errors"
	"time"

	"github.com/tessella-app/tessella/internal/board"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCounterFromOps = "2026-07-14_backfill_sequence_counters_from_op_log"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCounterFromOps, apply: backfillSequenceCountersFromOpLog},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSequenceCountersFromOpLog raises every board's sequence counter to
// at least the maximum sequence number present in its operation log. Repairs
// databases written before counters became the append path's source of truth.
func backfillSequenceCountersFromOpLog(db *gorm.DB) error {
	type boardMax struct {
		BoardID string
		MaxSeq  int64
	}
	var rows []boardMax
	if err := db.Model(&board.Operation{}).
		Select("board_id AS board_id, MAX(seq) AS max_seq").
		Group("board_id").
		Scan(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		key := "board:" + row.BoardID + ":op_seq"
		var counter board.SequenceCounter
		err := db.Where("counter_key = ?", key).Take(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := db.Create(&board.SequenceCounter{CounterKey: key, Value: row.MaxSeq}).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if counter.Value < row.MaxSeq {
			if err := db.Model(&board.SequenceCounter{}).
				Where("counter_key = ?", key).
				Update("value", row.MaxSeq).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
