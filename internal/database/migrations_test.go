package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tessella-app/tessella/internal/board"
	"gorm.io/gorm"
)

func openBareDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:tessella_db_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&board.Operation{}, &board.SequenceCounter{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestBackfillRaisesCountersToOpLogMaximum(t *testing.T) {
	db := openBareDatabase(t)

	ops := []board.Operation{
		{BoardID: "board-1", Seq: 1, OpID: "op-1", PayloadJSON: "{}", CreatedAtMillis: 1},
		{BoardID: "board-1", Seq: 7, OpID: "op-7", PayloadJSON: "{}", CreatedAtMillis: 7},
		{BoardID: "board-2", Seq: 3, OpID: "op-3", PayloadJSON: "{}", CreatedAtMillis: 3},
	}
	for _, op := range ops {
		record := op
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("failed to seed operation: %v", err)
		}
	}
	// board-2 already tracks a counter ahead of its log; it must not move backward.
	if err := db.Create(&board.SequenceCounter{CounterKey: "board:board-2:op_seq", Value: 9}).Error; err != nil {
		t.Fatalf("failed to seed counter: %v", err)
	}

	if err := backfillSequenceCountersFromOpLog(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var counter board.SequenceCounter
	if err := db.Where("counter_key = ?", "board:board-1:op_seq").Take(&counter).Error; err != nil {
		t.Fatalf("missing counter for board-1: %v", err)
	}
	if counter.Value != 7 {
		t.Fatalf("expected counter 7 for board-1, got %d", counter.Value)
	}
	// Take folds a populated primary key into the WHERE clause; query from a zero value.
	counter = board.SequenceCounter{}
	if err := db.Where("counter_key = ?", "board:board-2:op_seq").Take(&counter).Error; err != nil {
		t.Fatalf("missing counter for board-2: %v", err)
	}
	if counter.Value != 9 {
		t.Fatalf("counter for board-2 moved to %d", counter.Value)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	db := openBareDatabase(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var records int64
	if err := db.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if records != 1 {
		t.Fatalf("expected a single migration record, got %d", records)
	}
}
