package board

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type staticIDGenerator struct {
	prefix string
	next   int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:tessella_board_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Board{}, &Member{}, &ChatMessage{}, &Operation{}, &Snapshot{}, &SequenceCounter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *gorm.DB) {
	t.Helper()

	db := openTestDatabase(t)
	cfg.Database = db
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Unix(1700000600, 0).UTC() }
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = &staticIDGenerator{prefix: "generated"}
	}

	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct board service: %v", err)
	}
	return service, db
}

func mustBoardID(t *testing.T, value string) BoardID {
	t.Helper()
	id, err := NewBoardID(value)
	if err != nil {
		t.Fatalf("invalid board id %q: %v", value, err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("invalid user id %q: %v", value, err)
	}
	return id
}

func mustOpID(t *testing.T, value string) OpID {
	t.Helper()
	id, err := NewOpID(value)
	if err != nil {
		t.Fatalf("invalid op id %q: %v", value, err)
	}
	return id
}

func mustEnsureBoard(t *testing.T, service *Service, boardID BoardID, ownerID UserID) Board {
	t.Helper()
	created, err := service.EnsureBoard(context.Background(), boardID, ownerID, "Test Board")
	if err != nil {
		t.Fatalf("ensure board failed: %v", err)
	}
	return created
}
