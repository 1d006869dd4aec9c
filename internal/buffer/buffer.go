// Package buffer coalesces high-frequency edits in memory before they reach
// durable storage. Peers see broadcasts immediately; only the durability path
// is deferred by the flush window.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tessella-app/tessella/internal/board"
	"go.uber.org/zap"
)

var (
	errMissingFlusher = errors.New("buffer: flush target is required")
	noOpLogger        = zap.NewNop()
)

// Flusher receives the merged pending state for one board.
type Flusher interface {
	MergeDocument(ctx context.Context, boardID board.BoardID, ops []board.DocumentOp, snapshot json.RawMessage) error
}

// Config describes the buffer's dependencies and flush window.
type Config struct {
	Flusher Flusher
	Window  time.Duration
	Logger  *zap.Logger
}

// Buffer accumulates pending operations and an optional pending snapshot per
// board, flushing once per quiescent window. At most one flush timer exists
// per board at any time.
type Buffer struct {
	mu      sync.Mutex
	flusher Flusher
	window  time.Duration
	logger  *zap.Logger
	pending map[board.BoardID]*boardPending
}

type boardPending struct {
	ops      []board.DocumentOp
	snapshot json.RawMessage
	timer    *time.Timer
}

// New validates the configuration and returns a Buffer. A zero window
// disables coalescing: every enqueue flushes synchronously.
func New(cfg Config) (*Buffer, error) {
	if cfg.Flusher == nil {
		return nil, errMissingFlusher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Buffer{
		flusher: cfg.Flusher,
		window:  cfg.Window,
		logger:  logger,
		pending: make(map[board.BoardID]*boardPending),
	}, nil
}

// Enqueue records operations and an optional snapshot for deferred flushing.
// The flush window is measured from the first un-flushed write for the board.
func (b *Buffer) Enqueue(boardID board.BoardID, ops []board.DocumentOp, snapshot json.RawMessage) {
	if b.window <= 0 {
		b.flushNow(boardID, ops, snapshot)
		return
	}

	b.mu.Lock()
	entry, exists := b.pending[boardID]
	if !exists {
		entry = &boardPending{}
		b.pending[boardID] = entry
		entry.timer = time.AfterFunc(b.window, func() {
			b.flushBoard(boardID)
		})
	}
	entry.ops = append(entry.ops, ops...)
	if len(snapshot) > 0 {
		entry.snapshot = snapshot
	}
	b.mu.Unlock()
}

// Flush forces an immediate flush of one board's pending state, cancelling
// its timer. Used on shutdown and before export.
func (b *Buffer) Flush(boardID board.BoardID) {
	b.flushBoard(boardID)
}

// FlushAll flushes every board with pending state.
func (b *Buffer) FlushAll() {
	b.mu.Lock()
	boardIDs := make([]board.BoardID, 0, len(b.pending))
	for boardID := range b.pending {
		boardIDs = append(boardIDs, boardID)
	}
	b.mu.Unlock()

	for _, boardID := range boardIDs {
		b.flushBoard(boardID)
	}
}

// PendingBoards reports how many boards currently hold un-flushed state.
func (b *Buffer) PendingBoards() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) flushBoard(boardID board.BoardID) {
	b.mu.Lock()
	entry, exists := b.pending[boardID]
	if !exists {
		b.mu.Unlock()
		return
	}
	delete(b.pending, boardID)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	b.mu.Unlock()

	b.flushNow(boardID, entry.ops, entry.snapshot)
}

// flushNow merges and hands the pending state to the flush target. Failures
// are logged and the buffered writes are dropped, bounding potential loss to
// one flush window.
func (b *Buffer) flushNow(boardID board.BoardID, ops []board.DocumentOp, snapshot json.RawMessage) {
	merged := board.MergeOps(nil, ops, 0)
	if len(merged) == 0 && len(snapshot) == 0 {
		return
	}
	if err := b.flusher.MergeDocument(context.Background(), boardID, merged, snapshot); err != nil {
		b.logger.Warn("buffer flush failed, dropping pending writes",
			zap.String("board_id", boardID.String()),
			zap.Int("ops", len(merged)),
			zap.Error(err))
	}
}
