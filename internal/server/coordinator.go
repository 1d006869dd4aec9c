package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tessella-app/tessella/internal/auth"
	"github.com/tessella-app/tessella/internal/board"
	"github.com/tessella-app/tessella/internal/buffer"
	"github.com/tessella-app/tessella/internal/users"
	"go.uber.org/zap"
)

const (
	eventJoin              = "join"
	eventJoined            = "joined"
	eventSubmitOps         = "submitOps"
	eventOpsApplied        = "opsApplied"
	eventAck               = "ack"
	eventRequestSnapshot   = "requestSnapshot"
	eventSnapshotResponse  = "snapshotResponse"
	eventRequestCheckpoint = "requestCheckpoint"
	eventCheckpointResult  = "checkpointResponse"
	eventChat              = "chat"
	eventChatMessage       = "chatMessage"
	eventSetViewerToken    = "setViewerToken"
	eventViewerToken       = "viewerToken"
	eventPeerLeft          = "peerLeft"
	eventError             = "error"

	errCodeInvalidRequest = "invalid_request"
	errCodeNotJoined      = "not_joined"
	errCodeReadOnly       = "read-only"
	errCodeAccessDenied   = "access_denied"
	errCodeStorageFailure = "retryable_storage_failure"
)

// Coordinator owns the lifecycle of board rooms and is the single entry point
// for all write traffic from sockets.
type Coordinator struct {
	service   *board.Service
	buffer    *buffer.Buffer
	users     *users.Service
	validator *auth.SessionValidator
	rooms     *RoomRegistry
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// CoordinatorConfig describes the coordinator's dependencies.
type CoordinatorConfig struct {
	Service   *board.Service
	Buffer    *buffer.Buffer
	Users     *users.Service
	Validator *auth.SessionValidator
	Logger    *zap.Logger
}

// NewCoordinator validates dependencies and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: board service dependency required")
	}
	if cfg.Buffer == nil {
		return nil, errors.New("server: persistence buffer dependency required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("server: session validator dependency required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		service:   cfg.Service,
		buffer:    cfg.Buffer,
		users:     cfg.Users,
		validator: cfg.Validator,
		rooms:     NewRoomRegistry(),
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinPayload struct {
	BoardID     string `json:"boardId"`
	Title       string `json:"title"`
	ViewerToken string `json:"viewerToken"`
}

type joinedPayload struct {
	BoardID string `json:"boardId"`
	Role    string `json:"role"`
}

type wireOp struct {
	OpID            string          `json:"opId"`
	Payload         json.RawMessage `json:"payload"`
	TimestampMillis int64           `json:"ts"`
}

type submitOpsPayload struct {
	BoardID string   `json:"boardId"`
	Ops     []wireOp `json:"ops"`
}

type opsAppliedPayload struct {
	BoardID string   `json:"boardId"`
	Ops     []wireOp `json:"ops"`
	// Optional document piggyback; absent unless a broadcast carries state.
	Snapshot *board.Document `json:"snapshot,omitempty"`
}

type ackResultPayload struct {
	OpID      string `json:"opId"`
	Seq       int64  `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type ackPayload struct {
	OK                bool               `json:"ok"`
	Error             string             `json:"error,omitempty"`
	Results           []ackResultPayload `json:"results,omitempty"`
	CheckpointVersion int64              `json:"checkpointVersion,omitempty"`
}

type snapshotResponsePayload struct {
	BoardID  string         `json:"boardId"`
	Document board.Document `json:"document"`
}

type checkpointResponsePayload struct {
	Version  int64  `json:"version"`
	Checksum string `json:"checksum"`
}

type chatPayload struct {
	Text    string `json:"text"`
	ReplyTo string `json:"replyTo"`
}

type chatMessagePayload struct {
	BoardID         string `json:"boardId"`
	MessageID       string `json:"id"`
	UserID          string `json:"userId"`
	DisplayName     string `json:"name"`
	Text            string `json:"text"`
	ReplyTo         string `json:"replyTo,omitempty"`
	CreatedAtMillis int64  `json:"ts"`
}

type setViewerTokenPayload struct {
	Enabled bool `json:"enabled"`
}

type viewerTokenPayload struct {
	BoardID string `json:"boardId"`
	Token   string `json:"token,omitempty"`
}

type peerLeftPayload struct {
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// HandleSocket upgrades the request and runs the session's read loop until
// disconnect. Session identity is resolved once at upgrade time; role is
// resolved once per join.
func (c *Coordinator) HandleSocket(ginCtx *gin.Context) {
	sess := &session{id: c.rooms.nextSessionID()}
	if claims, err := c.validator.ValidateRequest(ginCtx.Request); err == nil {
		userID := claims.UserID
		if c.users != nil {
			if canonical, resolveErr := c.users.ResolveCanonicalUserID(claims); resolveErr == nil {
				userID = canonical
			}
		}
		sess.userID = userID
		sess.displayName = claims.UserDisplayName
		if sess.displayName == "" {
			sess.displayName = userID
		}
	}

	conn, err := c.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sess.conn = conn
	defer c.teardown(sess)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		c.dispatch(ginCtx.Request.Context(), sess, frame)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, sess *session, frame inboundFrame) {
	switch frame.Event {
	case eventJoin:
		c.handleJoin(ctx, sess, frame.Data)
	case eventSubmitOps:
		c.handleSubmitOps(ctx, sess, frame.Data)
	case eventRequestSnapshot:
		c.handleRequestSnapshot(ctx, sess)
	case eventRequestCheckpoint:
		c.handleRequestCheckpoint(ctx, sess)
	case eventChat:
		c.handleChat(ctx, sess, frame.Data)
	case eventSetViewerToken:
		c.handleSetViewerToken(ctx, sess, frame.Data)
	default:
		_ = sess.send(eventError, errorPayload{Error: errCodeInvalidRequest})
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, sess *session, data json.RawMessage) {
	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		_ = sess.send(eventError, errorPayload{Error: errCodeInvalidRequest})
		return
	}
	boardID, err := board.NewBoardID(payload.BoardID)
	if err != nil {
		_ = sess.send(eventError, errorPayload{Error: errCodeInvalidRequest})
		return
	}

	if sess.userID != "" {
		ownerID, idErr := board.NewUserID(sess.userID)
		if idErr != nil {
			_ = sess.send(eventError, errorPayload{Error: errCodeInvalidRequest})
			return
		}
		if _, ensureErr := c.service.EnsureBoard(ctx, boardID, ownerID, payload.Title); ensureErr != nil {
			_ = sess.send(eventError, errorPayload{Error: errCodeStorageFailure})
			return
		}
	}

	role, err := c.service.ResolveRole(ctx, boardID, sess.userID, payload.ViewerToken)
	if err != nil {
		if errors.Is(err, board.ErrAccessDenied) || errors.Is(err, board.ErrBoardNotFound) {
			_ = sess.send(eventError, errorPayload{Error: errCodeAccessDenied})
			return
		}
		_ = sess.send(eventError, errorPayload{Error: errCodeStorageFailure})
		return
	}

	left, leftAny := c.rooms.Join(sess, boardID, role)
	if leftAny {
		c.rooms.broadcast(left, sess.id, eventPeerLeft, peerLeftPayload{
			BoardID: left.String(),
			UserID:  sess.userID,
		})
	}
	_ = sess.send(eventJoined, joinedPayload{BoardID: boardID.String(), Role: role.String()})
}

// handleSubmitOps implements the submission contract: role gate, immediate
// broadcast to peers, hand-off to the persistence buffer, then one durable
// transaction per batch. The ack reflects only the durable outcome.
func (c *Coordinator) handleSubmitOps(ctx context.Context, sess *session, data json.RawMessage) {
	if !sess.joined {
		_ = sess.send(eventAck, ackPayload{OK: false, Error: errCodeNotJoined})
		return
	}
	if !sess.role.CanEdit() {
		_ = sess.send(eventAck, ackPayload{OK: false, Error: errCodeReadOnly})
		return
	}

	var payload submitOpsPayload
	if err := json.Unmarshal(data, &payload); err != nil || len(payload.Ops) == 0 {
		_ = sess.send(eventAck, ackPayload{OK: false, Error: errCodeInvalidRequest})
		return
	}

	requests := make([]board.OperationRequest, 0, len(payload.Ops))
	docOps := make([]board.DocumentOp, 0, len(payload.Ops))
	for _, op := range payload.Ops {
		opID, err := board.NewOpID(op.OpID)
		if err != nil {
			_ = sess.send(eventAck, ackPayload{OK: false, Error: errCodeInvalidRequest})
			return
		}
		requests = append(requests, board.OperationRequest{
			OpID:            opID,
			PayloadJSON:     string(op.Payload),
			TimestampMillis: op.TimestampMillis,
		})
		docOps = append(docOps, board.DocumentOp{
			OpID:            opID.String(),
			Payload:         op.Payload,
			TimestampMillis: op.TimestampMillis,
		})
	}

	// Peers first: the hot path never waits on durability.
	c.rooms.broadcast(sess.boardID, sess.id, eventOpsApplied, opsAppliedPayload{
		BoardID: sess.boardID.String(),
		Ops:     payload.Ops,
	})

	c.buffer.Enqueue(sess.boardID, docOps, nil)

	result, err := c.service.ApplyOperations(ctx, sess.boardID, sess.userID, requests)
	if err != nil {
		c.logger.Error("durable append failed",
			zap.String("board_id", sess.boardID.String()),
			zap.Error(err))
		_ = sess.send(eventAck, ackPayload{OK: false, Error: errCodeStorageFailure})
		return
	}

	ack := ackPayload{OK: true, Results: make([]ackResultPayload, 0, len(result.Outcomes))}
	for _, outcome := range result.Outcomes {
		ack.Results = append(ack.Results, ackResultPayload{
			OpID:      outcome.OpID.String(),
			Seq:       outcome.Seq,
			Duplicate: outcome.Duplicate,
		})
	}
	ack.CheckpointVersion = result.CheckpointVersion
	_ = sess.send(eventAck, ack)
}

// handleRequestSnapshot serves the board's best-known cached document to
// exactly the requesting socket. Join does not push snapshots; clients ask.
func (c *Coordinator) handleRequestSnapshot(ctx context.Context, sess *session) {
	if !sess.joined {
		_ = sess.send(eventError, errorPayload{Error: errCodeNotJoined})
		return
	}
	document, err := c.service.CurrentDocument(ctx, sess.boardID)
	if err != nil {
		_ = sess.send(eventError, errorPayload{Error: errCodeStorageFailure})
		return
	}
	_ = sess.send(eventSnapshotResponse, snapshotResponsePayload{
		BoardID:  sess.boardID.String(),
		Document: document,
	})
}

func (c *Coordinator) handleRequestCheckpoint(ctx context.Context, sess *session) {
	if !sess.joined {
		_ = sess.send(eventError, errorPayload{Error: errCodeNotJoined})
		return
	}
	c.buffer.Flush(sess.boardID)
	snapshot, err := c.service.Checkpoint(ctx, sess.boardID)
	if err != nil {
		_ = sess.send(eventError, errorPayload{Error: errCodeStorageFailure})
		return
	}
	_ = sess.send(eventCheckpointResult, checkpointResponsePayload{
		Version:  snapshot.Version,
		Checksum: snapshot.Checksum,
	})
}

func (c *Coordinator) handleChat(ctx context.Context, sess *session, data json.RawMessage) {
	if !sess.joined {
		_ = sess.send(eventError, errorPayload{Error: errCodeNotJoined})
		return
	}
	if !sess.role.CanEdit() {
		_ = sess.send(eventAck, ackPayload{OK: false, Error: errCodeReadOnly})
		return
	}
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Text == "" {
		_ = sess.send(eventAck, ackPayload{OK: false, Error: errCodeInvalidRequest})
		return
	}

	message, err := c.service.AppendChat(ctx, sess.boardID, board.ChatEntry{
		UserID:      sess.userID,
		DisplayName: sess.displayName,
		Text:        payload.Text,
		ReplyTo:     payload.ReplyTo,
	})
	if err != nil {
		_ = sess.send(eventAck, ackPayload{OK: false, Error: errCodeStorageFailure})
		return
	}

	broadcastPayload := chatMessagePayload{
		BoardID:         sess.boardID.String(),
		MessageID:       message.MessageID,
		UserID:          message.UserID,
		DisplayName:     message.DisplayName,
		Text:            message.Text,
		ReplyTo:         message.ReplyTo,
		CreatedAtMillis: message.CreatedAtMillis,
	}
	c.rooms.broadcast(sess.boardID, sess.id, eventChatMessage, broadcastPayload)
	_ = sess.send(eventChatMessage, broadcastPayload)
}

// handleSetViewerToken enables or disables public viewer access. Owners only.
func (c *Coordinator) handleSetViewerToken(ctx context.Context, sess *session, data json.RawMessage) {
	if !sess.joined {
		_ = sess.send(eventError, errorPayload{Error: errCodeNotJoined})
		return
	}
	if sess.role != board.RoleOwner {
		_ = sess.send(eventError, errorPayload{Error: errCodeAccessDenied})
		return
	}
	var payload setViewerTokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		_ = sess.send(eventError, errorPayload{Error: errCodeInvalidRequest})
		return
	}

	if !payload.Enabled {
		if err := c.service.ClearViewerToken(ctx, sess.boardID); err != nil {
			_ = sess.send(eventError, errorPayload{Error: errCodeStorageFailure})
			return
		}
		_ = sess.send(eventViewerToken, viewerTokenPayload{BoardID: sess.boardID.String()})
		return
	}

	token, err := c.service.RotateViewerToken(ctx, sess.boardID)
	if err != nil {
		_ = sess.send(eventError, errorPayload{Error: errCodeStorageFailure})
		return
	}
	_ = sess.send(eventViewerToken, viewerTokenPayload{BoardID: sess.boardID.String(), Token: token})
}

func (c *Coordinator) teardown(sess *session) {
	if sess.joined {
		boardID := sess.boardID
		c.rooms.Leave(sess)
		c.rooms.broadcast(boardID, sess.id, eventPeerLeft, peerLeftPayload{
			BoardID: boardID.String(),
			UserID:  sess.userID,
		})
	}
	_ = sess.conn.Close()
}
