package board

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidBoardID indicates that a board identifier is empty or exceeds storage bounds.
	ErrInvalidBoardID = errors.New("board: invalid board id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("board: invalid user id")
	// ErrInvalidOpID indicates that an operation idempotency key is empty or exceeds storage bounds.
	ErrInvalidOpID = errors.New("board: invalid op id")
	// ErrInvalidRole indicates that a membership role is not one of owner, editor, viewer.
	ErrInvalidRole = errors.New("board: invalid role")
)

// BoardID represents a validated board identifier.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBoardID, maxIdentifierLength)
	}
	return BoardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// OpID represents a validated client-supplied idempotency key.
type OpID string

// NewOpID validates raw input and returns an OpID.
func NewOpID(rawInput string) (OpID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOpID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOpID, maxIdentifierLength)
	}
	return OpID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OpID) String() string {
	return string(id)
}

// Role enumerates board membership roles.
type Role string

const (
	// RoleOwner grants full control including membership management.
	RoleOwner Role = "owner"
	// RoleEditor grants write access to the drawing document and chat.
	RoleEditor Role = "editor"
	// RoleViewer grants read-only access.
	RoleViewer Role = "viewer"
)

// ParseRole validates raw input and returns a Role.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// CanEdit reports whether the role may submit operations.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Board models a whiteboard workspace row.
type Board struct {
	BoardID           string `gorm:"column:board_id;primaryKey;size:190;not null"`
	Title             string `gorm:"column:title;size:320;not null;default:''"`
	DocumentJSON      string `gorm:"column:document_json;type:text;not null;default:''"`
	PublicViewerToken string `gorm:"column:public_viewer_token;size:190;not null;default:''"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}

// Member models a (board, user, role) membership row.
type Member struct {
	BoardID        string `gorm:"column:board_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role           string `gorm:"column:role;size:32;not null"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "board_members"
}

// Operation stores one durable, immutable editing operation.
type Operation struct {
	RecordID        int64  `gorm:"column:record_id;primaryKey;autoIncrement"`
	BoardID         string `gorm:"column:board_id;size:190;not null;uniqueIndex:idx_board_op_dedupe,priority:1;index:idx_board_op_seq,priority:1"`
	Seq             int64  `gorm:"column:seq;not null;index:idx_board_op_seq,priority:2"`
	OpID            string `gorm:"column:op_id;size:190;not null;uniqueIndex:idx_board_op_dedupe,priority:2"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	AuthorID        string `gorm:"column:author_id;size:190;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "board_operations"
}

// Snapshot stores a versioned full-document checkpoint.
type Snapshot struct {
	RecordID         int64  `gorm:"column:record_id;primaryKey;autoIncrement"`
	BoardID          string `gorm:"column:board_id;size:190;not null;uniqueIndex:idx_board_snapshot_version,priority:1"`
	Version          int64  `gorm:"column:version;not null;uniqueIndex:idx_board_snapshot_version,priority:2"`
	StateJSON        string `gorm:"column:state_json;type:text;not null"`
	Checksum         string `gorm:"column:checksum;size:64;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "board_snapshots"
}

// SequenceCounter is the durable source of truth for the next operation sequence number.
type SequenceCounter struct {
	CounterKey string `gorm:"column:counter_key;primaryKey;size:190;not null"`
	Value      int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SequenceCounter) TableName() string {
	return "sequence_counters"
}

// ChatMessage stores one entry of a board's bounded chat history.
type ChatMessage struct {
	MessageID       string `gorm:"column:message_id;primaryKey;size:190;not null"`
	BoardID         string `gorm:"column:board_id;size:190;not null;index:idx_chat_board_time,priority:1"`
	UserID          string `gorm:"column:user_id;size:190;not null;default:''"`
	DisplayName     string `gorm:"column:display_name;size:320;not null;default:''"`
	Text            string `gorm:"column:text;type:text;not null"`
	ReplyTo         string `gorm:"column:reply_to;size:190;not null;default:''"`
	ReactionsJSON   string `gorm:"column:reactions_json;type:text;not null;default:''"`
	LinkPreviewJSON string `gorm:"column:link_preview_json;type:text;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_chat_board_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string {
	return "board_chat_messages"
}
