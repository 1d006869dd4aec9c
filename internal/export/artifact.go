// Package export implements the offline board export/restore toolchain. An
// export artifact is a single portable JSON document carrying a board's
// snapshot, full operation log, members, and chat history; restore rebuilds a
// board from such an artifact idempotently.
package export

import (
	"encoding/json"
	"fmt"
	"os"
)

// artifactFormatVersion is bumped whenever the artifact layout changes in a
// way old readers cannot handle.
const artifactFormatVersion = 1

// Meta describes the artifact's provenance and snapshot baseline.
type Meta struct {
	FormatVersion int    `json:"formatVersion"`
	ExportedAt    string `json:"exportedAt"`
	BoardID       string `json:"boardId"`
	Title         string `json:"title"`
	BaseVersion   int64  `json:"baseVersion"`
	Checksum      string `json:"checksum"`
}

// OperationEntry is one durable operation record in the artifact.
type OperationEntry struct {
	Seq             int64           `json:"seq"`
	OpID            string          `json:"opId"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	AuthorID        string          `json:"authorId,omitempty"`
	TimestampMillis int64           `json:"ts"`
}

// MemberEntry is one board membership in the artifact.
type MemberEntry struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// ChatEntry is one chat message in the artifact.
type ChatEntry struct {
	MessageID       string          `json:"id,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	Name            string          `json:"name,omitempty"`
	Text            string          `json:"text"`
	ReplyTo         string          `json:"replyTo,omitempty"`
	Reactions       json.RawMessage `json:"reactions,omitempty"`
	LinkPreview     json.RawMessage `json:"linkPreview,omitempty"`
	TimestampMillis int64           `json:"ts"`
}

// Artifact is the portable export file layout. The format is stable across
// releases; restore must keep reading artifacts produced by earlier exports.
type Artifact struct {
	Meta              Meta             `json:"meta"`
	Snapshot          json.RawMessage  `json:"snapshot"`
	Ops               []OperationEntry `json:"ops"`
	Members           []MemberEntry    `json:"members"`
	Chat              []ChatEntry      `json:"chat"`
	PublicViewerToken string           `json:"publicViewerToken,omitempty"`
}

// WriteArtifact serializes the artifact to a file.
func WriteArtifact(path string, artifact Artifact) error {
	encoded, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode artifact: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("export: write artifact: %w", err)
	}
	return nil
}

// ReadArtifact loads and decodes an artifact file.
func ReadArtifact(path string) (Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("export: read artifact: %w", err)
	}
	var artifact Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("export: decode artifact: %w", err)
	}
	if artifact.Meta.BoardID == "" {
		return Artifact{}, fmt.Errorf("export: artifact missing board id")
	}
	return artifact, nil
}
