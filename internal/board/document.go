package board

import (
	"encoding/json"
	"sort"
)

// DocumentOp is one cached operation inside a board document.
type DocumentOp struct {
	OpID            string          `json:"opId"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	TimestampMillis int64           `json:"ts"`
}

// Document is the board's cached current state: the last-known full drawing
// snapshot plus a bounded convenience cache of recent operations. It is
// distinct from the durable operation log.
type Document struct {
	Snapshot        json.RawMessage `json:"snapshot,omitempty"`
	Ops             []DocumentOp    `json:"ops,omitempty"`
	UpdatedAtMillis int64           `json:"updatedAt"`
}

// ParseDocument decodes a stored document blob. An empty blob yields an empty document.
func ParseDocument(raw string) (Document, error) {
	if raw == "" {
		return Document{}, nil
	}
	var document Document
	if err := json.Unmarshal([]byte(raw), &document); err != nil {
		return Document{}, err
	}
	return document, nil
}

// Encode serializes the document for storage.
func (d Document) Encode() (string, error) {
	encoded, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// MergeOps folds incoming operations into the cached list. Operations are
// deduplicated by op id keeping the greater timestamp on conflict, sorted by
// timestamp, and trimmed to the most recent limit entries.
func MergeOps(existing []DocumentOp, incoming []DocumentOp, limit int) []DocumentOp {
	byOpID := make(map[string]DocumentOp, len(existing)+len(incoming))
	for _, op := range existing {
		byOpID[op.OpID] = op
	}
	for _, op := range incoming {
		if op.OpID == "" {
			continue
		}
		current, seen := byOpID[op.OpID]
		if !seen || op.TimestampMillis > current.TimestampMillis {
			byOpID[op.OpID] = op
		}
	}

	merged := make([]DocumentOp, 0, len(byOpID))
	for _, op := range byOpID {
		merged = append(merged, op)
	}
	sort.Slice(merged, func(left, right int) bool {
		if merged[left].TimestampMillis != merged[right].TimestampMillis {
			return merged[left].TimestampMillis < merged[right].TimestampMillis
		}
		return merged[left].OpID < merged[right].OpID
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}
