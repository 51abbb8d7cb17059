package session

import (
	"encoding/json"
	"fmt"
)

// RecordType is the "type" discriminator of a persisted JSONL line.
type RecordType string

const (
	RecordSession         RecordType = "session"
	RecordMessage         RecordType = "message"
	RecordModelChange     RecordType = "model_change"
	RecordThinkingChange  RecordType = "thinking_change"
	RecordCompaction      RecordType = "compaction"
	RecordBranchSummary   RecordType = "branch_summary" // supplemental, see SPEC_FULL.md §3
	RecordLabel           RecordType = "label"          // supplemental, see SPEC_FULL.md §3
)

// SchemaVersion is the current session file format version.
const SchemaVersion = 3

// HeaderRecord is the mandatory first line of every session file.
type HeaderRecord struct {
	Type    RecordType `json:"type"`
	Version int        `json:"version"`
	Cwd     string     `json:"cwd"`
	Created string     `json:"created"`
}

// MessageRecord persists one Message.
type MessageRecord struct {
	Type      RecordType     `json:"type"`
	ID        string         `json:"id"`
	Parent    string         `json:"parent"` // message id, or "root"
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp string         `json:"ts"`
	Usage     *Usage         `json:"usage,omitempty"`
}

// ModelChangeRecord marks a mid-session model switch.
type ModelChangeRecord struct {
	Type      RecordType `json:"type"`
	ID        string     `json:"id"`
	Parent    string     `json:"parent"`
	Model     string     `json:"model"`
	Timestamp string     `json:"ts"`
}

// ThinkingChangeRecord marks a mid-session thinking-level switch.
type ThinkingChangeRecord struct {
	Type      RecordType    `json:"type"`
	ID        string        `json:"id"`
	Parent    string        `json:"parent"`
	Level     ThinkingLevel `json:"level"`
	Timestamp string        `json:"ts"`
}

// CompactionRecord marks a point at which older history was replaced by a
// summary in the in-memory Context; the on-disk file is unaffected (the
// messages it summarizes remain present in the file, per §4.4).
type CompactionRecord struct {
	Type      RecordType `json:"type"`
	ID        string     `json:"id"`
	Parent    string     `json:"parent"`
	Summary   string     `json:"summary"`
	Timestamp string     `json:"ts"`
}

// BranchSummaryRecord is a cached leaves/branch-points snapshot. It is
// non-authoritative — always rebuildable by walking the message arena — and
// is written opportunistically so a session picker need not replay the
// whole file just to list branch points.
type BranchSummaryRecord struct {
	Type         RecordType `json:"type"`
	Leaves       []string   `json:"leaves"`
	BranchPoints []string   `json:"branchPoints"`
	Timestamp    string     `json:"ts"`
}

// LabelRecord attaches a short user-supplied name to a message id, for
// session-picker UIs built on top of this engine.
type LabelRecord struct {
	Type      RecordType `json:"type"`
	MessageID string     `json:"messageId"`
	Name      string     `json:"name"`
	Timestamp string     `json:"ts"`
}

type typePeek struct {
	Type RecordType `json:"type"`
}

// decodeLine parses one JSONL line into its concrete record type. Unknown
// record types are returned as ErrUnknownRecordType so callers can choose to
// skip them (forward compatibility) rather than treat the file as corrupt.
func decodeLine(line []byte) (any, error) {
	var peek typePeek
	if err := json.Unmarshal(line, &peek); err != nil {
		return nil, err
	}
	switch peek.Type {
	case RecordSession:
		var r HeaderRecord
		err := json.Unmarshal(line, &r)
		return r, err
	case RecordMessage:
		var r MessageRecord
		err := json.Unmarshal(line, &r)
		return r, err
	case RecordModelChange:
		var r ModelChangeRecord
		err := json.Unmarshal(line, &r)
		return r, err
	case RecordThinkingChange:
		var r ThinkingChangeRecord
		err := json.Unmarshal(line, &r)
		return r, err
	case RecordCompaction:
		var r CompactionRecord
		err := json.Unmarshal(line, &r)
		return r, err
	case RecordBranchSummary:
		var r BranchSummaryRecord
		err := json.Unmarshal(line, &r)
		return r, err
	case RecordLabel:
		var r LabelRecord
		err := json.Unmarshal(line, &r)
		return r, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecordType, peek.Type)
	}
}

// ErrUnknownRecordType is returned by decodeLine for a "type" value not in
// RecordType's set. Load treats it as skippable, not corrupt, so that a
// session file written by a newer schema version degrades gracefully.
var ErrUnknownRecordType = fmt.Errorf("session: unknown record type")
