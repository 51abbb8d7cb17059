package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"coreengine/errs"
)

// Root is the literal parent value marking the single root of the
// conversation forest (invariant I1).
const Root = "root"

// Store is satisfied by both the file-backed and in-memory session
// implementations. Open Question (a) in SPEC_FULL.md §9 decides that both
// must branch identically: the arena/cursor logic lives in the shared tree
// type both wrap, not in either backend.
type Store interface {
	AppendMessage(role Role, content []ContentBlock, usage *Usage) (Message, error)
	AppendModelChange(model string) error
	AppendThinkingChange(level ThinkingLevel) error
	AppendCompaction(summary string) error
	Fork(parentID string) error
	ActivePath() []Message
	Get(id string) (Message, bool)
	BranchSummary() BranchSummary
	Close() error
}

// BranchSummary is a snapshot of the conversation tree's leaves and branch
// points, supplemental to the distilled spec (grounded in
// original_source/tests/session_conformance.rs's branch_summary()).
type BranchSummary struct {
	Leaves       []string
	BranchPoints []string
}

// node is one element of the conversation forest: either a chat message or
// a meta-event (model change, thinking-level change, compaction marker).
// Meta-events carry id/parent fields in the wire format too, so they occupy
// a position in the same tree as messages.
type node struct {
	id       string
	parentID string
	kind     RecordType
	message  *Message
	model    string
	level    ThinkingLevel
	summary  string
}

// tree is the shared in-memory arena/children/cursor logic used by both the
// file-backed and in-memory stores, per the Design Notes' "arena of messages
// indexed by id, plus a children map" guidance.
type tree struct {
	mu       sync.Mutex
	arena    map[string]*node
	children map[string][]string
	order    []string
	cursor   string // id of the node the next append extends; "" means Root

	idGen func() string
	now   func() string
}

func newTree() *tree {
	return &tree{
		arena:    make(map[string]*node),
		children: make(map[string][]string),
		idGen:    func() string { return uuid.New().String() },
		now:      func() string { return time.Now().UTC().Format(time.RFC3339Nano) },
	}
}

func (t *tree) parentOrRoot() string {
	if t.cursor == "" {
		return Root
	}
	return t.cursor
}

func (t *tree) insert(n *node) {
	t.arena[n.id] = n
	t.children[n.parentID] = append(t.children[n.parentID], n.id)
	t.order = append(t.order, n.id)
	t.cursor = n.id
}

func (t *tree) fork(parentID string) error {
	if parentID != Root {
		if _, ok := t.arena[parentID]; !ok {
			return errs.New(errs.InputError, fmt.Sprintf("session: fork target %q does not exist", parentID))
		}
	}
	t.cursor = parentID
	return nil
}

func (t *tree) activePath() []Message {
	var chain []*node
	cur := t.cursor
	for cur != "" && cur != Root {
		n, ok := t.arena[cur]
		if !ok {
			break
		}
		chain = append(chain, n)
		cur = n.parentID
	}
	var out []Message
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].kind == RecordMessage {
			out = append(out, *chain[i].message)
		}
	}
	return out
}

func (t *tree) get(id string) (Message, bool) {
	n, ok := t.arena[id]
	if !ok || n.kind != RecordMessage {
		return Message{}, false
	}
	return *n.message, true
}

func (t *tree) branchSummary() BranchSummary {
	var leaves, branchPoints []string
	for _, id := range t.order {
		n := t.arena[id]
		if n.kind != RecordMessage {
			continue
		}
		switch len(t.children[id]) {
		case 0:
			leaves = append(leaves, id)
		case 1:
		default:
			branchPoints = append(branchPoints, id)
		}
	}
	return BranchSummary{Leaves: leaves, BranchPoints: branchPoints}
}

// EncodeCwd slugifies an absolute working directory into the project_slug
// path component described in §4.4: '/' becomes '-', and leading/trailing
// '-' runs are collapsed.
func EncodeCwd(cwd string) string {
	slug := strings.ReplaceAll(cwd, string(filepath.Separator), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "root"
	}
	return slug
}

// SessionPath builds the on-disk path for a new session file under
// sessionsDir, per §4.4's "<sessions_dir>/<project_slug>/<ISO-timestamp>.jsonl"
// layout.
func SessionPath(sessionsDir, cwd string, created time.Time) string {
	slug := EncodeCwd(cwd)
	ts := created.UTC().Format("20060102T150405.000Z")
	return filepath.Join(sessionsDir, slug, ts+".jsonl")
}

// FileStore is the disk-backed Store. It owns the session file exclusively
// for its lifetime via an advisory lock (flock), per §4.4's SessionBusy
// contract.
type FileStore struct {
	*tree
	path   string
	f      *os.File
	logger *slog.Logger

	// index and slug back the --continue lookup (§4.4): every successful
	// append touches the project slug's entry so index.yaml always reflects
	// the most-recently-modified session file, not just the one at creation.
	// Left nil when the index can't be opened (e.g. an unwritable sessions
	// dir), in which case touching is skipped rather than failing the append.
	index *Index
	slug  string
}

// attachIndex wires fs to <sessions_dir>/index.yaml, derived from path's own
// <sessions_dir>/<project_slug>/<file>.jsonl layout (see SessionPath).
// Failure to open the index is logged and otherwise ignored: the session
// file itself is still fully functional without --continue support.
func (fs *FileStore) attachIndex(path string) {
	slugDir := filepath.Dir(path)
	sessionsDir := filepath.Dir(slugDir)
	idx, err := OpenIndex(sessionsDir)
	if err != nil {
		fs.logger.Warn("session: failed to open index, --continue lookups will not see this session", "error", err)
		return
	}
	fs.index = idx
	fs.slug = filepath.Base(slugDir)
}

func (fs *FileStore) touchIndex() {
	if fs.index == nil {
		return
	}
	if err := fs.index.Touch(fs.slug, fs.path, time.Now()); err != nil {
		fs.logger.Warn("session: failed to update index", "error", err)
	}
}

// Create creates a brand-new session file (and its project-slug directory)
// and writes the mandatory header record as the first line.
func Create(path, cwd string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.SessionIOError, "session: create directory", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.SessionIOError, "session: create file", err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, err
	}
	fs := &FileStore{tree: newTree(), path: path, f: f, logger: slog.Default()}
	fs.attachIndex(path)
	header := HeaderRecord{Type: RecordSession, Version: SchemaVersion, Cwd: cwd, Created: fs.now()}
	if err := fs.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return fs, nil
}

// Open opens an existing session file, replaying it into an in-memory tree
// and positioning the cursor at the most recently appended node (the leaf
// the agent was last extending). It takes the advisory lock and fails with
// a SessionBusy-kind error if another process already holds it.
func Open(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.SessionIOError, "session: open file", err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, err
	}
	fs := &FileStore{tree: newTree(), path: path, f: f, logger: slog.Default()}
	fs.attachIndex(path)
	if err := fs.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return fs, nil
}

// lockExclusive takes a non-blocking advisory exclusive lock, returning a
// SessionBusy-kind EngineError if another process holds it.
func lockExclusive(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			return errs.New(errs.SessionIOError, "session: SessionBusy: file is locked by another process")
		}
		return errs.Wrap(errs.SessionIOError, "session: flock", err)
	}
	return nil
}

// replay reads the file line by line, rebuilding the tree. A final line
// without its terminating newline is a partial write: it is dropped and the
// file is truncated back to the last newline boundary (invariant I5). A
// malformed newline-terminated line is logged and skipped in memory
// without rewriting the file, a more lenient supplemental behavior grounded
// in original_source/tests/session_conformance.rs; see SPEC_FULL.md §4.4.
func (fs *FileStore) replay() error {
	data, err := readAllAt(fs.f, 0)
	if err != nil {
		return errs.Wrap(errs.SessionIOError, "session: read", err)
	}

	lines := splitLinesKeepOffsets(data)
	if len(lines) == 0 {
		return errs.New(errs.SessionIOError, "session: SessionCorrupt: empty file")
	}

	headerLine := lines[0]
	var header HeaderRecord
	if err := json.Unmarshal(data[headerLine.start:headerLine.end], &header); err != nil || header.Type != RecordSession {
		return errs.New(errs.SessionIOError, "session: SessionCorrupt: missing or invalid header")
	}

	validUpTo := headerLine.end
	for i := 1; i < len(lines); i++ {
		ln := lines[i]
		raw := data[ln.start:ln.end]
		if len(bytes.TrimSpace(raw)) == 0 {
			validUpTo = ln.end
			continue
		}
		if i == len(lines)-1 && !ln.terminated {
			// Invariant I5: truncate the unterminated trailing line; do not
			// advance validUpTo past it.
			break
		}
		rec, err := decodeLine(raw)
		if err != nil {
			fs.logger.Warn("session: skipping malformed line during replay", "line", i, "error", err)
			validUpTo = ln.end
			continue
		}
		fs.applyRecord(rec)
		validUpTo = ln.end
	}

	if validUpTo < len(data) {
		if err := fs.f.Truncate(int64(validUpTo)); err != nil {
			return errs.Wrap(errs.SessionIOError, "session: truncate partial write", err)
		}
	}
	return nil
}

func (fs *FileStore) applyRecord(rec any) {
	switch r := rec.(type) {
	case MessageRecord:
		msg := Message{ID: r.ID, ParentID: r.Parent, Role: r.Role, Content: r.Content, Timestamp: r.Timestamp, Usage: r.Usage}
		fs.insert(&node{id: r.ID, parentID: r.Parent, kind: RecordMessage, message: &msg})
	case ModelChangeRecord:
		fs.insert(&node{id: r.ID, parentID: r.Parent, kind: RecordModelChange, model: r.Model})
	case ThinkingChangeRecord:
		fs.insert(&node{id: r.ID, parentID: r.Parent, kind: RecordThinkingChange, level: r.Level})
	case CompactionRecord:
		fs.insert(&node{id: r.ID, parentID: r.Parent, kind: RecordCompaction, summary: r.Summary})
	case BranchSummaryRecord, LabelRecord, HeaderRecord:
		// Non-tree records: cached/ancillary, not part of the forest.
	}
}

func (fs *FileStore) AppendMessage(role Role, content []ContentBlock, usage *Usage) (Message, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := fs.idGen()
	parent := fs.parentOrRoot()
	msg := Message{ID: id, ParentID: parent, Role: role, Content: content, Timestamp: fs.now(), Usage: usage}
	rec := MessageRecord{Type: RecordMessage, ID: id, Parent: parent, Role: role, Content: content, Timestamp: msg.Timestamp, Usage: usage}
	if err := fs.writeLine(rec); err != nil {
		return Message{}, err
	}
	fs.insert(&node{id: id, parentID: parent, kind: RecordMessage, message: &msg})
	return msg, nil
}

func (fs *FileStore) AppendModelChange(model string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.idGen()
	parent := fs.parentOrRoot()
	rec := ModelChangeRecord{Type: RecordModelChange, ID: id, Parent: parent, Model: model, Timestamp: fs.now()}
	if err := fs.writeLine(rec); err != nil {
		return err
	}
	fs.insert(&node{id: id, parentID: parent, kind: RecordModelChange, model: model})
	return nil
}

func (fs *FileStore) AppendThinkingChange(level ThinkingLevel) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.idGen()
	parent := fs.parentOrRoot()
	rec := ThinkingChangeRecord{Type: RecordThinkingChange, ID: id, Parent: parent, Level: level, Timestamp: fs.now()}
	if err := fs.writeLine(rec); err != nil {
		return err
	}
	fs.insert(&node{id: id, parentID: parent, kind: RecordThinkingChange, level: level})
	return nil
}

func (fs *FileStore) AppendCompaction(summary string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.idGen()
	parent := fs.parentOrRoot()
	rec := CompactionRecord{Type: RecordCompaction, ID: id, Parent: parent, Summary: summary, Timestamp: fs.now()}
	if err := fs.writeLine(rec); err != nil {
		return err
	}
	fs.insert(&node{id: id, parentID: parent, kind: RecordCompaction, summary: summary})
	return nil
}

func (fs *FileStore) Fork(parentID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.fork(parentID)
}

func (fs *FileStore) ActivePath() []Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.activePath()
}

func (fs *FileStore) Get(id string) (Message, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.get(id)
}

func (fs *FileStore) BranchSummary() BranchSummary {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.branchSummary()
}

func (fs *FileStore) Close() error {
	syscall.Flock(int(fs.f.Fd()), syscall.LOCK_UN)
	return fs.f.Close()
}

// writeLine serializes rec, appends it with a trailing "\n", and fsyncs,
// per §4.4's "O_APPEND write-then-fsync semantics where available".
func (fs *FileStore) writeLine(rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.InternalInvariantViolation, "session: marshal record", err)
	}
	b = append(b, '\n')
	if _, err := fs.f.Seek(0, os.SEEK_END); err != nil {
		return errs.Wrap(errs.SessionIOError, "session: seek", err)
	}
	if _, err := fs.f.Write(b); err != nil {
		return errs.Wrap(errs.SessionIOError, "session: append write", err)
	}
	if err := fs.f.Sync(); err != nil {
		return errs.Wrap(errs.SessionIOError, "session: fsync", err)
	}
	fs.touchIndex()
	return nil
}

func readAllAt(f *os.File, offset int64) ([]byte, error) {
	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	r := bufio.NewReader(f)
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type lineSpan struct {
	start, end int
	terminated bool
}

// splitLinesKeepOffsets splits data into lines delimited by '\n', recording
// byte offsets so the caller can truncate the underlying file precisely.
// The final element's terminated flag is false if data does not end in '\n'.
func splitLinesKeepOffsets(data []byte) []lineSpan {
	var spans []lineSpan
	start := 0
	for i, c := range data {
		if c == '\n' {
			spans = append(spans, lineSpan{start: start, end: i + 1, terminated: true})
			start = i + 1
		}
	}
	if start < len(data) {
		spans = append(spans, lineSpan{start: start, end: len(data), terminated: false})
	}
	return spans
}
