package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	fs, err := Create(path, "/home/user/project")
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs, path
}

func TestEncodeCwd(t *testing.T) {
	assert.Equal(t, "home-user-project", EncodeCwd("/home/user/project"))
	assert.Equal(t, "home-user-project", EncodeCwd("/home/user/project/"))
	assert.Equal(t, "root", EncodeCwd("/"))
}

func TestAppendMessageAndActivePath(t *testing.T) {
	fs, _ := newTestStore(t)

	user, err := fs.AppendMessage(RoleUser, []ContentBlock{TextBlock("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, Root, user.ParentID)

	asst, err := fs.AppendMessage(RoleAssistant, []ContentBlock{TextBlock("hello")}, nil)
	require.NoError(t, err)
	assert.Equal(t, user.ID, asst.ParentID)

	path := fs.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, "hi", path[0].TextContent())
	assert.Equal(t, "hello", path[1].TextContent())
}

// Scenario 5 (Branching): a session of 5 messages, fork to message 3, send a
// new user message. Expect 6 message records, the new leaf's parent is
// message 3's id, and the tree has two leaves.
func TestBranchingScenario(t *testing.T) {
	fs, _ := newTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msg, err := fs.AppendMessage(role, []ContentBlock{TextBlock("m")}, nil)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	require.NoError(t, fs.Fork(ids[2]))
	branch, err := fs.AppendMessage(RoleUser, []ContentBlock{TextBlock("branch")}, nil)
	require.NoError(t, err)
	assert.Equal(t, ids[2], branch.ParentID)

	summary := fs.BranchSummary()
	assert.Len(t, summary.Leaves, 2)
	assert.Contains(t, summary.Leaves, ids[4])
	assert.Contains(t, summary.Leaves, branch.ID)
	assert.Contains(t, summary.BranchPoints, ids[2])
}

func TestForkToUnknownIDFails(t *testing.T) {
	fs, _ := newTestStore(t)
	err := fs.Fork("does-not-exist")
	assert.Error(t, err)
}

func TestReopenReplaysFile(t *testing.T) {
	fs, path := newTestStore(t)
	_, err := fs.AppendMessage(RoleUser, []ContentBlock{TextBlock("hi")}, nil)
	require.NoError(t, err)
	asst, err := fs.AppendMessage(RoleAssistant, []ContentBlock{TextBlock("hello")}, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	path2 := reopened.ActivePath()
	require.Len(t, path2, 2)
	assert.Equal(t, asst.ID, path2[1].ID)
}

// Scenario 6 (Partial-write recovery): truncate the last byte of a session
// file mid-record. Reopening loses exactly the final malformed record.
func TestPartialWriteRecovery(t *testing.T) {
	fs, path := newTestStore(t)
	first, err := fs.AppendMessage(RoleUser, []ContentBlock{TextBlock("hi")}, nil)
	require.NoError(t, err)
	_, err = fs.AppendMessage(RoleAssistant, []ContentBlock{TextBlock("hello")}, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-1))

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	path2 := reopened.ActivePath()
	require.Len(t, path2, 1)
	assert.Equal(t, first.ID, path2[0].ID)

	// Subsequent appends succeed against the truncated, now-consistent file.
	_, err = reopened.AppendMessage(RoleAssistant, []ContentBlock{TextBlock("again")}, nil)
	assert.NoError(t, err)
}

// Supplemental: a malformed line in the middle of the file is skipped, not
// just a trailing one, without rewriting the file (grounded in
// original_source/tests/session_conformance.rs).
func TestMidFileCorruptionIsSkipped(t *testing.T) {
	fs, path := newTestStore(t)
	first, err := fs.AppendMessage(RoleUser, []ContentBlock{TextBlock("hi")}, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fs2, err := Open(path)
	require.NoError(t, err)
	defer fs2.Close()

	third, err := fs2.AppendMessage(RoleAssistant, []ContentBlock{TextBlock("after corruption")}, nil)
	require.NoError(t, err)

	path2 := fs2.ActivePath()
	require.Len(t, path2, 2)
	assert.Equal(t, first.ID, path2[0].ID)
	assert.Equal(t, third.ID, path2[1].ID)
}

func TestOpenFailsWhenLocked(t *testing.T) {
	fs, path := newTestStore(t)
	_, err := Open(path)
	assert.Error(t, err)
	fs.Close()
}

func TestContentBlockJSONRoundTrip(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock("hello"),
		ThinkingBlock("reasoning", "sig"),
		ToolUseBlock("call1", "ls", []byte(`{"path":"."}`)),
		ToolResultBlock("call1", "out", false, map[string]any{"exitCode": float64(0)}),
		ImageBlock("image/png", []byte{1, 2, 3}),
	}
	for _, b := range blocks {
		data, err := b.MarshalJSON()
		require.NoError(t, err)
		var decoded ContentBlock
		require.NoError(t, decoded.UnmarshalJSON(data))
		assert.Equal(t, b.Kind, decoded.Kind)
	}
}

func TestMemStoreBranchesLikeFileStore(t *testing.T) {
	m := NewMemStore()
	a, err := m.AppendMessage(RoleUser, []ContentBlock{TextBlock("a")}, nil)
	require.NoError(t, err)
	_, err = m.AppendMessage(RoleAssistant, []ContentBlock{TextBlock("b")}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Fork(a.ID))
	branch, err := m.AppendMessage(RoleAssistant, []ContentBlock{TextBlock("c")}, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, branch.ParentID)

	summary := m.BranchSummary()
	assert.Len(t, summary.Leaves, 2)
}
