package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileToolRegistry() *ToolRegistry {
	reg := NewToolRegistry()
	RegisterFileTools(reg)
	return reg
}

func TestReadWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reg := newFileToolRegistry()
	ec := ExecutionContext{WorkingDir: dir}

	write := reg.Invoke("write_file", mustJSON(t, WriteInput{Path: "note.txt", Content: "line one\nline two"}), ec)
	require.False(t, write.IsError, write.Output)

	read := reg.Invoke("read_file", mustJSON(t, ReadInput{Path: "note.txt"}), ec)
	require.False(t, read.IsError, read.Output)
	assert.Contains(t, read.Output, "line one")
	assert.Contains(t, read.Output, "line two")
}

// Round-trip law: edit(old,new) then edit(new,old) restores byte-identical
// content.
func TestEditFileRoundTripRestoresOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	original := "hello world, hello again"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	reg := newFileToolRegistry()
	ec := ExecutionContext{WorkingDir: dir}

	forward := reg.Invoke("edit_file", mustJSON(t, EditInput{Path: "f.txt", OldString: "hello world", NewString: "goodbye world"}), ec)
	require.False(t, forward.IsError, forward.Output)

	backward := reg.Invoke("edit_file", mustJSON(t, EditInput{Path: "f.txt", OldString: "goodbye world", NewString: "hello world"}), ec)
	require.False(t, backward.IsError, backward.Output)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

// Scenario 4 (Edit ambiguity): old_string occurring more than once without
// replace_all is rejected.
func TestEditFileAmbiguousMatchIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("dup dup dup"), 0o644))

	reg := newFileToolRegistry()
	ec := ExecutionContext{WorkingDir: dir}

	result := reg.Invoke("edit_file", mustJSON(t, EditInput{Path: "f.txt", OldString: "dup", NewString: "one"}), ec)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Output, "found 3 times")
}

func TestEditFileReplaceAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("dup dup dup"), 0o644))

	reg := newFileToolRegistry()
	ec := ExecutionContext{WorkingDir: dir}

	result := reg.Invoke("edit_file", mustJSON(t, EditInput{Path: "f.txt", OldString: "dup", NewString: "one", ReplaceAll: true}), ec)
	require.False(t, result.IsError)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one one one", string(data))
}

func TestGrepFindsMatches(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package b\nfunc Bar() {}\n"), 0o644))

	reg := newFileToolRegistry()
	ec := ExecutionContext{WorkingDir: dir}

	result := reg.Invoke("grep", mustJSON(t, GrepInput{Pattern: "func Foo"}), ec)
	require.False(t, result.IsError)
	assert.Contains(t, result.Output, "a.go")
	assert.NotContains(t, result.Output, "b.go")
}

func TestFindMatchesGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.md"), []byte("x"), 0o644))

	reg := newFileToolRegistry()
	ec := ExecutionContext{WorkingDir: dir}

	result := reg.Invoke("find", mustJSON(t, FindInput{Pattern: "*.txt"}), ec)
	require.False(t, result.IsError)
	assert.Contains(t, result.Output, "one.txt")
	assert.NotContains(t, result.Output, "two.md")
}

func TestLsListsEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hi"), 0o644))

	reg := newFileToolRegistry()
	ec := ExecutionContext{WorkingDir: dir}

	result := reg.Invoke("ls", mustJSON(t, LsInput{}), ec)
	require.False(t, result.IsError)
	assert.Contains(t, result.Output, "subdir/")
	assert.Contains(t, result.Output, "file.txt")
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
