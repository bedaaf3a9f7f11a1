package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

func TestApplyEditsCreatesNewFile(t *testing.T) {
	dir := t.TempDir()
	ws := NewLocal(dir)
	ctx := context.Background()

	err := ws.ApplyEdits(ctx, "new.txt", []Edit{{OldString: "", NewString: "hello"}})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))
}

func TestApplyEditsRefusesToOverwriteExistingFileOnCreate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exists.txt"), []byte("old"), 0o644))
	ws := NewLocal(dir)

	err := ws.ApplyEdits(context.Background(), "exists.txt", []Edit{{OldString: "", NewString: "new"}})
	require.Error(t, err)

	var editErr *tool.WorkspaceEditError
	require.ErrorAs(t, err, &editErr)
	require.Equal(t, tool.EditFileExists, editErr.Reason)

	content, _ := os.ReadFile(filepath.Join(dir, "exists.txt"))
	require.Equal(t, "old", string(content), "file must be untouched on failure")
}

func TestApplyEditsRequiresUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("foo\nfoo\n"), 0o644))
	ws := NewLocal(dir)

	err := ws.ApplyEdits(context.Background(), "f.txt", []Edit{{OldString: "foo", NewString: "bar"}})
	require.Error(t, err)

	var editErr *tool.WorkspaceEditError
	require.ErrorAs(t, err, &editErr)
	require.Equal(t, tool.EditNonUniqueMatch, editErr.Reason)
	require.Equal(t, 2, editErr.Occurrences)
}

func TestApplyEditsAllOrNothingAcrossMultipleEdits(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("alpha\nbeta\n"), 0o644))
	ws := NewLocal(dir)

	// Second edit's old_string doesn't exist; the whole call must fail and
	// leave the file exactly as it was, including not applying the first edit.
	err := ws.ApplyEdits(context.Background(), "f.txt", []Edit{
		{OldString: "alpha", NewString: "ALPHA"},
		{OldString: "missing", NewString: "x"},
	})
	require.Error(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "alpha\nbeta\n", string(content))
}

func TestApplyEditsSequentialEditsSeePriorEditsContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("one\n"), 0o644))
	ws := NewLocal(dir)

	err := ws.ApplyEdits(context.Background(), "f.txt", []Edit{
		{OldString: "one", NewString: "two"},
		{OldString: "two", NewString: "three"},
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "three\n", string(content))
}

func TestBashDeniesDestructiveCommand(t *testing.T) {
	dir := t.TempDir()
	ws := NewLocal(dir)

	_, err := ws.Bash(context.Background(), "rm -rf /", 1000)
	require.Error(t, err)

	var toolErr *tool.Error
	require.ErrorAs(t, err, &toolErr)
	require.Equal(t, tool.KindPolicyDenied, toolErr.Kind)
}

func TestReadFileRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	ws := NewLocal(dir)

	_, err := ws.ReadFile(context.Background(), "../outside.txt")
	require.Error(t, err)
}

func TestGetEnvironmentInfoFindsProjectMemoryFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("notes"), 0o644))
	ws := NewLocal(dir)

	info, err := ws.GetEnvironmentInfo(context.Background())
	require.NoError(t, err)
	require.Contains(t, info.ProjectMemoryFiles, "AGENTS.md")
	require.NotEmpty(t, info.TreeDigest)
}

func TestGetEnvironmentInfoIsCachedUntilInvalidated(t *testing.T) {
	dir := t.TempDir()
	ws := NewLocal(dir)

	first, err := ws.GetEnvironmentInfo(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("notes"), 0o644))
	second, err := ws.GetEnvironmentInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.ProjectMemoryFiles, second.ProjectMemoryFiles, "cached value must be reused before invalidation")

	ws.InvalidateEnvironmentCache()
	third, err := ws.GetEnvironmentInfo(context.Background())
	require.NoError(t, err)
	require.Contains(t, third.ProjectMemoryFiles, "AGENTS.md")
}
