// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/BrendanGraham14/steer-sub001/internal/tool"
)

// localEnvironmentTTL is how long a Local workspace's EnvironmentInfo is
// reused before being recollected; VCS status and the tree digest are cheap
// but not free, so a short cache avoids recomputing them on every tool call.
const localEnvironmentTTL = 5 * time.Minute

// projectMemoryFilenames are the project-memory files environment
// collection looks for at the workspace root.
var projectMemoryFilenames = []string{"AGENTS.md", "CONVENTIONS.md", "PROJECT.md"}

// Local is a Workspace rooted at a fixed directory on the local filesystem.
// All paths are resolved relative to Root and cannot escape it.
type Local struct {
	Root string

	envMu       sync.Mutex
	envCache    *EnvironmentInfo
	envCachedAt time.Time
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) resolve(path string) (string, error) {
	clean := filepath.Clean(path)
	full := filepath.Join(l.Root, clean)
	rel, err := filepath.Rel(l.Root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", tool.New(tool.KindInvalidParams, fmt.Sprintf("path %q escapes workspace root", path))
	}
	return full, nil
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".ico": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".pdf": true, ".woff": true, ".woff2": true, ".ttf": true, ".otf": true,
}

// looksBinary sniffs the first BinarySniffBytes for a NUL byte, in addition
// to an extension-based fast path, matching the local workspace's binary
// detection rule.
func looksBinary(path string, content []byte) bool {
	if binaryExtensions[strings.ToLower(filepath.Ext(path))] {
		return true
	}
	n := len(content)
	if n > BinarySniffBytes {
		n = BinarySniffBytes
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

func (l *Local) ReadFile(ctx context.Context, path string) (string, error) {
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", tool.Wrap(tool.KindWorkspace, "file not found", &tool.WorkspaceEditError{Reason: tool.EditFileNotFound, Path: path})
		}
		return "", tool.Wrap(tool.KindWorkspace, "failed to read file", err)
	}

	if looksBinary(full, content) {
		return "", tool.New(tool.KindWorkspace, fmt.Sprintf("%s looks like a binary file and cannot be read as text", path))
	}

	lines := strings.Split(string(content), "\n")
	if len(lines) > MaxReadLines {
		lines = lines[:MaxReadLines]
	}
	for i, line := range lines {
		if len(line) > MaxReadLineChars {
			lines[i] = line[:MaxReadLineChars]
		}
	}
	return strings.Join(lines, "\n"), nil
}

// ApplyEdits applies every edit in order, each against the result of the
// previous one, failing the whole call with no partial write if any edit
// can't be applied cleanly.
func (l *Local) ApplyEdits(ctx context.Context, path string, edits []Edit) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}

	var content string
	existing, readErr := os.ReadFile(full)
	fileExists := readErr == nil
	if fileExists {
		content = string(existing)
	} else if !os.IsNotExist(readErr) {
		return tool.Wrap(tool.KindWorkspace, "failed to read file for edit", readErr)
	}

	for _, e := range edits {
		if e.OldString == "" {
			if fileExists {
				return tool.Wrap(tool.KindWorkspace, "cannot create file", &tool.WorkspaceEditError{Reason: tool.EditFileExists, Path: path})
			}
			content = e.NewString
			fileExists = true
			continue
		}

		if !fileExists {
			return tool.Wrap(tool.KindWorkspace, "cannot edit missing file", &tool.WorkspaceEditError{Reason: tool.EditFileNotFound, Path: path})
		}

		count := strings.Count(content, e.OldString)
		if count == 0 {
			return tool.Wrap(tool.KindWorkspace, "old_string not found", &tool.WorkspaceEditError{Reason: tool.EditStringNotFound, Path: path, OldString: e.OldString})
		}
		if count > 1 {
			return tool.Wrap(tool.KindWorkspace, "old_string not unique", &tool.WorkspaceEditError{Reason: tool.EditNonUniqueMatch, Path: path, OldString: e.OldString, Occurrences: count})
		}
		content = strings.Replace(content, e.OldString, e.NewString, 1)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return tool.Wrap(tool.KindWorkspace, "failed to create parent directory", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return tool.Wrap(tool.KindWorkspace, "failed to write file", err)
	}
	return nil
}

func (l *Local) Glob(ctx context.Context, pattern string) ([]string, error) {
	full := filepath.Join(l.Root, pattern)
	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, tool.Wrap(tool.KindWorkspace, "invalid glob pattern", err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(l.Root, m)
		if err != nil {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

func (l *Local) Grep(ctx context.Context, pattern string, pathGlob string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, tool.Wrap(tool.KindInvalidParams, "invalid grep pattern", err)
	}

	var matches []string
	err = filepath.Walk(l.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(l.Root, path)
		if pathGlob != "" {
			if ok, _ := filepath.Match(pathGlob, rel); !ok {
				return nil
			}
		}
		content, err := os.ReadFile(path)
		if err != nil || looksBinary(path, content) {
			return nil
		}
		for i, line := range strings.Split(string(content), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, line))
			}
		}
		return nil
	})
	if err != nil {
		return nil, tool.Wrap(tool.KindWorkspace, "grep walk failed", err)
	}
	return matches, nil
}

// DefaultDeniedCommands blocks destructive shell operations outright.
var DefaultDeniedCommands = map[string]bool{
	"rm": true, "rmdir": true, "sudo": true, "su": true, "dd": true,
	"mkfs": true, "fdisk": true, "mount": true, "umount": true,
	"reboot": true, "shutdown": true, "passwd": true,
}

func extractBaseCommand(command string) string {
	fields := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == '>' || r == '<' || r == ';' || r == '&'
	})
	if len(fields) == 0 {
		return ""
	}
	parts := strings.Fields(fields[0])
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func (l *Local) Bash(ctx context.Context, command string, timeoutMs int64) (BashResult, error) {
	if base := extractBaseCommand(command); DefaultDeniedCommands[base] {
		return BashResult{}, tool.New(tool.KindPolicyDenied, fmt.Sprintf("command %q is not permitted", base))
	}

	if timeoutMs <= 0 {
		timeoutMs = 5 * 60 * 1000
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = l.Root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := BashResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return result, tool.New(tool.KindTimeout, "command timed out")
	}
	if ctx.Err() == context.Canceled {
		return result, tool.New(tool.KindCancelled, "command cancelled")
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return result, tool.Wrap(tool.KindExecution, "failed to run command", runErr)
	}
	return result, nil
}

func (l *Local) ListFiles(ctx context.Context, root string, yield func(FileEntry) bool) error {
	full := filepath.Join(l.Root, root)
	return filepath.Walk(full, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(l.Root, path)
		if relErr != nil {
			return nil
		}
		entry := FileEntry{Path: rel, IsDir: info.IsDir(), Size: info.Size()}
		if !yield(entry) {
			return filepath.SkipAll
		}
		return nil
	})
}

func (l *Local) GetEnvironmentInfo(ctx context.Context) (EnvironmentInfo, error) {
	l.envMu.Lock()
	if l.envCache != nil && time.Since(l.envCachedAt) < localEnvironmentTTL {
		cached := *l.envCache
		l.envMu.Unlock()
		return cached, nil
	}
	l.envMu.Unlock()

	info := l.collectEnvironmentInfo(ctx)

	l.envMu.Lock()
	l.envCache = &info
	l.envCachedAt = time.Now()
	l.envMu.Unlock()

	return info, nil
}

// InvalidateEnvironmentCache forces the next GetEnvironmentInfo call to
// recollect rather than serve the cached value.
func (l *Local) InvalidateEnvironmentCache() {
	l.envMu.Lock()
	l.envCache = nil
	l.envMu.Unlock()
}

func (l *Local) collectEnvironmentInfo(ctx context.Context) EnvironmentInfo {
	wd, _ := os.Getwd()
	isRepo, summary := l.vcsSummary(ctx)
	return EnvironmentInfo{
		Root:               l.Root,
		OS:                 runtime.GOOS,
		Arch:               runtime.GOARCH,
		WorkingDir:         wd,
		IsVCSRepo:          isRepo,
		VCSSummary:         summary,
		TreeDigest:         l.treeDigest(),
		ProjectMemoryFiles: l.projectMemoryFiles(),
	}
}

// vcsSummary reports whether Root sits inside a git repository and, if so,
// a one-line "<branch> (clean|dirty)" summary.
func (l *Local) vcsSummary(ctx context.Context) (bool, string) {
	branchOut, err := exec.CommandContext(ctx, "git", "-C", l.Root, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return false, ""
	}
	branch := strings.TrimSpace(string(branchOut))

	state := "clean"
	if statusOut, err := exec.CommandContext(ctx, "git", "-C", l.Root, "status", "--porcelain").Output(); err == nil {
		if strings.TrimSpace(string(statusOut)) != "" {
			state = "dirty"
		}
	}
	return true, fmt.Sprintf("%s (%s)", branch, state)
}

// treeDigest walks Root and returns a cheap "N files, M dirs" summary
// without hashing file contents.
func (l *Local) treeDigest() string {
	var files, dirs int
	_ = filepath.Walk(l.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if path == l.Root {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			dirs++
		} else {
			files++
		}
		return nil
	})
	return fmt.Sprintf("%d files, %d dirs", files, dirs)
}

// projectMemoryFiles lists which of projectMemoryFilenames exist at Root.
func (l *Local) projectMemoryFiles() []string {
	var found []string
	for _, name := range projectMemoryFilenames {
		if _, err := os.Stat(filepath.Join(l.Root, name)); err == nil {
			found = append(found, name)
		}
	}
	return found
}

var _ Workspace = (*Local)(nil)
