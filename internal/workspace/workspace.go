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

// Package workspace defines the capability boundary for file and command
// access: a fixed root the agent may read, edit, and run commands in,
// either local to the runtime process or forwarded over RPC to a remote
// workspace server.
package workspace

import "context"

const (
	MaxReadLines     = 2000
	MaxReadLineChars = 2000
	BinarySniffBytes = 8192
)

// Edit is one entry in an ApplyEdits call. An empty OldString means "create
// this file with NewString as its content", and the target file must not
// already exist.
type Edit struct {
	OldString string
	NewString string
}

// EnvironmentInfo describes the workspace's runtime environment, used by
// dispatch_agent and remote workspaces to report what they're running on.
// It is expensive enough to collect (VCS status, a directory walk) that
// callers are expected to cache it; see Workspace.InvalidateEnvironmentCache.
type EnvironmentInfo struct {
	Root       string `json:"root"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	WorkingDir string `json:"working_dir"`

	// IsVCSRepo and VCSSummary describe version-control presence: whether
	// Root sits inside a repository, and if so a one-line summary (current
	// branch plus a dirty/clean marker).
	IsVCSRepo  bool   `json:"is_vcs_repo"`
	VCSSummary string `json:"vcs_summary,omitempty"`

	// TreeDigest is a short summary of the directory tree under Root (file
	// and directory counts), cheap enough to compute on every cache refresh
	// without hashing file contents.
	TreeDigest string `json:"tree_digest"`

	// ProjectMemoryFiles lists the project-memory files found at Root
	// (AGENTS.md, CONVENTIONS.md, and similar), relative to Root.
	ProjectMemoryFiles []string `json:"project_memory_files,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// FileEntry is one entry yielded by ListFiles.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// BashResult is the outcome of a Bash call.
type BashResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
}

// Workspace is the capability boundary every static workspace-backed tool
// (read_file, apply_edits, glob, grep, bash, list_files) is implemented
// against. Local and Remote both satisfy it.
type Workspace interface {
	ReadFile(ctx context.Context, path string) (string, error)
	ApplyEdits(ctx context.Context, path string, edits []Edit) error
	Glob(ctx context.Context, pattern string) ([]string, error)
	Grep(ctx context.Context, pattern string, pathGlob string) ([]string, error)
	Bash(ctx context.Context, command string, timeoutMs int64) (BashResult, error)
	// ListFiles streams entries under root via yield; yield returning false
	// stops the walk early (client disconnected / cancelled).
	ListFiles(ctx context.Context, root string, yield func(FileEntry) bool) error
	// GetEnvironmentInfo returns a cached EnvironmentInfo, refreshing it once
	// the implementation's TTL has elapsed.
	GetEnvironmentInfo(ctx context.Context) (EnvironmentInfo, error)
	// InvalidateEnvironmentCache forces the next GetEnvironmentInfo call to
	// collect fresh data regardless of TTL.
	InvalidateEnvironmentCache()
}
