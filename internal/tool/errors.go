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

package tool

import "fmt"

// Kind classifies an Error for errors.As-based handling (e.g. deciding which
// ModelError kinds are retryable, or which WorkspaceError variant a caller
// should surface to a user).
type Kind string

const (
	KindUnknownTool       Kind = "unknown_tool"
	KindInvalidParams     Kind = "invalid_params"
	KindPolicyDenied      Kind = "policy_denied"
	KindExecution         Kind = "execution"
	KindCancelled         Kind = "cancelled"
	KindTimeout           Kind = "timeout"
	KindWorkspace         Kind = "workspace"
	KindMCPConnection     Kind = "mcp_connection"
	KindMCPProtocol       Kind = "mcp_protocol"
	KindRemoteRPC         Kind = "remote_rpc"
	KindStorage           Kind = "storage"
	KindSerialization     Kind = "serialization"
	KindModel             Kind = "model"
)

// Error is the taxonomy error type every component in this module wraps
// its failures in, so callers can branch on Kind via errors.As rather than
// string-matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WorkspaceEditFailureReason refines KindWorkspace for apply_edits failures.
type WorkspaceEditFailureReason string

const (
	EditStringNotFound  WorkspaceEditFailureReason = "string_not_found"
	EditNonUniqueMatch  WorkspaceEditFailureReason = "non_unique_match"
	EditFileExists      WorkspaceEditFailureReason = "file_exists"
	EditFileNotFound    WorkspaceEditFailureReason = "file_not_found"
)

// WorkspaceEditError reports why a single edit within an apply_edits call
// failed; the executor surfaces the whole apply_edits call as failed with no
// partial write, per the all-or-nothing invariant.
type WorkspaceEditError struct {
	Reason      WorkspaceEditFailureReason
	Path        string
	OldString   string
	Occurrences int // only meaningful for EditNonUniqueMatch
}

func (e *WorkspaceEditError) Error() string {
	switch e.Reason {
	case EditNonUniqueMatch:
		return fmt.Sprintf("edit on %s: old_string matches %d times, must be unique or use a larger match", e.Path, e.Occurrences)
	case EditStringNotFound:
		return fmt.Sprintf("edit on %s: old_string not found", e.Path)
	case EditFileExists:
		return fmt.Sprintf("edit on %s: file already exists, cannot create", e.Path)
	case EditFileNotFound:
		return fmt.Sprintf("edit on %s: file does not exist", e.Path)
	default:
		return fmt.Sprintf("edit on %s: failed (%s)", e.Path, e.Reason)
	}
}

// ModelErrorKind classifies model-call failures for retry decisions.
type ModelErrorKind string

const (
	ModelErrorRateLimit   ModelErrorKind = "rate_limit"
	ModelErrorTransient   ModelErrorKind = "transient_network"
	ModelErrorAuth        ModelErrorKind = "auth"
	ModelErrorInvalidReq  ModelErrorKind = "invalid_request"
	ModelErrorServer      ModelErrorKind = "server_error"
)

// Retryable reports whether a ModelError of this kind should be retried
// with backoff rather than failing the turn immediately.
func (k ModelErrorKind) Retryable() bool {
	switch k {
	case ModelErrorRateLimit, ModelErrorTransient, ModelErrorServer:
		return true
	default:
		return false
	}
}
