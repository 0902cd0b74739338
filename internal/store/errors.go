/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import "errors"

// Sentinel errors forming the error taxonomy of spec §7. Callers match
// against these with errors.Is; concrete layers wrap them with
// fmt.Errorf("...: %w", ...) for additional context.
var (
	// ErrNotFound indicates a referenced Prompt/Version/Release/Suggestion
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidArgument indicates a request violates a precondition: a
	// missing required field, a suggestion/prompt mismatch, or a rollback
	// attempted with no active canary.
	ErrInvalidArgument = errors.New("store: invalid argument")

	// ErrConflict indicates a concurrent modification was detected on
	// PromptRelease via transactional failure. Callers retry once, then
	// surface the error.
	ErrConflict = errors.New("store: conflict")

	// ErrDeadlineExceeded indicates a cooperative deadline expired during
	// Store I/O.
	ErrDeadlineExceeded = errors.New("store: deadline exceeded")
)
