// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "errors"

// Sentinel errors shared by every stage of the frame analysis pipeline. Callers
// wrap them with fmt.Errorf("...: %w", ErrX) and test them with errors.Is.
var (
	// ErrNotFound is returned when a referenced frame, film, task or pipeline does not exist.
	ErrNotFound = errors.New("not found")

	// ErrContentUnavailable is returned when no local path, object storage download
	// or pre-signed URL produced readable image bytes for a frame.
	ErrContentUnavailable = errors.New("frame content unavailable")

	// ErrInvalidConfiguration is returned for malformed input or configuration,
	// such as an unknown pipeline identifier.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrTransientBackend is returned when an external inference service or
	// provider failed in a way that may succeed on a later attempt.
	ErrTransientBackend = errors.New("transient backend failure")

	// ErrStorageNotConfigured is returned by object storage operations when no
	// client, bucket or signer has been configured.
	ErrStorageNotConfigured = errors.New("object storage not configured")

	// ErrDuplicateFrame is returned when a frame with the same storage URI already exists.
	ErrDuplicateFrame = errors.New("frame already ingested")
)

// IsPermanent reports whether an error must not be retried by the ingest workflow.
// Missing records, unreadable content and bad configuration will fail the same way
// on every attempt.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrContentUnavailable) ||
		errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrDuplicateFrame)
}
