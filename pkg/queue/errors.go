// Copyright 2025 Open Parachute PBC
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

package queue

import "fmt"

// QueueError is a typed queue failure. Code is stable for callers;
// Message is human-readable.
type QueueError struct {
	Code    string
	Message string
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any QueueError with the same code, so wrapped errors
// compare with errors.Is against the sentinels below.
func (e *QueueError) Is(target error) bool {
	t, ok := target.(*QueueError)
	return ok && t.Code == e.Code
}

var (
	// ErrQueueFull is returned when enqueue would exceed capacity.
	ErrQueueFull = &QueueError{Code: "queue_full", Message: "queue is at capacity"}

	// ErrDepthExceeded is returned when an item's spawn depth reaches
	// the configured maximum.
	ErrDepthExceeded = &QueueError{Code: "depth_exceeded", Message: "spawn depth limit reached"}

	// ErrInvalidTransition is returned for illegal status changes.
	ErrInvalidTransition = &QueueError{Code: "invalid_transition", Message: "illegal status transition"}

	// ErrNotFound is returned for unknown item ids.
	ErrNotFound = &QueueError{Code: "not_found", Message: "queue item not found"}
)
