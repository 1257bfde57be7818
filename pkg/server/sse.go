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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// sseWriter frames JSON objects as server-sent events: one
// `data: <json>\n\n` per event, flushed immediately. Disconnect is
// observed via the request context.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
}

// newSSEWriter prepares the stream headers. Returns nil after writing
// a 500 when the ResponseWriter cannot flush.
func newSSEWriter(w http.ResponseWriter, r *http.Request) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, ctx: r.Context()}
}

// Send writes one event. Returns false once the client is gone.
func (s *sseWriter) Send(v interface{}) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Debug("Failed to marshal SSE event", "error", err)
		return true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}

// Heartbeat writes a comment frame to keep intermediaries from timing
// out an idle stream.
func (s *sseWriter) Heartbeat() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}
