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

package vault

import (
	"path/filepath"
	"strings"
)

// MatchGlob reports whether the vault-relative path matches any of the
// patterns. Matching is path-segment aware: `*` matches within a single
// segment, `**` matches zero or more whole segments, and anything else
// must match its segment exactly (filepath.Match rules per segment).
func MatchGlob(patterns []string, rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range patterns {
		if matchPattern(filepath.ToSlash(pattern), rel) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, rel string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" || pattern == "**" {
		return true
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, path []string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}
	if pat[0] == "**" {
		// `**` consumes zero segments, or one and keeps going.
		if matchSegments(pat[1:], path) {
			return true
		}
		if len(path) > 0 {
			return matchSegments(pat, path[1:])
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	ok, err := filepath.Match(pat[0], path[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], path[1:])
}
