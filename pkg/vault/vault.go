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

// Package vault provides safe access to the document root all agents
// operate on: path resolution confined to the root, plain-text documents
// with YAML front matter, glob matching for permission policies, and a
// simple substring search.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath marks path inputs that are absolute, traverse upward,
// or otherwise escape the vault root.
var ErrInvalidPath = errors.New("invalid vault path")

// ErrNotFound marks missing documents.
var ErrNotFound = errors.New("document not found")

// Store is a filesystem-rooted document store. All operations take
// vault-relative paths and refuse to touch anything outside the root.
type Store struct {
	root string
}

// New creates a Store rooted at the given directory. The directory is
// created if it does not exist.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("vault root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault root %s: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute vault root.
func (s *Store) Root() string {
	return s.root
}

// Resolve converts a vault-relative path to an absolute one, rejecting
// absolute inputs, upward traversal, and anything that lands outside
// the root.
func (s *Store) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute paths not allowed: %s", ErrInvalidPath, rel)
	}

	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: directory traversal not allowed: %s", ErrInvalidPath, rel)
	}

	abs := filepath.Join(s.root, cleaned)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes vault root: %s", ErrInvalidPath, rel)
	}
	return abs, nil
}

// Relativize converts an absolute path inside the vault to its
// vault-relative slash form. Paths already relative are cleaned and
// returned as-is.
func (s *Store) Relativize(path string) (string, error) {
	if !filepath.IsAbs(path) {
		if _, err := s.Resolve(path); err != nil {
			return "", err
		}
		return filepath.ToSlash(filepath.Clean(filepath.FromSlash(path))), nil
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path outside vault: %s", ErrInvalidPath, path)
	}
	return filepath.ToSlash(rel), nil
}

// Exists reports whether a file exists at the vault-relative path.
func (s *Store) Exists(rel string) bool {
	abs, err := s.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// Read returns the raw bytes of a file.
func (s *Store) Read(rel string) ([]byte, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

// Write replaces a file's contents, creating parent directories as
// needed.
func (s *Store) Write(rel string, data []byte) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// Append adds data to the end of a file, creating it if absent.
func (s *Store) Append(rel string, data []byte) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", rel, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append to %s: %w", rel, err)
	}
	return nil
}

// Delete removes a file. Deleting a missing file is not an error.
func (s *Store) Delete(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// Stat returns file info for a vault-relative path.
func (s *Store) Stat(rel string) (fs.FileInfo, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, err
	}
	return info, nil
}

// Walk visits every document in the vault in lexical order, passing the
// vault-relative slash path. Hidden files and directories (dot-prefixed,
// such as .queue) are skipped.
func (s *Store) Walk(fn func(rel string, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

// List returns the vault-relative paths of all documents matching the
// glob pattern. An empty pattern lists everything.
func (s *Store) List(pattern string) ([]string, error) {
	var paths []string
	err := s.Walk(func(rel string, _ fs.FileInfo) error {
		if pattern == "" || MatchGlob([]string{pattern}, rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
