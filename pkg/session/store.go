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

package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// sessionsDir is the root new session files are written under.
const sessionsDir = "agent-sessions"

// legacyDirs are historical roots indexed at boot but never written to.
// They stay where they are; renaming them would break user-visible sync.
var legacyDirs = []string{"agent-chats", "agent-logs"}

// indexScanParallelism bounds concurrent file reads during boot.
const indexScanParallelism = 8

// Source reports where GetOrCreate found a session.
type Source string

const (
	SourceCache Source = "cache"
	SourceDisk  Source = "disk"
	SourceNew   Source = "new"
)

// Titler generates a short human title for a fresh conversation. The
// store calls it asynchronously and ignores failures.
type Titler interface {
	SynthesizeTitle(ctx context.Context, agentName, userMessage, assistantMessage string) (string, error)
}

// Config configures a Store.
type Config struct {
	// IdleEviction is how long a loaded session may sit unaccessed
	// before EvictStale drops it from memory.
	// Default: 30m
	IdleEviction time.Duration

	// SynthesizeTitles enables asynchronous title generation.
	SynthesizeTitles bool
}

// SetDefaults applies default values to Config.
func (c *Config) SetDefaults() {
	if c.IdleEviction == 0 {
		c.IdleEviction = 30 * time.Minute
	}
}

// IndexEntry is the lightweight per-file record built at boot. Listing
// and stats never load full sessions.
type IndexEntry struct {
	ID             string    `json:"id"`
	Key            string    `json:"key"`
	AgentPath      string    `json:"agentPath"`
	AgentName      string    `json:"agentName"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessed   time.Time `json:"lastAccessed"`
	Archived       bool      `json:"archived"`
	UpstreamHandle string    `json:"-"`
	MessageCount   int       `json:"messageCount"`
	FilePath       string    `json:"filePath"`
}

// Store is the session store: a boot-time index over every session file
// plus an on-demand loaded map with idle eviction. All methods are safe
// for concurrent use. File writes are best-effort; failures log and the
// in-memory record stays authoritative until the next successful save.
type Store struct {
	mu    sync.Mutex
	vault *vault.Store
	cfg   Config

	index  map[string]*IndexEntry // by stable id
	byKey  map[string]string      // session key -> stable id
	loaded map[string]*loadedEntry

	titler Titler
}

type loadedEntry struct {
	sess       *Session
	lastAccess time.Time
}

// NewStore creates a Store and builds the boot index from the sessions
// directory and the legacy roots. Unreadable files are logged and
// skipped.
func NewStore(v *vault.Store, cfg Config) (*Store, error) {
	if v == nil {
		return nil, fmt.Errorf("vault store is required")
	}
	cfg.SetDefaults()
	s := &Store{
		vault:  v,
		cfg:    cfg,
		index:  make(map[string]*IndexEntry),
		byKey:  make(map[string]string),
		loaded: make(map[string]*loadedEntry),
	}
	if err := s.buildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetTitler installs the asynchronous title generator. Nil disables
// synthesis.
func (s *Store) SetTitler(t Titler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titler = t
}

// buildIndex scans all session roots concurrently and records one
// lightweight entry per parseable file.
func (s *Store) buildIndex() error {
	roots := append([]string{sessionsDir}, legacyDirs...)

	var paths []string
	for _, root := range roots {
		found, err := s.vault.List(root + "/**")
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", root, err)
		}
		paths = append(paths, found...)
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(indexScanParallelism)

	var mu sync.Mutex
	for _, path := range paths {
		if !strings.HasSuffix(path, ".txt") {
			continue
		}
		g.Go(func() error {
			entry, err := s.scanFile(path)
			if err != nil {
				slog.Warn("Skipping unreadable session file", "path", path, "error", err)
				return nil
			}
			mu.Lock()
			s.indexLocked(entry)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Session index built", "sessions", len(s.index))
	return nil
}

// scanFile builds an index entry from one file: front-matter fields
// plus a regex message count, no message parse.
func (s *Store) scanFile(path string) (*IndexEntry, error) {
	data, err := s.vault.Read(path)
	if err != nil {
		return nil, err
	}
	doc, err := vault.ParseDocument(path, data)
	if err != nil {
		return nil, err
	}
	if doc.FrontMatter == nil {
		return nil, fmt.Errorf("no front matter")
	}
	entry := &IndexEntry{
		ID:             stringKey(doc.FrontMatter, "session_id"),
		Key:            stringKey(doc.FrontMatter, "session_key"),
		AgentPath:      stringKey(doc.FrontMatter, "agent"),
		AgentName:      stringKey(doc.FrontMatter, "agent_name"),
		Title:          stringKey(doc.FrontMatter, "title"),
		CreatedAt:      parseTimeKey(doc.FrontMatter, "created_at"),
		LastAccessed:   parseTimeKey(doc.FrontMatter, "last_accessed"),
		UpstreamHandle: ValidHandle(doc.FrontMatter["sdk_session_id"]),
		MessageCount:   CountMessages([]byte(doc.Body)),
		FilePath:       path,
	}
	if archived, ok := doc.FrontMatter["archived"].(bool); ok {
		entry.Archived = archived
	}
	if entry.ID == "" {
		return nil, fmt.Errorf("no session_id")
	}
	return entry, nil
}

// indexLocked records an entry, preferring the most recently accessed
// file when two files claim the same key (legacy migrations).
func (s *Store) indexLocked(entry *IndexEntry) {
	if existing, ok := s.byKey[entry.Key]; ok && entry.Key != "" {
		if prev := s.index[existing]; prev != nil && prev.LastAccessed.After(entry.LastAccessed) {
			s.index[entry.ID] = entry
			return
		}
	}
	s.index[entry.ID] = entry
	if entry.Key != "" {
		s.byKey[entry.Key] = entry.ID
	}
}

// GetOrCreate returns the session for an agent path and scope, loading
// it from disk on first access or creating it when absent. The returned
// Source reports cache, disk, or new provenance for diagnostics.
func (s *Store) GetOrCreate(agentPath, agentName string, scope Scope) (*Session, Source, error) {
	key := KeyFor(agentPath, scope)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.loaded[key]; ok {
		entry.lastAccess = time.Now()
		entry.sess.LastAccessed = time.Now()
		return entry.sess.clone(), SourceCache, nil
	}

	if id, ok := s.byKey[key]; ok {
		sess, err := s.loadLocked(s.index[id])
		if err == nil {
			return sess.clone(), SourceDisk, nil
		}
		slog.Warn("Failed to load indexed session, recreating", "key", key, "error", err)
	}

	sess := s.createLocked(agentPath, agentName, scope)
	return sess.clone(), SourceNew, nil
}

// loadLocked parses a session file into the loaded map.
func (s *Store) loadLocked(entry *IndexEntry) (*Session, error) {
	data, err := s.vault.Read(entry.FilePath)
	if err != nil {
		return nil, err
	}
	sess, err := Parse(entry.FilePath, data)
	if err != nil {
		return nil, err
	}
	sess.LastAccessed = time.Now()
	s.loaded[sess.Key] = &loadedEntry{sess: sess, lastAccess: time.Now()}
	return sess, nil
}

// createLocked mints a new session, registers it, and persists the
// initial empty file.
func (s *Store) createLocked(agentPath, agentName string, scope Scope) *Session {
	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		Key:          KeyFor(agentPath, scope),
		AgentPath:    agentPath,
		AgentName:    agentName,
		CreatedAt:    now,
		LastAccessed: now,
		FilePath:     sessionFilePath(agentName, scope, now),
	}
	if scope.SessionID != "" {
		sess.Context = map[string]interface{}{"sessionId": scope.SessionID}
	} else if scope.DocumentPath != "" {
		sess.Context = map[string]interface{}{"documentPath": scope.DocumentPath}
	}
	s.loaded[sess.Key] = &loadedEntry{sess: sess, lastAccess: now}
	s.rememberLocked(sess)
	s.persistLocked(sess)
	return sess
}

// unsafePathChars collapses to dashes in session file names.
var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// sessionFilePath builds the vault-relative file path for a new
// session: agent-name directory, date, optional discriminator suffix.
func sessionFilePath(agentName string, scope Scope, now time.Time) string {
	dir := unsafePathChars.ReplaceAllString(agentName, "-")
	if dir == "" {
		dir = "agent"
	}
	name := now.Format("2006-01-02")
	if disc := scope.Discriminator(); disc != "default" {
		name += "-" + unsafePathChars.ReplaceAllString(disc, "-")
	}
	return sessionsDir + "/" + dir + "/" + name + ".txt"
}

// rememberLocked refreshes the index entry for a session.
func (s *Store) rememberLocked(sess *Session) {
	entry := &IndexEntry{
		ID:             sess.ID,
		Key:            sess.Key,
		AgentPath:      sess.AgentPath,
		AgentName:      sess.AgentName,
		Title:          sess.Title,
		CreatedAt:      sess.CreatedAt,
		LastAccessed:   sess.LastAccessed,
		Archived:       sess.Archived,
		UpstreamHandle: sess.UpstreamHandle,
		MessageCount:   len(sess.Messages),
		FilePath:       sess.FilePath,
	}
	s.index[entry.ID] = entry
	s.byKey[entry.Key] = entry.ID
}

// persistLocked writes a session file best-effort.
func (s *Store) persistLocked(sess *Session) {
	if err := s.vault.Write(sess.FilePath, Format(sess)); err != nil {
		slog.Warn("Session save failed, memory stays authoritative", "session_id", sess.ID, "error", err)
	}
}

// AddMessage appends one message to a loaded session and persists the
// file. The session must have been opened with GetOrCreate first.
func (s *Store) AddMessage(key string, role Role, content string) error {
	s.mu.Lock()

	sess, err := s.requireLoadedLocked(key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	now := time.Now()
	sess.Messages = append(sess.Messages, Message{Role: role, Content: content, Timestamp: now})
	sess.LastAccessed = now
	s.loaded[key].lastAccess = now
	s.rememberLocked(sess)
	s.persistLocked(sess)

	synthesize := s.titler != nil && s.cfg.SynthesizeTitles && sess.Title == "" &&
		len(sess.Messages) == 2 &&
		sess.Messages[0].Role == RoleUser && sess.Messages[1].Role == RoleAssistant
	var titler Titler
	var agentName, userMsg, assistantMsg string
	if synthesize {
		titler = s.titler
		agentName = sess.AgentName
		userMsg = sess.Messages[0].Content
		assistantMsg = sess.Messages[1].Content
	}
	s.mu.Unlock()

	if synthesize {
		go s.synthesizeTitle(titler, key, agentName, userMsg, assistantMsg)
	}
	return nil
}

// synthesizeTitle generates and persists a title off the response path.
func (s *Store) synthesizeTitle(titler Titler, key, agentName, userMsg, assistantMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := titler.SynthesizeTitle(ctx, agentName, userMsg, assistantMsg)
	if err != nil || strings.TrimSpace(title) == "" {
		if err != nil {
			slog.Debug("Session title synthesis failed", "key", key, "error", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.loaded[key]
	if !ok || entry.sess.Title != "" {
		return
	}
	entry.sess.Title = strings.TrimSpace(title)
	s.rememberLocked(entry.sess)
	s.persistLocked(entry.sess)
}

// requireLoadedLocked returns the loaded session for a key, loading it
// from the index if a file exists.
func (s *Store) requireLoadedLocked(key string) (*Session, error) {
	if entry, ok := s.loaded[key]; ok {
		return entry.sess, nil
	}
	if id, ok := s.byKey[key]; ok {
		return s.loadLocked(s.index[id])
	}
	return nil, fmt.Errorf("%w: key %s", ErrNotFound, key)
}

// UpdateUpstreamHandle records the LLM client's conversation handle.
// Invalid candidates normalize to absent rather than failing the call.
func (s *Store) UpdateUpstreamHandle(key string, handle interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.requireLoadedLocked(key)
	if err != nil {
		return err
	}
	sess.UpstreamHandle = ValidHandle(handle)
	sess.LastAccessed = time.Now()
	s.rememberLocked(sess)
	s.persistLocked(sess)
	return nil
}

// Messages returns a copy of a session's message history.
func (s *Store) Messages(key string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.requireLoadedLocked(key)
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(sess.Messages))
	copy(out, sess.Messages)
	return out, nil
}

// Clear archives the session's file under a timestamp suffix and resets
// the in-memory record to an empty conversation. The stable id is kept.
func (s *Store) Clear(agentPath string, scope Scope) error {
	key := KeyFor(agentPath, scope)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.requireLoadedLocked(key)
	if err != nil {
		return err
	}

	archived := strings.TrimSuffix(sess.FilePath, ".txt") +
		fmt.Sprintf(".archived-%d.txt", time.Now().Unix())
	if data, readErr := s.vault.Read(sess.FilePath); readErr == nil {
		if writeErr := s.vault.Write(archived, data); writeErr != nil {
			slog.Warn("Failed to archive session file", "path", sess.FilePath, "error", writeErr)
		} else if delErr := s.vault.Delete(sess.FilePath); delErr != nil {
			slog.Warn("Failed to remove cleared session file", "path", sess.FilePath, "error", delErr)
		}
	}

	sess.Messages = nil
	sess.UpstreamHandle = ""
	sess.Title = ""
	sess.LastAccessed = time.Now()
	s.rememberLocked(sess)
	s.persistLocked(sess)
	return nil
}

// Delete removes the session's file and evicts it from both maps.
func (s *Store) Delete(agentPath string, scope Scope) error {
	key := KeyFor(agentPath, scope)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	return s.deleteLocked(id)
}

// DeleteByID removes a session by its stable id.
func (s *Store) DeleteByID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) error {
	entry := s.index[id]
	if err := s.vault.Delete(entry.FilePath); err != nil {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	delete(s.index, id)
	delete(s.byKey, entry.Key)
	delete(s.loaded, entry.Key)
	return nil
}

// GetByID returns a full session by stable id, consulting the loaded
// map before falling back to disk.
func (s *Store) GetByID(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if loaded, ok := s.loaded[entry.Key]; ok && loaded.sess.ID == id {
		loaded.lastAccess = time.Now()
		return loaded.sess.clone(), nil
	}
	sess, err := s.loadLocked(entry)
	if err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// setArchived flips the archived flag by stable id.
func (s *Store) setArchived(id string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	sess, err := s.requireLoadedLocked(entry.Key)
	if err != nil {
		return err
	}
	sess.Archived = archived
	sess.LastAccessed = time.Now()
	s.rememberLocked(sess)
	s.persistLocked(sess)
	return nil
}

// Archive hides a session from default listings. The file is retained.
func (s *Store) Archive(id string) error {
	return s.setArchived(id, true)
}

// Unarchive restores a session to default listings.
func (s *Store) Unarchive(id string) error {
	return s.setArchived(id, false)
}

// ListOptions filter and page List results.
type ListOptions struct {
	// Limit caps the number of entries returned; 0 means all.
	Limit int

	// Offset skips entries after sorting.
	Offset int

	// OldestFirst reverses the default newest-first order.
	OldestFirst bool

	// IncludeArchived adds archived sessions to the listing.
	IncludeArchived bool
}

// List returns index entries without loading full sessions.
func (s *Store) List(opts ListOptions) ([]*IndexEntry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*IndexEntry, 0, len(s.index))
	for _, entry := range s.index {
		if entry.Archived && !opts.IncludeArchived {
			continue
		}
		cp := *entry
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool {
		if opts.OldestFirst {
			return entries[i].LastAccessed.Before(entries[j].LastAccessed)
		}
		return entries[i].LastAccessed.After(entries[j].LastAccessed)
	})

	total := len(entries)
	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return []*IndexEntry{}, total
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, total
}

// EvictStale drops loaded sessions idle past the configured window.
// Files are untouched; the next access reloads from disk.
func (s *Store) EvictStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.IdleEviction)
	evicted := 0
	for key, entry := range s.loaded {
		if entry.lastAccess.Before(cutoff) {
			delete(s.loaded, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("Evicted idle sessions from memory", "count", evicted)
	}
	return evicted
}

// Cleanup reports sessions older than maxAgeDays. Nothing is deleted;
// sessions only go away on explicit request.
func (s *Store) Cleanup(maxAgeDays int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	old := 0
	for _, entry := range s.index {
		if entry.LastAccessed.Before(cutoff) {
			old++
		}
	}
	if old > 0 {
		slog.Info("Aged sessions on disk", "count", old, "older_than_days", maxAgeDays)
	}
	return old
}

// Stats reports index and loaded-map sizes for the detailed health view.
func (s *Store) Stats() (indexed, loaded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index), len(s.loaded)
}
