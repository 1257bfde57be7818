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

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures a Queue.
type Config struct {
	// Capacity caps pending plus running items.
	// Default: 100
	Capacity int

	// TerminalRetention caps retained completed/failed items; the
	// oldest beyond it are pruned.
	// Default: 50
	TerminalRetention int

	// MaxDepth rejects enqueues at or beyond this spawn depth.
	// Default: 3
	MaxDepth int

	// Path is the JSON snapshot file. Empty disables persistence.
	Path string
}

// SetDefaults applies default values to Config.
func (c *Config) SetDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 100
	}
	if c.TerminalRetention == 0 {
		c.TerminalRetention = 50
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 3
	}
}

// State is a point-in-time grouping of queue items. Completed holds all
// terminal items, failures included.
type State struct {
	Pending   []*Item `json:"pending"`
	Running   []*Item `json:"running"`
	Completed []*Item `json:"completed"`
}

// Queue is the bounded in-memory execution queue. All methods are safe
// for concurrent use. Mutations persist a best-effort snapshot when a
// path is configured; persistence failures are logged, never returned.
type Queue struct {
	mu    sync.Mutex
	cfg   Config
	items map[string]*Item
	seq   uint64

	// notify wakes the drain loop on every enqueue or explicit nudge.
	notify chan struct{}
}

// New creates a Queue.
func New(cfg Config) *Queue {
	cfg.SetDefaults()
	return &Queue{
		cfg:    cfg,
		items:  make(map[string]*Item),
		notify: make(chan struct{}, 1),
	}
}

// Notify returns the channel the drain loop waits on. It receives a
// value after every enqueue and every Nudge.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Nudge pokes the drain loop without enqueueing.
func (q *Queue) Nudge() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue validates and stores a new pending item, returning its id.
// The item's Depth must be below the configured maximum and the active
// item count below capacity.
func (q *Queue) Enqueue(item *Item) (string, error) {
	if item == nil || item.AgentPath == "" {
		return "", &QueueError{Code: "bad_item", Message: "agent path is required"}
	}
	if item.Depth >= q.cfg.MaxDepth {
		return "", fmt.Errorf("%w: depth %d reaches maximum %d", ErrDepthExceeded, item.Depth, q.cfg.MaxDepth)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.activeCountLocked() >= q.cfg.Capacity {
		return "", fmt.Errorf("%w: %d items active", ErrQueueFull, q.activeCountLocked())
	}

	stored := item.clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Priority == "" {
		stored.Priority = PriorityNormal
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Status = StatusPending
	stored.StartedAt = nil
	stored.CompletedAt = nil
	q.seq++
	stored.seq = q.seq
	q.items[stored.ID] = stored

	q.persistLocked()
	q.Nudge()
	return stored.ID, nil
}

// Next returns the highest-priority claimable pending item, FIFO within
// a priority, or nil. Items scheduled for the future are skipped.
func (q *Queue) Next() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var best *Item
	for _, item := range q.items {
		if !item.claimable(now) {
			continue
		}
		if best == nil || beats(item, best) {
			best = item
		}
	}
	if best == nil {
		return nil
	}
	return best.clone()
}

// beats reports whether a should be claimed before b.
func beats(a, b *Item) bool {
	if ra, rb := a.Priority.rank(), b.Priority.rank(); ra != rb {
		return ra > rb
	}
	return a.seq < b.seq
}

// HasPending reports whether any item is claimable now.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, item := range q.items {
		if item.claimable(now) {
			return true
		}
	}
	return false
}

// Get returns a copy of an item by id.
func (q *Queue) Get(id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item.clone(), nil
}

// MarkRunning transitions pending → running.
func (q *Queue) MarkRunning(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s, not pending", ErrInvalidTransition, id, item.Status)
	}
	now := time.Now()
	item.Status = StatusRunning
	item.StartedAt = &now
	q.persistLocked()
	return nil
}

// MarkCompleted transitions running → completed, exactly once.
func (q *Queue) MarkCompleted(id, result string) error {
	return q.finish(id, StatusCompleted, result, "")
}

// MarkFailed transitions running → failed, exactly once.
func (q *Queue) MarkFailed(id, errMsg string) error {
	return q.finish(id, StatusFailed, "", errMsg)
}

func (q *Queue) finish(id string, status Status, result, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s, not running", ErrInvalidTransition, id, item.Status)
	}
	now := time.Now()
	item.Status = status
	item.Result = result
	item.Error = errMsg
	item.CompletedAt = &now

	q.pruneTerminalLocked()
	q.persistLocked()
	return nil
}

// Snapshot groups all items by state. Pending is in claim order,
// running by start time, completed newest-first.
func (q *Queue) Snapshot() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := State{
		Pending:   []*Item{},
		Running:   []*Item{},
		Completed: []*Item{},
	}
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			state.Pending = append(state.Pending, item.clone())
		case StatusRunning:
			state.Running = append(state.Running, item.clone())
		default:
			state.Completed = append(state.Completed, item.clone())
		}
	}
	sort.Slice(state.Pending, func(i, j int) bool { return beats(state.Pending[i], state.Pending[j]) })
	sort.Slice(state.Running, func(i, j int) bool {
		return timeOrZero(state.Running[i].StartedAt).Before(timeOrZero(state.Running[j].StartedAt))
	})
	sort.Slice(state.Completed, func(i, j int) bool {
		return timeOrZero(state.Completed[i].CompletedAt).After(timeOrZero(state.Completed[j].CompletedAt))
	})
	return state
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Counts returns (pending, running, terminal) item counts.
func (q *Queue) Counts() (pending, running, terminal int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			pending++
		case StatusRunning:
			running++
		default:
			terminal++
		}
	}
	return
}

func (q *Queue) activeCountLocked() int {
	n := 0
	for _, item := range q.items {
		if !item.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// pruneTerminalLocked drops the oldest terminal items beyond retention.
func (q *Queue) pruneTerminalLocked() {
	var terminal []*Item
	for _, item := range q.items {
		if item.Status.IsTerminal() {
			terminal = append(terminal, item)
		}
	}
	if len(terminal) <= q.cfg.TerminalRetention {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return timeOrZero(terminal[i].CompletedAt).Before(timeOrZero(terminal[j].CompletedAt))
	})
	for _, item := range terminal[:len(terminal)-q.cfg.TerminalRetention] {
		delete(q.items, item.ID)
	}
}

// snapshotFile is the on-disk shape of the queue.
type snapshotFile struct {
	SavedAt time.Time `json:"savedAt"`
	Items   []*Item   `json:"items"`
}

// Save writes the snapshot file, creating its directory. No-op without
// a configured path.
func (q *Queue) Save() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saveLocked()
}

func (q *Queue) saveLocked() error {
	if q.cfg.Path == "" {
		return nil
	}
	snap := snapshotFile{SavedAt: time.Now()}
	for _, item := range q.items {
		snap.Items = append(snap.Items, item)
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].seq < snap.Items[j].seq })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.cfg.Path), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	tmp := q.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue snapshot: %w", err)
	}
	if err := os.Rename(tmp, q.cfg.Path); err != nil {
		return fmt.Errorf("failed to replace queue snapshot: %w", err)
	}
	return nil
}

// persistLocked saves best-effort: failures are logged and swallowed so
// queue state stays authoritative in memory.
func (q *Queue) persistLocked() {
	if err := q.saveLocked(); err != nil {
		slog.Warn("Queue snapshot save failed", "error", err)
	}
}

// Load rebuilds the queue from the snapshot file. Items recorded as
// running are discarded: the execution that owned them died with the
// previous process. Missing files are fine.
func (q *Queue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.Path == "" {
		return nil
	}
	data, err := os.ReadFile(q.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read queue snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse queue snapshot: %w", err)
	}

	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].CreatedAt.Before(snap.Items[j].CreatedAt) })

	dropped := 0
	for _, item := range snap.Items {
		if item.ID == "" {
			continue
		}
		if item.Status == StatusRunning {
			dropped++
			continue
		}
		q.seq++
		item.seq = q.seq
		q.items[item.ID] = item
	}
	if dropped > 0 {
		slog.Info("Discarded running items from previous process", "count", dropped)
	}
	return nil
}
