package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(Config{Path: filepath.Join(t.TempDir(), ".queue", "queue.json")})
}

func enqueue(t *testing.T, q *Queue, agentPath string, prio Priority) string {
	t.Helper()
	id, err := q.Enqueue(&Item{AgentPath: agentPath, Priority: prio})
	require.NoError(t, err)
	return id
}

// ============================================================================
// Enqueue and ordering
// ============================================================================

func TestEnqueue_AssignsIdentity(t *testing.T) {
	q := newTestQueue(t)

	id := enqueue(t, q, "agents/a.md", "")
	require.NotEmpty(t, id)

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, PriorityNormal, item.Priority)
	assert.False(t, item.CreatedAt.IsZero())
}

func TestNext_PriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t)

	first := enqueue(t, q, "agents/low.md", PriorityLow)
	second := enqueue(t, q, "agents/n1.md", PriorityNormal)
	third := enqueue(t, q, "agents/n2.md", PriorityNormal)
	fourth := enqueue(t, q, "agents/high.md", PriorityHigh)

	require.NoError(t, nil)
	var order []string
	for {
		item := q.Next()
		if item == nil {
			break
		}
		order = append(order, item.ID)
		require.NoError(t, q.MarkRunning(item.ID))
		require.NoError(t, q.MarkCompleted(item.ID, "ok"))
	}
	assert.Equal(t, []string{fourth, second, third, first}, order)
}

func TestNext_SkipsFutureScheduled(t *testing.T) {
	q := newTestQueue(t)

	future := time.Now().Add(time.Hour)
	_, err := q.Enqueue(&Item{AgentPath: "agents/later.md", ScheduledFor: &future})
	require.NoError(t, err)

	assert.Nil(t, q.Next())
	assert.False(t, q.HasPending())

	past := time.Now().Add(-time.Minute)
	dueID, err := q.Enqueue(&Item{AgentPath: "agents/due.md", ScheduledFor: &past})
	require.NoError(t, err)

	item := q.Next()
	require.NotNil(t, item)
	assert.Equal(t, dueID, item.ID)
}

func TestEnqueue_CapacityLimit(t *testing.T) {
	q := New(Config{Capacity: 2})

	enqueue(t, q, "agents/a.md", "")
	enqueue(t, q, "agents/b.md", "")

	_, err := q.Enqueue(&Item{AgentPath: "agents/c.md"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueue_DepthLimit(t *testing.T) {
	q := New(Config{MaxDepth: 2})

	_, err := q.Enqueue(&Item{AgentPath: "agents/a.md", Depth: 1})
	require.NoError(t, err)

	_, err = q.Enqueue(&Item{AgentPath: "agents/b.md", Depth: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestEnqueue_NudgesDrain(t *testing.T) {
	q := newTestQueue(t)

	enqueue(t, q, "agents/a.md", "")
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a drain notification after enqueue")
	}
}

// ============================================================================
// State machine
// ============================================================================

func TestTransitions_HappyPath(t *testing.T) {
	q := newTestQueue(t)
	id := enqueue(t, q, "agents/a.md", "")

	require.NoError(t, q.MarkRunning(id))
	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, item.Status)
	assert.NotNil(t, item.StartedAt)

	require.NoError(t, q.MarkCompleted(id, "all done"))
	item, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, "all done", item.Result)
	assert.NotNil(t, item.CompletedAt)
}

func TestTransitions_Illegal(t *testing.T) {
	q := newTestQueue(t)
	id := enqueue(t, q, "agents/a.md", "")

	// pending cannot complete or fail without running first
	assert.ErrorIs(t, q.MarkCompleted(id, "r"), ErrInvalidTransition)
	assert.ErrorIs(t, q.MarkFailed(id, "e"), ErrInvalidTransition)

	require.NoError(t, q.MarkRunning(id))
	// running cannot run again
	assert.ErrorIs(t, q.MarkRunning(id), ErrInvalidTransition)

	require.NoError(t, q.MarkFailed(id, "boom"))
	// terminal is final: completion is written exactly once
	assert.ErrorIs(t, q.MarkCompleted(id, "r"), ErrInvalidTransition)
	assert.ErrorIs(t, q.MarkFailed(id, "again"), ErrInvalidTransition)
	assert.ErrorIs(t, q.MarkRunning(id), ErrInvalidTransition)

	item, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, "boom", item.Error)
}

func TestTransitions_UnknownID(t *testing.T) {
	q := newTestQueue(t)
	assert.ErrorIs(t, q.MarkRunning("nope"), ErrNotFound)
	_, err := q.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// Retention and snapshotting
// ============================================================================

func TestTerminalRetention(t *testing.T) {
	q := New(Config{TerminalRetention: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		id := enqueue(t, q, "agents/a.md", "")
		require.NoError(t, q.MarkRunning(id))
		require.NoError(t, q.MarkCompleted(id, "ok"))
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	state := q.Snapshot()
	require.Len(t, state.Completed, 3)

	// the two oldest are gone
	for _, id := range ids[:2] {
		_, err := q.Get(id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for _, id := range ids[2:] {
		_, err := q.Get(id)
		assert.NoError(t, err)
	}
}

func TestSnapshot_Grouping(t *testing.T) {
	q := newTestQueue(t)

	pendingID := enqueue(t, q, "agents/p.md", "")
	runningID := enqueue(t, q, "agents/r.md", "")
	doneID := enqueue(t, q, "agents/d.md", "")

	require.NoError(t, q.MarkRunning(runningID))
	require.NoError(t, q.MarkRunning(doneID))
	require.NoError(t, q.MarkCompleted(doneID, "ok"))

	state := q.Snapshot()
	require.Len(t, state.Pending, 1)
	require.Len(t, state.Running, 1)
	require.Len(t, state.Completed, 1)
	assert.Equal(t, pendingID, state.Pending[0].ID)
	assert.Equal(t, runningID, state.Running[0].ID)
	assert.Equal(t, doneID, state.Completed[0].ID)
}

func TestPersistence_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".queue", "queue.json")

	q := New(Config{Path: path})
	pendingID := enqueue(t, q, "agents/keep.md", PriorityHigh)
	doneID := enqueue(t, q, "agents/done.md", "")
	runningID := enqueue(t, q, "agents/lost.md", "")

	require.NoError(t, q.MarkRunning(doneID))
	require.NoError(t, q.MarkCompleted(doneID, "ok"))
	require.NoError(t, q.MarkRunning(runningID))

	// Snapshot exists on disk after mutations.
	_, err := os.Stat(path)
	require.NoError(t, err)

	// A fresh queue loads pending and terminal items, but the running
	// item's execution died with the old process.
	q2 := New(Config{Path: path})
	require.NoError(t, q2.Load())

	item, err := q2.Get(pendingID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, PriorityHigh, item.Priority)

	item, err = q2.Get(doneID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, item.Status)

	_, err = q2.Get(runningID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	q := New(Config{Path: filepath.Join(t.TempDir(), "absent", "queue.json")})
	require.NoError(t, q.Load())
	pending, running, terminal := q.Counts()
	assert.Zero(t, pending+running+terminal)
}

func TestLoad_PreservesFIFOAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q := New(Config{Path: path})
	first, err := q.Enqueue(&Item{AgentPath: "agents/a.md", CreatedAt: time.Now().Add(-2 * time.Minute)})
	require.NoError(t, err)
	second, err := q.Enqueue(&Item{AgentPath: "agents/b.md", CreatedAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	q2 := New(Config{Path: path})
	require.NoError(t, q2.Load())

	got := q2.Next()
	require.NotNil(t, got)
	assert.Equal(t, first, got.ID)
	require.NoError(t, q2.MarkRunning(got.ID))

	got = q2.Next()
	require.NotNil(t, got)
	assert.Equal(t, second, got.ID)
}
