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

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
	"github.com/OpenParachutePBC/parachute-agent/pkg/observability"
	"github.com/OpenParachutePBC/parachute-agent/pkg/queue"
	"github.com/OpenParachutePBC/parachute-agent/pkg/scanner"
)

// queueStreamLinger keeps a finished item's event topic alive so late
// subscribers can still observe the terminal event.
const queueStreamLinger = 5 * time.Second

// keyedMutex hands out one mutex per key, created on demand. Keys are
// never removed; the population is bounded by the session count.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the key's mutex and returns its unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// loopSet owns the orchestrator's background work: the drain loop, the
// periodic cron entries, and the boot one-shots.
type loopSet struct {
	o *Orchestrator

	cron   *cron.Cron
	timers []*time.Timer
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active int
}

func newLoopSet(o *Orchestrator) *loopSet {
	return &loopSet{o: o, cron: cron.New()}
}

// Start launches the drain loop, the periodic entries, and their boot
// one-shots. Loops swallow and log their own errors.
func (o *Orchestrator) Start(ctx context.Context) error {
	l := o.loops
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.drain(ctx)

	cfg := o.cfg
	entries := []struct {
		every time.Duration
		boot  time.Duration
		name  string
		fn    func()
	}{
		{cfg.TriggerInterval, cfg.TriggerBootDelay, "triggers", func() { o.TriggerPass(ctx) }},
		{cfg.SessionCleanupInterval, cfg.SessionCleanupBootDelay, "session cleanup", func() { o.sessionCleanupPass() }},
		{cfg.PermissionSweepInterval, cfg.PermissionSweepBootDelay, "permission sweep", func() { o.permissionSweepPass() }},
	}
	for _, e := range entries {
		if _, err := l.cron.AddFunc(fmt.Sprintf("@every %s", e.every), e.fn); err != nil {
			return fmt.Errorf("schedule %s loop: %w", e.name, err)
		}
		fn := e.fn
		l.timers = append(l.timers, time.AfterFunc(e.boot, func() {
			if ctx.Err() == nil {
				fn()
			}
		}))
	}
	l.cron.Start()

	slog.Info("Orchestrator started",
		"max_concurrent", cfg.MaxConcurrent,
		"drain_interval", cfg.DrainInterval,
		"trigger_interval", cfg.TriggerInterval)
	return nil
}

// Shutdown stops claiming work, waits for in-flight executions up to
// the given context's deadline, and persists the queue.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	l := o.loops
	if l.cancel != nil {
		l.cancel()
	}
	for _, t := range l.timers {
		t.Stop()
	}
	cronCtx := l.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Shutdown window elapsed with executions still in flight")
	}

	if err := o.queue.Save(); err != nil {
		slog.Warn("Final queue save failed", "error", err)
	}
	slog.Info("Orchestrator stopped")
	return nil
}

// drain claims pending work whenever a slot is free, polling on the
// configured interval and waking immediately on enqueue nudges.
func (l *loopSet) drain(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.o.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		l.claim(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.o.queue.Notify():
		}
	}
}

// claim starts executions until the concurrency cap or the queue is
// exhausted.
func (l *loopSet) claim(ctx context.Context) {
	for {
		l.mu.Lock()
		if l.active >= l.o.cfg.MaxConcurrent {
			l.mu.Unlock()
			return
		}
		item := l.o.queue.Next()
		if item == nil {
			l.mu.Unlock()
			return
		}
		if err := l.o.queue.MarkRunning(item.ID); err != nil {
			l.mu.Unlock()
			slog.Warn("Failed to claim queue item", "queue_id", item.ID, "error", err)
			continue
		}
		l.active++
		l.mu.Unlock()

		l.wg.Add(1)
		go func(item *queue.Item) {
			defer l.wg.Done()
			l.o.executeItem(ctx, item)
			l.mu.Lock()
			l.active--
			l.mu.Unlock()
			// Completion frees a slot; wake the drain loop.
			l.o.queue.Nudge()
		}(item)
	}
}

// executeItem runs one claimed queue item, publishing its events on
// the item's topic and mirroring the outcome into the queue (and the
// source document, for document-triggered work).
func (o *Orchestrator) executeItem(ctx context.Context, item *queue.Item) {
	topic := bus.QueueTopic(item.ID)
	slog.Info("Executing queue item", "queue_id", item.ID, "agent", item.AgentPath, "depth", item.Depth)

	req := Request{
		AgentPath:    item.AgentPath,
		Message:      item.Context.Message,
		DocumentPath: item.Context.DocumentPath,
		Depth:        item.Depth,
		SpawnedBy:    item.ID,
		ParentAgent:  item.Context.ParentAgent,
	}

	var result *Result
	var runErr error
	for ev, err := range o.RunStream(ctx, req) {
		if err != nil {
			runErr = err
			break
		}
		if ev.Type == "done" {
			if r, ok := ev.Data["result"].(*Result); ok {
				result = r
				ev = doneEvent(item.ID, r)
			}
		}
		o.bus.Publish(topic, ev)
	}

	if runErr == nil && result == nil {
		runErr = fmt.Errorf("execution produced no result")
	}

	if runErr != nil {
		slog.Warn("Queue item failed", "queue_id", item.ID, "agent", item.AgentPath, "error", runErr)
		if err := o.queue.MarkFailed(item.ID, runErr.Error()); err != nil {
			slog.Warn("Failed to mark item failed", "queue_id", item.ID, "error", err)
		}
		o.bus.Publish(topic, bus.NewEvent("error", "queueId", item.ID, "error", runErr.Error()))
		o.mirrorDocumentStatus(item, "", runErr)
	} else {
		if err := o.queue.MarkCompleted(item.ID, result.Response); err != nil {
			slog.Warn("Failed to mark item completed", "queue_id", item.ID, "error", err)
		}
		o.mirrorDocumentStatus(item, result.Response, nil)
	}

	o.bus.Publish(topic, bus.NewEvent("close", "queueId", item.ID))
	time.AfterFunc(queueStreamLinger, func() { o.bus.CloseTopic(topic) })
}

// doneEvent flattens a result into the `done` event shape, which
// matches the unary response body plus the queue id.
func doneEvent(queueID string, r *Result) bus.Event {
	return bus.NewEvent("done",
		"queueId", queueID,
		"response", r.Response,
		"spawned", r.Spawned,
		"durationMs", r.DurationMS,
		"sessionId", r.SessionID,
		"messageCount", r.MessageCount,
		"toolCalls", r.ToolCalls,
		"permissionDenials", r.PermissionDenials,
		"sessionResume", r.SessionResume,
		"debug", r.Debug,
	)
}

// mirrorDocumentStatus writes the outcome back into the source
// document's agent entry. Successful runs revert to pending with a
// stamped last_run so the next trigger window can fire again.
func (o *Orchestrator) mirrorDocumentStatus(item *queue.Item, result string, runErr error) {
	doc := item.Context.DocumentPath
	if doc == "" {
		return
	}
	now := time.Now()
	extras := &scanner.StatusExtras{LastRun: &now}
	status := scanner.StatusPending
	if runErr != nil {
		status = scanner.StatusError
		extras.LastError = runErr.Error()
	} else {
		extras.LastResult = truncateResult(result)
	}
	if err := o.scanner.UpdateStatus(doc, item.AgentPath, status, extras); err != nil {
		slog.Debug("Skipping document status mirror", "document", doc, "agent", item.AgentPath, "error", err)
	}
}

// truncateResult keeps front matter readable for long responses.
func truncateResult(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// TriggerPass evaluates every document trigger once: due entries are
// promoted to needs_run, then every needs_run entry is marked running
// (durably, before any work is enqueued) and enqueued.
func (o *Orchestrator) TriggerPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, span := observability.GetTracer("orchestrator").Start(ctx, observability.SpanTriggerPass)
	defer span.End()
	now := time.Now()

	triggered, err := o.scanner.FindTriggered(now)
	if err != nil {
		slog.Warn("Trigger scan failed", "error", err)
		return
	}
	for _, m := range triggered {
		if err := o.scanner.UpdateStatus(m.Document, m.Entry.Agent, scanner.StatusNeedsRun, nil); err != nil {
			slog.Warn("Failed to promote triggered entry", "document", m.Document, "agent", m.Entry.Agent, "error", err)
		}
	}

	needsRun, err := o.scanner.FindNeedsRun()
	if err != nil {
		slog.Warn("Needs-run scan failed", "error", err)
		return
	}
	for _, m := range needsRun {
		if err := o.scanner.UpdateStatus(m.Document, m.Entry.Agent, scanner.StatusRunning, nil); err != nil {
			slog.Warn("Failed to mark entry running", "document", m.Document, "agent", m.Entry.Agent, "error", err)
			continue
		}
		id, err := o.EnqueueAgent(Request{
			AgentPath:    m.Entry.Agent,
			Message:      fmt.Sprintf("Scheduled run for document %s", m.Document),
			DocumentPath: m.Document,
		})
		if err != nil {
			slog.Warn("Failed to enqueue triggered agent", "document", m.Document, "agent", m.Entry.Agent, "error", err)
			if stErr := o.scanner.UpdateStatus(m.Document, m.Entry.Agent, scanner.StatusError, &scanner.StatusExtras{LastError: err.Error()}); stErr != nil {
				slog.Warn("Failed to record trigger failure", "document", m.Document, "error", stErr)
			}
			continue
		}
		slog.Info("Enqueued triggered agent", "document", m.Document, "agent", m.Entry.Agent, "queue_id", id)
	}
}

func (o *Orchestrator) sessionCleanupPass() {
	evicted := o.sessions.EvictStale()
	aged := o.sessions.Cleanup(30)
	if evicted > 0 || aged > 0 {
		slog.Debug("Session cleanup pass", "evicted", evicted, "aged", aged)
	}
}

func (o *Orchestrator) permissionSweepPass() {
	if swept := o.broker.Sweep(time.Now()); swept > 0 {
		slog.Debug("Swept stale permission requests", "count", swept)
	}
}
