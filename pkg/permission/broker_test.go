package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
	"github.com/OpenParachutePBC/parachute-agent/pkg/upstream"
	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

func testAgent(writeGlobs ...string) *agent.Definition {
	return &agent.Definition{
		Path:        "agents/helper.md",
		Name:        "Helper",
		Variant:     agent.VariantChatbot,
		Permissions: agent.Permissions{Write: writeGlobs},
	}
}

func newTestBroker(t *testing.T, cfg Config) (*Broker, *bus.Bus) {
	t.Helper()
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)
	b := bus.New()
	return NewBroker(cfg, v, b), b
}

func callbackDecision(cb upstream.ApprovalFunc, tool string, input map[string]interface{}) upstream.Decision {
	return cb(context.Background(), tool, input, upstream.ApprovalMeta{ToolUseID: "tu-1"})
}

// ============================================================================
// Policy short-circuits
// ============================================================================

func TestCallback_NonWriteToolAllowed(t *testing.T) {
	br, _ := newTestBroker(t, Config{})
	cb := br.Callback("sess-1", testAgent("notes/*"), &Denials{})

	d := callbackDecision(cb, "read", map[string]interface{}{"file_path": "projects/secret.txt"})
	assert.Equal(t, upstream.BehaviorAllow, d.Behavior)
}

func TestCallback_InPolicyWriteAllowed(t *testing.T) {
	br, _ := newTestBroker(t, Config{})
	cb := br.Callback("sess-1", testAgent("notes/*"), &Denials{})

	d := callbackDecision(cb, ToolWrite, map[string]interface{}{"file_path": "notes/today.md"})
	assert.Equal(t, upstream.BehaviorAllow, d.Behavior)
	assert.Empty(t, br.ListPending())
}

func TestCallback_ShellAllowedForWriteAnyAgent(t *testing.T) {
	br, _ := newTestBroker(t, Config{})
	cb := br.Callback("sess-1", testAgent("**"), &Denials{})

	d := callbackDecision(cb, ToolShellExec, map[string]interface{}{"command": "rm -rf /"})
	assert.Equal(t, upstream.BehaviorAllow, d.Behavior)
}

func TestCallback_NoIdentifiableSubjectAllowed(t *testing.T) {
	br, _ := newTestBroker(t, Config{})
	cb := br.Callback("sess-1", testAgent("notes/*"), &Denials{})

	d := callbackDecision(cb, ToolWrite, map[string]interface{}{"contents": "x"})
	assert.Equal(t, upstream.BehaviorAllow, d.Behavior)
}

// ============================================================================
// Grant / deny / timeout
// ============================================================================

func TestCallback_OutOfPolicyAwaitsGrant(t *testing.T) {
	br, b := newTestBroker(t, Config{})
	events, unsub := b.Subscribe(bus.TopicPermissions)
	defer unsub()

	denials := &Denials{}
	cb := br.Callback("sess-1", testAgent("notes/*"), denials)

	done := make(chan upstream.Decision, 1)
	go func() {
		done <- callbackDecision(cb, ToolWrite, map[string]interface{}{"file_path": "projects/secret.txt"})
	}()

	ev := <-events
	require.Equal(t, "permissionRequest", ev.Type)
	assert.Equal(t, "sess-1-tu-1", ev.Data["id"])
	assert.Equal(t, "projects/secret.txt", ev.Data["subject"])

	require.True(t, br.Grant("sess-1-tu-1"))

	d := <-done
	assert.Equal(t, upstream.BehaviorAllow, d.Behavior)
	assert.Empty(t, denials.List())
	assert.Empty(t, br.ListPending(), "request deleted immediately after resolution")

	ev = <-events
	assert.Equal(t, "permissionGranted", ev.Type)
}

func TestCallback_DenyRecordsDenial(t *testing.T) {
	br, b := newTestBroker(t, Config{})
	events, unsub := b.Subscribe(bus.TopicPermissions)
	defer unsub()

	denials := &Denials{}
	cb := br.Callback("sess-1", testAgent("notes/*"), denials)

	done := make(chan upstream.Decision, 1)
	go func() {
		done <- callbackDecision(cb, ToolWrite, map[string]interface{}{"file_path": "projects/secret.txt"})
	}()
	<-events

	require.True(t, br.Deny("sess-1-tu-1"))

	d := <-done
	assert.Equal(t, upstream.BehaviorDeny, d.Behavior)
	assert.Contains(t, d.Message, "projects/secret.txt")

	recorded := denials.List()
	require.Len(t, recorded, 1)
	assert.Equal(t, "denied", recorded[0].Reason)
	assert.Equal(t, "projects/secret.txt", recorded[0].Subject)
}

func TestCallback_TimeoutDenies(t *testing.T) {
	br, _ := newTestBroker(t, Config{Timeout: 20 * time.Millisecond})

	denials := &Denials{}
	cb := br.Callback("sess-1", testAgent("notes/*"), denials)

	d := callbackDecision(cb, ToolWrite, map[string]interface{}{"file_path": "projects/x.txt"})
	assert.Equal(t, upstream.BehaviorDeny, d.Behavior)

	recorded := denials.List()
	require.Len(t, recorded, 1)
	assert.Equal(t, "timeout", recorded[0].Reason)
	assert.Empty(t, br.ListPending())
}

func TestCallback_ShellCommandSubject(t *testing.T) {
	br, _ := newTestBroker(t, Config{Timeout: 20 * time.Millisecond})

	denials := &Denials{}
	cb := br.Callback("sess-1", testAgent("notes/*"), denials)

	d := callbackDecision(cb, ToolShellExec, map[string]interface{}{"command": "rm notes/x"})
	assert.Equal(t, upstream.BehaviorDeny, d.Behavior)
	assert.Equal(t, "rm notes/x", denials.List()[0].Subject)
}

// ============================================================================
// Admin operations
// ============================================================================

func TestGrantDeny_UnknownIdIsNoOp(t *testing.T) {
	br, b := newTestBroker(t, Config{})
	events, unsub := b.Subscribe(bus.TopicPermissions)
	defer unsub()

	assert.False(t, br.Grant("nope"))
	assert.False(t, br.Deny("nope"))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %q for unknown id", ev.Type)
	default:
	}
}

func TestGrant_SecondResolutionIsNoOp(t *testing.T) {
	br, b := newTestBroker(t, Config{})
	events, unsub := b.Subscribe(bus.TopicPermissions)
	defer unsub()

	cb := br.Callback("sess-1", testAgent("notes/*"), &Denials{})
	done := make(chan upstream.Decision, 1)
	go func() {
		done <- callbackDecision(cb, ToolWrite, map[string]interface{}{"file_path": "p/x"})
	}()
	<-events

	assert.True(t, br.Grant("sess-1-tu-1"))
	<-done
	assert.False(t, br.Deny("sess-1-tu-1"))
	assert.False(t, br.Grant("sess-1-tu-1"))
}

func TestSweep_RemovesStuckPending(t *testing.T) {
	br, _ := newTestBroker(t, Config{Timeout: time.Hour, PendingMaxAge: 5 * time.Minute})

	cb := br.Callback("sess-1", testAgent("notes/*"), &Denials{})
	done := make(chan upstream.Decision, 1)
	go func() {
		done <- callbackDecision(cb, ToolWrite, map[string]interface{}{"file_path": "p/x"})
	}()

	require.Eventually(t, func() bool { return len(br.ListPending()) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, br.Sweep(time.Now()))
	assert.Equal(t, 1, br.Sweep(time.Now().Add(10*time.Minute)))
	assert.Empty(t, br.ListPending())

	d := <-done
	assert.Equal(t, upstream.BehaviorDeny, d.Behavior)
}
