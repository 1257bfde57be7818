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

package upstream

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// Tool names adapters advertise to the model.
const (
	ToolNameRead      = "read"
	ToolNameWrite     = "write"
	ToolNameEdit      = "edit"
	ToolNameShellExec = "shell_exec"
)

// DefaultTools is the adapter tool set when Options.AllowedTools is nil.
var DefaultTools = []string{ToolNameRead, ToolNameWrite, ToolNameEdit, ToolNameShellExec}

const (
	maxToolFileSize  = 1 << 20 // 1MB
	shellExecTimeout = 60 * time.Second
	maxShellOutput   = 64 << 10
)

// ToolDef describes one tool to an adapter: its advertised schema and
// nothing else. Execution goes through Runner.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolDefs returns the definitions for the given tool names, skipping
// names the runner does not implement. A nil list means all tools.
func ToolDefs(names []string) []ToolDef {
	if names == nil {
		names = DefaultTools
	}
	defs := make([]ToolDef, 0, len(names))
	for _, name := range names {
		if def, ok := toolCatalog[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

var toolCatalog = map[string]ToolDef{
	ToolNameRead: {
		Name:        ToolNameRead,
		Description: "Read a file from the vault. Path is relative to the vault root.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{"type": "string", "description": "File path relative to the vault root"},
			},
			"required": []interface{}{"file_path"},
		},
	},
	ToolNameWrite: {
		Name:        ToolNameWrite,
		Description: "Create or overwrite a file in the vault with the given content.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{"type": "string", "description": "File path relative to the vault root"},
				"content":   map[string]interface{}{"type": "string", "description": "Full file content to write"},
			},
			"required": []interface{}{"file_path", "content"},
		},
	},
	ToolNameEdit: {
		Name:        ToolNameEdit,
		Description: "Replace an exact string in a vault file. The old string must occur exactly once.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path":  map[string]interface{}{"type": "string", "description": "File path relative to the vault root"},
				"old_string": map[string]interface{}{"type": "string", "description": "Exact text to replace"},
				"new_string": map[string]interface{}{"type": "string", "description": "Replacement text"},
			},
			"required": []interface{}{"file_path", "old_string", "new_string"},
		},
	},
	ToolNameShellExec: {
		Name:        ToolNameShellExec,
		Description: "Run a shell command under the vault root. Output is truncated past 64KB.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "description": "Shell command to run"},
			},
			"required": []interface{}{"command"},
		},
	},
}

// Runner executes tool invocations against a vault. It is only
// reachable through an adapter's query loop, after the approval
// callback has allowed the invocation.
type Runner struct {
	store *vault.Store
}

// NewRunner builds a runner rooted at workDir.
func NewRunner(workDir string) (*Runner, error) {
	store, err := vault.New(workDir)
	if err != nil {
		return nil, fmt.Errorf("tool runner: %w", err)
	}
	return &Runner{store: store}, nil
}

// Run executes one tool invocation and returns the result text shown
// to the model. Errors are returned as (message, isError=true) rather
// than as Go errors: tool failures feed back into the conversation,
// they do not abort the query.
func (r *Runner) Run(ctx context.Context, name string, input map[string]interface{}) (string, bool) {
	switch name {
	case ToolNameRead:
		return r.runRead(input)
	case ToolNameWrite:
		return r.runWrite(input)
	case ToolNameEdit:
		return r.runEdit(input)
	case ToolNameShellExec:
		return r.runShell(ctx, input)
	default:
		return fmt.Sprintf("unknown tool: %s", name), true
	}
}

func stringArg(input map[string]interface{}, key string) (string, bool) {
	v, ok := input[key].(string)
	return v, ok && v != ""
}

func (r *Runner) runRead(input map[string]interface{}) (string, bool) {
	path, ok := stringArg(input, "file_path")
	if !ok {
		return "read: file_path is required", true
	}
	data, err := r.store.Read(path)
	if err != nil {
		return fmt.Sprintf("read %s: %v", path, err), true
	}
	if len(data) > maxToolFileSize {
		return fmt.Sprintf("read %s: file exceeds %d bytes", path, maxToolFileSize), true
	}
	return string(data), false
}

func (r *Runner) runWrite(input map[string]interface{}) (string, bool) {
	path, ok := stringArg(input, "file_path")
	if !ok {
		return "write: file_path is required", true
	}
	content, _ := input["content"].(string)
	if len(content) > maxToolFileSize {
		return fmt.Sprintf("write %s: content exceeds %d bytes", path, maxToolFileSize), true
	}
	if err := r.store.Write(path, []byte(content)); err != nil {
		return fmt.Sprintf("write %s: %v", path, err), true
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), false
}

func (r *Runner) runEdit(input map[string]interface{}) (string, bool) {
	path, ok := stringArg(input, "file_path")
	if !ok {
		return "edit: file_path is required", true
	}
	oldStr, ok := stringArg(input, "old_string")
	if !ok {
		return "edit: old_string is required", true
	}
	newStr, _ := input["new_string"].(string)

	data, err := r.store.Read(path)
	if err != nil {
		return fmt.Sprintf("edit %s: %v", path, err), true
	}
	text := string(data)
	switch strings.Count(text, oldStr) {
	case 0:
		return fmt.Sprintf("edit %s: old_string not found", path), true
	case 1:
	default:
		return fmt.Sprintf("edit %s: old_string occurs more than once", path), true
	}
	text = strings.Replace(text, oldStr, newStr, 1)
	if err := r.store.Write(path, []byte(text)); err != nil {
		return fmt.Sprintf("edit %s: %v", path, err), true
	}
	return fmt.Sprintf("edited %s", path), false
}

func (r *Runner) runShell(ctx context.Context, input map[string]interface{}) (string, bool) {
	command, ok := stringArg(input, "command")
	if !ok {
		return "shell_exec: command is required", true
	}

	ctx, cancel := context.WithTimeout(ctx, shellExecTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.store.Root()
	output, err := cmd.CombinedOutput()

	text := string(output)
	if len(text) > maxShellOutput {
		text = text[:maxShellOutput] + "\n[output truncated]"
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("command timed out after %s\n%s", shellExecTimeout, text), true
	}
	if err != nil {
		return fmt.Sprintf("command failed: %v\n%s", err, text), true
	}
	return text, false
}
