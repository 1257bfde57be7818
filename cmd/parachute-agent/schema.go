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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/OpenParachutePBC/parachute-agent/pkg/config"
)

// SchemaCmd generates a JSON Schema from the configuration structs.
// Output goes to stdout so it can be redirected.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://openparachute.org/schemas/agent-config.json"
	schema.Title = "Parachute Agent Configuration Schema"
	schema.Description = "Configuration schema for the parachute agent server"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []interface{}{
		map[string]interface{}{
			"vault": map[string]interface{}{
				"path": "~/vault",
			},
			"server": map[string]interface{}{
				"port":    3333,
				"api_key": "${PARACHUTE_API_KEY}",
			},
			"upstream": map[string]interface{}{
				"provider": "anthropic",
				"model":    "claude-sonnet-4-5-20250929",
				"api_key":  "${ANTHROPIC_API_KEY}",
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
