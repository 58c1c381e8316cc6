package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/KevinKickass/SorterBridge/internal/sorter"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/config-v1.json
var configSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()

		if err := compiler.AddResource("config-v1.json",
			strings.NewReader(configSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}

		schema, schemaErr = compiler.Compile("config-v1.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// ValidateDocument checks a YAML config file against the embedded schema.
// Durations must be strings such as "4s"; a bare number is rejected.
func ValidateDocument(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: invalid YAML: %v", types.ErrConfigMismatch, err)
	}
	if doc == nil {
		return nil
	}

	// Über JSON normalisieren, der Validator erwartet JSON-Typen
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: config is not representable as JSON: %v", types.ErrConfigMismatch, err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("%w: %v", types.ErrConfigMismatch, err)
	}

	if err := s.Validate(normalized); err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", types.ErrConfigMismatch, err)
	}
	return nil
}

// Validate checks the decoded configuration for consistency between the
// slave, controller and route table. All failures wrap ErrConfigMismatch.
func (c *Config) Validate() error {
	if c.Slave.InputCount <= 0 || c.Slave.InputCount > 125 {
		return fmt.Errorf("%w: slave.input_count %d outside 1..125", types.ErrConfigMismatch, c.Slave.InputCount)
	}
	if len(c.Controller.OutputAddresses) == 0 {
		return fmt.Errorf("%w: controller.output_addresses is empty", types.ErrConfigMismatch)
	}
	seen := make(map[uint16]bool, len(c.Controller.OutputAddresses))
	for _, addr := range c.Controller.OutputAddresses {
		if seen[addr] {
			return fmt.Errorf("%w: controller.output_addresses lists register %d twice", types.ErrConfigMismatch, addr)
		}
		seen[addr] = true
	}
	if c.Controller.CleaningModeRegister != 0 && seen[c.Controller.CleaningModeRegister] {
		return fmt.Errorf("%w: cleaning_mode_register %d is also an output register",
			types.ErrConfigMismatch, c.Controller.CleaningModeRegister)
	}

	if c.Sorter.CyclePeriod <= 0 {
		return fmt.Errorf("%w: sorter.cycle_period must be positive", types.ErrConfigMismatch)
	}
	if c.Modbus.Timeout <= 0 {
		return fmt.Errorf("%w: modbus.timeout must be positive", types.ErrConfigMismatch)
	}
	if _, err := sorter.ParseTrigger(c.Sorter.Trigger); err != nil {
		return err
	}
	if _, err := sorter.NewRouteTable(c.Sorter.Routes, c.Slave.InputCount, len(c.Controller.OutputAddresses)); err != nil {
		return err
	}

	if c.Auth.Enabled {
		if len(c.Auth.Operators) == 0 && len(c.Auth.MachineTokens) == 0 {
			return fmt.Errorf("%w: auth enabled without operators or machine tokens", types.ErrConfigMismatch)
		}
		names := make(map[string]bool, len(c.Auth.Operators))
		for _, op := range c.Auth.Operators {
			if op.Username == "" || op.PasswordHash == "" {
				return fmt.Errorf("%w: operator needs username and password_hash", types.ErrConfigMismatch)
			}
			if names[op.Username] {
				return fmt.Errorf("%w: duplicate operator %q", types.ErrConfigMismatch, op.Username)
			}
			names[op.Username] = true
		}
	}

	if c.Database.Enabled && (c.Database.JournalBuffer <= 0 || c.Database.JournalBatch <= 0) {
		return fmt.Errorf("%w: database.journal_buffer and journal_batch must be positive", types.ErrConfigMismatch)
	}

	return nil
}

const redacted = "********"

// YAML renders the effective settings with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(redact(c.settings))
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

func redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			switch k {
			case "password", "password_hash", "token_hash":
				if s, ok := inner.(string); ok && s != "" {
					out[k] = redacted
					continue
				}
			}
			out[k] = redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redact(inner)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redact(inner)
		}
		return out
	default:
		return v
	}
}
