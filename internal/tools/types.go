// Package tools defines the tool abstraction, its permission model,
// and the process-wide registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Permission is the capability level a tool requires. Levels are
// strictly ordered; a session granted Execute implicitly covers Read
// and Write.
type Permission int

const (
	PermRead Permission = iota
	PermWrite
	PermExecute
	PermNetwork
	PermAdmin
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermExecute:
		return "execute"
	case PermNetwork:
		return "network"
	case PermAdmin:
		return "admin"
	default:
		return fmt.Sprintf("permission(%d)", int(p))
	}
}

// ParsePermission maps a config string to a Permission. Unknown values
// default to the most restrictive level, Admin.
func ParsePermission(s string) Permission {
	switch s {
	case "read":
		return PermRead
	case "write":
		return PermWrite
	case "execute":
		return PermExecute
	case "network":
		return PermNetwork
	default:
		return PermAdmin
	}
}

// Property describes one input field of a tool schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema is the structural description of a tool's input. It is
// deliberately not full JSON-Schema; validation checks required keys
// and primitive types only.
type Schema struct {
	Required   []string            `json:"required,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
}

// AsInputSchema renders the schema in the JSON-Schema shape the vendor
// APIs expect.
func (s Schema) AsInputSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		entry := map[string]any{"type": p.Type}
		if p.Description != "" {
			entry["description"] = p.Description
		}
		props[name] = entry
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	return schema
}

// Validate checks input against the schema: every required key must be
// present, and typed properties must hold a matching primitive.
func (s Schema) Validate(input map[string]any) error {
	for _, key := range s.Required {
		if _, ok := input[key]; !ok {
			return fmt.Errorf("missing required field %q", key)
		}
	}
	for key, value := range input {
		prop, ok := s.Properties[key]
		if !ok || prop.Type == "" {
			continue
		}
		if !matchesType(value, prop.Type) {
			return fmt.Errorf("field %q: expected %s", key, prop.Type)
		}
	}
	return nil
}

func matchesType(value any, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

// Tool is an executable capability exposed to the model. Execute
// receives decoded JSON input and returns the textual result handed
// back to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	RequiredPermission() Permission
	Execute(ctx context.Context, input map[string]any) (string, error)
}
