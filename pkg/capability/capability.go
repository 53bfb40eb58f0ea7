// Package capability is the facade over the external capability registry:
// resolving manifests, validating arguments against declared schemas,
// invoking handlers, and producing schema-conformant simulated results for
// dry runs. Provider selection happens outside this module; only an opaque
// identifier plus a manifest crosses the boundary.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest describes one registered capability. Owned by the external
// marketplace; read here.
type Manifest struct {
	ID           string          `json:"id"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Effects      []string        `json:"effects,omitempty"`
	Metadata     Metadata        `json:"metadata,omitempty"`
}

// Metadata is the governance-relevant slice of a manifest.
type Metadata struct {
	SecurityLevel     string `json:"security-level,omitempty"`
	Irreversible      bool   `json:"irreversible,omitempty"`
	RequiresApproval  bool   `json:"requires-approval,omitempty"`
	DryRunSimulatable bool   `json:"dry-run-simulatable,omitempty"`
	CostCents         int64  `json:"cost-cents,omitempty"`
}

// ErrUnresolved is returned by Resolve when no manifest exists for an
// identifier. Callers treat an unresolved identifier as Deny.
type ErrUnresolved struct {
	ID string
}

func (e *ErrUnresolved) Error() string {
	return fmt.Sprintf("capability %q not resolved", e.ID)
}

// Registry is the external lookup/invocation contract.
type Registry interface {
	// Resolve returns the manifest for an identifier, or *ErrUnresolved.
	Resolve(ctx context.Context, id string) (*Manifest, error)

	// Invoke executes the capability for real.
	Invoke(ctx context.Context, id string, args map[string]any) (any, error)
}

// Handler is the function body of an in-process capability.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Memory is an in-process registry used by tests and the CLI. Argument
// validation against the input schema happens before the handler runs.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	compiler *schemaCache
}

type memoryEntry struct {
	manifest Manifest
	handler  Handler
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]memoryEntry),
		compiler: newSchemaCache(),
	}
}

// Register adds or replaces a capability. Schemas are compiled eagerly; a
// replacement manifest displaces any previously compiled schemas under the
// same identifier.
func (m *Memory) Register(manifest Manifest, handler Handler) error {
	if manifest.ID == "" {
		return fmt.Errorf("manifest missing id")
	}
	m.compiler.evict(manifest.ID+"/input", manifest.ID+"/output")
	if len(manifest.InputSchema) > 0 {
		if _, err := m.compiler.compile(manifest.ID+"/input", manifest.InputSchema); err != nil {
			return fmt.Errorf("capability %s input schema: %w", manifest.ID, err)
		}
	}
	if len(manifest.OutputSchema) > 0 {
		if _, err := m.compiler.compile(manifest.ID+"/output", manifest.OutputSchema); err != nil {
			return fmt.Errorf("capability %s output schema: %w", manifest.ID, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[manifest.ID] = memoryEntry{manifest: manifest, handler: handler}
	return nil
}

// Deregister removes a capability; subsequent Resolve calls fail.
func (m *Memory) Deregister(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	m.compiler.evict(id+"/input", id+"/output")
}

// Resolve implements Registry.
func (m *Memory) Resolve(ctx context.Context, id string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &ErrUnresolved{ID: id}
	}
	manifest := e.manifest
	return &manifest, nil
}

// Invoke implements Registry.
func (m *Memory) Invoke(ctx context.Context, id string, args map[string]any) (any, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrUnresolved{ID: id}
	}
	if len(e.manifest.InputSchema) > 0 {
		if err := m.ValidateArgs(e.manifest, args); err != nil {
			return nil, err
		}
	}
	if e.handler == nil {
		return nil, fmt.Errorf("capability %s has no handler", id)
	}
	return e.handler(ctx, args)
}

// ValidateArgs checks call arguments against the manifest's input schema.
func (m *Memory) ValidateArgs(manifest Manifest, args map[string]any) error {
	if len(manifest.InputSchema) == 0 {
		return nil
	}
	schema, err := m.compiler.compile(manifest.ID+"/input", manifest.InputSchema)
	if err != nil {
		return err
	}
	normalized, err := normalize(args)
	if err != nil {
		return err
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("arguments rejected by %s input schema: %w", manifest.ID, err)
	}
	return nil
}

// normalize round-trips a value through JSON so schema validation sees the
// same shapes it would over the wire.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize arguments: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// schemaCache compiles JSON Schemas once per resource id.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) evict(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.compiled, k)
	}
}

func (c *schemaCache) compile(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[key]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://tiller.schemas.local/%s.schema.json", key)
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	c.compiled[key] = schema
	return schema, nil
}
