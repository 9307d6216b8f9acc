package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// Schema names registered by default.
const (
	SchemaPlaybook = "playbook"
	SchemaBinding  = "binding"
)

// SchemaRegistry manages CUE definitions used to validate authored sources.
// Schemas are compiled in the parser's context so they unify with parsed values.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaPlaybook, builtinSchemas, "#Playbook"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaBinding, builtinSchemas, "#Binding"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, path string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes a Go value and validates it against the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data interface{}) error {
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(name, val); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinSchemas holds the playbook and binding definitions.
const builtinSchemas = `
#StepKind: "geoip" | "whois" | "http_get" | "http_post" | "virustotal" |
	"reverse_geocode" | "keyword_match" | "branch" | "wait" | "output"

#Step: {
	id:      string & !=""
	type:    #StepKind
	name?:   string
	params?: {[string]: _}
	onFail?: "continue" | "stop"
	next?: [...string]
}

#Playbook: {
	version: string | *"1.0.0"
	entry?:  string
	steps: [...#Step]
}

#Binding: {
	id?:            string
	ruleId:         string & !=""
	playbookId:     string & !=""
	pinnedVersion?: int & >=0
	mode:           "suggest" | "dry_run" | "auto_run"
	matchTypes?: [...string]
	matchSeverities?: [...string]
	matchTags?: [...string]
	maxPerMinute:  int & >=0 | *0
	maxConcurrent: int & >=0 | *0
	dailyQuota:    int & >=0 | *0
	enabled:       bool | *true
}
`
