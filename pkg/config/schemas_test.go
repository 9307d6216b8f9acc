package config

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/playbooks/pkg/engine"
)

func TestSchemaRegistryBuiltins(t *testing.T) {
	sr := NewSchemaRegistry(cuecontext.New())
	got := sr.ListSchemas()
	want := []string{SchemaBinding, SchemaPlaybook}
	if len(got) != len(want) {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListSchemas()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for _, name := range want {
		schema, ok := sr.GetSchema(name)
		if !ok {
			t.Fatalf("schema %s missing", name)
		}
		if schema.Err() != nil {
			t.Errorf("schema %s has errors: %v", name, schema.Err())
		}
	}
}

func TestSchemaRegistryRegister(t *testing.T) {
	sr := NewSchemaRegistry(cuecontext.New())

	if err := sr.RegisterSchema("alert", `#Alert: {id: string, severity: "low" | "high"}`, "#Alert"); err != nil {
		t.Fatalf("RegisterSchema failed: %v", err)
	}
	if err := sr.ValidateAgainstSchema("alert", map[string]interface{}{"id": "a1", "severity": "high"}); err != nil {
		t.Errorf("valid alert rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema("alert", map[string]interface{}{"id": "a1", "severity": "urgent"}); err == nil {
		t.Error("expected invalid severity to fail")
	}

	if err := sr.RegisterSchema("broken", `#X: {`, "#X"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("nodef", `#X: string`, "#Y"); err == nil {
		t.Error("expected missing definition error")
	}
}

func TestValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry(cuecontext.New())

	tests := []struct {
		name    string
		schema  string
		data    interface{}
		wantErr bool
	}{
		{
			name:   "valid playbook",
			schema: SchemaPlaybook,
			data: map[string]interface{}{
				"steps": []interface{}{map[string]interface{}{"id": "out", "type": "output"}},
			},
		},
		{
			name:   "step without id",
			schema: SchemaPlaybook,
			data: map[string]interface{}{
				"steps": []interface{}{map[string]interface{}{"type": "output"}},
			},
			wantErr: true,
		},
		{
			name:   "valid binding",
			schema: SchemaBinding,
			data: map[string]interface{}{
				"id": "b1", "ruleId": "r", "playbookId": "p", "mode": string(engine.ModeDryRun),
			},
		},
		{
			name:    "binding with unknown mode",
			schema:  SchemaBinding,
			data:    map[string]interface{}{"ruleId": "r", "playbookId": "p", "mode": "sometimes"},
			wantErr: true,
		},
		{
			name:    "unknown schema",
			schema:  "missing",
			data:    map[string]interface{}{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(tt.schema, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
