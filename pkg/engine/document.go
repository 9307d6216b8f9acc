package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultDocumentVersion is the semantic version of a freshly created document.
const DefaultDocumentVersion = "1.0.0"

// NewDocument returns an empty document.
func NewDocument(version string) Document {
	if version == "" {
		version = DefaultDocumentVersion
	}
	return Document{Version: version, Steps: []Step{}}
}

// TemplateDocument returns the seed document of a new playbook: a single output step.
func TemplateDocument() Document {
	return Document{
		Version: DefaultDocumentVersion,
		Entry:   "output",
		Steps: []Step{{
			ID:     "output",
			Kind:   KindOutput,
			Name:   "Output",
			Params: map[string]interface{}{"text": "Playbook {{.subjectId}} complete"},
		}},
	}
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := Document{Version: d.Version, Entry: d.Entry}
	if d.Steps != nil {
		out.Steps = make([]Step, len(d.Steps))
		for i, s := range d.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	if s.Params != nil {
		out.Params = CopyMap(s.Params)
	}
	if s.Next != nil {
		out.Next = append(make([]string, 0, len(s.Next)), s.Next...)
	}
	return out
}

// Equal reports whether two documents have the same canonical JSON form.
func (d Document) Equal(other Document) bool {
	a, errA := json.Marshal(d.normalized())
	b, errB := json.Marshal(other.normalized())
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (d Document) normalized() Document {
	out := d.Clone()
	if out.Steps == nil {
		out.Steps = []Step{}
	}
	for i := range out.Steps {
		if len(out.Steps[i].Next) == 0 {
			out.Steps[i].Next = nil
		}
		if len(out.Steps[i].Params) == 0 {
			out.Steps[i].Params = nil
		}
		out.Steps[i].OnFail = out.Steps[i].OnFail.Effective()
	}
	return out
}

// IndexOf returns the position of a step, or -1.
func (d Document) IndexOf(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// HasStep reports whether a step with the id exists.
func (d Document) HasStep(id string) bool {
	return d.IndexOf(id) >= 0
}

// StepByID returns the step with the id.
func (d Document) StepByID(id string) (Step, bool) {
	if i := d.IndexOf(id); i >= 0 {
		return d.Steps[i], true
	}
	return Step{}, false
}

// StepIDs returns every step id in document order.
func (d Document) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}

// AddStep returns a copy of the document with step appended.
// Dangling next references are accepted; the validator reports them.
func (d Document) AddStep(step Step) (Document, error) {
	if step.ID == "" {
		return d, NewSchemaError("step id is required", nil)
	}
	if err := step.Kind.Validate(); err != nil {
		return d, NewSchemaError("invalid step", err).WithResource(step.ID)
	}
	if err := step.OnFail.Validate(); err != nil {
		return d, NewSchemaError("invalid step", err).WithResource(step.ID)
	}
	if d.HasStep(step.ID) {
		return d, NewConflictError(fmt.Sprintf("step %s already exists", step.ID), nil).
			WithCode(ErrCodeAlreadyExists).WithResource(step.ID)
	}
	out := d.Clone()
	out.Steps = append(out.Steps, step.Clone())
	return out, nil
}

// UpdateStep returns a copy of the document with the step of the same id replaced.
func (d Document) UpdateStep(step Step) (Document, error) {
	i := d.IndexOf(step.ID)
	if i < 0 {
		return d, NewNotFoundError("step", step.ID)
	}
	if err := step.Kind.Validate(); err != nil {
		return d, NewSchemaError("invalid step", err).WithResource(step.ID)
	}
	if err := step.OnFail.Validate(); err != nil {
		return d, NewSchemaError("invalid step", err).WithResource(step.ID)
	}
	out := d.Clone()
	out.Steps[i] = step.Clone()
	return out, nil
}

// RemoveStep returns a copy of the document without the step. Every reference to the
// removed id is stripped from the other steps' next lists, and the entry is cleared
// if it pointed at the removed step. Removing an unknown id returns an unchanged copy.
func (d Document) RemoveStep(id string) Document {
	out := Document{Version: d.Version, Entry: d.Entry, Steps: make([]Step, 0, len(d.Steps))}
	for _, s := range d.Steps {
		if s.ID == id {
			continue
		}
		s = s.Clone()
		if s.Next != nil {
			kept := s.Next[:0]
			for _, n := range s.Next {
				if n != id {
					kept = append(kept, n)
				}
			}
			s.Next = kept
		}
		out.Steps = append(out.Steps, s)
	}
	if out.Entry == id {
		out.Entry = ""
	}
	return out
}

// Connect returns a copy of the document with an edge from -> to appended to from's
// next list. The target need not exist. Connecting an unknown source or an existing
// edge returns an unchanged copy.
func (d Document) Connect(from, to string) Document {
	out := d.Clone()
	i := out.IndexOf(from)
	if i < 0 {
		return out
	}
	for _, n := range out.Steps[i].Next {
		if n == to {
			return out
		}
	}
	out.Steps[i].Next = append(out.Steps[i].Next, to)
	return out
}

// Disconnect returns a copy of the document without the edge from -> to.
func (d Document) Disconnect(from, to string) Document {
	out := d.Clone()
	i := out.IndexOf(from)
	if i < 0 {
		return out
	}
	kept := out.Steps[i].Next[:0]
	for _, n := range out.Steps[i].Next {
		if n != to {
			kept = append(kept, n)
		}
	}
	out.Steps[i].Next = kept
	return out
}

// SetEntry returns a copy of the document with the entry step set. The id need not exist.
func (d Document) SetEntry(id string) Document {
	out := d.Clone()
	out.Entry = id
	return out
}

// CopyMap deep-copies a JSON-like map.
func CopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = CopyValue(v)
	}
	return out
}

// CopyValue deep-copies a JSON-like value. Maps and slices are copied recursively;
// other values are returned as is.
func CopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
