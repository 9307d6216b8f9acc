package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// wireStep mirrors Step with the kind left as a plain string, so that an unknown kind is
// reported as a schema error naming the step instead of a bare json error.
type wireStep struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Name   string                 `json:"name,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
	OnFail string                 `json:"onFail,omitempty"`
	Next   []string               `json:"next,omitempty"`
}

type wireDocument struct {
	Version string     `json:"version"`
	Entry   string     `json:"entry,omitempty"`
	Steps   []wireStep `json:"steps"`
}

// DecodeDocument parses the JSON wire form of a document.
// Shape problems (bad JSON, missing or duplicate step ids, unknown kinds, unknown onFail
// values) fail with a schema error. Graph problems are left to the validator.
func DecodeDocument(data []byte) (Document, error) {
	var wire wireDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return Document{}, NewSchemaError("malformed playbook document", err)
	}
	return wire.toDocument()
}

func (w wireDocument) toDocument() (Document, error) {
	doc := Document{
		Version: w.Version,
		Entry:   w.Entry,
		Steps:   make([]Step, 0, len(w.Steps)),
	}
	if doc.Version == "" {
		doc.Version = DefaultDocumentVersion
	}
	seen := make(map[string]bool, len(w.Steps))
	for i, ws := range w.Steps {
		id := strings.TrimSpace(ws.ID)
		if id == "" {
			return Document{}, NewSchemaError(fmt.Sprintf("step at index %d has no id", i), nil)
		}
		if seen[id] {
			return Document{}, NewSchemaError(fmt.Sprintf("duplicate step id %s", id), nil).WithResource(id)
		}
		seen[id] = true

		kind := StepKind(ws.Type)
		if err := kind.Validate(); err != nil {
			return Document{}, NewSchemaError(fmt.Sprintf("step %s has unknown type", id), err).WithResource(id)
		}
		onFail := FailPolicy(ws.OnFail)
		if err := onFail.Validate(); err != nil {
			return Document{}, NewSchemaError(fmt.Sprintf("step %s has invalid onFail", id), err).WithResource(id)
		}
		doc.Steps = append(doc.Steps, Step{
			ID:     id,
			Kind:   kind,
			Name:   ws.Name,
			Params: normalizeNumbers(ws.Params),
			OnFail: onFail,
			Next:   ws.Next,
		})
	}
	return doc, nil
}

// normalizeNumbers converts json.Number values into int64 when integral, float64 otherwise.
func normalizeNumbers(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]interface{}:
		return normalizeNumbers(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// EncodeDocument renders the indented JSON wire form of a document.
func EncodeDocument(doc Document) ([]byte, error) {
	if doc.Steps == nil {
		doc.Steps = []Step{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// ExportFormat identifies the portable playbook file format.
const ExportFormat = "froyo-playbook/v1"

// Bundle is the portable export of a playbook.
type Bundle struct {
	// Format is always ExportFormat.
	Format string `json:"format"`

	// Name is the playbook name.
	Name string `json:"name"`

	// Description is the playbook description.
	Description string `json:"description,omitempty"`

	// Document is the exported document.
	Document Document `json:"document"`

	// ExportedAt is when the bundle was written.
	ExportedAt time.Time `json:"exportedAt"`
}

// ExportPlaybook renders a playbook's live document as a portable bundle.
func ExportPlaybook(pb Playbook, now time.Time) ([]byte, error) {
	bundle := Bundle{
		Format:      ExportFormat,
		Name:        pb.Name,
		Description: pb.Description,
		Document:    pb.Document.Clone(),
		ExportedAt:  now.UTC(),
	}
	if bundle.Document.Steps == nil {
		bundle.Document.Steps = []Step{}
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	return data, nil
}

// DecodeBundle parses a portable bundle. A bare document is accepted too and yields a
// bundle without a name.
func DecodeBundle(data []byte) (Bundle, error) {
	var probe struct {
		Format   string          `json:"format"`
		Name     string          `json:"name"`
		Desc     string          `json:"description"`
		Document json.RawMessage `json:"document"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Bundle{}, NewSchemaError("malformed playbook file", err)
	}
	if probe.Format == "" && len(probe.Document) == 0 {
		doc, err := DecodeDocument(data)
		if err != nil {
			return Bundle{}, err
		}
		return Bundle{Format: ExportFormat, Document: doc}, nil
	}
	if probe.Format != ExportFormat {
		return Bundle{}, NewSchemaError(fmt.Sprintf("unsupported playbook format %q", probe.Format), nil)
	}
	doc, err := DecodeDocument(probe.Document)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Format: probe.Format, Name: probe.Name, Description: probe.Desc, Document: doc}, nil
}

// MergeDocuments appends the steps of fragment to base. Fragment step ids that collide
// with base ids are regenerated as "<id>-<n>", and the fragment's own next lists and
// entry are rewritten to the new ids. The base entry is kept when set, otherwise the
// fragment's entry is used. The returned map holds every renamed id.
func MergeDocuments(base, fragment Document) (Document, map[string]string) {
	out := base.Clone()
	if out.Steps == nil {
		out.Steps = []Step{}
	}
	taken := make(map[string]bool, len(base.Steps)+len(fragment.Steps))
	for _, s := range base.Steps {
		taken[s.ID] = true
	}

	renamed := make(map[string]string)
	for _, s := range fragment.Steps {
		if !taken[s.ID] {
			taken[s.ID] = true
			continue
		}
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s-%d", s.ID, n)
			if !taken[candidate] {
				renamed[s.ID] = candidate
				taken[candidate] = true
				break
			}
		}
	}

	rename := func(id string) string {
		if r, ok := renamed[id]; ok {
			return r
		}
		return id
	}
	for _, s := range fragment.Steps {
		s = s.Clone()
		s.ID = rename(s.ID)
		for i, n := range s.Next {
			s.Next[i] = rename(n)
		}
		out.Steps = append(out.Steps, s)
	}
	if out.Entry == "" {
		out.Entry = rename(fragment.Entry)
	}
	return out, renamed
}
