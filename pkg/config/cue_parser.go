package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// Parser loads playbook documents and binding files authored in CUE, YAML or JSON.
//
// CUE playbook sources define the document under "playbook" and may set "name" and
// "description"; the document is checked against the #Playbook schema. YAML and JSON
// sources hold either a bare document or an exported bundle.
type Parser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewParser creates a parser with the built-in schemas.
func NewParser() *Parser {
	ctx := cuecontext.New()
	return &Parser{
		ctx:     ctx,
		schemas: NewSchemaRegistry(ctx),
	}
}

// Schemas returns the parser's schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// LoadBundle reads a playbook source file.
func (p *Parser) LoadBundle(path string) (engine.Bundle, []ValidationError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Bundle{}, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return p.ParseBundle(path, data)
}

// LoadDocument reads a playbook source file and returns its document.
func (p *Parser) LoadDocument(path string) (engine.Document, []ValidationError, error) {
	bundle, diags, err := p.LoadBundle(path)
	return bundle.Document, diags, err
}

// ParseBundle parses playbook source; the format is chosen by the filename extension.
// Shape failures return a schema error and, for CUE and YAML, located diagnostics.
func (p *Parser) ParseBundle(filename string, data []byte) (engine.Bundle, []ValidationError, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		raw, diags, err := p.cuePlaybook(filename, data)
		if err != nil {
			return engine.Bundle{}, diags, err
		}
		bundle, err := engine.DecodeBundle(raw)
		return bundle, nil, err
	case ".yaml", ".yml":
		raw, diags, err := yamlToJSON(filename, data)
		if err != nil {
			return engine.Bundle{}, diags, err
		}
		bundle, err := engine.DecodeBundle(raw)
		return bundle, nil, err
	default:
		bundle, err := engine.DecodeBundle(data)
		return bundle, nil, err
	}
}

// cuePlaybook compiles a CUE source and renders it as a JSON bundle.
func (p *Parser) cuePlaybook(filename string, data []byte) ([]byte, []ValidationError, error) {
	val := p.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err), engine.NewSchemaError("invalid CUE source", err).WithResource(filename)
	}

	pbVal := val.LookupPath(cue.ParsePath("playbook"))
	if !pbVal.Exists() {
		err := fmt.Errorf("no playbook field")
		return nil, []ValidationError{{File: filename, Message: err.Error()}}, engine.NewSchemaError("invalid CUE source", err).WithResource(filename)
	}

	unified, err := p.schemas.Unify(SchemaPlaybook, pbVal)
	if err != nil {
		return nil, convertCUEErrors(err, pbVal, unified), engine.NewSchemaError("playbook does not match the schema", err).WithResource(filename)
	}
	docJSON, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err, pbVal, unified), engine.NewSchemaError("playbook is not concrete", err).WithResource(filename)
	}

	bundle := struct {
		Format      string          `json:"format"`
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Document    json.RawMessage `json:"document"`
	}{Format: engine.ExportFormat, Document: docJSON}

	if err := lookupString(val, "name", &bundle.Name); err != nil {
		return nil, convertCUEErrors(err), engine.NewSchemaError("invalid playbook name", err).WithResource(filename)
	}
	if err := lookupString(val, "description", &bundle.Description); err != nil {
		return nil, convertCUEErrors(err), engine.NewSchemaError("invalid playbook description", err).WithResource(filename)
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, nil, engine.NewInternalError("failed to encode bundle", err)
	}
	return raw, nil, nil
}

func lookupString(val cue.Value, path string, out *string) error {
	v := val.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil
	}
	s, err := v.String()
	if err != nil {
		return err
	}
	*out = s
	return nil
}

// LoadBindings reads a bindings file: a "bindings" list in CUE, YAML or JSON.
// Every entry is checked against the #Binding schema, which also fills defaults.
func (p *Parser) LoadBindings(path string) ([]engine.PlaybookBinding, []ValidationError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var root cue.Value
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		root = p.ctx.CompileBytes(data, cue.Filename(path))
	case ".yaml", ".yml":
		raw, diags, err := yamlToJSON(path, data)
		if err != nil {
			return nil, diags, err
		}
		root = p.ctx.CompileBytes(raw, cue.Filename(path))
	default:
		root = p.ctx.CompileBytes(data, cue.Filename(path))
	}
	if err := root.Err(); err != nil {
		return nil, convertCUEErrors(err), engine.NewSchemaError("invalid bindings file", err).WithResource(path)
	}

	list, err := root.LookupPath(cue.ParsePath("bindings")).List()
	if err != nil {
		return nil, convertCUEErrors(err), engine.NewSchemaError("bindings file needs a bindings list", err).WithResource(path)
	}

	var (
		bindings []engine.PlaybookBinding
		diags    []ValidationError
	)
	for i := 0; list.Next(); i++ {
		entry := list.Value()
		unified, err := p.schemas.Unify(SchemaBinding, entry)
		if err != nil {
			diags = append(diags, convertCUEErrors(err, entry, unified)...)
			continue
		}
		raw, err := unified.MarshalJSON()
		if err != nil {
			diags = append(diags, convertCUEErrors(err, entry, unified)...)
			continue
		}
		var b engine.PlaybookBinding
		if err := json.Unmarshal(raw, &b); err != nil {
			diags = append(diags, ValidationError{File: path, Path: fmt.Sprintf("bindings.%d", i), Message: err.Error()})
			continue
		}
		bindings = append(bindings, b)
	}
	if len(diags) > 0 {
		return nil, diags, engine.NewSchemaError(fmt.Sprintf("bindings file has %d invalid entries", len(diags)), nil).WithResource(path)
	}
	return bindings, nil, nil
}

// yamlToJSON converts a YAML source into JSON.
func yamlToJSON(filename string, data []byte) ([]byte, []ValidationError, error) {
	var v interface{}
	if err := yaml.Unmarshal(data, &v); err != nil {
		diag := ValidationError{File: filename, Line: yamlErrorLine(err.Error()), Message: err.Error()}
		return nil, []ValidationError{diag}, engine.NewSchemaError("invalid YAML source", err).WithResource(filename)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, []ValidationError{{File: filename, Message: err.Error()}}, engine.NewSchemaError("YAML source is not JSON compatible", err).WithResource(filename)
	}
	return raw, nil, nil
}

// yamlErrorLine extracts N from yaml.v3 messages of the form "yaml: line N: ...".
func yamlErrorLine(msg string) int {
	var line int
	if _, err := fmt.Sscanf(msg, "yaml: line %d:", &line); err != nil {
		return 0
	}
	return line
}

// convertCUEErrors converts CUE errors into located diagnostics. Errors without a
// position, such as empty disjunctions, are located at the value their path names in
// the first of roots holding it.
func convertCUEErrors(err error, roots ...cue.Value) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		diag := ValidationError{Path: strings.Join(path, ".")}
		format, args := e.Msg()
		diag.Message = fmt.Sprintf(format, args...)
		var pos token.Pos
		if positions := cueerrors.Positions(e); len(positions) > 0 {
			pos = positions[0]
		} else {
			pos = locate(roots, path)
		}
		if pos.IsValid() {
			diag.File = pos.Filename()
			diag.Line = pos.Line()
			diag.Column = pos.Column()
		}
		out = append(out, diag)
	}
	if len(out) == 0 && err != nil {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// locate returns the source position of the deepest value named by a suffix of path.
// Leading elements absent from the roots, e.g. a schema definition, are skipped.
func locate(roots []cue.Value, path []string) token.Pos {
	for start := 0; start < len(path); start++ {
		for end := len(path); end > start; end-- {
			p := cuePath(path[start:end])
			for _, root := range roots {
				v := root.LookupPath(p)
				if !v.Exists() {
					continue
				}
				if pos := v.Pos(); pos.IsValid() {
					return pos
				}
			}
		}
	}
	return token.NoPos
}

// cuePath builds a selector path from error path elements.
func cuePath(elems []string) cue.Path {
	sels := make([]cue.Selector, 0, len(elems))
	for _, el := range elems {
		switch {
		case strings.HasPrefix(el, "#"):
			sels = append(sels, cue.Def(el))
		case isIndex(el):
			n, _ := strconv.Atoi(el)
			sels = append(sels, cue.Index(n))
		default:
			sels = append(sels, cue.Str(el))
		}
	}
	return cue.MakePath(sels...)
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
