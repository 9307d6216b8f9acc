package engine

import (
	"reflect"
	"testing"
)

func TestValidate_EmptyDocument(t *testing.T) {
	result := Validate(Document{Version: "1.0.0", Steps: []Step{}})

	if result.CanPublish() {
		t.Fatal("expected empty document to be unpublishable")
	}
	if result.Errors[0] != "Playbook must have at least one step." {
		t.Errorf("expected step-count error first, got %q", result.Errors[0])
	}
	if len(result.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", result.Warnings)
	}

	withEntry := Validate(Document{Entry: "ghost"})
	if withEntry.Errors[0] != "Playbook must have at least one step." {
		t.Errorf("expected step-count error first, got %v", withEntry.Errors)
	}
	if len(withEntry.Errors) != 2 || withEntry.Errors[1] != "Entry step ghost does not exist." {
		t.Errorf("expected missing entry error, got %v", withEntry.Errors)
	}
}

func TestValidate_Entry(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		want  string
	}{
		{name: "unset", entry: "", want: "Playbook must have an entry step."},
		{name: "missing", entry: "nope", want: "Entry step nope does not exist."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Document{Entry: tt.entry, Steps: []Step{{ID: "a", Kind: KindOutput}}}
			result := Validate(doc)
			if !reflect.DeepEqual(result.Errors, []string{tt.want}) {
				t.Errorf("expected %q, got %v", tt.want, result.Errors)
			}
		})
	}
}

func TestValidate_DanglingEdges(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindGeoIP, Next: []string{"b", "x"}},
			{ID: "b", Kind: KindWhois, Next: []string{"y", "z"}},
		},
	}

	result := Validate(doc)
	want := []string{
		"Step a references non-existent step x",
		"Step b references non-existent step y",
		"Step b references non-existent step z",
	}
	if !reflect.DeepEqual(result.Errors, want) {
		t.Errorf("expected one error per dangling edge\nwant: %v\ngot:  %v", want, result.Errors)
	}
	if result.CanPublish() {
		t.Error("expected dangling edges to block publish")
	}
}

func TestValidate_Cycle(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindGeoIP, Next: []string{"b"}},
			{ID: "b", Kind: KindWait, Next: []string{"c"}},
			{ID: "c", Kind: KindBranch, Next: []string{"a", "d"}},
			{ID: "d", Kind: KindOutput},
		},
	}

	result := Validate(doc)
	if !reflect.DeepEqual(result.Errors, []string{"Cycle detected involving step a"}) {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestValidate_SelfLoop(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{{ID: "a", Kind: KindWait, Next: []string{"a"}}},
	}

	result := Validate(doc)
	if !reflect.DeepEqual(result.Errors, []string{"Cycle detected involving step a"}) {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

func TestValidate_DiamondIsNotACycle(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindGeoIP, Next: []string{"b", "c"}},
			{ID: "b", Kind: KindWhois, Next: []string{"d"}},
			{ID: "c", Kind: KindVirusTotal, Next: []string{"d"}},
			{ID: "d", Kind: KindOutput},
		},
	}

	result := Validate(doc)
	if !result.CanPublish() || len(result.Warnings) != 0 {
		t.Errorf("expected clean result, got %+v", result)
	}
}

func TestValidate_IsolatedStepIsWarning(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindGeoIP, Next: []string{"b"}},
			{ID: "b", Kind: KindOutput},
			{ID: "lonely", Kind: KindWait},
		},
	}

	result := Validate(doc)
	if !result.CanPublish() {
		t.Fatalf("expected isolated step not to block publish, got %v", result.Errors)
	}
	if !reflect.DeepEqual(result.Warnings, []string{"Step lonely is not connected to the playbook flow"}) {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestValidate_UnreachableSubgraph(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindOutput},
			{ID: "b", Kind: KindGeoIP, Next: []string{"c"}},
			{ID: "c", Kind: KindOutput},
		},
	}

	result := Validate(doc)
	want := []string{
		"Step b is not connected to the playbook flow",
		"Step c is not connected to the playbook flow",
	}
	if !reflect.DeepEqual(result.Warnings, want) {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	doc := Document{
		Entry: "missing",
		Steps: []Step{
			{ID: "a", Kind: KindGeoIP, Next: []string{"x"}},
		},
	}

	result := Validate(doc)
	want := []string{
		"Entry step missing does not exist.",
		"Step a references non-existent step x",
	}
	if !reflect.DeepEqual(result.Errors, want) {
		t.Errorf("want %v, got %v", want, result.Errors)
	}
}

func TestValidate_EndToEndDocumentIsClean(t *testing.T) {
	doc, err := DecodeDocument([]byte(`{"version":"1.0.0","entry":"g1","steps":[
		{"id":"g1","type":"geoip","next":["o1"]},
		{"id":"o1","type":"output","params":{"text":"done"},"next":[]}]}`))
	if err != nil {
		t.Fatalf("DecodeDocument failed: %v", err)
	}

	result := Validate(doc)
	if len(result.Errors) != 0 || len(result.Warnings) != 0 {
		t.Errorf("expected zero findings, got %+v", result)
	}
}

func TestValidate_BranchTargetsMustBeSuccessors(t *testing.T) {
	doc := Document{
		Version: "1.0.0",
		Entry:   "b",
		Steps: []Step{
			{ID: "b", Kind: KindBranch, Params: map[string]interface{}{
				"condition": "True",
				"onTrue":    []interface{}{"x", "nope"},
				"onFalse":   "o",
			}, Next: []string{"o"}},
			{ID: "o", Kind: KindOutput},
			{ID: "x", Kind: KindHTTPPost, Next: []string{"b"}},
		},
	}

	result := Validate(doc)
	if result.CanPublish() {
		t.Fatal("expected branch targets outside next to block publishing")
	}
	want := []string{
		"Step b onTrue target x is not one of its next steps",
		"Step b onTrue target nope is not one of its next steps",
	}
	if !reflect.DeepEqual(result.Errors, want) {
		t.Errorf("expected %v, got %v", want, result.Errors)
	}

	doc.Steps[0].Next = []string{"o", "x"}
	doc.Steps[0].Params["onTrue"] = []interface{}{"x"}
	result = Validate(doc)
	if !reflect.DeepEqual(result.Errors, []string{"Cycle detected involving step b"}) {
		t.Errorf("expected the x -> b cycle once x is a next step, got %v", result.Errors)
	}
}

func TestBranchTargets(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want []string
	}{
		{name: "nil", in: nil, want: nil},
		{name: "strings", in: []string{"a", "b"}, want: []string{"a", "b"}},
		{name: "decoded list", in: []interface{}{"a", nil, "b"}, want: []string{"a", "b"}},
		{name: "comma string", in: " a, b ,", want: []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BranchTargets(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BranchTargets(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
