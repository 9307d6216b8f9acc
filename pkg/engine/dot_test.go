package engine

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

func TestToDOT_Golden(t *testing.T) {
	doc := Document{
		Version: "1.0.0",
		Entry:   "g1",
		Steps: []Step{
			{ID: "g1", Kind: KindGeoIP, Name: "Locate", Next: []string{"o1"}},
			{ID: "o1", Kind: KindOutput, Next: []string{"ghost"}},
			{ID: "x1", Kind: KindWait},
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "simple_flow", []byte(ToDOT(doc)))
}

func TestToDOT_StopEdgesAndQuotes(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindHTTPGet, Name: `say "hi"`, OnFail: FailStop, Next: []string{"b"}},
			{ID: "b", Kind: KindOutput},
		},
	}

	dot := ToDOT(doc)
	if !strings.Contains(dot, `"a" -> "b" [style=solid, color=darkred];`) {
		t.Errorf("expected stop edge styling, got:\n%s", dot)
	}
	if !strings.Contains(dot, `say \"hi\"`) {
		t.Errorf("expected escaped label, got:\n%s", dot)
	}
}
