package engine

import (
	"fmt"
	"strings"
)

// ToDOT generates a DOT representation of the document for visualization.
// The output can be rendered with Graphviz tools. Unreached steps are drawn dashed
// and dangling edges point at a red placeholder node.
func ToDOT(doc Document) string {
	var sb strings.Builder

	sb.WriteString("digraph Playbook {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	reached := Reachable(doc)
	for _, s := range doc.Steps {
		label := fmt.Sprintf("%s\\n%s", escapeDOT(s.Label()), s.Kind)
		style := "filled,rounded"
		if !reached[s.ID] {
			style = "filled,rounded,dashed"
		}
		attrs := fmt.Sprintf("label=\"%s\", fillcolor=\"%s\", style=\"%s\"", label, kindColor(s.Kind), style)
		if s.ID == doc.Entry {
			attrs += ", penwidth=2"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" [%s];\n", escapeDOT(s.ID), attrs))
	}

	if len(doc.Steps) > 0 {
		sb.WriteString("\n")
	}

	missing := make(map[string]bool)
	for _, s := range doc.Steps {
		for _, n := range s.Next {
			edge := "style=solid, color=black"
			if s.OnFail.Effective() == FailStop {
				edge = "style=solid, color=darkred"
			}
			if !doc.HasStep(n) {
				edge = "style=dotted, color=red"
				missing[n] = true
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", escapeDOT(s.ID), escapeDOT(n), edge))
		}
	}

	for _, s := range doc.Steps {
		for _, n := range s.Next {
			if missing[n] {
				sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"missing\", color=red, fontcolor=red];\n", escapeDOT(n)))
				delete(missing, n)
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// kindColor returns a color for visualizing step kinds.
func kindColor(kind StepKind) string {
	switch kind {
	case KindGeoIP, KindReverseGeocode:
		return "lightgreen"
	case KindWhois, KindVirusTotal:
		return "lightblue"
	case KindHTTPGet, KindHTTPPost:
		return "lightyellow"
	case KindBranch, KindKeywordMatch:
		return "plum"
	case KindWait:
		return "lightgray"
	case KindOutput:
		return "lightsalmon"
	default:
		return "white"
	}
}
