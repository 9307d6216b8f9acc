package engine

import (
	"fmt"
	"strings"
)

// Validator messages.
const (
	msgNoSteps      = "Playbook must have at least one step."
	msgNoEntry      = "Playbook must have an entry step."
	msgMissingEntry = "Entry step %s does not exist."
	msgDangling     = "Step %s references non-existent step %s"
	msgCycle        = "Cycle detected involving step %s"
	msgDisconnected = "Step %s is not connected to the playbook flow"
	msgBranchTarget = "Step %s %s target %s is not one of its next steps"
)

// Branch params naming the successors to follow.
const (
	ParamOnTrue  = "onTrue"
	ParamOnFalse = "onFalse"
)

// Validate runs every structural and semantic check over a document and collects all
// findings. The checks run in a fixed order: steps exist, entry exists, edges resolve,
// no cycle is reachable from the entry, every step is reached from the entry.
// Unreached steps are warnings; everything else is an error.
func Validate(doc Document) ValidationResult {
	result := ValidationResult{Errors: []string{}, Warnings: []string{}}

	if len(doc.Steps) == 0 {
		result.Errors = append(result.Errors, msgNoSteps)
	}

	index := make(map[string]int, len(doc.Steps))
	for i, s := range doc.Steps {
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = i
		}
	}

	entryOK := false
	switch {
	case doc.Entry == "":
		result.Errors = append(result.Errors, msgNoEntry)
	case !hasKey(index, doc.Entry):
		result.Errors = append(result.Errors, fmt.Sprintf(msgMissingEntry, doc.Entry))
	default:
		entryOK = true
	}

	for _, s := range doc.Steps {
		for _, n := range s.Next {
			if !hasKey(index, n) {
				result.Errors = append(result.Errors, fmt.Sprintf(msgDangling, s.ID, n))
			}
		}
		if s.Kind == KindBranch {
			result.Errors = append(result.Errors, branchTargetErrors(s)...)
		}
	}

	if !entryOK {
		return result
	}

	for _, id := range findCycles(doc, index) {
		result.Errors = append(result.Errors, fmt.Sprintf(msgCycle, id))
	}

	reached := Reachable(doc)
	for _, s := range doc.Steps {
		if !reached[s.ID] {
			result.Warnings = append(result.Warnings, fmt.Sprintf(msgDisconnected, s.ID))
		}
	}

	return result
}

// branchTargetErrors reports onTrue and onFalse ids that are not successors of the step.
func branchTargetErrors(s Step) []string {
	var errs []string
	for _, param := range []string{ParamOnTrue, ParamOnFalse} {
		for _, target := range BranchTargets(s.Params[param]) {
			if !containsID(s.Next, target) {
				errs = append(errs, fmt.Sprintf(msgBranchTarget, s.ID, param, target))
			}
		}
	}
	return errs
}

// BranchTargets decodes an onTrue or onFalse param: a list of ids or a comma-separated string.
func BranchTargets(v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	case string:
		var out []string
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return []string{fmt.Sprint(val)}
	}
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func hasKey(index map[string]int, id string) bool {
	_, ok := index[id]
	return ok
}

// findCycles performs a depth-first traversal from the entry and returns, in discovery
// order, each step that was revisited while still on the traversal stack.
func findCycles(doc Document, index map[string]int) []string {
	visited := make(map[string]bool, len(doc.Steps))
	onStack := make(map[string]bool, len(doc.Steps))
	reported := make(map[string]bool)
	var cycles []string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = true
		for _, n := range doc.Steps[index[id]].Next {
			if !hasKey(index, n) {
				continue
			}
			if onStack[n] {
				if !reported[n] {
					reported[n] = true
					cycles = append(cycles, n)
				}
				continue
			}
			if !visited[n] {
				visit(n)
			}
		}
		onStack[id] = false
	}
	visit(doc.Entry)

	return cycles
}

// Reachable returns the set of existing steps reached from the entry by following next
// edges forward. Dangling edges are ignored. An unknown entry reaches nothing.
func Reachable(doc Document) map[string]bool {
	index := make(map[string]int, len(doc.Steps))
	for i, s := range doc.Steps {
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = i
		}
	}
	reached := make(map[string]bool, len(doc.Steps))
	if !hasKey(index, doc.Entry) {
		return reached
	}
	queue := []string{doc.Entry}
	reached[doc.Entry] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, n := range doc.Steps[index[id]].Next {
			if hasKey(index, n) && !reached[n] {
				reached[n] = true
				queue = append(queue, n)
			}
		}
	}
	return reached
}
