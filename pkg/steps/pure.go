package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// keywordMatch searches a context field for keywords.
// Params: keywords (list or comma separated string), field (dotted path, default
// "message"), caseSensitive. Output: matched, hits.
func keywordMatch(_ context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	keywords := stringList(req.Params["keywords"])
	if len(keywords) == 0 {
		return nil, fmt.Errorf("missing required parameter keywords")
	}
	field, _ := req.Params["field"].(string)
	if field == "" {
		field = "message"
	}
	caseSensitive := boolParam(req, "caseSensitive")

	var haystack string
	if v, ok := lookupPath(req.Context, field); ok && v != nil {
		haystack = fmt.Sprint(v)
	}
	if !caseSensitive {
		haystack = strings.ToLower(haystack)
	}

	hits := []interface{}{}
	for _, kw := range keywords {
		needle := kw
		if !caseSensitive {
			needle = strings.ToLower(kw)
		}
		if needle != "" && strings.Contains(haystack, needle) {
			hits = append(hits, kw)
		}
	}

	return &engine.CapabilityResult{
		Output: map[string]interface{}{
			"matched": len(hits) > 0,
			"hits":    hits,
		},
		Simulated: req.DryRun,
	}, nil
}

// renderOutput renders the text param as a template over the running context.
func renderOutput(_ context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	text, _ := req.Params["text"].(string)
	message, err := renderTemplate(req.StepID, text, req.Context)
	if err != nil {
		return nil, err
	}
	return &engine.CapabilityResult{
		Output:    map[string]interface{}{"message": message},
		Simulated: req.DryRun,
	}, nil
}

type waitCapability struct {
	honor bool
	max   time.Duration
}

func newWaitCapability(cfg Config) *waitCapability {
	return &waitCapability{honor: cfg.HonorWait, max: cfg.MaxWait}
}

// Execute records the requested delay and sleeps only when configured to, never in dry-run.
func (c *waitCapability) Execute(ctx context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	seconds, _, err := floatParam(req, "seconds")
	if err != nil {
		return nil, err
	}
	if seconds < 0 {
		return nil, fmt.Errorf("seconds must be >= 0, got %v", seconds)
	}

	out := map[string]interface{}{"waitSeconds": seconds, "waited": false}
	if !c.honor || req.DryRun || seconds == 0 {
		return &engine.CapabilityResult{Output: out, Simulated: req.DryRun}, nil
	}

	d := time.Duration(seconds * float64(time.Second))
	if d > c.max {
		d = c.max
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &engine.CapabilityResult{Output: out}, ctx.Err()
	case <-timer.C:
	}
	out["waited"] = true
	return &engine.CapabilityResult{Output: out}, nil
}

type branchCapability struct {
	evaluator *ConditionEvaluator
}

func newBranchCapability(evaluator *ConditionEvaluator) *branchCapability {
	return &branchCapability{evaluator: evaluator}
}

// Execute evaluates the condition param. onTrue and onFalse select which next
// successors to follow; without them a true condition follows every next step and a false one none.
func (c *branchCapability) Execute(ctx context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	condition, _ := req.Params["condition"].(string)
	value, err := c.evaluator.Evaluate(ctx, condition, req.Context)
	if err != nil {
		return nil, err
	}

	result := &engine.CapabilityResult{
		Output:    map[string]interface{}{"branch": value},
		Simulated: req.DryRun,
	}
	onTrue, hasTrue := req.Params[engine.ParamOnTrue]
	onFalse, hasFalse := req.Params[engine.ParamOnFalse]
	switch {
	case value && hasTrue:
		result.Next = nonNil(engine.BranchTargets(onTrue))
	case !value && hasFalse:
		result.Next = nonNil(engine.BranchTargets(onFalse))
	case !value:
		result.Next = []string{}
	}
	return result, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
