// Package policy lints playbook bindings and documents with Open Policy Agent.
//
// Each policy is a Rego module whose deny set yields violations and whose warn set
// yields advisory findings. Deny results at error or critical severity block the
// write; everything else is returned as a warning.
//
// Two policies are built in:
//
//   - binding-guardrails rejects bindings above the ceilings configured under
//     data.froyo.limits and warns about unguarded auto_run bindings.
//   - document-hygiene rejects HTTP steps whose url is not http(s) and warns
//     about plain-HTTP calls, waits above five minutes and documents without an
//     output step.
//
// Policies see the binding or document under input.binding and input.document
// with the same JSON field names the API uses:
//
//	package froyo.policies.custom
//
//	import rego.v1
//
//	deny contains msg if {
//		input.binding.mode == "auto_run"
//		input.binding.dailyQuota > 500
//		msg := "auto_run quota above 500 needs approval"
//	}
//
// The Engine satisfies guardrails.BindingPolicy, so a BindingService runs it on
// every create and update. A Loader reads extra .rego and .json policies from
// disk and can watch them for changes:
//
//	eng, _ := policy.NewEngine(logger, policy.WithData(map[string]interface{}{
//		"limits": map[string]interface{}{"maxPerMinute": 60},
//	}))
//	_ = policy.NewLoader(logger).Watch(ctx, []string{"policies/"}, func(p []policy.Policy) error {
//		return eng.ReplacePolicies(ctx, p)
//	})
package policy
