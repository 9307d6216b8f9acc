package policy

// BuiltinPolicies returns the policies shipped with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		bindingGuardrailsPolicy(),
		documentHygienePolicy(),
	}
}

// bindingGuardrailsPolicy checks binding guardrails against the configured ceilings.
// Ceilings live under data.froyo.limits and are absent unless configured.
func bindingGuardrailsPolicy() Policy {
	return Policy{
		Name:        "binding-guardrails",
		Description: "Rejects bindings above the configured guardrail ceilings and flags unguarded auto_run bindings",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package froyo.policies.bindings

import rego.v1

limit_fields := ["maxPerMinute", "maxConcurrent", "dailyQuota"]

deny contains violation if {
	input.binding
	some field in limit_fields
	ceiling := data.froyo.limits[field]
	ceiling > 0
	value := input.binding[field]
	value > ceiling
	violation := {
		"message": sprintf("%s %v exceeds the configured ceiling %v", [field, value, ceiling]),
		"target": input.binding.id,
	}
}

# An unlimited guardrail exceeds any ceiling once the binding executes.
deny contains violation if {
	input.binding.mode != "suggest"
	some field in limit_fields
	ceiling := data.froyo.limits[field]
	ceiling > 0
	input.binding[field] == 0
	violation := {
		"message": sprintf("%s binding must set %s when a ceiling of %v applies", [input.binding.mode, field, ceiling]),
		"target": input.binding.id,
	}
}

warn contains violation if {
	input.binding.mode == "auto_run"
	every field in limit_fields {
		input.binding[field] == 0
	}
	violation := {
		"message": "auto_run binding has no guardrails; every matching alert will execute the playbook",
		"target": input.binding.id,
	}
}

warn contains violation if {
	b := input.binding
	b.enabled
	count(object.get(b, "matchTypes", [])) == 0
	count(object.get(b, "matchSeverities", [])) == 0
	count(object.get(b, "matchTags", [])) == 0
	violation := {
		"message": sprintf("binding matches every alert of rule %s", [b.ruleId]),
		"target": b.id,
	}
}
`,
	}
}

// documentHygienePolicy lints playbook documents beyond structural validation.
func documentHygienePolicy() Policy {
	return Policy{
		Name:        "document-hygiene",
		Description: "Rejects HTTP steps with non-HTTP URLs and flags plain-HTTP calls, long waits and missing output",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package froyo.policies.documents

import rego.v1

http_kinds := {"http_get", "http_post"}

deny contains violation if {
	some step in input.document.steps
	step.type in http_kinds
	url := step.params.url
	is_string(url)
	not startswith(url, "{{")
	not regex.match("^https?://", url)
	violation := {
		"message": sprintf("step %s uses an unsupported url scheme: %s", [step.id, url]),
		"target": step.id,
	}
}

warn contains violation if {
	some step in input.document.steps
	step.type in http_kinds
	url := step.params.url
	is_string(url)
	startswith(url, "http://")
	violation := {
		"message": sprintf("step %s calls %s over plain http", [step.id, url]),
		"target": step.id,
	}
}

warn contains violation if {
	some step in input.document.steps
	step.type == "wait"
	seconds := step.params.seconds
	is_number(seconds)
	seconds > 300
	violation := {
		"message": sprintf("step %s waits %v seconds", [step.id, seconds]),
		"target": step.id,
	}
}

warn contains violation if {
	count(input.document.steps) > 0
	not has_output
	violation := {"message": "playbook has no output step"}
}

has_output if {
	some step in input.document.steps
	step.type == "output"
}
`,
	}
}
