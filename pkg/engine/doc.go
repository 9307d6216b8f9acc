// Package engine provides the core types and algorithms of the playbook automation engine.
//
// # Overview
//
// A playbook is a directed graph of enrichment and notification steps (GeoIP lookup,
// WHOIS, VirusTotal, HTTP calls, branching, output) that runs against a subject such as
// an IP address, a host or a case. The engine owns four concerns:
//
//  1. Document - the editable graph of steps and its JSON wire format (Document, Step)
//  2. Validation - structural and semantic checks with distinct errors and warnings (Validate)
//  3. Execution - traversal from the entry step with per-step failure policy (Executor)
//  4. Records - the immutable step log of every execution (RunRecord)
//
// Versioning lives in package versions and alert bindings with their guardrails live in
// package guardrails; both build on the types defined here.
//
// # Documents
//
// Documents are values. The mutation helpers (AddStep, RemoveStep, Connect, SetEntry)
// return a new document and never modify their receiver:
//
//	doc := engine.NewDocument("1.0.0")
//	doc, _ = doc.AddStep(engine.Step{ID: "g1", Kind: engine.KindGeoIP})
//	doc, _ = doc.AddStep(engine.Step{ID: "o1", Kind: engine.KindOutput})
//	doc = doc.Connect("g1", "o1").SetEntry("g1")
//
// Decoding rejects unknown step kinds with a schema error but accepts graph problems such
// as a missing entry or dangling edges, so that a document can be stored while it is
// still being authored.
//
// # Validation
//
// Validate collects every finding instead of stopping at the first one:
//
//	result := engine.Validate(doc)
//	if !result.CanPublish() {
//	    return engine.NewValidationError(result)
//	}
//
// Cycles reachable from the entry step are errors. Steps outside the flow reached from
// the entry are warnings and never block publishing.
//
// # Execution
//
// The Executor walks the graph breadth-first from the entry in next order. A step that
// is reachable through several paths runs once. Each step invokes the capability
// registered for its kind; a failed step either stops the run (onFail=stop) or lets
// the traversal continue to its successors (onFail=continue). Step failures are always
// captured in the RunRecord and never returned as errors.
//
// # Error Handling
//
// Errors are classified with EngineError:
//
//   - Schema: malformed document shape, never partially applied
//   - Validation: graph problems that block publish only
//   - NotFound: unknown playbook, version or binding
//   - StepExecution: a single capability failure, recorded in the step log
//
// Use IsSchema, IsValidation, IsNotFound and ValidationFindings to inspect them.
package engine
