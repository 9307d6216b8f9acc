// Package steps implements the step type registry and the built-in capabilities.
//
// Every step kind maps to exactly one engine.Capability. Lookup kinds (geoip, whois,
// virustotal, reverse_geocode) call pluggable providers; HTTP kinds call out with a
// per-call timeout; keyword_match, branch, wait and output are pure functions of the
// running context. In dry-run mode no capability reaches a provider or the network;
// each returns a representative simulated output instead.
//
//	reg := steps.NewDefaultRegistry(steps.DefaultConfig(), steps.Providers{GeoIP: geo})
//	exec := engine.NewExecutor(reg, engine.ExecutorConfig{})
package steps
