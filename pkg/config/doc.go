// Package config loads the playbook service configuration and authored sources.
//
// # Configuration
//
// Load reads a YAML file, expands ${VAR} and ${VAR:-default} references, applies the
// FROYO_PLAYBOOK_DB, OPENAI_API_KEY, NATS_URL and LOG_LEVEL overrides and validates
// the result with go-playground/validator. Default returns a configuration usable
// without any file.
//
// # Sources
//
// Parser reads playbook documents and binding files written in CUE, YAML or JSON.
// CUE sources are unified with the #Playbook and #Binding definitions held by the
// SchemaRegistry, so shape errors carry file, line and column:
//
//	name: "Brute force triage"
//	playbook: {
//		entry: "geo"
//		steps: [
//			{id: "geo", type: "geoip", params: ip: "203.0.113.7", next: ["out"]},
//			{id: "out", type: "output"},
//		]
//	}
//
// A bindings file holds a top-level "bindings" list. BindingsWatcher reloads it on
// change and hands the full set to a sync function.
package config
