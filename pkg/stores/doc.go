// Package stores provides persistence for playbooks, published versions, bindings,
// run records, alert enrichments and the audit trail. SQLiteStore keeps them in a
// SQLite database with embedded migrations; MemoryStore keeps them in process.
package stores
