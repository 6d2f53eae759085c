// Package qdb is a client for the QDB entity-attribute database. Requests
// travel as JSON envelopes over HTTP: a session first fetches a client
// template from GET /make-client-id, then merges it into every POST /api
// body next to a typed "payload".
//
// Field values use the textual form qdb.<Kind>(<literal>), for example
// qdb.Float(21.5) or qdb.ConnectionState(Connected). ParseValue and Format
// convert between that form and the typed Value variants.
//
// Entities are addressed by id or by type name. ParseTarget infers which
// from the presence of IDSeparator; ByID and ByType are explicit.
//
// NewFromEnv selects between the HTTP backend and the in-memory mock from
// package mock, mirroring how the sandbox and examples run.
package qdb
