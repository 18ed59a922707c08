// Package stores persists what the engine keeps between processes and runs:
// the serialized engine state written through the elevated SaveState
// operation, the history of apply sessions and a ledger of every action an
// apply executed. The SQLite implementation runs in WAL mode with embedded
// migrations.
package stores
