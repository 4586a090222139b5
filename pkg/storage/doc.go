// Package storage implements operations.Repository (C2) and the checkpoint
// store (C7) over BoltDB. Each operation and checkpoint is serialized as
// JSON into its own bucket key; secondary lookups (by status, type, worker)
// are done with an in-memory scan since BoltDB has no secondary indexes.
// schema.sql documents the equivalent relational layout for a deployment
// that substitutes a real database session behind the same interface.
package storage
