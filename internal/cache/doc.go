// Package cache defines the partitioned response store used by the edge
// router. A Store holds named partitions (static-v2, api-v2, ...); each
// Partition maps a request URL to a Response snapshot whose headers carry the
// capture timestamp consumed by the freshness evaluator. Partitions enumerate
// keys in insertion order so the FIFO eviction sweep can drop the oldest
// entries first.
//
// Backends: an in-memory store for tests and single-process use, the disk
// store (temp file + rename), a database/sql store for SQLite or Postgres and
// a Redis store for deployments that share one cache across replicas.
package cache
