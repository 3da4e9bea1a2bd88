// Package imagepipeline provides an event-driven pipeline for ingesting
// user-uploaded images, deduplicating them by content, and generating derived
// variants per named processing configuration.
//
// The pipeline is driven by storage audit notifications delivered over an
// at-least-once queue. A single Service orchestrates resolution of the raw
// object reference, content classification, dedup by content hash, promotion
// of the raw object into its canonical content-addressed location, and a
// per-configuration job state machine that produces derived variants.
// Implementations of repositories (memory, Postgres) and object stores
// (memory, S3) are provided under subpackages.
//
// Correctness under redelivery, duplicate notifications, and concurrent
// pipeline instances relies on idempotent effects, not delivery-level dedup:
// the first committer of a canonical object/row wins and losers merge onto
// the authoritative state instead of erroring.
package imagepipeline
