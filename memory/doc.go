// Package memory defines the semantic memory contracts: a vector Store of
// per-message records and an Embedder that turns text into vectors.
//
// Every message a user exchanges with the assistant is embedded and upserted
// as a Record keyed by the message ID. At the start of a turn the engine
// queries the store for the nearest prior records, scoped to the owning
// user, and injects their text as long-term context for generation.
//
// The store is an index, not a source of truth. Records are written once,
// never updated, and queried read-only; the conversation store remains
// authoritative for message content.
//
// Implementations:
//   - memory/chromem: embedded vector database (chromem-go)
//   - memory/embedder/gemini: Gemini embedding API
//   - memory/embedder/mock: deterministic hash-based embedder for tests
package memory
