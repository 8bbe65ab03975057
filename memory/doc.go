// Package memory provides a self-learning episodic memory for agents.
//
// The memory system records episodes (units of task experience) and retrieves
// the ones most relevant to a new task. Retrieval balances semantic similarity,
// recency and learned quality, and the indexed population is kept inside a
// configured budget by evicting low-value episodes.
//
// Architecture:
//   - EpisodeStore: canonical episode records and their lifecycle
//   - index.SpatiotemporalIndex: similarity + time index over completed episodes
//   - capacity.Manager: eviction under count or byte budgets
//   - Manager: completion and retrieval pipeline wiring the pieces together
//
// Collaborators:
//   - Embedder: text to vector (mock, ONNX, OpenAI; cached wraps any of them)
//   - Assessor: episode to quality score (heuristic, Anthropic)
//   - Store: durable write-through backend (chromem, SQLite, Postgres)
//
// Lifecycle:
//   - BeginEpisode registers a pending episode while the task runs
//   - CompleteEpisode embeds, scores, persists and indexes it
//   - Retrieve ranks indexed episodes for a query and records the access
//   - Evict or capacity pressure removes episodes from the index
package memory
