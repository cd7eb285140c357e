package memory

import "context"

// Store provides durable per-identity conversation history.
type Store interface {
	// Append creates the identity's record if absent and appends text to it.
	// It commits before returning.
	Append(ctx context.Context, identity, displayName, text string) error
	// ReadAll returns every record with its utterances in chronological order.
	ReadAll(ctx context.Context) ([]MemoryRecord, error)
	// ReadRecent returns the last n utterances of identity, oldest first. An
	// unknown identity or n <= 0 yields an empty slice.
	ReadRecent(ctx context.Context, identity string, n int) ([]Utterance, error)
	// Prune keeps the newest maxPerIdentity utterances of every identity and
	// reports how many were removed. maxPerIdentity <= 0 is a no-op.
	Prune(ctx context.Context, maxPerIdentity int) (int, error)
	Close() error
}

// Embedder turns texts into fixed-dimension vectors, one per input.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is a nearest-neighbour index that is rebuilt wholesale.
type VectorIndex interface {
	Rebuild(ctx context.Context, entries []IndexEntry) error
	Search(ctx context.Context, query []float32, k int) ([]Neighbor, error)
	Len() int
}

// Retriever answers "what should the bot remember for this message".
type Retriever interface {
	Retrieve(ctx context.Context, text string) (Retrieval, error)
}
