package memory

import "time"

// DefaultPersonality is the personality of a record nobody has customised,
// and the marker returned when there is no memory at all.
const DefaultPersonality = "friendly"

// Utterance is one stored text turn. Seq increases across all identities in
// append order.
type Utterance struct {
	ID          string
	Identity    string
	DisplayName string
	Text        string
	Seq         int64
	CreatedAt   time.Time
}

// MemoryRecord is everything remembered about one identity. Utterances are
// chronological.
type MemoryRecord struct {
	Identity    string
	DisplayName string
	Personality string
	Utterances  []Utterance
}

// Retrieval is the answer to a memory query. Recent is chronological;
// Relevant is nearest first and never repeats an utterance from Recent.
type Retrieval struct {
	Personality string
	Recent      []Utterance
	Relevant    []Utterance
}

// IndexEntry is one vector loaded into a VectorIndex.
type IndexEntry struct {
	ID     string
	Vector []float32
}

// Neighbor is a search hit. Distance is squared Euclidean.
type Neighbor struct {
	ID       string
	Distance float32
}
