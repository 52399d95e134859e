package retrieval

import "context"

// VectorStore is the similarity index plus metadata store pair. HistoryStore
// is the production implementation; callers depend on this interface so the
// pipeline can be tested without touching disk.
type VectorStore interface {
	// Insert appends vector and rec as one entry and persists both before
	// returning the record id. An empty rec.ID is assigned a fresh id.
	Insert(ctx context.Context, vector []float32, rec Record) (string, error)

	// Search returns up to k records ordered by ascending distance. An empty
	// store yields an empty slice, not an error.
	Search(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Get resolves an exact id without vector search.
	Get(id string) (Record, error)

	// UpdateMetadata merges patch into the record's metadata and persists it.
	UpdateMetadata(ctx context.Context, id string, patch map[string]any) (Record, error)

	// Delete removes one record and its vector.
	Delete(ctx context.Context, id string) error

	// DeleteAll resets the store to empty.
	DeleteAll(ctx context.Context) error

	// Len returns the number of stored records.
	Len() int
}

// Match is a Record with its distance to the query vector attached.
type Match struct {
	Record
	Distance float32 `json:"distance"`
}
