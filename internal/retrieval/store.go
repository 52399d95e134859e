package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/askcube/internal/apperrors"
)

// Compile-time check that HistoryStore implements VectorStore.
var _ VectorStore = (*HistoryStore)(nil)

// MemoryDir opens a HistoryStore that is never written to disk.
const MemoryDir = ":memory:"

// state is one consistent view of the index/metadata pair. Mutations build
// a new state, persist it, and only then install it.
type state struct {
	records []Record
	index   flatIndex
}

// HistoryStore keeps the similarity index and the metadata store in
// lockstep: row n of the index belongs to records[n]. All mutations hold
// the write lock across modify and persist.
type HistoryStore struct {
	dir string
	gen uint64

	mu   sync.RWMutex
	cur  state
	byID map[string]int

	// writeFile is replaced in tests to inject write failures.
	writeFile func(path string, data []byte) error
}

// OpenHistoryStore loads the store persisted in dir, creating the
// directory when needed. MemoryDir yields a non-persistent store.
func OpenHistoryStore(dir string) (*HistoryStore, error) {
	s := &HistoryStore{writeFile: writeFileAtomic, byID: map[string]int{}}
	if dir == MemoryDir {
		return s, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating history dir: %v", apperrors.ErrPersistence, err)
	}
	s.dir = filepath.Clean(dir)

	st, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("%w: loading history from %s: %v", apperrors.ErrPersistence, dir, err)
	}
	byID, err := indexIDs(st.records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}
	s.cur, s.byID = st, byID
	return s, nil
}

func indexIDs(records []Record) (map[string]int, error) {
	byID := make(map[string]int, len(records))
	for i, r := range records {
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate record id %s", r.ID)
		}
		byID[r.ID] = i
	}
	return byID, nil
}

// install replaces the current state after a successful commit.
func (s *HistoryStore) install(next state) {
	s.cur = next
	s.byID, _ = indexIDs(next.records)
}

// Insert appends vector and rec and persists the pair before returning.
func (s *HistoryStore) Insert(ctx context.Context, vector []float32, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(vector) == 0 {
		return "", fmt.Errorf("%w: empty vector", apperrors.ErrInvalidInput)
	}

	rec = rec.clone()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Metadata == nil {
		rec.Metadata = Metadata{}
	}
	rec.Metadata = FlattenMetadata(rec.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return "", fmt.Errorf("%w: record %s already exists", apperrors.ErrInvalidInput, rec.ID)
	}
	if s.cur.index.dim != 0 && len(vector) != s.cur.index.dim {
		return "", fmt.Errorf("%w: vector has %d dimensions, index has %d", apperrors.ErrInvalidInput, len(vector), s.cur.index.dim)
	}

	next := state{
		records: append(s.cur.records[:len(s.cur.records):len(s.cur.records)], rec),
		index:   s.cur.index.with(vector),
	}
	if err := s.commit(next); err != nil {
		return "", fmt.Errorf("%w: inserting %s: %v", apperrors.ErrPersistence, rec.ID, err)
	}
	s.cur = next
	s.byID[rec.ID] = len(next.records) - 1
	return rec.ID, nil
}

// Search returns up to k records nearest to vector. No threshold is
// applied here.
func (s *HistoryStore) Search(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cur.index.rows() == 0 || k <= 0 {
		return []Match{}, nil
	}
	if len(vector) != s.cur.index.dim {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d", apperrors.ErrInvalidInput, len(vector), s.cur.index.dim)
	}

	hits := s.cur.index.search(vector, k)
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = Match{Record: s.cur.records[h.pos].clone(), Distance: h.dist}
	}
	return out, nil
}

// Get resolves id through the id map.
func (s *HistoryStore) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.byID[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: record %s", apperrors.ErrNotFound, id)
	}
	return s.cur.records[pos].clone(), nil
}

// UpdateMetadata merges patch into the metadata of id. Keys in patch
// overwrite existing keys; a nil value stores JSON null. The vector is left
// alone since the query text never changes.
func (s *HistoryStore) UpdateMetadata(ctx context.Context, id string, patch map[string]any) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.byID[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: record %s", apperrors.ErrNotFound, id)
	}

	updated := s.cur.records[pos].clone()
	for k, v := range FlattenMetadata(patch) {
		updated.Metadata[k] = v
	}

	records := make([]Record, len(s.cur.records))
	copy(records, s.cur.records)
	records[pos] = updated
	next := state{records: records, index: s.cur.index}

	if err := s.commit(next); err != nil {
		return Record{}, fmt.Errorf("%w: updating %s: %v", apperrors.ErrPersistence, id, err)
	}
	s.cur = next
	return updated.clone(), nil
}

// Delete removes one record and its index row. The remaining rows keep
// their vectors, so no embedding calls are made.
func (s *HistoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: record %s", apperrors.ErrNotFound, id)
	}

	records := make([]Record, 0, len(s.cur.records)-1)
	records = append(records, s.cur.records[:pos]...)
	records = append(records, s.cur.records[pos+1:]...)
	next := state{records: records, index: s.cur.index.without(pos)}

	if err := s.commit(next); err != nil {
		return fmt.Errorf("%w: deleting %s: %v", apperrors.ErrPersistence, id, err)
	}
	s.install(next)
	return nil
}

// DeleteAll empties the store as a single generation.
func (s *HistoryStore) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.commit(state{}); err != nil {
		return fmt.Errorf("%w: clearing history: %v", apperrors.ErrPersistence, err)
	}
	s.install(state{})
	return nil
}

// BatchEmbedder embeds many texts at once. Embedder implements it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// RebuildStats summarizes a Rebuild run.
type RebuildStats struct {
	Reembedded int           `json:"reembedded"`
	Kept       int           `json:"kept"`
	Dropped    int           `json:"dropped"`
	Dim        int           `json:"dim"`
	Duration   time.Duration `json:"duration"`
}

// Rebuild recomputes every record's vector from its query text. Embedding
// runs against a snapshot without holding the lock. At swap time, records
// inserted since the snapshot keep the vectors they were inserted with and
// records deleted since the snapshot stay deleted.
func (s *HistoryStore) Rebuild(ctx context.Context, embedder BatchEmbedder) (RebuildStats, error) {
	start := time.Now()

	s.mu.RLock()
	ids := make([]string, len(s.cur.records))
	texts := make([]string, len(s.cur.records))
	for i, r := range s.cur.records {
		ids[i], texts[i] = r.ID, r.Query
	}
	s.mu.RUnlock()

	var stats RebuildStats
	if len(ids) == 0 {
		return stats, nil
	}

	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return stats, fmt.Errorf("re-embedding history: %w", err)
	}
	if len(vecs) != len(ids) {
		return stats, fmt.Errorf("re-embedding history: got %d vectors for %d records", len(vecs), len(ids))
	}
	dim := len(vecs[0])
	fresh := make(map[string][]float32, len(ids))
	for i, v := range vecs {
		if len(v) == 0 || len(v) != dim {
			return stats, fmt.Errorf("%w: inconsistent embedding dimensions in rebuild", apperrors.ErrInvalidInput)
		}
		fresh[ids[i]] = v
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := state{
		records: make([]Record, len(s.cur.records)),
		index:   flatIndex{dim: dim, data: make([]float32, 0, len(s.cur.records)*dim)},
	}
	copy(next.records, s.cur.records)
	for pos, r := range s.cur.records {
		v, ok := fresh[r.ID]
		if ok {
			stats.Reembedded++
		} else {
			v = s.cur.index.row(pos)
			if len(v) != dim {
				return RebuildStats{}, fmt.Errorf("%w: record %s was inserted with %d dimensions during a rebuild producing %d",
					apperrors.ErrInvalidInput, r.ID, len(v), dim)
			}
			stats.Kept++
		}
		next.index.data = append(next.index.data, v...)
	}
	stats.Dropped = len(ids) - stats.Reembedded

	if err := s.commit(next); err != nil {
		return RebuildStats{}, fmt.Errorf("%w: committing rebuild: %v", apperrors.ErrPersistence, err)
	}
	s.install(next)

	stats.Dim = dim
	stats.Duration = time.Since(start)
	return stats, nil
}

// List returns up to limit records starting at offset in insertion order,
// plus the total count. A non-positive limit returns everything after
// offset.
func (s *HistoryStore) List(offset, limit int) ([]Record, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.cur.records)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []Record{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]Record, 0, end-offset)
	for _, r := range s.cur.records[offset:end] {
		out = append(out, r.clone())
	}
	return out, total
}

// Len returns the number of stored records.
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cur.records)
}

// Dim returns the vector dimension, or 0 for an empty store.
func (s *HistoryStore) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.index.dim
}
