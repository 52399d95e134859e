package retrieval

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const manifestName = "MANIFEST"

// manifest names the generation whose index and metadata files form the
// current committed pair. Replacing it is the commit point.
type manifest struct {
	Generation uint64    `json:"generation"`
	Count      int       `json:"count"`
	Dim        int       `json:"dim"`
	Index      string    `json:"index"`
	Metadata   string    `json:"metadata"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func indexFile(gen uint64) string    { return fmt.Sprintf("index-%d.bin", gen) }
func metadataFile(gen uint64) string { return fmt.Sprintf("metadata-%d.json", gen) }

// writeFileAtomic writes data to a temp file in the same directory, syncs
// it, and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// commit writes the next generation of the pair and then the manifest
// pointing at it. Nothing the current manifest references is touched, so a
// failure at any step leaves the previous generation intact.
func (s *HistoryStore) commit(next state) error {
	if s.dir == "" {
		return nil
	}

	gen := s.gen + 1
	meta, err := marshalRecords(next.records)
	if err != nil {
		return err
	}
	m := manifest{
		Generation: gen,
		Count:      len(next.records),
		Dim:        next.index.dim,
		Index:      indexFile(gen),
		Metadata:   metadataFile(gen),
		UpdatedAt:  time.Now().UTC(),
	}
	mb, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := s.writeFile(filepath.Join(s.dir, m.Index), next.index.marshal()); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	if err := s.writeFile(filepath.Join(s.dir, m.Metadata), meta); err != nil {
		s.removeGeneration(gen)
		return fmt.Errorf("writing metadata: %w", err)
	}
	// The rename may already have happened when a later sync fails, so the
	// new files stay; the next load sweeps whichever generation lost.
	if err := s.writeFile(filepath.Join(s.dir, manifestName), mb); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	prev := s.gen
	s.gen = gen
	if prev > 0 {
		s.removeGeneration(prev)
	}
	return nil
}

func (s *HistoryStore) removeGeneration(gen uint64) {
	for _, name := range []string{indexFile(gen), metadataFile(gen)} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("history: removing stale generation file", "file", name, "error", err)
		}
	}
}

// load reads the committed generation. A missing manifest means an empty
// store.
func (s *HistoryStore) load() (state, error) {
	mb, err := os.ReadFile(filepath.Join(s.dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return state{}, nil
	}
	if err != nil {
		return state{}, fmt.Errorf("reading manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(mb, &m); err != nil {
		return state{}, fmt.Errorf("parsing manifest: %w", err)
	}

	ib, err := os.ReadFile(filepath.Join(s.dir, m.Index))
	if err != nil {
		return state{}, fmt.Errorf("reading index: %w", err)
	}
	idx, err := unmarshalIndex(ib)
	if err != nil {
		return state{}, err
	}

	rb, err := os.ReadFile(filepath.Join(s.dir, m.Metadata))
	if err != nil {
		return state{}, fmt.Errorf("reading metadata: %w", err)
	}
	records, err := unmarshalRecords(rb)
	if err != nil {
		return state{}, err
	}

	if idx.rows() != m.Count || len(records) != m.Count {
		return state{}, fmt.Errorf("generation %d out of sync: manifest %d, index %d, metadata %d",
			m.Generation, m.Count, idx.rows(), len(records))
	}
	if m.Count > 0 && idx.dim != m.Dim {
		return state{}, fmt.Errorf("generation %d: manifest dim %d, index dim %d", m.Generation, m.Dim, idx.dim)
	}

	s.gen = m.Generation
	s.sweep()
	return state{records: records, index: idx}, nil
}

// sweep removes files of other generations and temp files left by a crash
// between writing and committing.
func (s *HistoryStore) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	keep := map[string]bool{indexFile(s.gen): true, metadataFile(s.gen): true, manifestName: true}
	for _, e := range entries {
		name := e.Name()
		if keep[name] || e.IsDir() {
			continue
		}
		stale := strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-") ||
			strings.HasPrefix(name, "index-") && strings.HasSuffix(name, ".bin") ||
			strings.HasPrefix(name, "metadata-") && strings.HasSuffix(name, ".json")
		if stale {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				slog.Debug("history: removed stale file", "file", name)
			}
		}
	}
}
