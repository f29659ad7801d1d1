// Package metadata keeps an Iceberg style table description of the parquet
// objects the recorder uploads, so query engines can discover each flush as
// a snapshot without listing the bucket.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	formatVersion = 2
	metadataFile  = "metadata.json"

	statusAdded = 1
)

// DataFile describes one parquet object written for a flush.
type DataFile struct {
	Path        string         `json:"file_path"`
	Format      string         `json:"file_format"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
}

type ManifestEntry struct {
	Status     int      `json:"status"`
	SnapshotID int64    `json:"snapshot_id"`
	DataFile   DataFile `json:"data_file"`
}

type Snapshot struct {
	SnapshotID   int64             `json:"snapshot-id"`
	ParentID     int64             `json:"parent-snapshot-id,omitempty"`
	TimestampMs  int64             `json:"timestamp-ms"`
	ManifestList string            `json:"manifest-list"`
	Summary      map[string]string `json:"summary"`
}

type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	LastUpdatedMs     int64      `json:"last-updated-ms"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Table appends snapshots to the metadata kept under basePath. Reopening an
// existing table continues its snapshot history.
type Table struct {
	mu       sync.Mutex
	basePath string
	meta     TableMetadata
}

// OpenTable loads basePath/metadata/metadata.json or starts a new table for
// location (the object store prefix the data files live under).
func OpenTable(basePath, location string) (*Table, error) {
	if basePath == "" {
		return nil, errors.New("metadata: base path is required")
	}
	t := &Table{basePath: basePath}

	raw, err := os.ReadFile(t.metadataPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &t.meta); err != nil {
			return nil, fmt.Errorf("metadata: decode %s: %w", t.metadataPath(), err)
		}
		if t.meta.Location != location {
			return nil, fmt.Errorf("metadata: table at %s tracks %q, not %q", basePath, t.meta.Location, location)
		}
	case errors.Is(err, os.ErrNotExist):
		t.meta = TableMetadata{
			FormatVersion: formatVersion,
			TableUUID:     uuid.NewString(),
			Location:      location,
		}
	default:
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return t, nil
}

func (t *Table) metadataPath() string {
	return filepath.Join(t.basePath, "metadata", metadataFile)
}

// AddSnapshot records files as one snapshot committed at ts.
func (t *Table) AddSnapshot(ts time.Time, files []DataFile) (Snapshot, error) {
	if len(files) == 0 {
		return Snapshot{}, errors.New("metadata: snapshot without data files")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id := ts.UnixNano()
	if id <= t.meta.CurrentSnapshotID {
		id = t.meta.CurrentSnapshotID + 1
	}

	var records, size int64
	entries := make([]ManifestEntry, 0, len(files))
	for _, df := range files {
		records += df.RecordCount
		size += df.FileSize
		entries = append(entries, ManifestEntry{Status: statusAdded, SnapshotID: id, DataFile: df})
	}

	manifest := fmt.Sprintf("manifest-%d.json", id)
	if err := writeJSON(filepath.Join(t.basePath, "metadata", manifest), entries); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		SnapshotID:   id,
		ParentID:     t.meta.CurrentSnapshotID,
		TimestampMs:  ts.UnixMilli(),
		ManifestList: manifest,
		Summary: map[string]string{
			"operation":        "append",
			"added-data-files": fmt.Sprint(len(files)),
			"added-records":    fmt.Sprint(records),
			"added-files-size": fmt.Sprint(size),
		},
	}

	next := t.meta
	next.Snapshots = append(append([]Snapshot(nil), t.meta.Snapshots...), snap)
	next.CurrentSnapshotID = id
	next.LastUpdatedMs = ts.UnixMilli()
	if err := writeJSON(t.metadataPath(), next); err != nil {
		return Snapshot{}, err
	}
	t.meta = next
	return snap, nil
}

// Metadata returns a copy of the current table metadata.
func (t *Table) Metadata() TableMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.meta
	m.Snapshots = append([]Snapshot(nil), t.meta.Snapshots...)
	return m
}

// WriteCatalogEntry points catalogDir/<name>.json at the table metadata.
func (t *Table) WriteCatalogEntry(catalogDir, name string) error {
	entry := map[string]string{
		"name":              name,
		"table_uuid":        t.meta.TableUUID,
		"metadata_location": t.metadataPath(),
	}
	return writeJSON(filepath.Join(catalogDir, name+".json"), entry)
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
