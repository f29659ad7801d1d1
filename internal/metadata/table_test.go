package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func dataFile(symbol string, records int64) DataFile {
	return DataFile{
		Path:        "s3://bucket/zeus/exchange=binance/symbol=" + symbol + "/x.parquet",
		Format:      "PARQUET",
		FileSize:    100,
		RecordCount: records,
		Partition:   map[string]any{"exchange": "binance", "symbol": symbol, "date": "2025-08-11"},
	}
}

func TestAddSnapshotWritesMetadata(t *testing.T) {
	dir := t.TempDir()
	table, err := OpenTable(dir, "s3://bucket/zeus")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	ts := time.Unix(1700000000, 0)
	snap, err := table.AddSnapshot(ts, []DataFile{dataFile("BTCUSDT", 10), dataFile("ETHUSDT", 5)})
	if err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}
	if snap.Summary["added-records"] != "15" || snap.Summary["added-data-files"] != "2" {
		t.Errorf("unexpected summary: %v", snap.Summary)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "metadata", snap.ManifestList))
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("manifest decode: %v", err)
	}
	if len(entries) != 2 || entries[0].SnapshotID != snap.SnapshotID {
		t.Errorf("unexpected manifest entries: %+v", entries)
	}

	if err := table.WriteCatalogEntry(filepath.Join(dir, "catalog"), "market_events"); err != nil {
		t.Fatalf("catalog entry: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "catalog", "market_events.json")); err != nil {
		t.Fatalf("catalog entry not written: %v", err)
	}
}

func TestReopenContinuesHistory(t *testing.T) {
	dir := t.TempDir()
	table, err := OpenTable(dir, "s3://bucket/zeus")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	ts := time.Unix(1700000000, 0)
	first, err := table.AddSnapshot(ts, []DataFile{dataFile("BTCUSDT", 1)})
	if err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}

	reopened, err := OpenTable(dir, "s3://bucket/zeus")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Metadata().TableUUID != table.Metadata().TableUUID {
		t.Error("table uuid changed on reopen")
	}

	// same timestamp still yields a newer snapshot id
	second, err := reopened.AddSnapshot(ts, []DataFile{dataFile("BTCUSDT", 2)})
	if err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}
	if second.SnapshotID <= first.SnapshotID || second.ParentID != first.SnapshotID {
		t.Errorf("snapshot ids not increasing: first=%d second=%+v", first.SnapshotID, second)
	}
	meta := reopened.Metadata()
	if len(meta.Snapshots) != 2 || meta.CurrentSnapshotID != second.SnapshotID {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	if _, err := OpenTable(dir, "s3://other"); err == nil {
		t.Error("expected location mismatch error")
	}
}

func TestEmptySnapshotRejected(t *testing.T) {
	table, err := OpenTable(t.TempDir(), "s3://bucket")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if _, err := table.AddSnapshot(time.Now(), nil); err == nil {
		t.Error("expected error for empty snapshot")
	}
	if _, err := OpenTable("", "s3://bucket"); err == nil {
		t.Error("expected error for empty base path")
	}
}
