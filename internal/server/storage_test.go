package server

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"strength-arena/internal/bench"
)

func testRecord(model, testID string) *bench.RunRecord {
	return &bench.RunRecord{
		ModelName:      model,
		TestID:         testID,
		TestKind:       bench.KindCapability,
		IterationCount: 1,
		Responses:      []bench.IterationResult{{Iteration: 1, Raw: "42"}},
		Timestamp:      nowRFC3339(),
	}
}

func TestSanitizeBaseName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"openai/gpt-4o", "openaigpt-4o"},
		{"model name!", "modelname"},
		{"base-001", "base"},
		{"base-001-002", "base-001"},
		{"///", "Ly8v"},
		{"", "run"},
	}
	for _, c := range cases {
		if got := SanitizeBaseName(c.in); got != c.want {
			t.Fatalf("SanitizeBaseName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValidRunID(t *testing.T) {
	valid := []string{"model-001", "a_b-C-999"}
	invalid := []string{"model", "model-1", "model-0001", "model 001", "-001", "model-001.json"}
	for _, id := range valid {
		if !ValidRunID(id) {
			t.Fatalf("%q should be valid", id)
		}
	}
	for _, id := range invalid {
		if ValidRunID(id) {
			t.Fatalf("%q should be invalid", id)
		}
	}
}

func TestFileRunStoreNextRunID(t *testing.T) {
	store, err := NewFileRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRunStore: %v", err)
	}
	ctx := context.Background()

	id, err := store.NextRunID(ctx, "modelx")
	if err != nil {
		t.Fatalf("NextRunID: %v", err)
	}
	if id != "modelx-001" {
		t.Fatalf("first id = %s", id)
	}
	if err := store.SaveRun(ctx, "modelx-007", testRecord("modelx", "t"), false); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	id, err = store.NextRunID(ctx, "modelx")
	if err != nil {
		t.Fatalf("NextRunID: %v", err)
	}
	if id != "modelx-008" {
		t.Fatalf("next id = %s, want max+1", id)
	}
}

func TestFileRunStoreExclusiveCreate(t *testing.T) {
	store, err := NewFileRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRunStore: %v", err)
	}
	ctx := context.Background()
	if err := store.SaveRun(ctx, "m-001", testRecord("m", "t"), false); err != nil {
		t.Fatalf("first save: %v", err)
	}
	err = store.SaveRun(ctx, "m-001", testRecord("m", "t"), false)
	if !errors.Is(err, ErrRunExists) {
		t.Fatalf("second save err = %v, want ErrRunExists", err)
	}
	// overwrite path replaces the record
	record := testRecord("m", "t2")
	record.RunID = "m-001"
	if err := store.SaveRun(ctx, "m-001", record, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.GetRun(ctx, "m-001")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.TestID != "t2" {
		t.Fatalf("overwrite not applied: %+v", got)
	}
}

func TestFileRunStoreRejectsLooseIDs(t *testing.T) {
	store, err := NewFileRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRunStore: %v", err)
	}
	ctx := context.Background()
	if err := store.SaveRun(ctx, "not-strict", testRecord("m", "t"), false); err == nil {
		t.Fatalf("loose id accepted")
	}
	if _, err := store.GetRun(ctx, "../escape-001"); err == nil {
		t.Fatalf("traversal id accepted")
	}
}

func TestAllocateRunConcurrentDistinctIDs(t *testing.T) {
	store, err := NewFileRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRunStore: %v", err)
	}
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			ids[slot], errs[slot] = AllocateRun(ctx, store, "modelX", testRecord("modelX", "t"))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("duplicate id allocated: %s", ids[i])
		}
		seen[ids[i]] = true
		if !ValidRunID(ids[i]) {
			t.Fatalf("allocated id %s not strict", ids[i])
		}
	}
}

func TestAllocateRunSetsRecordID(t *testing.T) {
	store, err := NewFileRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRunStore: %v", err)
	}
	record := testRecord("openai/gpt-4o", "t")
	id, err := AllocateRun(context.Background(), store, "openai/gpt-4o", record)
	if err != nil {
		t.Fatalf("AllocateRun: %v", err)
	}
	if id != "openaigpt-4o-001" {
		t.Fatalf("id = %s", id)
	}
	if record.RunID != id {
		t.Fatalf("record.RunID = %s", record.RunID)
	}
	stored, err := store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.RunID != id {
		t.Fatalf("stored RunID = %s", stored.RunID)
	}
}

func TestFileRunStoreLegacyFolderRead(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileRunStore(dir)
	if err != nil {
		t.Fatalf("NewFileRunStore: %v", err)
	}
	legacy := testRecord("m", "t")
	legacy.RunID = "m-003"
	data, _ := json.Marshal(legacy)
	if err := os.MkdirAll(filepath.Join(dir, "m-003"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "m-003", "run.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := store.GetRun(context.Background(), "m-003")
	if err != nil {
		t.Fatalf("GetRun legacy: %v", err)
	}
	if got.RunID != "m-003" {
		t.Fatalf("record = %+v", got)
	}
	entries, err := store.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(entries) != 1 || entries[0].RunID != "m-003" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestMigrateLegacyRunIDs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileRunStore(dir)
	if err != nil {
		t.Fatalf("NewFileRunStore: %v", err)
	}
	ctx := context.Background()

	legacy := testRecord("m", "t")
	legacy.RunID = "my old run"
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(filepath.Join(dir, "myoldrun.json"), data, 0o644); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	// strict records are untouched
	if err := store.SaveRun(ctx, "kept-001", testRecord("kept", "t"), false); err != nil {
		t.Fatalf("save strict: %v", err)
	}

	migrated, err := MigrateLegacyRunIDs(ctx, store)
	if err != nil {
		t.Fatalf("MigrateLegacyRunIDs: %v", err)
	}
	strictID, ok := migrated["myoldrun"]
	if !ok {
		t.Fatalf("legacy id not migrated: %v", migrated)
	}
	if strictID != "myoldrun-001" {
		t.Fatalf("strict id = %s", strictID)
	}
	record, err := store.GetRun(ctx, strictID)
	if err != nil {
		t.Fatalf("GetRun migrated: %v", err)
	}
	if record.RunID != strictID {
		t.Fatalf("migrated record RunID = %s", record.RunID)
	}
	if _, found := migrated["kept-001"]; found {
		t.Fatalf("strict record was migrated")
	}
}
