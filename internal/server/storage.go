package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"strength-arena/internal/bench"
)

var (
	// ErrRunExists is the distinct collision failure AllocateRun retries on.
	ErrRunExists = errors.New("run id already exists")
	// ErrRunNotFound is returned by reads for unknown strict ids.
	ErrRunNotFound = errors.New("run not found")

	strictRunIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+-\d{3}$`)
	legacyRunIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,120}$`)

	sanitizeRe    = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	trailingSeqRe = regexp.MustCompile(`-\d{3}$`)
)

// RunStore persists completed run records under strict ids. SaveRun with
// overwrite=false must be an atomic create-if-absent, failing with
// ErrRunExists on collision; AllocateRun depends on that atomicity.
type RunStore interface {
	NextRunID(ctx context.Context, base string) (string, error)
	SaveRun(ctx context.Context, runID string, record *bench.RunRecord, overwrite bool) error
	GetRun(ctx context.Context, runID string) (*bench.RunRecord, error)
	ListRuns(ctx context.Context) ([]RunListEntry, error)
}

// ValidRunID reports whether id matches the strict <base>-NNN form.
func ValidRunID(id string) bool {
	return strictRunIDRe.MatchString(id)
}

// SanitizeBaseName strips everything outside [A-Za-z0-9_-] and any
// trailing -NNN suffix so generated ids never stack sequence numbers.
// A name that sanitizes to nothing falls back to a reversible encoding
// of the original, or "run" as the last resort.
func SanitizeBaseName(raw string) string {
	sanitized := sanitizeRe.ReplaceAllString(raw, "")
	sanitized = trailingSeqRe.ReplaceAllString(sanitized, "")
	if sanitized != "" {
		return sanitized
	}
	encoded := base64.RawURLEncoding.EncodeToString([]byte(raw))
	if len(encoded) > 10 {
		encoded = encoded[:10]
	}
	sanitized = sanitizeRe.ReplaceAllString(encoded, "")
	sanitized = trailingSeqRe.ReplaceAllString(sanitized, "")
	if sanitized == "" {
		return "run"
	}
	return sanitized
}

const allocateAttempts = 5

// AllocateRun assigns record the next free <base>-NNN id and persists it
// with exclusive-create semantics. Two concurrent allocations can race to
// the same sequence number; collisions retry with fresh id generation and
// exponential backoff, escalating only after the attempt budget runs out.
func AllocateRun(ctx context.Context, store RunStore, baseNameSource string, record *bench.RunRecord) (string, error) {
	base := SanitizeBaseName(baseNameSource)
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		runID, err := store.NextRunID(ctx, base)
		if err != nil {
			return "", fmt.Errorf("next run id: %w", err)
		}
		record.RunID = runID
		err = store.SaveRun(ctx, runID, record, false)
		if err == nil {
			return runID, nil
		}
		if !errors.Is(err, ErrRunExists) {
			return "", err
		}
		if attempt >= allocateAttempts {
			return "", fmt.Errorf("allocate run id for %s: %d attempts exhausted: %w", base, allocateAttempts, err)
		}
		slog.Warn("run id collision, retrying", "run_id", runID, "attempt", attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}
}

// FileRunStore keeps one <runId>.json per run under a results directory.
// Reads also understand the legacy <runId>/run.json folder layout; new
// writes are flat files only.
type FileRunStore struct {
	root string
}

func NewFileRunStore(root string) (*FileRunStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("results directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}
	return &FileRunStore{root: root}, nil
}

func (s *FileRunStore) NextRunID(ctx context.Context, base string) (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("scan results directory: %w", err)
	}
	maxSeq := 0
	prefix := base + "-"
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		stem := strings.TrimSuffix(name, ".json")
		if !strings.HasPrefix(stem, prefix) {
			continue
		}
		suffix := stem[len(prefix):]
		if len(suffix) != 3 {
			continue
		}
		seq, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return fmt.Sprintf("%s-%03d", base, maxSeq+1), nil
}

func (s *FileRunStore) SaveRun(ctx context.Context, runID string, record *bench.RunRecord, overwrite bool) error {
	if !ValidRunID(runID) {
		return fmt.Errorf("invalid run id: %s", runID)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	target := filepath.Join(s.root, runID+".json")

	if !overwrite {
		// Exclusive create is the atomic reservation the allocator
		// relies on.
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("reserve %s: %w", runID, ErrRunExists)
			}
			return fmt.Errorf("reserve run file: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write run file: %w", err)
		}
		return f.Sync()
	}

	tmp, err := os.CreateTemp(s.root, "."+runID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp run file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace run file: %w", err)
	}
	return nil
}

func (s *FileRunStore) GetRun(ctx context.Context, runID string) (*bench.RunRecord, error) {
	if !ValidRunID(runID) {
		return nil, fmt.Errorf("invalid run id: %s", runID)
	}
	data, err := os.ReadFile(filepath.Join(s.root, runID+".json"))
	if os.IsNotExist(err) {
		// legacy folder layout
		data, err = os.ReadFile(filepath.Join(s.root, runID, "run.json"))
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("read run file: %w", err)
	}
	var record bench.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode run file: %w", err)
	}
	return &record, nil
}

func (s *FileRunStore) ListRuns(ctx context.Context) ([]RunListEntry, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan results directory: %w", err)
	}
	byID := map[string]RunListEntry{}
	for _, entry := range entries {
		var data []byte
		var readErr error
		if entry.IsDir() {
			data, readErr = os.ReadFile(filepath.Join(s.root, entry.Name(), "run.json"))
		} else if strings.HasSuffix(entry.Name(), ".json") {
			data, readErr = os.ReadFile(filepath.Join(s.root, entry.Name()))
		} else {
			continue
		}
		if readErr != nil {
			continue
		}
		var record bench.RunRecord
		if json.Unmarshal(data, &record) != nil {
			continue
		}
		runID := record.RunID
		if runID == "" {
			runID = strings.TrimSuffix(entry.Name(), ".json")
		}
		if !ValidRunID(runID) {
			continue
		}
		item := RunListEntry{
			RunID:          runID,
			Timestamp:      record.Timestamp,
			ModelName:      record.ModelName,
			TestID:         record.TestID,
			TestKind:       string(record.TestKind),
			IterationCount: record.IterationCount,
		}
		// Prefer the strict flat file when a legacy duplicate exists.
		if _, dup := byID[runID]; !dup || entry.Name() == runID+".json" {
			byID[runID] = item
		}
	}
	out := make([]RunListEntry, 0, len(byID))
	for _, item := range byID {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out, nil
}

// MigrateLegacyRunIDs is a once-per-process pass rewriting stored records
// whose ids predate the strict <base>-NNN form. Targets that already
// exist are skipped, never clobbered. Returns legacy id -> strict id for
// everything migrated.
func MigrateLegacyRunIDs(ctx context.Context, store *FileRunStore) (map[string]string, error) {
	entries, err := os.ReadDir(store.root)
	if err != nil {
		return nil, fmt.Errorf("scan results directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	migrated := map[string]string{}
	for _, name := range names {
		var sourcePath, sourceID string
		info, err := os.Stat(filepath.Join(store.root, name))
		if err != nil {
			continue
		}
		if info.IsDir() {
			sourcePath = filepath.Join(store.root, name, "run.json")
			sourceID = name
			if _, err := os.Stat(sourcePath); err != nil {
				continue
			}
		} else if strings.HasSuffix(name, ".json") {
			sourcePath = filepath.Join(store.root, name)
			sourceID = strings.TrimSuffix(name, ".json")
		} else {
			continue
		}

		if strictRunIDRe.MatchString(sourceID) || !legacyRunIDRe.MatchString(sourceID) {
			continue
		}

		data, err := os.ReadFile(sourcePath)
		if err != nil {
			slog.Warn("skipping legacy run migration", "entry", name, "error", err)
			continue
		}
		var record bench.RunRecord
		if err := json.Unmarshal(data, &record); err != nil {
			slog.Warn("skipping legacy run migration", "entry", name, "error", err)
			continue
		}

		base := SanitizeBaseName(sourceID)
		strictID, err := store.NextRunID(ctx, base)
		if err != nil {
			return migrated, err
		}
		record.RunID = strictID
		if err := store.SaveRun(ctx, strictID, &record, false); err != nil {
			if errors.Is(err, ErrRunExists) {
				continue
			}
			slog.Warn("skipping legacy run migration", "entry", name, "error", err)
			continue
		}
		migrated[sourceID] = strictID
	}
	return migrated, nil
}
