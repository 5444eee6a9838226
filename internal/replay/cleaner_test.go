package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"wandersync/internal/logging"
)

func TestCleanerEnforcesMaxSessions(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	//1.- Seed three synthetic bundles plus entries that are not sessions.
	writeSessionDirectory(t, tmp, "alpha", now.Add(-3*time.Hour), 4)
	writeSessionDirectory(t, tmp, "bravo", now.Add(-2*time.Hour), 2)
	writeSessionDirectory(t, tmp, "charlie", now.Add(-time.Hour), 3)
	if err := os.WriteFile(filepath.Join(tmp, "notes.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(tmp, "scratch"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxSessions: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	stats := cleaner.RunOnce()

	remaining := listEntries(t, tmp)
	expected := []string{"bravo", "charlie", "notes.txt", "scratch"}
	if fmt.Sprint(remaining) != fmt.Sprint(expected) {
		t.Fatalf("unexpected retained entries: %v", remaining)
	}
	if stats.Sessions != 2 || stats.Removed != 1 {
		t.Fatalf("expected 2 sessions kept and 1 removed, got %+v", stats)
	}
	if stats.Bytes != 5 {
		t.Fatalf("expected byte total 5, got %d", stats.Bytes)
	}
	if !stats.LastSweep.Equal(now) || cleaner.Stats() != stats {
		t.Fatalf("expected the sweep to be published, got %+v", cleaner.Stats())
	}
}

func TestCleanerPrunesByAge(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 16, 9, 0, 0, 0, time.UTC)
	writeSessionDirectory(t, tmp, "echo-20240714T080000Z", now.Add(-72*time.Hour), 3)
	writeSessionDirectory(t, tmp, "foxtrot-20240716T070000Z", now.Add(-time.Hour), 5)

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxAge: 36 * time.Hour, MaxSessions: 5}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	remaining := listEntries(t, tmp)
	if len(remaining) != 1 || remaining[0] != "foxtrot-20240716T070000Z" {
		t.Fatalf("expected only foxtrot to remain, got %v", remaining)
	}
}

func TestCleanerNeverRemovesProtectedSession(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 16, 9, 0, 0, 0, time.UTC)
	writeSessionDirectory(t, tmp, "live", now.Add(-48*time.Hour), 1)
	writeSessionDirectory(t, tmp, "older", now.Add(-50*time.Hour), 1)
	writeSessionDirectory(t, tmp, "recent", now.Add(-time.Hour), 1)

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxAge: 24 * time.Hour, MaxSessions: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.Protect(filepath.Join(tmp, "live") + string(filepath.Separator))
	stats := cleaner.RunOnce()

	remaining := listEntries(t, tmp)
	if fmt.Sprint(remaining) != fmt.Sprint([]string{"live", "recent"}) {
		t.Fatalf("expected the protected and recent sessions to remain, got %v", remaining)
	}
	if stats.Sessions != 2 || stats.Removed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCleanerToleratesMissingDirectory(t *testing.T) {
	cleaner := NewCleaner(filepath.Join(t.TempDir(), "absent"), RetentionPolicy{MaxSessions: 1}, logging.NewTestLogger())
	if stats := cleaner.RunOnce(); stats.Sessions != 0 || stats.Removed != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
}

// writeSessionDirectory creates a bundle of one-byte files, the first of
// which is the manifest that marks the directory as a session.
func writeSessionDirectory(t *testing.T, dir, name string, mod time.Time, files int) {
	t.Helper()
	sessionDir := filepath.Join(dir, name)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for i := 0; i < files; i++ {
		fileName := fmt.Sprintf("part-%d.bin", i)
		if i == 0 {
			fileName = ManifestFile
		}
		path := filepath.Join(sessionDir, fileName)
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("Chtimes file: %v", err)
		}
	}
}

func listEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}
