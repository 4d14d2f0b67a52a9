package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestAuditFile(t *testing.T, limit int64, keep int) (*auditFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := newAuditFile(path, 1, keep, 1)
	if err != nil {
		t.Fatalf("newAuditFile: %v", err)
	}
	a.limit = limit
	return a, path
}

func TestAuditFileRotatesAtSizeLimit(t *testing.T) {
	a, path := newTestAuditFile(t, 32, 10)
	line := []byte(strings.Repeat("x", 20) + "\n")

	for i := 0; i < 4; i++ {
		if _, err := a.Write(line); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	segments := a.segments()
	if len(segments) != 3 {
		t.Fatalf("expected 3 sealed segments, got %d: %v", len(segments), segments)
	}
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if int64(len(active)) != int64(len(line)) {
		t.Fatalf("active file should hold the last line only, got %d bytes", len(active))
	}
}

func TestAuditFilePruneHonoursRetentionCount(t *testing.T) {
	a, _ := newTestAuditFile(t, 16, 2)
	line := []byte(strings.Repeat("y", 12) + "\n")

	for i := 0; i < 6; i++ {
		if _, err := a.Write(line); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if segments := a.segments(); len(segments) > 2 {
		t.Fatalf("retention count exceeded: %v", segments)
	}
}

func TestAuditFileResumesExistingSize(t *testing.T) {
	a, path := newTestAuditFile(t, 16, 5)
	existing := strings.Repeat("z", 10)
	if err := os.WriteFile(path, []byte(existing), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// 10 existing + 10 incoming bytes crosses the limit, so the old
	// content must be sealed before the new write lands.
	if _, err := a.Write([]byte(strings.Repeat("w", 10))); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	segments := a.segments()
	if len(segments) != 1 {
		t.Fatalf("expected one sealed segment, got %v", segments)
	}
	sealed, err := os.ReadFile(segments[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(sealed) != existing {
		t.Fatalf("sealed segment should carry the pre-restart content: %q", sealed)
	}
}
