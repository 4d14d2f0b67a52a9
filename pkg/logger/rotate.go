package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// auditFile is the size-rotated file behind the audit stream. The audit
// trail grows with every session and turn, so the writer renames the
// active file with a timestamp suffix once a write would push it past the
// size limit, then prunes old segments by count and age.
type auditFile struct {
	mu      sync.Mutex
	out     *os.File
	written int64

	path     string
	limit    int64
	keep     int
	lifetime time.Duration
}

const auditSegmentStamp = "20060102T150405.000000000"

func newAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if path == "" {
		return nil, errors.New("audit trail path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit trail directory: %w", err)
	}
	return &auditFile{
		path:     path,
		limit:    int64(maxSizeMB) * 1024 * 1024,
		keep:     maxBackups,
		lifetime: time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (a *auditFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.open(); err != nil {
		return 0, err
	}
	if a.limit > 0 && a.written+int64(len(p)) > a.limit {
		if err := a.roll(); err != nil {
			return 0, err
		}
		if err := a.open(); err != nil {
			return 0, err
		}
	}
	n, err := a.out.Write(p)
	a.written += int64(n)
	return n, err
}

func (a *auditFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return nil
	}
	err := a.out.Close()
	a.out = nil
	a.written = 0
	return err
}

// open opens the active file and picks up its current size, so restarts
// keep accumulating into the same segment.
func (a *auditFile) open() error {
	if a.out != nil {
		return nil
	}
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit trail: %w", err)
	}
	a.out = file
	a.written = info.Size()
	return nil
}

// roll seals the active file as a timestamped segment and prunes old
// segments afterwards.
func (a *auditFile) roll() error {
	if a.out != nil {
		_ = a.out.Close()
		a.out = nil
	}
	a.written = 0

	if _, err := os.Stat(a.path); err == nil {
		sealed := a.path + "." + time.Now().UTC().Format(auditSegmentStamp)
		if err := os.Rename(a.path, sealed); err != nil {
			return fmt.Errorf("seal audit segment: %w", err)
		}
	}

	a.prune()
	return nil
}

// prune removes sealed segments beyond the retention count or lifetime.
// Cleanup failures never block writes.
func (a *auditFile) prune() {
	segments := a.segments()
	// Newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(segments)))

	cutoff := time.Time{}
	if a.lifetime > 0 {
		cutoff = time.Now().UTC().Add(-a.lifetime)
	}
	for i, segment := range segments {
		if a.keep > 0 && i >= a.keep {
			_ = os.Remove(segment)
			continue
		}
		if cutoff.IsZero() {
			continue
		}
		if info, err := os.Stat(segment); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(segment)
		}
	}
}

// segments lists the sealed segments. The timestamp in the name makes
// lexicographic order match creation order.
func (a *auditFile) segments() []string {
	entries, err := os.ReadDir(filepath.Dir(a.path))
	if err != nil {
		return nil
	}
	prefix := filepath.Base(a.path) + "."
	var found []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		found = append(found, filepath.Join(filepath.Dir(a.path), entry.Name()))
	}
	return found
}
