package failsafe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileSpool stores each record as an fsync'd JSON file. File names sort in
// enqueue order.
type FileSpool struct {
	dir string
	mu  sync.Mutex
}

// NewFileSpool creates the spool directory if needed.
func NewFileSpool(dir string) (*FileSpool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &FileSpool{dir: dir}, nil
}

// Enqueue writes rec durably before returning.
func (s *FileSpool) Enqueue(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spool record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := fmt.Sprintf("%020d-%s.json", rec.QueuedAt.UnixNano(), rec.ID)
	tmp, err := os.CreateTemp(s.dir, ".spool-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write spool file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("publish spool file: %w", err)
	}
	return nil
}

// Drain replays records oldest-first and deletes each one fn accepts.
func (s *FileSpool) Drain(ctx context.Context, fn Handler) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read spool dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	drained := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return drained, fmt.Errorf("read spool file %s: %w", name, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return drained, fmt.Errorf("corrupt spool file %s: %w", name, err)
		}
		if err := fn(ctx, rec); err != nil {
			return drained, err
		}
		if err := os.Remove(path); err != nil {
			return drained, fmt.Errorf("remove spool file %s: %w", name, err)
		}
		drained++
	}
	return drained, nil
}
