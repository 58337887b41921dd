package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "vsync/pkg/logx"
)

// fileStore appends entries to a JSON Lines file.
//
// Files:
//   - <path>   current journal
//   - <path>.1 previous journal, replaced on every rotation
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	path     string
	f        *os.File
	size     int64
	maxBytes int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	s := &fileStore{log: log, path: path, maxBytes: maxBytes}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) openLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f = f
	s.size = st.Size()
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendInvocation(_ context.Context, e InvocationEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if s.size > 0 && s.size+int64(len(line)) > s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := s.f.Write(line)
	s.size += int64(n)
	return err
}

func (s *fileStore) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	s.f = nil
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return err
	}
	s.log.Debug("journal rotated", logx.String("path", s.path))
	return s.openLocked()
}

// Recent scans the current and previous journal files. Unreadable lines are skipped.
func (s *fileStore) Recent(ctx context.Context, client string, n int) ([]InvocationEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	closed := s.f == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	// Newest file first; stop once n entries are found.
	var out []InvocationEntry
	for _, p := range []string{s.path, s.path + ".1"} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := tailFile(p, client, n-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		if len(out) >= n {
			break
		}
	}
	return out, nil
}

// tailFile returns the last n matching entries of path, newest first.
func tailFile(path, client string, n int) ([]InvocationEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]InvocationEntry, 0, min(n, 256))
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e InvocationEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if client != "" && e.Client != client {
			continue
		}
		if len(ring) < n {
			ring = append(ring, e)
			continue
		}
		ring[next] = e
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]InvocationEntry, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}
