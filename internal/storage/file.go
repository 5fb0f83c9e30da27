package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	logx "crontick/pkg/logx"
)

// fileStore appends runs as JSON lines. With Keep set, the file is rewritten
// down to the newest Keep lines once it holds twice that many.
type fileStore struct {
	log  logx.Logger
	path string
	keep int

	mu    sync.Mutex
	f     *os.File
	lines int
}

const maxLine = 1 << 20

func openFile(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	n, err := countLines(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	log.Debug("history file opened", logx.Int("records", n))
	return &fileStore{log: log, path: cfg.Path, keep: cfg.Keep, f: f, lines: n}, nil
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

func (s *fileStore) AppendRun(_ context.Context, r Run) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.lines++
	if s.keep > 0 && s.lines >= 2*s.keep {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("history compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, limit int) ([]Run, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	tail, err := tailLines(s.f, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		var r Run
		if err := json.Unmarshal(tail[i], &r); err != nil {
			s.log.Debug("skipping corrupt history line", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// compactLocked keeps the newest s.keep lines via a temp file and rename.
func (s *fileStore) compactLocked() error {
	keep, err := tailLines(s.f, s.keep)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	var buf bytes.Buffer
	for _, l := range keep {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	s.lines = len(keep)
	s.log.Debug("history compacted", logx.Int("records", s.lines))
	return nil
}

// tailLines returns the last n non-empty lines of f in file order.
func tailLines(f *os.File, n int) ([][]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ring := make([][]byte, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := append([]byte(nil), line...)
		if len(ring) == n {
			copy(ring, ring[1:])
			ring[n-1] = cp
		} else {
			ring = append(ring, cp)
		}
	}
	return ring, sc.Err()
}

func countLines(f *os.File) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}
