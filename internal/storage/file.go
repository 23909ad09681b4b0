package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "brewpanel/pkg/logx"
)

// fileStore appends JobRecords to <path> as JSON Lines and keeps the newest
// records in memory. Once the file holds twice Keep lines it is rewritten
// with only the newest Keep.
type fileStore struct {
	log  logx.Logger
	path string
	keep int

	mu     sync.Mutex
	f      *os.File
	recent []JobRecord // oldest first, len <= keep
	lines  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	recent, lines, err := replayHistory(path, cfg.Keep)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job history replay failed; starting fresh", logx.String("path", path), logx.Err(err))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, keep: cfg.Keep, f: f, recent: recent, lines: lines}, nil
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

func (s *fileStore) AppendJob(ctx context.Context, r JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("job history file closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.lines++
	s.recent = append(s.recent, r)
	if len(s.recent) > s.keep {
		s.recent = append(s.recent[:0:0], s.recent[len(s.recent)-s.keep:]...)
	}
	if s.lines >= 2*s.keep {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("job history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]JobRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// compactLocked rewrites the file with the in-memory tail.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.recent {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = s.f.Close()
	renameErr := os.Rename(tmp, s.path)
	// Reopen either way; a failed rename keeps appending to the old file.
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = nf
	if renameErr != nil {
		return renameErr
	}
	s.lines = len(s.recent)
	return nil
}

// replayHistory returns the newest keep records and the total line count.
func replayHistory(path string, keep int) ([]JobRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		out   []JobRecord
		lines int
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var r JobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Event == "" {
			continue
		}
		out = append(out, r)
		if len(out) > keep {
			out = out[1:]
		}
	}
	return out, lines, sc.Err()
}
