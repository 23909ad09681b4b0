package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const (
	EventDone   = "done"
	EventFailed = "failed"

	// DefaultKeep is how many records a backend retains.
	DefaultKeep = 5000
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Keep        int           // records retained; 0 means DefaultKeep
}

// JobRecord is one history line. Failed Jobs produce both a "done" and a
// "failed" record.
type JobRecord struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Type   string    `json:"type"`
	Name   string    `json:"name"`
	JobID  string    `json:"job_id,omitempty"`
	Error  string    `json:"error,omitempty"`
	Forced bool      `json:"forced,omitempty"`
}

// Store is the persistence API used by the recorder and the status API.
type Store interface {
	AppendJob(ctx context.Context, r JobRecord) error
	// RecentJobs returns up to limit records, newest first.
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	Close() error
}
