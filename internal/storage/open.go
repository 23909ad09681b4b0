package storage

import (
	"errors"
	"fmt"
	"strings"

	logx "brewpanel/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

type opener func(cfg Config, log logx.Logger) (Store, error)

var openers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the backend named by cfg.Driver, or (nil, nil) when the
// driver is empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := openers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	return open(cfg, log)
}
