package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogPath = "./brewpanel.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertSender delivers a formatted record out of band, e.g. to Telegram.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// Service owns the sinks behind every Logger it hands out. Apply rebuilds
// them while loggers stay valid.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	file   *os.File
	alerts *alerter
}

// New builds the service from cfg and returns it with its root Logger.
// sender may be nil and set later with SetAlertSender.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	setupZerolog()
	s := &Service{alerts: newAlerter(sender)}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{live: s} }

func (s *Service) current() *zerolog.Logger { return s.root.Load() }

func (s *Service) SetAlertSender(sender AlertSender) { s.alerts.setSender(sender) }

// Apply swaps level and sinks. The previous log file is closed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.alerts.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		sinks = append(sinks, s.alerts)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops alert delivery and closes the log file. Loggers keep working
// but no longer reach the file.
func (s *Service) Close() error {
	s.alerts.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
