package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// LogFileName is the file created inside service.log_dir.
	LogFileName = "deployhook.log"

	// The file is rotated at the first write of each day, or at maxFileMB,
	// and maxBackups rotated files are kept.
	maxBackups = 10
	maxFileMB  = 100

	dayLayout = "2006-01-02"
)

// Timestamp renders t the way every human-facing log line is prefixed.
func Timestamp(t time.Time) string {
	return t.Format("02-01-2006 15:04:05.00 -07:00")
}

// Sink receives hook output and pipeline diagnostics line by line.
// Writes never fail the caller; I/O errors are reported once to slog and dropped.
type Sink struct {
	logger *slog.Logger

	mu      sync.Mutex
	out     *lumberjack.Logger
	day     string
	now     func() time.Time
	errSeen bool
}

// NewSink returns a sink that only forwards lines to logger.
func NewSink(logger *slog.Logger) *Sink {
	return &Sink{logger: logger, now: time.Now}
}

// OpenFileSink returns a sink that forwards to logger and appends to
// dir/deployhook.log, rotating it daily. An empty dir yields a logger-only sink.
func OpenFileSink(dir string, logger *slog.Logger) (*Sink, error) {
	s := NewSink(logger)
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(dir, LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	s.day = info.ModTime().Format(dayLayout)
	s.out = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxFileMB,
		MaxBackups: maxBackups,
		LocalTime:  true,
	}
	return s, nil
}

// Log records an informational line.
func (s *Sink) Log(line string) {
	s.logger.Info(line)
	s.write(line)
}

// Error records an error line.
func (s *Sink) Error(line string) {
	s.logger.Error(line)
	s.write(line)
}

func (s *Sink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	if day := s.now().Format(dayLayout); day != s.day {
		s.day = day
		if err := s.out.Rotate(); err != nil {
			s.reportWriteError(err)
		}
	}
	if _, err := io.WriteString(s.out, line+"\n"); err != nil {
		s.reportWriteError(err)
	}
}

func (s *Sink) reportWriteError(err error) {
	if s.errSeen {
		return
	}
	s.errSeen = true
	s.logger.Warn("log file write failed, further errors suppressed", "error", err)
}

// Close releases the log file, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	return err
}
