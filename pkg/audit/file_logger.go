package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	activeFile     = "takgate-audit.log"
	rotatedPrefix  = "takgate-audit-"
	rotatedSuffix  = ".log"
	rotatedLayout  = "20060102T150405.000000000Z"
	defaultMaxSize = 64 << 20
	defaultKeep    = 8
)

// FileLoggerConfig configures FileLogger
type FileLoggerConfig struct {
	Dir      string
	MaxSize  int64 // bytes written to the active file before it is rotated; 0 uses the default
	MaxFiles int   // rotated files kept next to the active one; 0 uses the default
}

// FileLogger appends audit events as JSON lines to Dir/takgate-audit.log.
// Once MaxSize bytes have been written the file is renamed with a UTC
// timestamp and a fresh one is started; only the newest MaxFiles rotated
// files are kept.
type FileLogger struct {
	dir      string
	maxSize  int64
	maxFiles int
	now      func() time.Time

	mu      sync.Mutex
	file    *os.File
	written int64
}

// NewFileLogger creates Dir if needed and opens the active file for append
func NewFileLogger(cfg FileLoggerConfig) (*FileLogger, error) {
	if cfg.Dir == "" {
		return nil, errors.New("audit log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{
		dir:      cfg.Dir,
		maxSize:  cfg.MaxSize,
		maxFiles: cfg.MaxFiles,
		now:      time.Now,
	}
	if l.maxSize <= 0 {
		l.maxSize = defaultMaxSize
	}
	if l.maxFiles <= 0 {
		l.maxFiles = defaultKeep
	}

	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the active file
func (l *FileLogger) Path() string {
	return filepath.Join(l.dir, activeFile)
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

// Log appends one line. Rotation happens before the write that would cross
// MaxSize, so a single event is never split across files.
func (l *FileLogger) Log(_ context.Context, event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("audit log is closed")
	}
	if l.written > 0 && l.written+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	l.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	l.file = nil

	name := rotatedPrefix + l.now().UTC().Format(rotatedLayout) + rotatedSuffix
	if err := os.Rename(l.Path(), filepath.Join(l.dir, name)); err != nil {
		return fmt.Errorf("failed to rotate audit log file: %w", err)
	}
	if err := l.prune(); err != nil {
		return err
	}
	return l.open()
}

// prune drops the oldest rotated files beyond maxFiles. Rotated names sort
// chronologically.
func (l *FileLogger) prune() error {
	rotated, err := rotatedFiles(l.dir)
	if err != nil {
		return err
	}
	for len(rotated) > l.maxFiles {
		if err := os.Remove(rotated[0]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove old audit log: %w", err)
		}
		rotated = rotated[1:]
	}
	return nil
}

// Close closes the active file. Later calls to Log fail.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func rotatedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, rotatedPrefix) && strings.HasSuffix(name, rotatedSuffix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ReadEvents returns the newest limit events in dir that satisfy match,
// oldest first, reading rotated files before the active one. A nil match
// accepts everything and limit <= 0 returns every match. Lines that do not
// decode are skipped.
func ReadEvents(dir string, limit int, match func(*AuditEvent) bool) ([]*AuditEvent, error) {
	files, err := rotatedFiles(dir)
	if err != nil {
		return nil, err
	}
	files = append(files, filepath.Join(dir, activeFile))

	var events []*AuditEvent
	for _, name := range files {
		f, err := os.Open(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			event, err := FromJSON(scanner.Bytes())
			if err != nil {
				continue
			}
			if match != nil && !match(event) {
				continue
			}
			events = append(events, event)
			if limit > 0 && len(events) > limit {
				events = events[1:]
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read audit log %s: %w", filepath.Base(name), err)
		}
	}
	return events, nil
}
