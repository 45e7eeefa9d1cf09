package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	activeLogName  = "audit.log"
	rotatedLogGlob = "audit-*.log"
	defaultMaxSize = 100 * 1024 * 1024
	defaultMaxKeep = 10
)

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // directory holding audit.log and its rotations
	Rotate   bool
	MaxSize  int64 // bytes before rotation, default 100MB
	MaxFiles int   // rotated files kept, default 10

	Sync bool // fsync after every record
}

func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		BasePath: "/var/log/permgate/audit",
		Rotate:   true,
		MaxSize:  defaultMaxSize,
		MaxFiles: defaultMaxKeep,
		Sync:     true,
	}
}

// FileLogger appends audit records to BasePath/audit.log as NDJSON
type FileLogger struct {
	config FileLoggerConfig

	mu   sync.Mutex
	file *os.File
	size int64
	seq  int
}

func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultMaxSize
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = defaultMaxKeep
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{config: config}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the path of the active log file
func (l *FileLogger) Path() string {
	return filepath.Join(l.config.BasePath, activeLogName)
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}

	l.file = file
	l.size = info.Size()
	if l.config.Rotate && l.size >= l.config.MaxSize {
		return l.rotate()
	}
	return nil
}

// rotate moves the active file aside, reopens a fresh one and prunes
// rotations beyond MaxFiles. Pruning failures do not stop logging.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	l.file = nil

	// the sequence keeps names unique and ordered within one timestamp
	l.seq++
	name := fmt.Sprintf("audit-%s-%06d.log", time.Now().UTC().Format("20060102T150405.000000000"), l.seq)
	if err := os.Rename(l.Path(), filepath.Join(l.config.BasePath, name)); err != nil {
		return fmt.Errorf("failed to rotate audit log file: %w", err)
	}

	if err := l.open(); err != nil {
		return err
	}
	if err := l.prune(); err != nil {
		fmt.Fprintf(os.Stderr, "audit: failed to prune rotated logs: %v\n", err)
	}
	return nil
}

func (l *FileLogger) prune() error {
	files, err := filepath.Glob(filepath.Join(l.config.BasePath, rotatedLogGlob))
	if err != nil || len(files) <= l.config.MaxFiles {
		return err
	}

	sort.Strings(files)
	var errs []error
	for _, file := range files[:len(files)-l.config.MaxFiles] {
		if err := os.Remove(file); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log appends record as one JSON line
func (l *FileLogger) Log(ctx context.Context, record *Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("audit log file is closed")
	}
	if l.config.Rotate && l.size > 0 && l.size+int64(len(line)) > l.config.MaxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if l.config.Sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Close closes the log file. Closing twice is a no-op.
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
