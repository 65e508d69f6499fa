// Package backup implements the append-only crash backup of a run.
//
// Every worker appends one line per solved step to a single shared file.
// The running process never reads the file back; it is deleted when a run
// finishes cleanly, so its presence afterwards marks an interrupted run that
// Recover can turn into a resumable archive.
package backup

// ============================================================================
// Backup Log
// Responsibility:
// 1. Append one line per step (O_APPEND, one Write per line)
// 2. Serialize appends from concurrent workers
// 3. Replay a file for recovery tooling
// ============================================================================

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileInterface is the subset of *os.File used by the log, so tests can
// substitute failing files.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Log is a shared, line-atomic append-only backup file.
type Log struct {
	mu           sync.Mutex    // serializes appends
	file         FileInterface // backup file
	path         string        // backup file path
	syncOnAppend bool          // fsync after every line
	buf          []byte        // reused line buffer
	closed       bool
	lines        int // lines written so far
}

// FileName derives a process-private backup path for a run label.
func FileName(dir, label string) string {
	label = strings.NewReplacer("/", "_", "\\", "_").Replace(label)
	return filepath.Join(dir, fmt.Sprintf("._BCKP_%s_%s.tsv", label, uuid.NewString()))
}

// Open creates or opens the backup file at path in append mode.
func Open(path string, syncOnAppend bool) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("backup: open %s: %w", path, err)
	}
	return newLog(file, path, syncOnAppend), nil
}

func newLog(file FileInterface, path string, syncOnAppend bool) *Log {
	return &Log{
		file:         file,
		path:         path,
		syncOnAppend: syncOnAppend,
		buf:          make([]byte, 0, 256),
	}
}

// Path returns the file path of the log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Lines returns the number of lines appended through this handle.
func (l *Log) Lines() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// Append writes rec as a single line. The whole line is handed to the
// kernel in one Write so lines of concurrent workers never interleave.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	l.buf = rec.AppendText(l.buf[:0])
	if _, err := l.file.Write(l.buf); err != nil {
		return fmt.Errorf("backup: append step %d: %w", rec.Step, err)
	}
	l.lines++

	if l.syncOnAppend {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("backup: sync: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the file. Closing twice is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("backup: sync: %w", err)
	}
	return l.file.Close()
}

// Delete removes the backup file. A missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("backup: delete %s: %w", path, err)
	}
	return nil
}

// Replay parses the file at path and calls handler for every record in file
// order. A trailing line without newline, left by a write torn by a crash,
// is ignored. Replay stops at the first parse or handler error.
func Replay(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("backup: read %s: %w", path, err)
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return &LineError{Line: lineNo, Cause: err}
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
}
