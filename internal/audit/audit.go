package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/session-monitor/internal/logging"
)

var log = logging.L("audit")

// Event types for audit logging.
const (
	EventServiceStart      = "service_start"
	EventServiceStop       = "service_stop"
	EventConfigLoaded      = "config_loaded"
	EventProcessTerminated = "process_terminated"
	EventTerminationFailed = "termination_failed"
	EventLogRotated        = "log_rotated"
)

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventServiceStart:      true,
	EventServiceStop:       true,
	EventProcessTerminated: true,
}

// Entry is a single audit log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	BatchID   string         `json:"batchId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes tamper-evident JSONL audit records chained by SHA-256.
// After rotation the first record of the new file is an EventLogRotated
// sentinel whose prevHash links to the last record of the old file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger creates an audit logger writing to {dir}/audit.jsonl.
func NewLogger(dir string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(dir, "audit.jsonl"),
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   "genesis",
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}
	if h := lastEntryHash(l.filePath); h != "" {
		l.prevHash = h
	}

	log.Info("audit logger started", "path", l.filePath)
	return l, nil
}

// Log appends one entry. The hash chain only advances after a successful
// write, so a failed write leaves the next entry linked to the same hash.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Log(eventType, batchID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.dropped.Add(1)
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		BatchID:   batchID,
		Details:   details,
		PrevHash:  l.prevHash,
	}

	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
		// rotate wrote a sentinel; relink before writing.
		entry.PrevHash = l.prevHash
		if data, err = seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	if err := l.write(data); err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync critical audit entry", logging.KeyError, err, "eventType", eventType)
		}
	}
}

// Close flushes and closes the audit log file.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// Path returns the active audit file path.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// seal computes the entry hash, stores it on the entry and returns the
// encoded JSONL line.
func seal(entry *Entry) ([]byte, error) {
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash hashes length-prefixed fields so a value containing a
// separator cannot collide with a different field split.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.BatchID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify re-reads an audit file and checks every entry hash and link.
// It returns the number of entries checked.
func Verify(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	n := 0
	prev := ""
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return n, fmt.Errorf("entry %d: %w", n+1, err)
		}
		want, err := computeHash(entry)
		if err != nil {
			return n, err
		}
		if want != entry.EntryHash {
			return n, fmt.Errorf("entry %d: %w", n+1, ErrTampered)
		}
		if prev != "" && entry.PrevHash != prev {
			return n, fmt.Errorf("entry %d: %w", n+1, ErrBrokenChain)
		}
		prev = entry.EntryHash
		n++
	}
	return n, nil
}

var (
	ErrTampered    = errors.New("audit: entry hash mismatch")
	ErrBrokenChain = errors.New("audit: hash chain broken")
)

// lastEntryHash returns the hash of the final entry in path so a restarted
// service continues the existing chain.
func lastEntryHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	var entry Entry
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		return ""
	}
	return entry.EntryHash
}

func (l *Logger) write(data []byte) error {
	n, err := l.file.Write(data)
	l.written += int64(n)
	return err
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	linkTo := l.prevHash

	if err := l.file.Close(); err != nil {
		log.Warn("audit log rotation: close failed", logging.KeyError, err)
	}
	l.file = nil

	for i := l.maxBackups; i >= 1; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit log rotation: failed to remove oldest backup", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit log rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  linkTo,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	data, err := seal(&sentinel)
	if err == nil {
		err = l.write(data)
	}
	if err != nil {
		log.Error("rotation sentinel failed, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}
