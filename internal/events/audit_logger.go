package events

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/slawarden/internal/model"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// Entry kinds written to the audit log.
const (
	KindSLAEvent   = "sla_event"
	KindDeadLetter = "timer_dead_letter"
	KindRequeue    = "timer_requeue"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp   time.Time         `json:"timestamp"`
	Kind        string            `json:"kind"`
	EventID     string            `json:"event_id,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	EventType   model.EventType   `json:"event_type,omitempty"`
	Severity    model.Severity    `json:"severity,omitempty"`
	SLAType     model.SLAType     `json:"sla_type,omitempty"`
	Level       int               `json:"escalation_level"`
	Recipient   string            `json:"recipient,omitempty"`
	NotifyCount int               `json:"notify_count,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Checksum    string            `json:"checksum,omitempty"`
}

// AuditLogger appends SLA notices and operational alerts to a JSONL file,
// rotating it into an archive directory once it exceeds maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
	now             func() time.Time
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
		now:     func() time.Time { return time.Now().UTC() },
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Deliver makes the audit log an emitter Sink.
func (l *AuditLogger) Deliver(_ context.Context, n Notice) error {
	return l.RecordEvent(n.Event())
}

func (l *AuditLogger) Name() string { return "audit" }

// RecordEvent appends an SLA event.
func (l *AuditLogger) RecordEvent(ev model.SLAEvent) error {
	entry := LogEntry{
		Timestamp:   l.now(),
		Kind:        KindSLAEvent,
		EventID:     ev.ID,
		TaskID:      ev.TaskID,
		EventType:   ev.EventType,
		Severity:    ev.Severity,
		SLAType:     ev.SLAType,
		Level:       ev.EscalationLevel,
		Recipient:   ev.Recipient,
		NotifyCount: ev.NotifyCount,
		Details: map[string]string{
			"expected_deadline": ev.ExpectedDeadline.Format(time.RFC3339Nano),
		},
	}
	return l.WriteEntry(&entry)
}

// RecordTimer appends an operational entry about a timer, such as a dead letter.
func (l *AuditLogger) RecordTimer(kind string, t model.Timer, reason string) error {
	entry := LogEntry{
		Timestamp: l.now(),
		Kind:      kind,
		TaskID:    t.TaskID,
		SLAType:   t.SLAType,
		Level:     t.EscalationLevel,
		Details: map[string]string{
			"purpose":    string(t.Purpose),
			"generation": fmt.Sprint(t.Generation),
			"attempts":   fmt.Sprint(t.Attempts),
		},
	}
	if reason != "" {
		entry.Details["reason"] = reason
	}
	return l.WriteEntry(&entry)
}

// WriteEntry appends entry and fsyncs the file.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.logPath)
	}
	entry.Checksum = ""
	if l.enableChecksum {
		sum, err := checksum(entry)
		if err != nil {
			return err
		}
		entry.Checksum = sum
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	l.rotationCounter++
	stem := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", stem, l.now().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive audit log: %w", err)
	}
	return l.openLogFile()
}

func checksum(entry *LogEntry) (string, error) {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity returns the number of parsed entries and how many of
// them carry a valid checksum or none at all.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		total++
		if entry.Checksum == "" {
			valid++
			continue
		}
		want := entry.Checksum
		got, err := checksum(&entry)
		if err == nil && got == want {
			valid++
		}
	}
	return total, valid, scanner.Err()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (l *AuditLogger) Path() string {
	return l.logPath
}

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
