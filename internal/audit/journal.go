// Package audit keeps an append-only JSONL journal of broker decisions:
// which binding each lease got and how the call through it ended.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/metrics"
)

// Event kinds
const (
	EventSelect = "select"
	EventReport = "report"
)

// Event is one journal line. Secrets never appear in it.
type Event struct {
	Timestamp    time.Time  `json:"timestamp"`
	Kind         string     `json:"kind"`
	RequestID    string     `json:"request_id,omitempty"`
	Caller       string     `json:"caller,omitempty"`
	LeaseID      string     `json:"lease_id"`
	BindingID    uuid.UUID  `json:"binding_id"`
	CredentialID uuid.UUID  `json:"credential_id"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"`
	Tokens       int64      `json:"tokens,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	Status       int        `json:"status,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// Recorder accepts journal events. Implemented by Journal and Discard.
type Recorder interface {
	Record(e Event)
}

type discard struct{}

func (discard) Record(Event) {}

// Discard drops every event
var Discard Recorder = discard{}

// Config holds journal settings
type Config struct {
	FileTemplate  string        // e.g. "/var/log/keybroker/audit-%s.jsonl"; %s is the rotation timestamp
	MaxSize       int64         // bytes before rotation
	MaxFiles      int           // rotated files to keep
	BufferSize    int           // events queued before Record starts dropping
	FlushInterval time.Duration // how often buffered lines reach the file
}

// Journal writes events asynchronously with size-based rotation
type Journal struct {
	config Config

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64
	seq         int

	events chan Event
	doneCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewJournal opens the first journal file and starts the writer goroutine
func NewJournal(cfg Config) (*Journal, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 64 << 20
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	j := &Journal{
		config: cfg,
		events: make(chan Event, cfg.BufferSize),
		doneCh: make(chan struct{}),
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}

	j.wg.Add(1)
	go j.run()
	return j, nil
}

func (j *Journal) newFileName() string {
	j.seq++
	stamp := fmt.Sprintf("%s-%06d", time.Now().UTC().Format("20060102150405"), j.seq)
	return fmt.Sprintf(j.config.FileTemplate, stamp)
}

// openFile opens a fresh journal file, creating its directory if needed.
// Callers hold j.mu or own j exclusively.
func (j *Journal) openFile() error {
	j.currentFile = j.newFileName()
	if err := os.MkdirAll(filepath.Dir(j.currentFile), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(j.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	j.currentSize = fi.Size()
	j.file = file
	j.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded starts a new file when n more bytes would exceed MaxSize
func (j *Journal) rotateIfNeeded(n int) (bool, error) {
	if j.currentSize+int64(n) < j.config.MaxSize {
		return false, nil
	}
	if err := j.writer.Flush(); err != nil {
		return false, err
	}
	if err := j.file.Close(); err != nil {
		return false, err
	}
	return true, j.openFile()
}

// cleanupOldFiles removes the oldest files beyond MaxFiles
func (j *Journal) cleanupOldFiles() {
	matches, err := filepath.Glob(fmt.Sprintf(j.config.FileTemplate, "*"))
	if err != nil {
		return
	}
	// Timestamps in the names sort chronologically.
	sort.Strings(matches)
	for i := 0; i < len(matches)-j.config.MaxFiles; i++ {
		if matches[i] != j.currentFile {
			_ = os.Remove(matches[i])
		}
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-j.events:
			j.write(e)
		case <-ticker.C:
			j.mu.Lock()
			_ = j.writer.Flush()
			j.mu.Unlock()
		case <-j.doneCh:
			for {
				select {
				case e := <-j.events:
					j.write(e)
				default:
					j.mu.Lock()
					_ = j.writer.Flush()
					_ = j.file.Close()
					j.mu.Unlock()
					return
				}
			}
		}
	}
}

func (j *Journal) write(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	j.mu.Lock()
	rotated, err := j.rotateIfNeeded(len(data))
	if err == nil {
		n, _ := j.writer.Write(data)
		j.currentSize += int64(n)
	}
	j.mu.Unlock()

	if rotated {
		j.cleanupOldFiles()
	}
}

// Record queues an event. When the buffer is full the event is dropped.
func (j *Journal) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case j.events <- e:
	default:
		metrics.AuditDroppedTotal.Inc()
	}
}

// CurrentFile returns the file being written
func (j *Journal) CurrentFile() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentFile
}

// Shutdown writes queued events and closes the file. Safe to call twice.
func (j *Journal) Shutdown() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()

	close(j.doneCh)
	j.wg.Wait()
}
