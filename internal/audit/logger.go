// Package audit appends publish/install phase transitions to a JSONL log.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"skillvault/internal/apperr"
)

const (
	StatusStarted = "started"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

type Logger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

type Event struct {
	Timestamp string            `json:"timestamp"`
	Operation string            `json:"operation"`
	Phase     string            `json:"phase"`
	Status    string            `json:"status"`
	Skill     string            `json:"skill,omitempty"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func New(path string) *Logger {
	return &Logger{path: path, now: time.Now}
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Log appends ev. Message and field values are redacted before they reach
// disk.
func (l *Logger) Log(ev Event) error {
	if l == nil || l.path == "" {
		return nil
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	ev.Timestamp = now().UTC().Format(time.RFC3339Nano)
	ev.Message = apperr.Redact(ev.Message)
	for k, v := range ev.Fields {
		ev.Fields[k] = apperr.Redact(v)
	}
	blob, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(blob, '\n')); err != nil {
		return err
	}
	return nil
}

// Record logs the outcome of one phase: ok when err is nil, failed with
// the error's code otherwise.
func (l *Logger) Record(operation, phase, skill string, err error, fields map[string]string) error {
	ev := Event{Operation: operation, Phase: phase, Skill: skill, Status: StatusOK, Fields: fields}
	if err != nil {
		ev.Status = StatusFailed
		ev.Message = err.Error()
		var e *apperr.Error
		if errors.As(err, &e) {
			ev.Code = e.Code
		}
	}
	return l.Log(ev)
}

// Start logs that an operation began.
func (l *Logger) Start(operation, skill string, fields map[string]string) error {
	return l.Log(Event{Operation: operation, Phase: "start", Skill: skill, Status: StatusStarted, Fields: fields})
}

// ReadEvents returns every event in the log in write order. A missing log
// has no events.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}
