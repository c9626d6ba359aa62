package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLRecorder appends events as one JSON object per line. The file is
// opened in append mode so restarts extend the existing trail.
type JSONLRecorder struct {
	file  *os.File
	mutex sync.Mutex
}

// NewJSONLRecorder creates or opens the JSONL file at path, creating parent
// directories as needed.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &JSONLRecorder{file: f}, nil
}

// Record writes one JSON line.
func (r *JSONLRecorder) Record(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, err := r.file.Write(data); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (r *JSONLRecorder) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Tee duplicates events to multiple recorders; the first error wins.
type Tee []Recorder

// Record sends e to every recorder in order.
func (t Tee) Record(e Event) error {
	for _, r := range t {
		if err := r.Record(e); err != nil {
			return err
		}
	}
	return nil
}
