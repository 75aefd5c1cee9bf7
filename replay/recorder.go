package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"marketflow/models"
)

// Record is one captured event. Data keeps the original JSON encoding so a
// recording round-trips through files byte-for-byte.
type Record struct {
	Type        models.DataType `json:"type"`
	TimestampMs int64           `json:"timestamp_ms"`
	Data        json.RawMessage `json:"data"`
}

// Recorder captures dispatched events for later replay. Events are appended
// only between StartRecording and StopRecording.
type Recorder struct {
	mu      sync.Mutex
	active  bool
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// StartRecording discards any prior recording and begins capturing.
func (r *Recorder) StartRecording() {
	r.mu.Lock()
	r.records = nil
	r.active = true
	r.mu.Unlock()
}

// RecordEvent appends one event while recording is active; outside a
// recording session it is a no-op.
func (r *Recorder) RecordEvent(t models.DataType, data any, timestampMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", t, err)
	}
	r.records = append(r.records, Record{Type: t, TimestampMs: timestampMs, Data: payload})
	return nil
}

// StopRecording ends the session and returns an owned copy of the captured
// records.
func (r *Recorder) StopRecording() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = false
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SaveToFile writes records as newline-delimited JSON in the order given.
func SaveToFile(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return w.Flush()
}

// LoadFromFile reads a newline-delimited recording in file order.
func LoadFromFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan recording file: %w", err)
	}
	return records, nil
}
