// Package eventlog implements the append-only, newline-delimited JSON
// event stream: a single writer stamping strictly increasing sequence
// numbers, and tailers that stream new lines as they appear.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autopilot/internal/model"
)

// Writer appends events to a single ndjson file, stamping a monotonic,
// gap-free sequence number starting at 1 for a fresh file.
type Writer struct {
	file *os.File
	mu   sync.Mutex
	seq  uint64
}

// NewWriter opens (creating if necessary) the event log at path, resuming
// the sequence counter from the last line already present.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	lastSeq, err := lastSeqInFile(path)
	if err != nil {
		return nil, fmt.Errorf("scan existing event log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &Writer{file: f, seq: lastSeq}, nil
}

func lastSeqInFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // tolerate a torn trailing line from a prior crash
		}
		last = ev.Seq
	}
	return last, scanner.Err()
}

// Write appends one event, assigning it the next sequence number.
func (w *Writer) Write(kind string, data any) (model.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	ev := model.Event{
		Seq:       w.seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     kind,
		Data:      data,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		w.seq-- // roll back: this event was never durably recorded
		return model.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		w.seq--
		return model.Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return model.Event{}, fmt.Errorf("sync event log: %w", err)
	}

	return ev, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll parses every well-formed event currently in the file at path.
func ReadAll(path string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// Tailer streams events from a file starting after a given seq, polling
// for new lines. Used by the IPC layer and the Response Surface's SSE
// endpoint to observe events produced by a (possibly separate) writer
// process.
type Tailer struct {
	path        string
	pollEvery   time.Duration
	lastSeqSeen uint64
}

// NewTailer creates a tailer that will yield events with seq > afterSeq.
func NewTailer(path string, afterSeq uint64, pollEvery time.Duration) *Tailer {
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	return &Tailer{path: path, pollEvery: pollEvery, lastSeqSeen: afterSeq}
}

// Poll returns any new events since the last call (or since construction),
// in seq order.
func (t *Tailer) Poll() ([]model.Event, error) {
	all, err := ReadAll(t.path)
	if err != nil {
		return nil, err
	}
	var fresh []model.Event
	for _, ev := range all {
		if ev.Seq > t.lastSeqSeen {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) > 0 {
		t.lastSeqSeen = fresh[len(fresh)-1].Seq
	}
	return fresh, nil
}

// Run streams events to the callback until ctx-equivalent stop channel
// closes or the callback returns an error. Intended to be run in its own
// goroutine by a caller holding a context.
func (t *Tailer) Run(stop <-chan struct{}, emit func(model.Event) error) error {
	ticker := time.NewTicker(t.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			events, err := t.Poll()
			if err != nil {
				continue // IPC read failure: swallow, next poll retries
			}
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return err
				}
			}
		}
	}
}
