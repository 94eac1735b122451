// Package tracing records every packet the simulated medium carries.
//
// A trace is a zstd-compressed stream of JSON lines: one header line followed
// by one line per packet event.
package tracing

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Format identifies the trace layout in the header line.
const Format = "safmesh-packets/1"

// Packet event types.
const (
	EventTx   = "tx"
	EventRx   = "rx"
	EventDrop = "drop"
)

// ErrClosed is returned when recording to a closed recorder.
var ErrClosed = errors.New("recorder closed")

// Header is the first line of a trace.
type Header struct {
	Format string `json:"format"`
	RunID  string `json:"run_id"`
}

// Event is one packet observation.
type Event struct {
	TimeMs int64  `json:"t_ms"`
	Event  string `json:"event"`
	From   string `json:"from"`
	To     string `json:"to,omitempty"` // empty for broadcasts
	Kind   string `json:"kind"`
	Bytes  int    `json:"bytes"`
	Reason string `json:"reason,omitempty"` // why a drop happened
}

// Recorder writes trace events. A nil *Recorder discards everything.
type Recorder struct {
	mu     sync.Mutex
	file   io.Closer
	zw     *zstd.Encoder
	enc    *json.Encoder
	count  int
	err    error
	closed bool
}

// NewRecorder starts a trace on w and writes the header.
func NewRecorder(w io.Writer, runID string) (*Recorder, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	r := &Recorder{zw: zw, enc: json.NewEncoder(zw)}
	if err := r.enc.Encode(Header{Format: Format, RunID: runID}); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	return r, nil
}

// Create starts a trace in a new file at path.
func Create(path, runID string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	r, err := NewRecorder(f, runID)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// Record appends one event. The first write error is kept and returned by Close.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		if r.err == nil {
			r.err = ErrClosed
		}
		return
	}
	if r.err != nil {
		return
	}
	if err := r.enc.Encode(ev); err != nil {
		r.err = fmt.Errorf("write trace event: %w", err)
		return
	}
	r.count++
}

// Count returns the number of events recorded.
func (r *Recorder) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close flushes the compressed stream and closes the file, if the recorder owns one.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.err
	if cerr := r.zw.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("flush trace: %w", cerr)
	}
	if r.file != nil {
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close trace file: %w", cerr)
		}
	}
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	return err
}

// ReadAll decodes a complete trace.
func ReadAll(rd io.Reader) (Header, []Event, error) {
	var hdr Header
	zr, err := zstd.NewReader(rd)
	if err != nil {
		return hdr, nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return hdr, nil, fmt.Errorf("read trace header: %w", err)
		}
		return hdr, nil, fmt.Errorf("empty trace")
	}
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
		return hdr, nil, fmt.Errorf("decode trace header: %w", err)
	}
	if hdr.Format != Format {
		return hdr, nil, fmt.Errorf("unsupported trace format %q", hdr.Format)
	}

	var events []Event
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return hdr, events, fmt.Errorf("decode trace event %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return hdr, events, fmt.Errorf("read trace: %w", err)
	}
	return hdr, events, nil
}
