// Package bridge implements the userspace side of the rkBPF event path:
// a polling consumer that drains a ring buffer, parses the event
// vocabulary, and fans records out to publishers, an optional SQLite
// recorder, and a status endpoint.
package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/axiomos/rkbpf/internal/event"
)

// Format selects the publisher output encoding.
type Format int

const (
	// FormatJSONLines emits one JSON object per line.
	FormatJSONLines Format = iota
	// FormatText emits a human-readable line per event.
	FormatText
)

// ParseFormat maps the configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "json-lines", "":
		return FormatJSONLines, nil
	case "text":
		return FormatText, nil
	default:
		return 0, fmt.Errorf("bridge: unknown format %q", s)
	}
}

// Publisher delivers parsed events to a destination.
type Publisher interface {
	// Publish delivers a single event.
	Publish(ev event.Event) error
	// Flush forces any buffered output out.
	Flush() error
	// Published returns the number of events delivered.
	Published() uint64
	// Dropped returns the number of events lost to errors.
	Dropped() uint64
}

// wireEvent is the JSON envelope around one published event.
type wireEvent struct {
	Topic       string      `json:"topic"`
	Session     string      `json:"session"`
	Type        string      `json:"type"`
	TimestampNs uint64      `json:"timestamp_ns"`
	CPU         uint32      `json:"cpu"`
	PID         uint32      `json:"pid,omitempty"`
	Event       interface{} `json:"event"`
}

// typeName maps an event to its wire type string.
func typeName(ev event.Event) string {
	switch ev.(type) {
	case event.Imu:
		return "imu"
	case event.Motor:
		return "motor"
	case event.Safety:
		return "safety"
	case event.Gpio:
		return "gpio"
	case event.TimeSeries:
		return "timeseries"
	case event.Trace:
		return "trace"
	default:
		return "raw"
	}
}

// WriterPublisher writes events to an io.Writer, the bridge's default
// destination (stdout, a file, a pipe into the ROS side).
type WriterPublisher struct {
	mu      sync.Mutex
	w       io.Writer
	format  Format
	topic   string
	session string

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewWriterPublisher creates a publisher emitting to w.
func NewWriterPublisher(w io.Writer, format Format, topic, session string) *WriterPublisher {
	return &WriterPublisher{w: w, format: format, topic: topic, session: session}
}

// Publish implements Publisher.
func (p *WriterPublisher) Publish(ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	switch p.format {
	case FormatText:
		h := ev.EventHeader()
		_, err = fmt.Fprintf(p.w, "[%d] %s %s %+v\n", h.TimestampNs, p.topic, typeName(ev), ev)
	default:
		h := ev.EventHeader()
		line, merr := json.Marshal(wireEvent{
			Topic:       p.topic,
			Session:     p.session,
			Type:        typeName(ev),
			TimestampNs: h.TimestampNs,
			CPU:         h.CPU,
			PID:         h.PID,
			Event:       ev,
		})
		if merr != nil {
			err = merr
		} else {
			_, err = p.w.Write(append(line, '\n'))
		}
	}

	if err != nil {
		p.dropped.Add(1)
		return fmt.Errorf("bridge: publish: %w", err)
	}
	p.published.Add(1)
	return nil
}

// Flush implements Publisher. Writers are unbuffered here; flushing is a
// no-op unless the writer itself supports it.
func (p *WriterPublisher) Flush() error {
	type flusher interface{ Flush() error }
	if f, ok := p.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Published implements Publisher.
func (p *WriterPublisher) Published() uint64 { return p.published.Load() }

// Dropped implements Publisher.
func (p *WriterPublisher) Dropped() uint64 { return p.dropped.Load() }
