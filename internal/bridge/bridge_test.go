package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/axiomos/rkbpf/internal/event"
	"github.com/axiomos/rkbpf/internal/ringbuf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRing(t *testing.T) *ringbuf.Ring {
	t.Helper()
	r, err := ringbuf.New(4096)
	if err != nil {
		t.Fatalf("ring: %v", err)
	}
	return r
}

func produce(t *testing.T, r *ringbuf.Ring, evs ...event.Event) {
	t.Helper()
	for _, ev := range evs {
		if !r.Output(ev.Encode()) {
			t.Fatalf("output %T failed", ev)
		}
	}
}

func TestBridgeDrainsAndPublishes(t *testing.T) {
	ring := newRing(t)
	produce(t, ring,
		event.Gpio{Header: event.Header{TimestampNs: 1, Type: event.TypeGpio}, Line: 17, Edge: 1, Value: 1},
		event.TimeSeries{Header: event.Header{TimestampNs: 2, Type: event.TypeTimeSeries}, SeriesID: 9, Value: -5},
		event.Trace{Header: event.Header{TimestampNs: 3, Type: event.TypeTrace}, Message: "hello"},
	)

	var out bytes.Buffer
	pub := NewWriterPublisher(&out, FormatJSONLines, "/rk/events", "session-1")
	b := New(testLogger(), ring, WithPublisher(pub), WithSession("session-1"))

	if n := b.DrainOnce(context.Background()); n != 3 {
		t.Fatalf("drained %d, want 3", n)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("published %d lines", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("bad json line: %v", err)
	}
	if first["type"] != "gpio" || first["topic"] != "/rk/events" || first["session"] != "session-1" {
		t.Errorf("first line = %v", first)
	}

	stats := b.Stats()
	if stats.Consumed != 3 || stats.Published != 3 || stats.Dropped != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBridgeTextFormat(t *testing.T) {
	ring := newRing(t)
	produce(t, ring, event.Gpio{Header: event.Header{TimestampNs: 42, Type: event.TypeGpio}, Line: 3})

	var out bytes.Buffer
	pub := NewWriterPublisher(&out, FormatText, "/rk/events", "s")
	b := New(testLogger(), ring, WithPublisher(pub))
	b.DrainOnce(context.Background())

	line := out.String()
	if !strings.Contains(line, "[42]") || !strings.Contains(line, "gpio") {
		t.Errorf("text line = %q", line)
	}
}

func TestBridgeCountsParseErrors(t *testing.T) {
	ring := newRing(t)
	if !ring.Output([]byte{1, 2, 3}) { // shorter than a header
		t.Fatal("output failed")
	}
	b := New(testLogger(), ring)
	b.DrainOnce(context.Background())
	if got := b.Stats().ParseError; got != 1 {
		t.Errorf("parse errors = %d, want 1", got)
	}
}

func TestBridgeUnknownEventForwarded(t *testing.T) {
	ring := newRing(t)
	// A record with a discriminator this consumer does not know.
	rec := make([]byte, event.HeaderSize+4)
	binary.LittleEndian.PutUint64(rec[0:], 9)
	binary.LittleEndian.PutUint32(rec[8:], 222)
	if !ring.Output(rec) {
		t.Fatal("output failed")
	}

	var out bytes.Buffer
	pub := NewWriterPublisher(&out, FormatJSONLines, "/rk/events", "s")
	b := New(testLogger(), ring, WithPublisher(pub))
	b.DrainOnce(context.Background())

	if !strings.Contains(out.String(), `"type":"raw"`) {
		t.Errorf("unknown event not forwarded as raw: %s", out.String())
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	rec, err := NewRecorder(":memory:", "session-1")
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	defer rec.Close()

	ctx := context.Background()
	evs := []event.Event{
		event.Gpio{Header: event.Header{TimestampNs: 1, Type: event.TypeGpio}, Line: 17},
		event.TimeSeries{Header: event.Header{TimestampNs: 2, Type: event.TypeTimeSeries}, SeriesID: 4, Value: 10},
	}
	for _, ev := range evs {
		if err := rec.Record(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if rec.Count() != 2 {
		t.Errorf("count = %d", rec.Count())
	}

	recent, err := rec.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d rows", len(recent))
	}
	// Newest first.
	if recent[0].Type != "timeseries" || recent[1].Type != "gpio" {
		t.Errorf("order = %s, %s", recent[0].Type, recent[1].Type)
	}
	if recent[0].Session != "session-1" {
		t.Errorf("session = %q", recent[0].Session)
	}
	if !strings.Contains(string(recent[1].Payload), "17") {
		t.Errorf("payload = %s", recent[1].Payload)
	}
}

func TestBridgeWithRecorder(t *testing.T) {
	ring := newRing(t)
	produce(t, ring, event.Gpio{Header: event.Header{TimestampNs: 5, Type: event.TypeGpio}, Line: 1})

	rec, err := NewRecorder(":memory:", "s")
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	defer rec.Close()

	b := New(testLogger(), ring, WithRecorder(rec))
	b.DrainOnce(context.Background())
	if rec.Count() != 1 {
		t.Errorf("recorded = %d, want 1", rec.Count())
	}
}

func TestStatusEndpoints(t *testing.T) {
	ring := newRing(t)
	produce(t, ring, event.Gpio{Header: event.Header{TimestampNs: 5, Type: event.TypeGpio}, Line: 1})

	rec, err := NewRecorder(":memory:", "s")
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	defer rec.Close()

	var out bytes.Buffer
	b := New(testLogger(), ring,
		WithPublisher(NewWriterPublisher(&out, FormatJSONLines, "/rk/events", "s")),
		WithRecorder(rec),
		WithSession("s"))
	b.DrainOnce(context.Background())

	srv := httptest.NewServer(NewStatusServer(b).Router())
	defer srv.Close()

	get := func(t *testing.T, path string) (int, string) {
		t.Helper()
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, body := get(t, "/healthz"); code != 200 || !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("healthz = %d %s", code, body)
	}
	if code, body := get(t, "/statz"); code != 200 || !strings.Contains(body, `"consumed":1`) {
		t.Errorf("statz = %d %s", code, body)
	}
	if code, body := get(t, "/events/recent?n=10"); code != 200 || !strings.Contains(body, "gpio") {
		t.Errorf("recent = %d %s", code, body)
	}
	if code, _ := get(t, "/events/recent?n=0"); code != 400 {
		t.Errorf("recent n=0 = %d, want 400", code)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json-lines"); err != nil || f != FormatJSONLines {
		t.Errorf("json-lines = %v, %v", f, err)
	}
	if f, err := ParseFormat("text"); err != nil || f != FormatText {
		t.Errorf("text = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("xml accepted")
	}
}
