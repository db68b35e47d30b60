package ringbuf

import (
	"bytes"
	"testing"
)

func newRing(t *testing.T, size int) *Ring {
	t.Helper()
	r, err := New(size)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	return r
}

func TestNewRejectsBadSizes(t *testing.T) {
	for _, size := range []int{0, 7, 100, 1000} {
		if _, err := New(size); err == nil {
			t.Errorf("size %d accepted", size)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	r := newRing(t, 4096)

	payloads := [][]byte{
		bytes.Repeat([]byte{0xaa}, 5),
		bytes.Repeat([]byte{0xbb}, 13),
		bytes.Repeat([]byte{0xcc}, 200),
	}
	for i, p := range payloads {
		if !r.Output(p) {
			t.Fatalf("output %d failed", i)
		}
	}

	for i, want := range payloads {
		got, ok := r.Poll()
		if !ok {
			t.Fatalf("poll %d: ring empty", i)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record %d = %x, want %x", i, got, want)
		}
	}

	if _, ok := r.Poll(); ok {
		t.Error("poll on drained ring returned a record")
	}
	cons, prod := r.Positions()
	if cons != prod {
		t.Errorf("consumer pos %d != producer pos %d after drain", cons, prod)
	}
}

func TestWrapAround(t *testing.T) {
	// Small ring so payloads straddle the wrap point repeatedly.
	r := newRing(t, 64)

	pattern := func(n, seed int) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = byte(seed + i)
		}
		return p
	}

	// Interleave produce/consume so the positions march far past the
	// data size and every wrap alignment is exercised.
	for round := 0; round < 100; round++ {
		n := (round % 40) + 1
		want := pattern(n, round)
		if !r.Output(want) {
			t.Fatalf("round %d: output failed", round)
		}
		got, ok := r.Poll()
		if !ok {
			t.Fatalf("round %d: poll failed", round)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("round %d: payload = %x, want %x", round, got, want)
		}
	}
}

func TestStraddlingPayload(t *testing.T) {
	r := newRing(t, 64)

	// Advance positions so the next record's payload crosses the mask.
	if !r.Output(make([]byte, 30)) {
		t.Fatal("setup output failed")
	}
	if _, ok := r.Poll(); !ok {
		t.Fatal("setup poll failed")
	}

	want := make([]byte, 40)
	for i := range want {
		want[i] = byte(i + 1)
	}
	if !r.Output(want) {
		t.Fatal("straddling output failed")
	}
	got, ok := r.Poll()
	if !ok {
		t.Fatal("straddling poll failed")
	}
	if !bytes.Equal(got, want) {
		t.Errorf("straddling payload = %x, want %x", got, want)
	}
}

func TestFullBufferFailsReservation(t *testing.T) {
	r := newRing(t, 64)

	// 64 bytes fit exactly one 8-byte header + 56-byte payload.
	if !r.Output(make([]byte, 56)) {
		t.Fatal("first output failed")
	}
	if r.Output([]byte{1}) {
		t.Error("output into full ring succeeded")
	}
	if r.Drops() != 1 {
		t.Errorf("drops = %d, want 1", r.Drops())
	}

	// Draining frees the space again.
	if _, ok := r.Poll(); !ok {
		t.Fatal("drain poll failed")
	}
	if !r.Output([]byte{1}) {
		t.Error("output after drain failed")
	}
}

func TestOversizeReservation(t *testing.T) {
	r := newRing(t, 64)
	if _, ok := r.Reserve(57); ok {
		t.Error("reservation larger than the ring succeeded")
	}
	if r.Drops() != 1 {
		t.Errorf("drops = %d, want 1", r.Drops())
	}
}

func TestBusyRecordBlocksConsumer(t *testing.T) {
	r := newRing(t, 256)

	res, ok := r.Reserve(16)
	if !ok {
		t.Fatal("reserve failed")
	}
	// Producer position has advanced, but the record is still busy.
	if _, ok := r.Poll(); ok {
		t.Error("poll returned a busy record")
	}

	copy(res.Payload, bytes.Repeat([]byte{0x55}, 16))
	res.Commit()
	got, ok := r.Poll()
	if !ok {
		t.Fatal("poll after commit failed")
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x55}, 16)) {
		t.Errorf("payload = %x", got)
	}
}

func TestDiscardSkipsRecord(t *testing.T) {
	r := newRing(t, 256)

	res, ok := r.Reserve(16)
	if !ok {
		t.Fatal("reserve failed")
	}
	res.Discard()

	if !r.Output([]byte("kept")) {
		t.Fatal("output failed")
	}

	got, ok := r.Poll()
	if !ok {
		t.Fatal("poll failed")
	}
	if string(got) != "kept" {
		t.Errorf("payload = %q, want %q (discarded record delivered?)", got, "kept")
	}
	cons, prod := r.Positions()
	if cons != prod {
		t.Errorf("positions %d/%d not equal after drain", cons, prod)
	}
}

func TestSharedMapping(t *testing.T) {
	// Producer and consumer adopt the same backing bytes through separate
	// Ring values, as the kernel and bridge sides do with a shared map.
	producer := newRing(t, 1024)
	consumer, err := FromBytes(producer.Bytes())
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if !producer.Output([]byte("cross-view")) {
		t.Fatal("output failed")
	}
	got, ok := consumer.Poll()
	if !ok || string(got) != "cross-view" {
		t.Fatalf("poll = %q, %v", got, ok)
	}
	// The producer observes the consumer's advance.
	if producer.Available() != 0 {
		t.Errorf("available = %d, want 0", producer.Available())
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	r := newRing(t, 4096)
	const records = 10000

	done := make(chan [][]byte)
	go func() {
		var got [][]byte
		for len(got) < records {
			if p, ok := r.Poll(); ok {
				got = append(got, p)
			}
		}
		done <- got
	}()

	want := make([][]byte, 0, records)
	for i := 0; i < records; {
		p := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		if r.Output(p) {
			want = append(want, p)
			i++
		}
	}

	got := <-done
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("record %d = %x, want %x (ordering violated)", i, got[i], want[i])
		}
	}
}
