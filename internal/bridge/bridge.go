package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/axiomos/rkbpf/internal/event"
)

// Source is where the bridge reads raw records from. *ringbuf.Ring
// satisfies it; tests substitute fixed record lists.
type Source interface {
	// Poll returns the next committed record, or false when none is
	// ready.
	Poll() ([]byte, bool)
}

// Stats is a snapshot of the bridge's counters.
type Stats struct {
	Session    string `json:"session"`
	Consumed   uint64 `json:"consumed"`
	Published  uint64 `json:"published"`
	Dropped    uint64 `json:"dropped"`
	ParseError uint64 `json:"parse_errors"`
	RateLimited uint64 `json:"rate_limited"`
}

// Bridge is the poll loop connecting a ring buffer to publishers and the
// recorder.
type Bridge struct {
	logger       *slog.Logger
	src          Source
	publishers   []Publisher
	recorder     *Recorder
	session      string
	pollInterval time.Duration
	rateLimit    int

	consumed    atomic.Uint64
	parseErrors atomic.Uint64
	rateLimited atomic.Uint64
	started     time.Time
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithPublisher adds a publisher destination.
func WithPublisher(p Publisher) BridgeOption {
	return func(b *Bridge) { b.publishers = append(b.publishers, p) }
}

// WithRecorder installs the SQLite event recorder.
func WithRecorder(r *Recorder) BridgeOption {
	return func(b *Bridge) { b.recorder = r }
}

// WithPollInterval sets the poll cadence. Default 10ms.
func WithPollInterval(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.pollInterval = d }
}

// WithRateLimit caps published events per second; 0 is unlimited.
func WithRateLimit(perSecond int) BridgeOption {
	return func(b *Bridge) { b.rateLimit = perSecond }
}

// WithSession overrides the generated session id.
func WithSession(id string) BridgeOption {
	return func(b *Bridge) { b.session = id }
}

// New creates a bridge over the given source.
func New(logger *slog.Logger, src Source, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		logger:       logger,
		src:          src,
		session:      uuid.NewString(),
		pollInterval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Session returns the bridge session id stamped on published events.
func (b *Bridge) Session() string { return b.session }

// Stats returns a counter snapshot.
func (b *Bridge) Stats() Stats {
	s := Stats{
		Session:     b.session,
		Consumed:    b.consumed.Load(),
		ParseError:  b.parseErrors.Load(),
		RateLimited: b.rateLimited.Load(),
	}
	for _, p := range b.publishers {
		s.Published += p.Published()
		s.Dropped += p.Dropped()
	}
	return s
}

// Uptime returns how long the bridge has been running.
func (b *Bridge) Uptime() time.Duration {
	if b.started.IsZero() {
		return 0
	}
	return time.Since(b.started)
}

// Run polls the source until the context is cancelled. Each tick drains
// every ready record; the consumer never blocks inside the runtime.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = time.Now()
	b.logger.Info("bridge started",
		"session", b.session, "poll_interval", b.pollInterval, "rate_limit", b.rateLimit)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	// Rate limiting counts published events per wall-clock second.
	window := time.Now()
	inWindow := 0

	for {
		select {
		case <-ctx.Done():
			for _, p := range b.publishers {
				if err := p.Flush(); err != nil {
					b.logger.Warn("flush on shutdown failed", "error", err)
				}
			}
			b.logger.Info("bridge stopped", "stats", b.Stats())
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			record, ok := b.src.Poll()
			if !ok {
				break
			}
			b.consumed.Add(1)

			ev, err := event.Parse(record)
			if err != nil {
				b.parseErrors.Add(1)
				b.logger.Warn("unparseable record", "len", len(record), "error", err)
				continue
			}

			if b.rateLimit > 0 {
				if now := time.Now(); now.Sub(window) >= time.Second {
					window = now
					inWindow = 0
				}
				if inWindow >= b.rateLimit {
					b.rateLimited.Add(1)
					continue
				}
				inWindow++
			}

			b.deliver(ctx, ev)
		}
	}
}

// DrainOnce drains every ready record without running the loop; tests use
// it for deterministic stepping.
func (b *Bridge) DrainOnce(ctx context.Context) int {
	n := 0
	for {
		record, ok := b.src.Poll()
		if !ok {
			return n
		}
		b.consumed.Add(1)
		ev, err := event.Parse(record)
		if err != nil {
			b.parseErrors.Add(1)
			continue
		}
		b.deliver(ctx, ev)
		n++
	}
}

func (b *Bridge) deliver(ctx context.Context, ev event.Event) {
	for _, p := range b.publishers {
		if err := p.Publish(ev); err != nil {
			b.logger.Warn("publish failed", "error", err)
		}
	}
	if b.recorder != nil {
		if err := b.recorder.Record(ctx, ev); err != nil {
			b.logger.Warn("record failed", "error", err)
		}
	}
}

// String describes the bridge for diagnostics.
func (b *Bridge) String() string {
	return fmt.Sprintf("bridge(session=%s, publishers=%d)", b.session, len(b.publishers))
}
