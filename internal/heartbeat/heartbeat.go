// Package heartbeat implements the Heartbeat & Reconnect Controller (spec
// §4.8, C8): a periodic server-side broadcast and a lazy-activated
// client-side timeout detector paired with an exponential-backoff
// reconnector.
package heartbeat

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/adred-codev/multiplex/internal/frame"
)

// DefaultIntervalMs is the server's default heartbeat period (spec §4.8).
const DefaultIntervalMs = 5000

// Broadcaster delivers an encoded frame to every currently-connected
// client. The service package's connection registry satisfies this.
type Broadcaster interface {
	BroadcastAll(data []byte)
}

// Server runs a periodic timer that broadcasts a heartbeat frame to every
// connected client. It is created with the first server endpoint that
// accepts connections and stopped on Service.Close (spec §4.8).
type Server struct {
	intervalMs int64
	bcast      Broadcaster

	stop chan struct{}
	once sync.Once
}

// NewServer constructs a heartbeat Server at intervalMs (DefaultIntervalMs
// if <= 0), broadcasting through bcast.
func NewServer(intervalMs int64, bcast Broadcaster) *Server {
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}
	return &Server{intervalMs: intervalMs, bcast: bcast, stop: make(chan struct{})}
}

// Start begins the periodic broadcast loop in its own goroutine.
func (s *Server) Start() {
	go s.run()
}

func (s *Server) run() {
	ticker := time.NewTicker(time.Duration(s.intervalMs) * time.Millisecond)
	defer ticker.Stop()
	f := frame.HeartbeatFrame{Type: frame.Heartbeat, FrequencyMs: s.intervalMs}
	encoded, err := frame.Encode(f)
	if err != nil {
		return
	}
	for {
		select {
		case <-ticker.C:
			s.bcast.BroadcastAll(encoded)
		case <-s.stop:
			return
		}
	}
}

// Stop halts the broadcast loop. Idempotent.
func (s *Server) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Watchdog is the client-side timeout detector (spec §4.8): it starts with
// no timeout until the first heartbeat is observed, then tears down the
// connection if no frame of any kind arrives within 3x the announced
// interval.
type Watchdog struct {
	mu          sync.Mutex
	frequencyMs int64
	lastMessage time.Time
	armed       bool

	onTimeout func()
	stop      chan struct{}
	once      sync.Once
}

// NewWatchdog returns a Watchdog that calls onTimeout once if triggered.
func NewWatchdog(onTimeout func()) *Watchdog {
	return &Watchdog{onTimeout: onTimeout, stop: make(chan struct{})}
}

// ObserveHeartbeat records the server's announced frequency and arms the
// watchdog on the first call, starting its own check timer at that
// interval.
func (w *Watchdog) ObserveHeartbeat(frequencyMs int64) {
	w.mu.Lock()
	firstArm := !w.armed
	w.armed = true
	w.frequencyMs = frequencyMs
	w.lastMessage = time.Now()
	w.mu.Unlock()

	if firstArm {
		go w.run(frequencyMs)
	}
}

// ObserveFrame resets the last-message timestamp; called for every frame
// received of any type (spec §4.8: "every received frame ... resets the
// last-message timestamp").
func (w *Watchdog) ObserveFrame() {
	w.mu.Lock()
	w.lastMessage = time.Now()
	w.mu.Unlock()
}

func (w *Watchdog) run(frequencyMs int64) {
	interval := time.Duration(frequencyMs) * time.Millisecond
	if interval <= 0 {
		interval = DefaultIntervalMs * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			last := w.lastMessage
			w.mu.Unlock()
			if time.Since(last) > 3*interval {
				if w.onTimeout != nil {
					w.onTimeout()
				}
				return
			}
		case <-w.stop:
			return
		}
	}
}

// Stop halts the watchdog's check loop. Idempotent.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// Backoff computes exponential reconnect delays with jitter, capped at
// maxDelay (spec §4.8: "1s -> 2s -> 4s -> ... capped at 30s").
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	mu      sync.Mutex
}

// NewBackoff returns a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max}
}

// Next returns the delay before the next reconnect attempt and advances
// the internal attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := float64(b.base) * math.Pow(2, float64(b.attempt))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	b.attempt++
	jitter := delay * (0.5 + rand.Float64()*0.5) // between half the delay and the full delay
	return time.Duration(jitter)
}

// Reset clears the attempt counter, as done on a successful reconnect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Reconnector retries dial with exponential backoff until it succeeds or
// ctx is cancelled.
type Reconnector struct {
	backoff *Backoff
}

// NewReconnector returns a Reconnector using the given Backoff.
func NewReconnector(backoff *Backoff) *Reconnector {
	return &Reconnector{backoff: backoff}
}

// Run repeatedly calls dial until it succeeds (resetting backoff) or ctx is
// done.
func (r *Reconnector) Run(ctx context.Context, dial func(context.Context) error) error {
	for {
		if err := dial(ctx); err == nil {
			r.backoff.Reset()
			return nil
		}
		delay := r.backoff.Next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
