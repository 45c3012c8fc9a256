// Package queue runs the durable task pipeline: messages persisted by
// internal/store, claimed under a visibility lease by a worker pool, and
// dispatched to per-topic handlers with bounded timeouts and jittered retry.
// Delivery is at-least-once; handlers must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vvaswani/sugar/internal/eventbus"
	"github.com/vvaswani/sugar/internal/store"
	"github.com/vvaswani/sugar/pkg/logx"
)

// Topics carried by the queue.
const (
	TopicCadenceFired   = "reports.cadence"
	TopicGenerateReport = "reports.generate"
)

// Storage is the persistence surface the queue needs; *store.Store satisfies it.
type Storage interface {
	EnqueueMessage(ctx context.Context, m store.Message) error
	ClaimMessage(ctx context.Context, now time.Time, lease time.Duration) (store.Message, bool, error)
	AckMessage(ctx context.Context, id string) error
	NackMessage(ctx context.Context, id string, delay time.Duration, dead bool) error
	QueueDepth(ctx context.Context) (pending int, dead int, err error)
}

// Handler processes one delivery. A nil return acks the message; an error
// nacks it for redelivery unless wrapped with NoRetry.
type Handler func(ctx context.Context, msg store.Message) error

type Config struct {
	Workers        int
	PollInterval   time.Duration
	Lease          time.Duration
	HandlerTimeout time.Duration
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

type Service struct {
	cfg Config
	st  Storage
	bus eventbus.Bus
	log logx.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, st Storage, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		st:       st,
		bus:      bus,
		log:      log,
		handlers: map[string]Handler{},
	}
}

// Handle registers the handler for a topic. Must be called before Start.
func (s *Service) Handle(topic string, h Handler) {
	s.mu.Lock()
	s.handlers[topic] = h
	s.mu.Unlock()
}

// Publish persists a message for asynchronous delivery. The payload is
// JSON-encoded; durability comes from the backing store, not the process.
func (s *Service) Publish(ctx context.Context, topic string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	m := store.Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     b,
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.st.EnqueueMessage(ctx, m); err != nil {
		return fmt.Errorf("enqueue %s: %w", topic, err)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskEnqueued, Data: TaskEvent{ID: m.ID, Topic: topic}})
	}
	return nil
}

// TaskEvent is the bus payload for queue lifecycle events.
type TaskEvent struct {
	ID       string
	Topic    string
	Attempts int
	Duration time.Duration
	Error    string
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	// Snapshot under the lock: Stop clears s.stopCh, and a worker goroutine
	// scheduled late must not observe that write.
	stopCh := s.stopCh
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(idx int) {
			defer s.wg.Done()
			s.worker(ctx, stopCh, idx)
		}(i)
	}
	s.log.Info("queue started", logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("queue stopped")
}

// Depth reports pending and dead message counts.
func (s *Service) Depth(ctx context.Context) (pending int, dead int, err error) {
	return s.st.QueueDepth(ctx)
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		msg, ok, err := s.st.ClaimMessage(ctx, time.Now().UTC(), s.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("queue claim failed", logx.Err(err))
			ok = false
		}
		if !ok {
			// Idle: wait out the poll interval, but stay responsive to stop.
			tmr := time.NewTimer(s.cfg.PollInterval)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return
			case <-stopCh:
				tmr.Stop()
				return
			case <-tmr.C:
			}
			continue
		}

		s.deliver(ctx, msg, rng)
	}
}

func (s *Service) deliver(ctx context.Context, msg store.Message, rng *rand.Rand) {
	s.mu.Lock()
	h := s.handlers[msg.Topic]
	s.mu.Unlock()

	start := time.Now()
	log := s.log.With(logx.String("topic", msg.Topic), logx.String("msg_id", msg.ID), logx.Int("attempt", msg.Attempts))

	if h == nil {
		// No consumer for this topic: park it rather than spin on it.
		log.Error("no handler registered, parking message")
		if err := s.st.NackMessage(ctx, msg.ID, 0, true); err != nil {
			log.Error("park failed", logx.Err(err))
		}
		return
	}

	err := s.runHandler(ctx, h, msg)
	dur := time.Since(start)

	switch {
	case err == nil:
		if ackErr := s.st.AckMessage(ctx, msg.ID); ackErr != nil {
			// The lease will expire and the message will be redelivered;
			// handlers are idempotent so this is safe, just noisy.
			log.Error("ack failed", logx.Err(ackErr))
			return
		}
		log.Debug("task completed", logx.Duration("dur", dur))
		s.publishEvent(eventbus.TypeTaskCompleted, msg, dur, nil)

	case IsNoRetry(err):
		log.Warn("task dropped", logx.Err(err), logx.Duration("dur", dur))
		if ackErr := s.st.AckMessage(ctx, msg.ID); ackErr != nil {
			log.Error("ack failed", logx.Err(ackErr))
		}
		s.publishEvent(eventbus.TypeTaskCompleted, msg, dur, err)

	case msg.Attempts >= msg.MaxAttempts:
		log.Error("task exhausted retries, parking", logx.Err(err), logx.Duration("dur", dur))
		if nackErr := s.st.NackMessage(ctx, msg.ID, 0, true); nackErr != nil {
			log.Error("park failed", logx.Err(nackErr))
		}
		s.publishEvent(eventbus.TypeTaskDead, msg, dur, err)

	default:
		delay := backoffDelay(s.cfg, msg.Attempts, rng)
		log.Warn("task failed, redelivering", logx.Err(err), logx.Duration("delay", delay))
		if nackErr := s.st.NackMessage(ctx, msg.ID, delay, false); nackErr != nil {
			log.Error("nack failed", logx.Err(nackErr))
		}
		s.publishEvent(eventbus.TypeTaskFailed, msg, dur, err)
	}
}

func (s *Service) runHandler(ctx context.Context, h Handler, msg store.Message) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	defer cancel()

	// Guard against handler panics: convert to error so one bad task can't
	// kill a worker.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panic", logx.String("topic", msg.Topic), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return h(runCtx, msg)
}

func (s *Service) publishEvent(typ string, msg store.Message, dur time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{ID: msg.ID, Topic: msg.Topic, Attempts: msg.Attempts, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	// Jitter to avoid thundering herds after a shared outage.
	j := 1 + cfg.RetryJitter*(2*rng.Float64()-1)
	return time.Duration(float64(d) * j)
}

// ---- no-retry marker ----

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// NoRetry marks an error as permanent: the delivery is dropped instead of
// redelivered. Used for tasks whose subject no longer exists.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether the error carries the NoRetry marker.
func IsNoRetry(err error) bool {
	var nr noRetryError
	return errors.As(err, &nr)
}
