// Package trigger decides when a report cadence fires. A polling loop
// evaluates cron schedules against a persisted per-cadence watermark, so a
// restart neither re-fires occurrences that already went out nor backfills
// every occurrence missed while the process was down: at most one fire per
// cadence per evaluation, for the latest elapsed occurrence.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vvaswani/sugar/internal/eventbus"
	"github.com/vvaswani/sugar/internal/report"
	"github.com/vvaswani/sugar/pkg/logx"
)

// Default cadence cron expressions, evaluated in UTC.
const (
	DefaultDailySpec  = "0 0 * * *"
	DefaultWeeklySpec = "0 0 * * 1"
)

// Event is the queue payload announcing that a cadence fired.
type Event struct {
	Cadence    report.Cadence `json:"cadence"`
	Occurrence time.Time      `json:"occurrence"`
	Manual     bool           `json:"manual,omitempty"`
}

// StateStore persists the per-cadence watermark. Backed by sqlite in
// production so multiple instances can share it.
type StateStore interface {
	LastFired(ctx context.Context, cadence report.Cadence) (time.Time, bool, error)
	SetLastFired(ctx context.Context, cadence report.Cadence, t time.Time) error
}

// Publisher hands a fired-cadence event to the durable queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

type Config struct {
	PollInterval time.Duration
	Specs        map[report.Cadence]string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 || c.PollInterval > time.Minute {
		c.PollInterval = 30 * time.Second
	}
	specs := map[report.Cadence]string{
		report.CadenceDaily:  DefaultDailySpec,
		report.CadenceWeekly: DefaultWeeklySpec,
	}
	for cad, spec := range c.Specs {
		if strings.TrimSpace(spec) != "" {
			specs[cad] = spec
		}
	}
	c.Specs = specs
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	parser    cron.Parser
	schedules map[report.Cadence]cron.Schedule

	state StateStore
	pub   Publisher
	topic string
	bus   eventbus.Bus
	log   logx.Logger

	// flight serializes evaluation per cadence.
	flight map[report.Cadence]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup

	// now is the clock; replaced in tests.
	now func() time.Time
}

func New(cfg Config, state StateStore, pub Publisher, topic string, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg.withDefaults(),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedules: map[report.Cadence]cron.Schedule{},
		state:     state,
		pub:       pub,
		topic:     topic,
		bus:       bus,
		log:       log,
		flight:    map[report.Cadence]*sync.Mutex{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, cad := range report.Cadences() {
		s.flight[cad] = &sync.Mutex{}
	}
	if err := s.reparseLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// reparseLocked rebuilds schedules from cfg.Specs. Caller holds s.mu or has
// exclusive access during construction.
func (s *Service) reparseLocked() error {
	parsed := map[report.Cadence]cron.Schedule{}
	for cad, spec := range s.cfg.Specs {
		sched, err := s.parser.Parse(normalizeSpec(spec))
		if err != nil {
			return fmt.Errorf("cadence %s: parse cron %q: %w", cad, spec, err)
		}
		parsed[cad] = sched
	}
	s.schedules = parsed
	return nil
}

// normalizeSpec pins evaluation to UTC unless the operator chose a zone.
func normalizeSpec(spec string) string {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		return spec
	}
	return "CRON_TZ=UTC " + spec
}

// Apply swaps cron specs at runtime (config hot reload). Invalid specs are
// rejected and the previous schedule stays active.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg.withDefaults()
	if err := s.reparseLocked(); err != nil {
		s.cfg = old
		_ = s.reparseLocked()
		return err
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go func(stopCh <-chan struct{}) {
		defer s.wg.Done()
		s.loop(ctx, stopCh)
	}(s.stopCh)
	s.log.Info("trigger scheduler started", logx.Duration("poll", s.cfg.PollInterval))
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
	s.log.Info("trigger scheduler stopped")
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one evaluation tick over every cadence. Per-cadence
// failures are logged and retried on the next tick; they never stop the
// other cadence from being evaluated.
func (s *Service) EvaluateAll(ctx context.Context) {
	for _, cad := range report.Cadences() {
		if err := s.evaluate(ctx, cad); err != nil {
			s.log.Error("trigger evaluation failed", logx.String("cadence", cad.String()), logx.Err(err))
		}
	}
}

func (s *Service) evaluate(ctx context.Context, cad report.Cadence) error {
	fl := s.flight[cad]
	if !fl.TryLock() {
		// Previous evaluation of this cadence still in flight.
		return nil
	}
	defer fl.Unlock()

	s.mu.Lock()
	sched := s.schedules[cad]
	s.mu.Unlock()
	if sched == nil {
		return nil
	}

	now := s.now()

	lastFired, ok, err := s.state.LastFired(ctx, cad)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		// First evaluation ever: start the watermark at "now" so a fresh
		// deployment does not immediately fire a stale occurrence.
		if err := s.state.SetLastFired(ctx, cad, now); err != nil {
			return fmt.Errorf("init watermark: %w", err)
		}
		s.log.Info("trigger watermark initialized", logx.String("cadence", cad.String()), logx.Time("at", now))
		return nil
	}

	occurrence := latestOccurrence(sched, lastFired, now)
	if occurrence.IsZero() {
		return nil
	}

	// Emit first, persist second. If persisting fails the occurrence fires
	// again on the next tick; downstream consumers are idempotent, so a
	// duplicate cadence event is benign while a silently skipped one is not.
	ev := Event{Cadence: cad, Occurrence: occurrence}
	if err := s.pub.Publish(ctx, s.topic, ev); err != nil {
		return fmt.Errorf("publish cadence event: %w", err)
	}
	if err := s.state.SetLastFired(ctx, cad, occurrence); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}

	s.log.Info("cadence fired",
		logx.String("cadence", cad.String()),
		logx.Time("occurrence", occurrence),
		logx.Duration("late_by", now.Sub(occurrence)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Data: ev})
	}
	return nil
}

// FireNow injects a manual cadence event, bypassing the cron schedule and
// the watermark. Used by the operator trigger endpoint.
func (s *Service) FireNow(ctx context.Context, cad report.Cadence) error {
	ev := Event{Cadence: cad, Occurrence: s.now(), Manual: true}
	if err := s.pub.Publish(ctx, s.topic, ev); err != nil {
		return fmt.Errorf("publish cadence event: %w", err)
	}
	s.log.Info("cadence fired manually", logx.String("cadence", cad.String()))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Data: ev})
	}
	return nil
}

// Next reports the next scheduled occurrence per cadence. Snapshot data for
// the health endpoint.
func (s *Service) Next(now time.Time) map[report.Cadence]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[report.Cadence]time.Time, len(s.schedules))
	for cad, sched := range s.schedules {
		out[cad] = sched.Next(now)
	}
	return out
}

// latestOccurrence walks the schedule forward from after and returns the most
// recent occurrence that is <= now, or the zero time when nothing is due.
// Intermediate missed occurrences are deliberately skipped, not returned.
func latestOccurrence(sched cron.Schedule, after, now time.Time) time.Time {
	var latest time.Time
	t := after
	for {
		n := sched.Next(t)
		if n.IsZero() || n.After(now) || !n.After(t) {
			return latest
		}
		latest = n
		t = n
	}
}
