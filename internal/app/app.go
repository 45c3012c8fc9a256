// Package app builds and runs the whole service: storage, object store,
// durable queue, trigger scheduler, dispatcher, report generator and the
// HTTP API, all wired from one config file.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/vvaswani/sugar/internal/analysis"
	"github.com/vvaswani/sugar/internal/config"
	"github.com/vvaswani/sugar/internal/dispatch"
	"github.com/vvaswani/sugar/internal/eventbus"
	"github.com/vvaswani/sugar/internal/generate"
	"github.com/vvaswani/sugar/internal/objstore"
	"github.com/vvaswani/sugar/internal/queue"
	"github.com/vvaswani/sugar/internal/render"
	"github.com/vvaswani/sugar/internal/report"
	"github.com/vvaswani/sugar/internal/server"
	"github.com/vvaswani/sugar/internal/store"
	"github.com/vvaswani/sugar/internal/trigger"
	"github.com/vvaswani/sugar/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	stats   *eventbus.Stats
	store   *store.Store
	objects objstore.Store
	queue   *queue.Service
	trig    *trigger.Service
	srv     *server.Server

	cfgCh  chan *config.Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, root := logx.New(loggingConfig(cfg.Logging))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		root.With(logx.String("comp", "store")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	objects, err := objstore.Open(objstore.Config{
		Driver:    cfg.Objects.Driver,
		Path:      cfg.Objects.Path,
		Endpoint:  cfg.Objects.Endpoint,
		AccessKey: cfg.Objects.AccessKey,
		SecretKey: cfg.Objects.SecretKey,
		Bucket:    cfg.Objects.Bucket,
		Region:    cfg.Objects.Region,
		UseSSL:    cfg.Objects.UseSSL,
	}, root.With(logx.String("comp", "objstore")))
	if err != nil {
		st.Close()
		logs.Close()
		return nil, fmt.Errorf("open object store: %w", err)
	}

	bus := eventbus.New()
	stats := eventbus.CollectStats(bus)

	cleanup := func() {
		stats.Close()
		objects.Close()
		st.Close()
		logs.Close()
	}

	qcfg, err := queueConfig(cfg.Queue)
	if err != nil {
		cleanup()
		return nil, err
	}
	q := queue.New(qcfg, st, bus, root.With(logx.String("comp", "queue")))

	summarizer, err := buildSummarizer(cfg.Analysis)
	if err != nil {
		cleanup()
		return nil, err
	}

	gen := generate.New(st, objects, render.NewPDF(), summarizer,
		root.With(logx.String("comp", "generate")))
	disp := dispatch.New(st, q, 200, root.With(logx.String("comp", "dispatch")))

	q.Handle(queue.TopicCadenceFired, disp.HandleCadenceEvent)
	q.Handle(queue.TopicGenerateReport, gen.HandleReportTask)

	tcfg, err := triggerConfig(cfg.Schedule)
	if err != nil {
		cleanup()
		return nil, err
	}
	trig, err := trigger.New(tcfg, st, q, queue.TopicCadenceFired, bus,
		root.With(logx.String("comp", "trigger")))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("build trigger: %w", err)
	}

	srv := server.New(cfg.Server.Addr, st, objects, trig, q, stats,
		root.With(logx.String("comp", "http")))

	// Reject bad cron specs at reload time so a typo never kills the
	// running schedule.
	cfgm.SetValidator(func(ctx context.Context, next *config.Config) error {
		tc, err := triggerConfig(next.Schedule)
		if err != nil {
			return err
		}
		return trig.Apply(tc)
	})

	return &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		stats:   stats,
		store:   st,
		objects: objects,
		queue:   q,
		trig:    trig,
		srv:     srv,
	}, nil
}

// Start launches every component. Cancelling ctx begins shutdown; Stop then
// waits for it to finish.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.queue.Start(runCtx)
	a.trig.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.srv.Start(runCtx); err != nil {
			a.log.Error("http server failed", logx.Err(err))
		}
	}()

	a.cfgCh = a.cfgm.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.applyLoop(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("service started")
	return nil
}

// applyLoop propagates reloaded configs to the running components. Trigger
// specs were already applied by the reload validator; logging follows here.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.logs.Apply(loggingConfig(cfg.Logging))
			a.log.Info("runtime config applied")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.trig.Stop(ctx)
	a.queue.Stop(ctx)
	a.wg.Wait()
	a.cfgm.Unsubscribe(a.cfgCh)
	a.stats.Close()

	if err := a.objects.Close(); err != nil {
		a.log.Warn("object store close failed", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("service stopped")
	return a.logs.Close()
}

func loggingConfig(c config.LoggingConfig) logx.Config {
	out := logx.Config{Level: c.Level, Console: c.Console}
	if !out.Console && c.File == nil {
		// Never start fully silent.
		out.Console = true
	}
	if c.File != nil {
		out.File = logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path}
	}
	return out
}

func queueConfig(c config.QueueConfig) (queue.Config, error) {
	var dp config.Durations
	out := queue.Config{
		Workers:        c.Workers,
		PollInterval:   dp.Field("queue.poll_interval", c.PollInterval),
		Lease:          dp.Field("queue.lease", c.Lease),
		HandlerTimeout: dp.Field("queue.handler_timeout", c.HandlerTimeout),
		MaxAttempts:    c.MaxAttempts,
		RetryBase:      dp.Field("queue.retry_base", c.RetryBase),
		RetryMaxDelay:  dp.Field("queue.retry_max_delay", c.RetryMaxDelay),
	}
	return out, dp.Err()
}

func triggerConfig(c config.ScheduleConfig) (trigger.Config, error) {
	var dp config.Durations
	out := trigger.Config{
		PollInterval: dp.Field("schedule.poll_interval", c.PollInterval),
		Specs: map[report.Cadence]string{
			report.CadenceDaily:  c.Daily,
			report.CadenceWeekly: c.Weekly,
		},
	}
	return out, dp.Err()
}

func buildSummarizer(c config.AnalysisConfig) (analysis.Summarizer, error) {
	if !c.Enabled {
		return analysis.Disabled{}, nil
	}
	timeout, err := config.ParseDurationField("analysis.timeout", c.Timeout)
	if err != nil {
		return nil, err
	}
	g, err := analysis.NewGemini(analysis.GeminiConfig{
		APIKey:        c.APIKey,
		Model:         c.Model,
		BaseURL:       c.BaseURL,
		Timeout:       timeout,
		RatePerMinute: c.RatePerMinute,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}
	return g, nil
}
