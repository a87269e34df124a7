// Package app builds a runnable harvest from configuration. It owns every
// long-lived service (progress backend, adapters, event hub, status API) and
// releases them on Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/api"
	"github.com/JakeFAU/artifact-harvester/internal/config"
	"github.com/JakeFAU/artifact-harvester/internal/controller"
	"github.com/JakeFAU/artifact-harvester/internal/encoder"
	"github.com/JakeFAU/artifact-harvester/internal/events"
	"github.com/JakeFAU/artifact-harvester/internal/events/sinks"
	"github.com/JakeFAU/artifact-harvester/internal/extract"
	"github.com/JakeFAU/artifact-harvester/internal/governor"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/hash/sha256"
	"github.com/JakeFAU/artifact-harvester/internal/monitor"
	"github.com/JakeFAU/artifact-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/artifact-harvester/internal/publisher"
	pubsubpublisher "github.com/JakeFAU/artifact-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/artifact-harvester/internal/queue"
	"github.com/JakeFAU/artifact-harvester/internal/retry"
	gcssink "github.com/JakeFAU/artifact-harvester/internal/sink/gcs"
	localsink "github.com/JakeFAU/artifact-harvester/internal/sink/local"
	dirsource "github.com/JakeFAU/artifact-harvester/internal/source/dir"
	"github.com/JakeFAU/artifact-harvester/internal/source/headless"
	"github.com/JakeFAU/artifact-harvester/internal/source/httpsource"
	"github.com/JakeFAU/artifact-harvester/internal/source/promote"
	"github.com/JakeFAU/artifact-harvester/internal/store"
	"github.com/JakeFAU/artifact-harvester/internal/store/file"
	"github.com/JakeFAU/artifact-harvester/internal/store/postgres"
	"github.com/JakeFAU/artifact-harvester/internal/telemetry"
)

// Option overrides a service App would otherwise build from config.
type Option func(*options)

type options struct {
	source    harvest.Source
	sink      harvest.Sink
	publisher publisher.Publisher
	memory    monitor.MemoryReader
}

// WithSource replaces the configured source.
func WithSource(s harvest.Source) Option {
	return func(o *options) { o.source = s }
}

// WithSink replaces the configured sink.
func WithSink(s harvest.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithPublisher publishes completion notices through p instead of Pub/Sub.
func WithPublisher(p publisher.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithMemoryReader replaces the gopsutil process reader.
func WithMemoryReader(m monitor.MemoryReader) Option {
	return func(o *options) { o.memory = m }
}

type closer struct {
	name string
	fn   func() error
}

// App holds the services for one job.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Store      *store.Store
	Controller *controller.Controller
	Hub        *events.Hub
	Registry   *prometheus.Registry
	server     *api.Server

	closeOnce sync.Once
	closers   []closer
}

// New builds every service described by cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a = &App{cfg: cfg, logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			if a.Hub != nil {
				_ = a.Hub.Close(context.Background())
			}
			a.closeAll()
			a = nil
		}
	}()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	items, err := Items(cfg)
	if err != nil {
		return nil, err
	}

	st, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.addCloser("progress store", closeStore)

	src := o.source
	if src == nil {
		if src, err = a.buildSource(cfg); err != nil {
			return nil, err
		}
	}
	sink := o.sink
	if sink == nil {
		if sink, err = a.buildSink(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if err := a.buildHub(ctx, cfg, o.publisher); err != nil {
		return nil, err
	}

	var tracer trace.Tracer
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Setup(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			ProjectID:   cfg.Telemetry.ProjectID,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.addCloser("tracer provider", func() error { return tp.Shutdown(context.Background()) })
		tracer = tp.TracerProvider().Tracer("github.com/JakeFAU/artifact-harvester")
	}

	tuning := cfg.HarvestTuning()
	gov := governor.New(governor.Config{
		Concurrency:    tuning.Concurrency,
		MaxConcurrency: tuning.MaxConcurrency,
		BaseDelay:      tuning.Delay,
		MaxDelay:       tuning.MaxDelay,
		Window:         cfg.Monitor.Window,
	}, governor.WithLogger(logger.Named("governor")))

	mem := o.memory
	if mem == nil {
		pm, merr := monitor.NewProcessMemory()
		if merr != nil {
			logger.Warn("process memory unavailable, memory checks disabled", zap.Error(merr))
		} else {
			mem = pm
		}
	}
	mon := monitor.New(monitor.Config{
		ErrorThreshold: cfg.Monitor.ErrorThreshold,
		SoftMemory:     config.Bytes(cfg.Monitor.SoftMemoryMB),
		HardMemory:     config.Bytes(cfg.Monitor.HardMemoryMB),
	}, gov, mem, nil, logger.Named("monitor"))

	ctl, err := controller.New(controller.Config{
		Items:  items,
		Target: cfg.Job.Target,
		Tuning: tuning,
	}, controller.Deps{
		Source:    src,
		Extractor: extract.NewPassthrough(sha256.New()),
		Sink:      sink,
		Fitter:    encoder.New(cfg.Encoder, encoder.JPEG{}, logger.Named("encoder")),
		Store:     st,
		Governor:  gov,
		Retry:     retry.New(retry.Config{MaxRetries: tuning.MaxRetries, MaxWait: cfg.MaxWait()}, gov),
		Monitor:   mon,
		Events:    a.Hub,
		Tracer:    tracer,
		Logger:    logger.Named("controller").With(zap.String("job", cfg.Job.Name)),
	})
	if err != nil {
		return nil, fmt.Errorf("build controller: %w", err)
	}
	a.Controller = ctl

	if cfg.Server.Enabled {
		srv, err := api.NewServer(ctl, st, api.Config{
			APIKey:   cfg.Server.APIKey,
			Registry: a.Registry,
			Logger:   logger.Named("api"),
		})
		if err != nil {
			return nil, fmt.Errorf("build status api: %w", err)
		}
		a.server = srv
	}
	return a, nil
}

// Items merges the ids file and inline ids from cfg.
func Items(cfg config.Config) ([]harvest.WorkItem, error) {
	var items []harvest.WorkItem
	if cfg.Job.IDsFile != "" {
		loaded, err := queue.LoadFile(cfg.Job.IDsFile)
		if err != nil {
			return nil, fmt.Errorf("load ids: %w", err)
		}
		items = append(items, loaded...)
	}
	items = append(items, queue.FromIDs(cfg.Job.IDs)...)
	if len(items) == 0 {
		return nil, fmt.Errorf("no work items: set job.ids or job.ids_file")
	}
	return items, nil
}

// OpenStore builds the progress store over the configured backend. The
// returned func releases the backend.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*store.Store, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Progress.Backend {
	case config.BackendPostgres:
		b, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Progress.DSN,
			Table:    cfg.Progress.Table,
			MaxConns: cfg.Progress.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres progress: %w", err)
		}
		if err := b.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, nil, fmt.Errorf("ensure progress schema: %w", err)
		}
		return store.New(b, logger.Named("progress")), func() error { b.Close(); return nil }, nil
	default:
		b, err := file.New(cfg.Progress.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open progress file: %w", err)
		}
		return store.New(b, logger.Named("progress")), func() error { return nil }, nil
	}
}

func (a *App) buildSource(cfg config.Config) (harvest.Source, error) {
	sc := cfg.Source
	switch sc.Kind {
	case config.SourceHeadless:
		src, err := a.headlessSource(cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceDir:
		src, err := dirsource.New(sc.Dir, sc.Extensions...)
		if err != nil {
			return nil, fmt.Errorf("build dir source: %w", err)
		}
		return src, nil
	case config.SourceAuto:
		fast, err := a.httpSource(cfg)
		if err != nil {
			return nil, err
		}
		slow, err := a.headlessSource(cfg)
		if err != nil {
			return nil, err
		}
		detector := promote.NewDetector(sc.PromoteMinBody, sc.PromoteMarkers...)
		return promote.New(fast, slow, detector, a.logger.Named("source")), nil
	default:
		src, err := a.httpSource(cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

func (a *App) httpSource(cfg config.Config) (*httpsource.Source, error) {
	sc := cfg.Source
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   sc.RPS,
		DefaultBurst: sc.Burst,
		Logger:       a.logger.Named("ratelimit"),
	})
	src, err := httpsource.New(httpsource.Config{
		URLTemplate:   sc.URLTemplate,
		UserAgent:     sc.UserAgent,
		Headers:       sc.Headers,
		RespectRobots: sc.RespectRobots,
		Timeout:       cfg.SourceTimeout(),
		MaxBodySize:   sc.MaxBodyBytes,
	}, httpsource.WithLimiter(limiter), httpsource.WithLogger(a.logger.Named("source")))
	if err != nil {
		return nil, fmt.Errorf("build http source: %w", err)
	}
	return src, nil
}

func (a *App) headlessSource(cfg config.Config) (*headless.Source, error) {
	sc := cfg.Source
	src, err := headless.New(headless.Config{
		URLTemplate:       sc.URLTemplate,
		MaxParallel:       sc.MaxParallel,
		UserAgent:         sc.UserAgent,
		Headers:           sc.Headers,
		NavigationTimeout: cfg.SourceTimeout(),
		WaitSelector:      sc.WaitSelector,
	}, a.logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("build headless source: %w", err)
	}
	a.addCloser("headless source", src.Close)
	return src, nil
}

func (a *App) buildSink(ctx context.Context, cfg config.Config) (harvest.Sink, error) {
	sc := cfg.Sink
	switch sc.Kind {
	case config.SinkGCS:
		s, err := gcssink.Open(ctx, gcssink.Config{
			Bucket:         sc.Bucket,
			Prefix:         sc.Prefix,
			MaxObjectBytes: sc.MaxObjectBytes,
		}, a.logger.Named("sink"))
		if err != nil {
			return nil, fmt.Errorf("build gcs sink: %w", err)
		}
		a.addCloser("gcs sink", s.Close)
		return s, nil
	default:
		s, err := localsink.New(localsink.Config{BaseDir: sc.BaseDir, MaxObjectBytes: sc.MaxObjectBytes})
		if err != nil {
			return nil, fmt.Errorf("build local sink: %w", err)
		}
		return s, nil
	}
}

func (a *App) buildHub(ctx context.Context, cfg config.Config, pub publisher.Publisher) error {
	prom, err := sinks.NewPrometheusSink(a.Registry)
	if err != nil {
		return fmt.Errorf("build metrics sink: %w", err)
	}
	eventSinks := []events.Sink{sinks.NewLogSink(a.logger.Named("events")), prom}

	if pub == nil && cfg.PubSub.Topic != "" {
		p, err := pubsubpublisher.New(ctx, pubsubpublisher.Config{
			ProjectID: cfg.PubSub.ProjectID,
			Topic:     cfg.PubSub.Topic,
		})
		if err != nil {
			return fmt.Errorf("build pubsub publisher: %w", err)
		}
		pub = p
	}
	if pub != nil {
		// The hub closes the publisher with its sinks.
		eventSinks = append(eventSinks, sinks.NewPublisherSink(pub, cfg.PubSub.Topic))
	}

	a.Hub = events.NewHub(events.Config{
		BufferSize:  cfg.Events.BufferSize,
		MaxBatch:    cfg.Events.MaxBatch,
		SinkTimeout: cfg.SinkTimeout(),
		Logger:      a.logger.Named("hub"),
	}, eventSinks...)
	return nil
}

// Run executes the job, serving the status API alongside it when enabled.
func (a *App) Run(ctx context.Context) (harvest.JobReport, error) {
	if a.server == nil {
		return a.Controller.Run(ctx)
	}
	srvCtx, stop := context.WithCancel(ctx)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- a.server.ListenAndServe(srvCtx, ":"+strconv.Itoa(a.cfg.Server.Port))
	}()

	report, err := a.Controller.Run(ctx)
	stop()
	if serr := <-srvErr; serr != nil {
		a.logger.Warn("status api stopped with error", zap.Error(serr))
	}
	return report, err
}

// Server returns the status API, or nil when it is disabled.
func (a *App) Server() *api.Server {
	return a.server
}

// Close flushes the event hub and releases every service.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.Hub != nil {
			hubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := a.Hub.Close(hubCtx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		errs = append(errs, a.closeAll()...)
	})
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) closeAll() []error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errs
}
