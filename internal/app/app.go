package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"LifelogRouter/internal/config"
	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
	"LifelogRouter/internal/infrastructure/discord"
	"LifelogRouter/internal/infrastructure/extractor"
	"LifelogRouter/internal/infrastructure/limitless"
	"LifelogRouter/internal/infrastructure/llm"
	"LifelogRouter/internal/infrastructure/ml"
	"LifelogRouter/internal/infrastructure/scheduler"
	"LifelogRouter/internal/infrastructure/storage"
	"LifelogRouter/internal/infrastructure/storage/memory"
	"LifelogRouter/internal/infrastructure/telegram"
	"LifelogRouter/internal/logging"
	"LifelogRouter/internal/ports"
	"LifelogRouter/internal/retry"
	"LifelogRouter/internal/trigger"
	"LifelogRouter/internal/usecase"
)

const memoryDSN = "memory://"

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *zap.Logger
	stores    stores
	registry  *handler.Registry
	pool      *usecase.WorkerPool
	poller    *usecase.Poller
	confirmer *usecase.Confirmer
	scheduler *usecase.Scheduler
}

type stores struct {
	watermarks ports.WatermarkStore
	ledger     ports.EntryLedger
	records    ports.RecordStore
	attempts   ports.AttemptStore
	evidence   ports.EvidenceStore
	tasks      ports.TaskStore
	close      func() error
}

// VerifyReport summarises an integrity check over stored evidence.
type VerifyReport struct {
	Checked    int
	Valid      int
	Mismatched []domain.EvidenceRecord
	Missing    []domain.EvidenceRecord
}

// OK reports whether every checked evidence record matched its stored payload.
func (r VerifyReport) OK() bool {
	return len(r.Mismatched) == 0 && len(r.Missing) == 0
}

// New builds the application from configuration. Close must be called when done.
func New(ctx context.Context, cfg config.Config, baseLogger *zap.Logger) (*Application, error) {
	if baseLogger == nil {
		logger, err := logging.New(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		baseLogger = logger
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app, err := build(ctx, cfg, baseLogger, st)
	if err != nil {
		_ = st.close()
		return nil, err
	}
	return app, nil
}

func build(ctx context.Context, cfg config.Config, baseLogger *zap.Logger, st stores) (*Application, error) {
	loc := cfg.Scheduler.Location()

	completer, err := newCompleter(ctx, cfg.Classifier)
	if err != nil {
		return nil, err
	}

	sink, notifier := newChannels(cfg.Confirmation)

	registry, err := handler.NewRegistry(buildHandlers(cfg, loc, extractor.Deps{
		Completer: completer,
		Records:   st.records,
		Notifier:  notifier,
		Logger:    baseLogger,
	})...)
	if err != nil {
		return nil, fmt.Errorf("build handler registry: %w", err)
	}

	classifier := newClassifier(cfg.Classifier, completer, registry)

	persistPolicy := policyFrom(cfg.Persistence.Retry)
	confirmer := usecase.NewConfirmer(sink, st.records, retry.Policy{
		Initial:     500 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
		Jitter:      0.1,
	}, usecase.ConfirmerConfig{
		Interval:    cfg.Confirmation.RetryInterval.Std(),
		MaxAttempts: cfg.Confirmation.MaxAttempts,
	}, logging.Component(baseLogger, "confirmer"))

	router := usecase.NewRouter(classifier, registry, cfg.Classifier.MinConfidence, logging.Component(baseLogger, "router"))
	dispatcher := usecase.NewDispatcher(usecase.DispatcherDeps{
		Registry:  registry,
		Committer: usecase.NewCommitter(st.records, persistPolicy, cfg.Persistence.ProcessedBy),
		Attempts:  usecase.NewAttemptLog(st.attempts, persistPolicy),
		Recorder:  usecase.NewRecorder(st.evidence, persistPolicy),
		Confirmer: confirmer,
		Logger:    logging.Component(baseLogger, "dispatcher"),
	})
	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Router:     router,
		Dispatcher: dispatcher,
		Ledger:     st.ledger,
		Policy:     persistPolicy,
		Logger:     logging.Component(baseLogger, "pipeline"),
	})
	pool := usecase.NewWorkerPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, pipeline.Process, logging.Component(baseLogger, "workers"))

	feed := limitless.NewClient(limitless.Config{
		Endpoint:          cfg.Source.Endpoint,
		APIKey:            cfg.Source.APIKey,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Timeout:           cfg.Source.Timeout.Std(),
		Location:          loc,
	}, nil)

	poller := usecase.NewPoller(usecase.PollerDeps{
		Feed:       feed,
		Watermarks: st.watermarks,
		Ledger:     st.ledger,
		Detector:   trigger.NewDetector(cfg.Trigger.Phrase, cfg.Trigger.Synonyms, cfg.Trigger.WindowSize),
		Pool:       pool,
		Logger:     logging.Component(baseLogger, "poller"),
	}, usecase.PollerConfig{
		Interval:        cfg.Poller.Interval.Std(),
		InitialLookback: cfg.Poller.InitialLookback.Std(),
		PageLimit:       cfg.Source.PageLimit,
		MaxPages:        cfg.Poller.MaxPages,
		Backoff:         policyFrom(cfg.Poller.Backoff),
		GracePeriod:     cfg.Dispatch.GracePeriod.Std(),
	})

	sched := usecase.NewScheduler(
		scheduler.NewTickerScheduler(cfg.Scheduler.Tick.Std(), loc),
		st.tasks,
		loc,
		logging.Component(baseLogger, "scheduler"),
	)

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		stores:    st,
		registry:  registry,
		pool:      pool,
		poller:    poller,
		confirmer: confirmer,
		scheduler: sched,
	}, nil
}

// Run starts the poller, confirmation sweeps and the task scheduler and blocks
// until ctx ends or one of them fails fatally.
func (a *Application) Run(ctx context.Context) error {
	if err := a.scheduler.RegisterFromRegistry(ctx, a.registry, time.Now()); err != nil {
		return fmt.Errorf("register scheduled tasks: %w", err)
	}

	a.logger.Info("lifelog router starting",
		zap.Strings("handlers", a.registry.Names()),
		zap.String("classifier", a.cfg.Classifier.Provider),
		zap.Bool("confirmations", a.confirmer.Enabled()),
	)

	a.pool.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.poller.Run(gctx); err != nil {
			a.pool.Shutdown(0)
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.confirmer.Run(gctx)
	})
	g.Go(func() error {
		if err := a.scheduler.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Dispatch.GracePeriod.Std())
		defer cancel()
		return a.scheduler.Stop(stopCtx)
	})

	err := g.Wait()
	if errors.Is(err, domain.ErrWatermarkCorrupt) {
		a.logger.Error("watermark is corrupt, refusing to continue", zap.Error(err))
	}
	return err
}

// Close releases storage handles.
func (a *Application) Close() error {
	return a.stores.close()
}

// Evidence lists evidence for one entry, or the most recent records when entryID is empty.
func (a *Application) Evidence(ctx context.Context, entryID string, limit int) ([]domain.EvidenceRecord, error) {
	if entryID != "" {
		return a.stores.evidence.ListByEntry(ctx, entryID)
	}
	return a.stores.evidence.List(ctx, limit)
}

// Verify recomputes integrity hashes for recent evidence against committed records.
func (a *Application) Verify(ctx context.Context, limit int) (VerifyReport, error) {
	var report VerifyReport
	evidence, err := a.stores.evidence.List(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list evidence: %w", err)
	}
	for _, ev := range evidence {
		if ev.RecordRef == nil {
			continue
		}
		report.Checked++
		rec, err := a.stores.records.Get(ctx, ev.EntryID, ev.HandlerName)
		if err != nil {
			return report, fmt.Errorf("load record %s: %w", *ev.RecordRef, err)
		}
		switch {
		case rec == nil:
			report.Missing = append(report.Missing, ev)
		case !ev.Verify(rec.Payload):
			report.Mismatched = append(report.Mismatched, ev)
		default:
			report.Valid++
		}
	}
	return report, nil
}

// Tasks registers configured tasks and returns their persisted state.
func (a *Application) Tasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	if err := a.scheduler.RegisterFromRegistry(ctx, a.registry, time.Now()); err != nil {
		return nil, fmt.Errorf("register scheduled tasks: %w", err)
	}
	return a.scheduler.Tasks(ctx)
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	overlap := cfg.Poller.OverlapMargin.Std()
	if strings.HasPrefix(cfg.Database.DSN, memoryDSN) {
		m := memory.New(overlap)
		return stores{
			watermarks: m,
			ledger:     m,
			records:    m,
			attempts:   m,
			evidence:   m,
			tasks:      m,
			close:      func() error { return nil },
		}, nil
	}

	s, err := storage.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return stores{}, fmt.Errorf("open storage: %w", err)
	}
	return stores{
		watermarks: s.Watermarks(overlap),
		ledger:     s.Ledger(),
		records:    s.Records(),
		attempts:   s.Attempts(),
		evidence:   s.Evidence(),
		tasks:      s.Tasks(),
		close:      s.Close,
	}, nil
}

func newCompleter(ctx context.Context, cfg config.ClassifierConfig) (ports.Completer, error) {
	switch cfg.Provider {
	case "chatgpt", "":
		if cfg.APIKey == "" {
			return nil, nil
		}
		return llm.NewChatGPTClient(llm.ChatGPTConfig{
			Endpoint:          cfg.Endpoint,
			Model:             cfg.Model,
			APIKey:            cfg.APIKey,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Timeout:           cfg.Timeout.Std(),
		}), nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, nil
		}
		model := cfg.Model
		if strings.HasPrefix(model, "gpt-") {
			model = ""
		}
		client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			Model:             model,
			APIKey:            cfg.APIKey,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, nil
	}
}

func newClassifier(cfg config.ClassifierConfig, completer ports.Completer, registry *handler.Registry) ports.Classifier {
	switch cfg.Provider {
	case "none":
		return nil
	case "service":
		if cfg.Endpoint == "" {
			return nil
		}
		return ml.NewClient(cfg.Endpoint, cfg.APIKey, cfg.Timeout.Std())
	default:
		if completer == nil {
			return nil
		}
		return llm.NewClassifier(completer, registry.Descriptors(), cfg.SystemPrompt)
	}
}

func newChannels(cfg config.ConfirmationConfig) (ports.ConfirmationSink, ports.Notifier) {
	switch {
	case cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "":
		n := telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		return n, n
	case cfg.Discord.WebhookURL != "":
		w := discord.NewWebhook(cfg.Discord.WebhookURL)
		return w, w
	default:
		return nil, nil
	}
}

// buildHandlers is the explicit registration list: one extractor per enabled handler.
func buildHandlers(cfg config.Config, loc *time.Location, deps extractor.Deps) []handler.Handler {
	base := deps.Logger
	handlers := make([]handler.Handler, 0, len(cfg.Handlers))
	for _, hc := range cfg.EnabledHandlers() {
		d := deps
		d.Logger = logging.Component(base, "handler."+hc.Name)
		handlers = append(handlers, extractor.New(extractorConfig(hc, loc), d))
	}
	return handlers
}

func extractorConfig(hc config.HandlerConfig, loc *time.Location) extractor.Config {
	schedule := make([]extractor.TaskSpec, 0, len(hc.Schedule))
	for _, t := range hc.Schedule {
		schedule = append(schedule, extractor.TaskSpec{Name: t.Name, At: t.At})
	}
	return extractor.Config{
		Name:        hc.Name,
		Description: hc.Description,
		Keywords:    hc.Keywords,
		Patterns:    hc.Patterns,
		Prompt:      hc.Prompt,
		ImagePrompt: hc.ImagePrompt,
		Context:     hc.Options["context"],
		Schedule:    schedule,
		Location:    loc,
	}
}

func policyFrom(rc config.RetryConfig) retry.Policy {
	p := retry.Default()
	if rc.Initial > 0 {
		p.Initial = rc.Initial.Std()
	}
	if rc.Max > 0 {
		p.Max = rc.Max.Std()
	}
	if rc.Multiplier > 0 {
		p.Multiplier = rc.Multiplier
	}
	p.MaxAttempts = rc.MaxAttempts
	return p
}
