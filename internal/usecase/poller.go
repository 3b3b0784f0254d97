package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
	"LifelogRouter/internal/retry"
	"LifelogRouter/internal/trigger"
)

// PollerDeps wires the poller's collaborators.
type PollerDeps struct {
	Feed       ports.SourceFeed
	Watermarks ports.WatermarkStore
	Ledger     ports.EntryLedger
	Detector   *trigger.Detector
	Pool       *WorkerPool
	Logger     *zap.Logger
}

// PollerConfig controls cadence and resume behaviour.
type PollerConfig struct {
	Interval        time.Duration
	InitialLookback time.Duration
	PageLimit       int
	MaxPages        int
	Backoff         retry.Policy
	GracePeriod     time.Duration
}

// Poller fetches entries, hands triggered ones to the worker pool and owns the
// watermark. All of its state is confined to the goroutine running Run.
type Poller struct {
	feed       ports.SourceFeed
	watermarks ports.WatermarkStore
	ledger     ports.EntryLedger
	detector   *trigger.Detector
	pool       *WorkerPool
	logger     *zap.Logger
	cfg        PollerConfig
	now        func() time.Time

	watermark domain.Watermark
	start     time.Time
	progress  *progress
	window    *trigger.Window
	inflight  map[string]Job
	backlog   []Job
	failures  int
}

// NewPoller builds a poller. Init must be called before Tick.
func NewPoller(deps PollerDeps, cfg PollerConfig) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 10
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Poller{
		feed:       deps.Feed,
		watermarks: deps.Watermarks,
		ledger:     deps.Ledger,
		detector:   deps.Detector,
		pool:       deps.Pool,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		progress:   newProgress(),
		window:     trigger.NewWindow(deps.Detector.WindowSize() * 4),
		inflight:   make(map[string]Job),
	}
}

// Init loads the committed watermark. A corrupt watermark is returned as is and must halt ingestion.
func (p *Poller) Init(ctx context.Context) error {
	wm, err := p.watermarks.Load(ctx)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	p.watermark = wm
	p.start = p.now().Add(-p.cfg.InitialLookback)
	if wm.IsZero() {
		p.logger.Info("no watermark committed, starting from now", zap.Time("since", p.start))
	} else {
		p.logger.Info("resuming from watermark",
			zap.Time("position", wm.Position),
			zap.String("entry_id", wm.EntryID),
			zap.Time("since", wm.ResumeFrom()))
	}
	return nil
}

// Watermark returns the last committed watermark.
func (p *Poller) Watermark() domain.Watermark {
	return p.watermark
}

func (p *Poller) resumePoint() time.Time {
	if p.watermark.IsZero() {
		return p.start
	}
	return p.watermark.ResumeFrom()
}

// Poll fetches entries after the resume point, pages while pages are full, and
// drops entries that are committed or already in flight. Entries come back oldest first.
func (p *Poller) Poll(ctx context.Context) ([]domain.Entry, error) {
	resumeFrom := p.resumePoint()
	since := resumeFrom

	var fetched []domain.Entry
	var fetchErr error
	for page := 0; page < p.cfg.MaxPages; page++ {
		batch, err := p.feed.Fetch(ctx, since, p.cfg.PageLimit)
		if err != nil {
			fetchErr = err
			break
		}
		fetched = append(fetched, batch...)
		if len(batch) < p.cfg.PageLimit {
			break
		}
		last := batch[len(batch)-1].OccurredAt
		if !last.After(since) {
			break
		}
		since = last
	}

	seen := make(map[string]bool, len(fetched))
	candidates := make([]domain.Entry, 0, len(fetched))
	ids := make([]string, 0, len(fetched))
	for _, e := range fetched {
		if e.ID == "" || seen[e.ID] || !e.OccurredAt.After(resumeFrom) {
			continue
		}
		seen[e.ID] = true
		if _, busy := p.inflight[e.ID]; busy {
			continue
		}
		candidates = append(candidates, e)
		ids = append(ids, e.ID)
	}

	if len(ids) > 0 {
		processed, err := p.ledger.AlreadyProcessed(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load processed: %w", err)
		}
		fresh := candidates[:0]
		for _, e := range candidates {
			if !processed[e.ID] {
				fresh = append(fresh, e)
			}
		}
		candidates = fresh
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].OccurredAt.Before(candidates[j].OccurredAt)
	})
	return candidates, fetchErr
}

// Tick runs one poll cycle: retry the backlog, fetch, detect triggers, hand off,
// and advance the watermark past finished entries.
func (p *Poller) Tick(ctx context.Context) error {
	p.flush()

	entries, err := p.Poll(ctx)
	for _, e := range entries {
		p.accept(e)
	}
	p.flush()
	p.advance(ctx)
	return err
}

func (p *Poller) accept(e domain.Entry) {
	p.window.Add(e)
	p.progress.add(e)

	if !p.detector.Detect(e) {
		p.progress.complete(e)
		return
	}

	job := Job{Window: p.detector.Context(e, p.window)}
	p.inflight[e.ID] = job
	p.backlog = append(p.backlog, job)
	p.logger.Debug("trigger detected", zap.String("entry_id", e.ID), zap.Bool("standalone", job.Window.Standalone))
}

// flush submits backlog jobs in order until the queue pushes back.
func (p *Poller) flush() {
	sent := 0
	for _, job := range p.backlog {
		if !p.pool.TrySubmit(job) {
			break
		}
		sent++
	}
	if sent < len(p.backlog) {
		p.logger.Debug("dispatch queue full, holding entries", zap.Int("backlog", len(p.backlog)-sent))
	}
	p.backlog = append(p.backlog[:0], p.backlog[sent:]...)
}

// complete handles a worker completion. Unfinished entries stay pending and are resubmitted.
func (p *Poller) complete(ctx context.Context, c Completion) {
	job, ok := p.inflight[c.Entry.ID]
	if c.Err != nil {
		p.logger.Error("entry unfinished, will retry", zap.String("entry_id", c.Entry.ID), zap.Error(c.Err))
		if ok {
			p.backlog = append(p.backlog, job)
		}
		return
	}
	delete(p.inflight, c.Entry.ID)
	p.progress.complete(c.Entry)
	p.advance(ctx)
}

// advance persists the watermark when finished entries allow it to move forward.
func (p *Poller) advance(ctx context.Context) {
	s, ok := p.progress.safe()
	if !ok || !s.at.After(p.watermark.Position) {
		return
	}
	next := domain.Watermark{Position: s.at, EntryID: s.id, OverlapMargin: p.watermark.OverlapMargin}
	if err := p.watermarks.Save(ctx, next); err != nil {
		p.logger.Error("watermark not saved", zap.Error(err))
		// Keep the stamp so the next advance retries the save.
		p.progress.done = append(p.progress.done, s)
		return
	}
	p.watermark = next
	p.logger.Debug("watermark advanced", zap.Time("position", s.at), zap.String("entry_id", s.id))
}

// Run polls until ctx ends, then drains in-flight work and saves the final watermark.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Init(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.drain()
		case c := <-p.pool.Completions():
			p.complete(ctx, c)
		case <-timer.C:
			delay := p.cfg.Interval
			if err := p.Tick(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				p.failures++
				delay = p.cfg.Backoff.DelayFor(err, p.failures)
				p.logger.Warn("poll failed, backing off",
					zap.Int("failures", p.failures),
					zap.Duration("retry_in", delay),
					zap.Error(err))
			} else if p.failures > 0 {
				p.logger.Info("poll recovered", zap.Int("after_failures", p.failures))
				p.failures = 0
			}
			timer.Reset(delay)
		}
	}
}

func (p *Poller) drain() error {
	ctx := context.Background()
	p.logger.Info("draining in-flight entries", zap.Int("in_flight", len(p.inflight)))

	go p.pool.Shutdown(p.cfg.GracePeriod)
	for c := range p.pool.Completions() {
		p.complete(ctx, c)
	}
	p.advance(ctx)
	p.logger.Info("poller stopped", zap.Time("watermark", p.watermark.Position))
	return nil
}
