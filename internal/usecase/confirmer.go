package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
	"LifelogRouter/internal/retry"
)

// ConfirmerConfig tunes background redelivery.
type ConfirmerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
}

// Confirmer delivers confirmations for committed records. Delivery failures never
// affect commit state; unconfirmed records are retried from Run.
type Confirmer struct {
	sink    ports.ConfirmationSink
	records ports.RecordStore
	policy  retry.Policy
	cfg     ConfirmerConfig
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	attempts map[string]int
}

// NewConfirmer builds a confirmer. A nil sink disables confirmations.
func NewConfirmer(sink ports.ConfirmationSink, records ports.RecordStore, policy retry.Policy, cfg ConfirmerConfig, logger *zap.Logger) *Confirmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Confirmer{
		sink:     sink,
		records:  records,
		policy:   policy,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		attempts: make(map[string]int),
	}
}

// Enabled reports whether a sink is configured.
func (c *Confirmer) Enabled() bool {
	return c != nil && c.sink != nil
}

// Confirm posts a confirmation and links it to the record.
// It returns nil when delivery failed or no sink is configured.
func (c *Confirmer) Confirm(ctx context.Context, rec domain.PersistedRecord) *string {
	if !c.Enabled() {
		return nil
	}
	log := c.logger.With(zap.String("entry_id", rec.EntryID), zap.String("handler", rec.HandlerName))

	var ref string
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, err = c.sink.PostConfirmation(ctx, rec)
		return err
	})
	if err != nil {
		log.Warn("confirmation delivery failed", zap.Error(err))
		return nil
	}

	if err := c.records.SaveConfirmation(ctx, domain.Confirmation{
		EntryID:     rec.EntryID,
		HandlerName: rec.HandlerName,
		Ref:         ref,
		ConfirmedAt: c.now(),
	}); err != nil {
		log.Warn("confirmation link not saved", zap.Error(err))
	}
	return &ref
}

// RetryPending makes one delivery attempt for every unconfirmed record older than
// the retry interval. It returns how many were delivered.
func (c *Confirmer) RetryPending(ctx context.Context) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.records.ListUnconfirmed(ctx, c.now().Add(-c.cfg.Interval), c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, rec := range pending {
		key := rec.Ref()
		if c.cfg.MaxAttempts > 0 && c.attempts[key] >= c.cfg.MaxAttempts {
			continue
		}
		log := c.logger.With(zap.String("entry_id", rec.EntryID), zap.String("handler", rec.HandlerName))

		ref, err := c.sink.PostConfirmation(ctx, rec)
		if err != nil {
			c.attempts[key]++
			if c.cfg.MaxAttempts > 0 && c.attempts[key] >= c.cfg.MaxAttempts {
				log.Error("giving up on confirmation", zap.Int("attempts", c.attempts[key]), zap.Error(err))
			} else {
				log.Warn("confirmation retry failed", zap.Error(err))
			}
			continue
		}
		delete(c.attempts, key)
		if err := c.records.SaveConfirmation(ctx, domain.Confirmation{
			EntryID: rec.EntryID, HandlerName: rec.HandlerName, Ref: ref, ConfirmedAt: c.now(),
		}); err != nil {
			log.Warn("confirmation link not saved", zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Run sweeps unconfirmed records on the configured interval until ctx ends.
func (c *Confirmer) Run(ctx context.Context) error {
	if !c.Enabled() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.RetryPending(ctx)
			if err != nil {
				c.logger.Warn("confirmation sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				c.logger.Info("confirmations delivered", zap.Int("count", n))
			}
		}
	}
}
