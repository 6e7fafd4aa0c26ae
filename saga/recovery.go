package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

const (
	DefaultStaleDebitThreshold = 5 * time.Minute
	DefaultRecoveryInterval    = 30 * time.Second
	DefaultRecoveryConcurrency = 4
)

// RecoveryConfig tunes the recovery scanner.
type RecoveryConfig struct {
	// StaleDebitThreshold bounds how long a saga may sit in DEBITED before it is compensated.
	StaleDebitThreshold time.Duration
	Interval            time.Duration
	Concurrency         int
}

// ScanResult counts what one recovery pass did.
type ScanResult struct {
	Scanned     int
	Resumed     int
	Compensated int
	Skipped     int
	Failed      int
}

// Recovery resumes sagas left in a non-terminal state by a crash, a full queue or a
// shutdown. Resuming goes through the coordinator, so the idempotency checks make it
// safe even when the interrupted attempt had partly applied a step.
type Recovery struct {
	coord  *Coordinator
	log    SagaLog
	cfg    RecoveryConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewRecovery(coord *Coordinator, log SagaLog, cfg RecoveryConfig, logger *zap.Logger) *Recovery {
	if cfg.StaleDebitThreshold <= 0 {
		cfg.StaleDebitThreshold = DefaultStaleDebitThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRecoveryInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultRecoveryConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Recovery{
		coord:  coord,
		log:    log,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run scans once immediately and then on every interval until ctx is done.
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Scan(ctx); err != nil {
			r.logger.Error("recovery scan failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan makes one pass over the incomplete sagas. Per-saga failures are counted and logged;
// only a failure to read the log is returned.
func (r *Recovery) Scan(ctx context.Context) (ScanResult, error) {
	incomplete, err := r.log.ReadIncomplete(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	var g errgroup.Group
	var resumed, compensated, skipped, failed atomic.Int64
	g.SetLimit(r.cfg.Concurrency)

	for _, inst := range incomplete {
		if r.coord.running(inst.ID) {
			skipped.Add(1)
			continue
		}

		g.Go(func() error {
			var err error
			if r.isStaleDebit(inst) {
				_, err = r.coord.ForceCompensation(ctx, inst.ID, "debit unmatched past staleness threshold")
				if err == nil {
					compensated.Add(1)
				}
			} else {
				_, err = r.coord.Execute(ctx, inst.ID)
				if err == nil {
					resumed.Add(1)
				}
			}

			switch {
			case err == nil:
			case errors.Is(err, ErrSagaBusy):
				skipped.Add(1)
			default:
				failed.Add(1)
				r.logger.Warn("saga recovery incomplete",
					zap.String("saga_id", inst.ID), zap.String("state", string(inst.State)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	res := ScanResult{
		Scanned:     len(incomplete),
		Resumed:     int(resumed.Load()),
		Compensated: int(compensated.Load()),
		Skipped:     int(skipped.Load()),
		Failed:      int(failed.Load()),
	}
	if res.Scanned > 0 {
		r.logger.Info("recovery scan finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("resumed", res.Resumed),
			zap.Int("compensated", res.Compensated),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}

	return res, nil
}

func (r *Recovery) isStaleDebit(inst models.SagaInstance) bool {
	return inst.State == models.StateDebited && r.now().Sub(inst.UpdatedAt) > r.cfg.StaleDebitThreshold
}
