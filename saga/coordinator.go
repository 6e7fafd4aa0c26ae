package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yashasviy/lockless-transfer-saga/models"
)

const tracerName = "github.com/yashasviy/lockless-transfer-saga/saga"

var (
	// ErrRetriesExhausted wraps the last transient error once the retry ceiling is hit.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrSimulatedCrash is returned when a chaos crash point aborts a run.
	ErrSimulatedCrash = errors.New("simulated crash")

	// ErrSagaBusy means another goroutine of this process is already driving the saga.
	ErrSagaBusy = errors.New("saga already running")

	errCancelled = errors.New("cancelled")
)

// Config tunes the coordinator. Zero values fall back to the defaults below.
type Config struct {
	Workers        int
	QueueSize      int
	RetryCeiling   int
	RetryBaseDelay time.Duration
	StepTimeout    time.Duration

	// CrashAfter, when set, aborts a run right after this state is logged.
	CrashAfter models.SagaState
}

const (
	DefaultWorkers        = 8
	DefaultQueueSize      = 1024
	DefaultRetryCeiling   = 5
	DefaultRetryBaseDelay = 20 * time.Millisecond
	DefaultStepTimeout    = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	return c
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithIDGenerator replaces the UUID generator used for sagas without a client id.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTracerProvider sets where step spans go. Without it the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// Coordinator drives transfer sagas through their state machine. Each saga runs on one
// goroutine at a time; different sagas run in parallel on the worker pool.
type Coordinator struct {
	log       SagaLog
	exec      *Executor
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	validate  *validator.Validate
	cfg       Config
	newID     func() string
	now       func() time.Time

	inflight sync.Map
	cancels  sync.Map

	queue  chan string
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewCoordinator(ledger LedgerStore, steps IdempotencyStore, log SagaLog, cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()

	c := &Coordinator{
		log:      log,
		exec:     NewExecutor(ledger, steps),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
		validate: validator.New(),
		cfg:      cfg,
		newID:    uuid.NewString,
		now:      time.Now,
		queue:    make(chan string, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start launches the worker pool. Workers stop when ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	c.logger.Info("saga workers started", zap.Int("workers", c.cfg.Workers))
}

// Stop cancels the workers and waits for in-flight runs to return. Sagas interrupted
// mid-run are left in the log for the recovery scanner.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) worker(ctx context.Context, n int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.queue:
			if _, err := c.Execute(ctx, id); err != nil && !errors.Is(err, ErrSagaBusy) {
				c.logger.Warn("saga run interrupted",
					zap.Int("worker", n), zap.String("saga_id", id), zap.Error(err))
			}
		}
	}
}

// InitiateTransfer records a new saga and hands it to the worker pool. It reports
// acceptance only; callers poll Get or subscribe to saga events for the outcome. A saga id
// that already exists returns the stored instance instead of starting a duplicate.
func (c *Coordinator) InitiateTransfer(ctx context.Context, req models.TransferRequest) (models.SagaInstance, error) {
	if err := c.validate.Struct(req); err != nil {
		return models.SagaInstance{}, fmt.Errorf("%w: %v", models.ErrInvalidTransfer, err)
	}

	id := req.SagaID
	if id == "" {
		id = c.newID()
	}

	var (
		inst    models.SagaInstance
		created bool
	)
	err := c.retry(ctx, "create saga", func(ctx context.Context) error {
		var err error
		inst, created, err = c.log.Create(ctx, models.SagaInstance{
			ID:                   id,
			SourceAccountID:      req.SourceAccountID,
			DestinationAccountID: req.DestinationAccountID,
			Amount:               req.Amount,
		})
		return err
	})
	if err != nil {
		return models.SagaInstance{}, fmt.Errorf("create saga %s: %w", id, err)
	}

	if !created {
		if inst.SourceAccountID != req.SourceAccountID || inst.DestinationAccountID != req.DestinationAccountID || inst.Amount != req.Amount {
			c.logger.Warn("duplicate saga id with different transfer details",
				zap.String("saga_id", id), zap.String("state", string(inst.State)))
		}
		return inst, nil
	}

	c.logger.Info("saga created",
		zap.String("saga_id", id),
		zap.String("source_account_id", inst.SourceAccountID),
		zap.String("destination_account_id", inst.DestinationAccountID),
		zap.Int64("amount", inst.Amount))
	c.publish(ctx, inst, models.SagaLogEntry{
		SagaID:    inst.ID,
		NewState:  models.StateCreated,
		Reason:    "transfer requested",
		Timestamp: inst.CreatedAt,
	})
	c.enqueue(inst.ID)

	return inst, nil
}

func (c *Coordinator) enqueue(id string) {
	select {
	case c.queue <- id:
	default:
		c.logger.Warn("saga queue full, leaving saga for recovery", zap.String("saga_id", id))
	}
}

func (c *Coordinator) Get(ctx context.Context, sagaID string) (models.SagaInstance, error) {
	return c.log.Get(ctx, sagaID)
}

// History returns the transition log of a saga, oldest first.
func (c *Coordinator) History(ctx context.Context, sagaID string) ([]models.SagaLogEntry, error) {
	return c.log.Entries(ctx, sagaID)
}

// Cancel stops a saga that has not debited yet; it ends in DEBIT_FAILED with no ledger
// effect. Once DEBITED is logged only compensation can undo the transfer, so
// models.ErrNotCancellable is returned. A saga that is being driven right now returns
// ErrSagaBusy: its debit may already be in flight, and the caller has to ask again once
// the run settles.
func (c *Coordinator) Cancel(ctx context.Context, sagaID string) (models.SagaInstance, error) {
	inst, err := c.log.Get(ctx, sagaID)
	if err != nil {
		return inst, err
	}

	switch inst.State {
	case models.StateDebitFailed:
		return inst, nil
	case models.StateCreated, models.StateDebiting:
	default:
		return inst, fmt.Errorf("%w: saga %s is %s", models.ErrNotCancellable, sagaID, inst.State)
	}

	if c.running(sagaID) {
		return inst, fmt.Errorf("cancel %s: %w", sagaID, ErrSagaBusy)
	}

	c.cancels.Store(sagaID, struct{}{})

	inst, err = c.Execute(ctx, sagaID)
	if errors.Is(err, ErrSagaBusy) {
		// a run started in between; asking again reports how it ended
		c.cancels.Delete(sagaID)
		return inst, fmt.Errorf("cancel %s: %w", sagaID, err)
	}
	if err != nil {
		return inst, err
	}
	if inst.State != models.StateDebitFailed {
		return inst, fmt.Errorf("%w: debit landed before cancellation", models.ErrNotCancellable)
	}

	return inst, nil
}

// Execute drives a saga until it reaches a terminal state or cannot make progress. It is
// the single entry point for workers, recovery and cancellation.
func (c *Coordinator) Execute(ctx context.Context, sagaID string) (models.SagaInstance, error) {
	if _, busy := c.inflight.LoadOrStore(sagaID, struct{}{}); busy {
		inst, err := c.log.Get(ctx, sagaID)
		if err != nil {
			return inst, err
		}
		return inst, ErrSagaBusy
	}
	defer c.inflight.Delete(sagaID)

	inst, err := c.log.Get(ctx, sagaID)
	if err != nil {
		return inst, err
	}

	return c.drive(ctx, inst)
}

// ForceCompensation unwinds a saga stuck in DEBITED. The credit was never attempted, so
// the saga moves through CREDITING, the credit is fenced and the debit is reversed.
func (c *Coordinator) ForceCompensation(ctx context.Context, sagaID, reason string) (models.SagaInstance, error) {
	if _, busy := c.inflight.LoadOrStore(sagaID, struct{}{}); busy {
		inst, err := c.log.Get(ctx, sagaID)
		if err != nil {
			return inst, err
		}
		return inst, ErrSagaBusy
	}
	defer c.inflight.Delete(sagaID)

	inst, err := c.log.Get(ctx, sagaID)
	if err != nil {
		return inst, err
	}
	if inst.State != models.StateDebited {
		return c.drive(ctx, inst)
	}

	inst, err = c.transition(ctx, inst, models.StateCrediting, reason)
	if err != nil {
		return inst, err
	}

	next, why, err := c.fenceCredit(ctx, inst, errors.New(reason))
	if err != nil {
		return inst, err
	}

	inst, err = c.transition(ctx, inst, next, why)
	if err != nil {
		return inst, err
	}

	return c.drive(ctx, inst)
}

func (c *Coordinator) running(sagaID string) bool {
	_, ok := c.inflight.Load(sagaID)
	return ok
}

func (c *Coordinator) drive(ctx context.Context, inst models.SagaInstance) (models.SagaInstance, error) {
	resumedIn := inst.State
	for !inst.State.IsTerminal() {
		next, reason, err := c.advance(ctx, inst, inst.State == resumedIn)
		if err != nil {
			return inst, err
		}

		inst, err = c.transition(ctx, inst, next, reason)
		if err != nil {
			return inst, err
		}
	}

	c.cancels.Delete(inst.ID)

	return inst, nil
}

// advance performs the work attached to the current state and returns the state to move
// to. Compensation is an ordinary forward edge here, not an unwinding path.
//
// resumed is true when the run picked the saga up in this state, so an earlier run may
// have left an attempt of the step behind. A failed step is fenced only then, or when one
// of this run's attempts ended without a definitive answer from the ledger. Otherwise the
// ledger's refusal settles the leg and nothing is written to it.
func (c *Coordinator) advance(ctx context.Context, inst models.SagaInstance, resumed bool) (models.SagaState, string, error) {
	switch inst.State {
	case models.StateCreated:
		return models.StateDebiting, "selected for execution", nil

	case models.StateDebiting:
		if _, cancelled := c.cancels.Load(inst.ID); cancelled {
			if resumed {
				return c.fenceDebit(ctx, inst, errCancelled)
			}
			return models.StateDebitFailed, errCancelled.Error(), nil
		}

		uncertain, err := c.runStep(ctx, inst, models.StepDebit, c.exec.Debit)
		if err == nil {
			return models.StateDebited, "source debited", nil
		}
		if ctx.Err() != nil {
			return "", "", err
		}
		if uncertain || resumed {
			return c.fenceDebit(ctx, inst, err)
		}
		return models.StateDebitFailed, err.Error(), nil

	case models.StateDebited:
		return models.StateCrediting, "proceeding to credit", nil

	case models.StateCrediting:
		uncertain, err := c.runStep(ctx, inst, models.StepCredit, c.exec.Credit)
		if err == nil {
			return models.StateCompleted, "destination credited", nil
		}
		if ctx.Err() != nil {
			return "", "", err
		}
		if uncertain || resumed {
			return c.fenceCredit(ctx, inst, err)
		}
		return models.StateCompensating, err.Error(), nil

	case models.StateCompensating:
		_, err := c.runStep(ctx, inst, models.StepCompensateDebit, c.exec.CompensateDebit)
		if err != nil {
			c.logger.Error("compensation failed, saga left for recovery",
				zap.String("saga_id", inst.ID), zap.Error(err))
			return "", "", err
		}
		return models.StateCompensated, "source re-credited", nil

	default:
		return "", "", fmt.Errorf("%w: no work for state %s", models.ErrInvalidTransition, inst.State)
	}
}

// fenceDebit settles a debit leg that failed or was cancelled. DEBIT_FAILED is only logged
// once the ledger confirms the debit cannot land any more.
func (c *Coordinator) fenceDebit(ctx context.Context, inst models.SagaInstance, cause error) (models.SagaState, string, error) {
	voided, err := c.void(ctx, inst, models.StepDebit, inst.SourceAccountID)
	if err != nil {
		return "", "", fmt.Errorf("fence debit after %v: %w", cause, err)
	}
	if !voided {
		c.logger.Warn("debit already applied, continuing saga",
			zap.String("saga_id", inst.ID), zap.NamedError("cause", cause))
		return models.StateDebited, "debit confirmed by ledger", nil
	}

	return models.StateDebitFailed, cause.Error(), nil
}

// fenceCredit settles a credit leg that failed. Compensation starts only once the credit is
// known not to have landed; a credit that did land completes the saga instead.
func (c *Coordinator) fenceCredit(ctx context.Context, inst models.SagaInstance, cause error) (models.SagaState, string, error) {
	voided, err := c.void(ctx, inst, models.StepCredit, inst.DestinationAccountID)
	if err != nil {
		return "", "", fmt.Errorf("fence credit after %v: %w", cause, err)
	}
	if !voided {
		return models.StateCompleted, "credit confirmed by ledger", nil
	}

	return models.StateCompensating, cause.Error(), nil
}

func (c *Coordinator) void(ctx context.Context, inst models.SagaInstance, step models.Step, accountID string) (bool, error) {
	var voided bool
	err := c.retry(ctx, "void "+string(step), func(ctx context.Context) error {
		var err error
		_, voided, err = c.exec.Void(ctx, inst.ID, step, accountID)
		return err
	})
	return voided, err
}

// runStep applies one ledger step under a span. uncertain reports whether any attempt
// failed in a way that may still have committed.
func (c *Coordinator) runStep(ctx context.Context, inst models.SagaInstance, step models.Step,
	fn func(context.Context, models.SagaInstance) (models.StepRecord, error),
) (uncertain bool, err error) {
	ctx, span := c.tracer.Start(ctx, "saga."+string(step), trace.WithAttributes(
		attribute.String("saga.id", inst.ID),
		attribute.String("saga.step", string(step)),
		attribute.Int64("saga.amount", inst.Amount),
	))
	defer span.End()

	err = c.retry(ctx, string(step), func(ctx context.Context) error {
		rec, err := fn(ctx, inst)
		switch {
		case err == nil:
			span.SetAttributes(attribute.Int64("ledger.version", rec.ResultVersion))
		case inconclusive(err):
			uncertain = true
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("saga.step.uncertain", uncertain))

	return uncertain, err
}

// retry runs fn under the step timeout until it succeeds, fails non-retryably or the retry
// ceiling is reached. Version conflicts retry at once; store faults and timeouts back off.
func (c *Coordinator) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var (
		attempts int
		final    bool
	)
	policy := newStepBackOff(c.cfg.RetryBaseDelay, c.cfg.StepTimeout)
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.RetryCeiling-1)), ctx)

	err := backoff.Retry(func() error {
		attempts++
		stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
		err := fn(stepCtx)
		cancel()

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			final = true
			return backoff.Permanent(fmt.Errorf("%s: %w", op, ctx.Err()))
		case !retryable(err):
			final = true
			return backoff.Permanent(err)
		}

		policy.lastErr = err
		c.logger.Debug("retrying saga operation",
			zap.String("op", op), zap.Int("attempt", attempts), zap.Error(err))
		return err
	}, b)

	switch {
	case err == nil, final:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}

	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, attempts, err)
}

func retryable(err error) bool {
	return models.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// inconclusive reports whether a failed attempt left the ledger's answer unknown. A store
// fault or a timeout may hide a commit; a refusal such as insufficient funds or a version
// conflict does not.
func inconclusive(err error) bool {
	return errors.Is(err, models.ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// transition appends the edge to the saga log before anything else happens to the saga.
func (c *Coordinator) transition(ctx context.Context, inst models.SagaInstance, next models.SagaState, reason string) (models.SagaInstance, error) {
	if err := models.ValidateTransition(inst.State, next); err != nil {
		return inst, err
	}

	entry := models.SagaLogEntry{
		SagaID:     inst.ID,
		PriorState: inst.State,
		NewState:   next,
		Reason:     reason,
		Timestamp:  c.now().UTC(),
	}

	var updated models.SagaInstance
	err := c.retry(ctx, "append "+string(next), func(ctx context.Context) error {
		var err error
		updated, err = c.log.Append(ctx, entry)
		return err
	})
	if err != nil {
		return inst, fmt.Errorf("log %s -> %s: %w", inst.State, next, err)
	}

	c.logger.Info("saga transition",
		zap.String("saga_id", inst.ID),
		zap.String("from", string(entry.PriorState)),
		zap.String("to", string(next)),
		zap.String("reason", reason))
	c.publish(ctx, updated, entry)

	if c.cfg.CrashAfter != "" && c.cfg.CrashAfter == next {
		return updated, fmt.Errorf("%w after %s", ErrSimulatedCrash, next)
	}

	return updated, nil
}

func (c *Coordinator) publish(ctx context.Context, inst models.SagaInstance, entry models.SagaLogEntry) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, inst, entry); err != nil {
		c.logger.Warn("failed to publish saga event",
			zap.String("saga_id", inst.ID), zap.String("state", string(entry.NewState)), zap.Error(err))
	}
}
