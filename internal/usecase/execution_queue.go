package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type QueueOptions struct {
	Workers          int
	BatchSize        int
	PollInterval     time.Duration
	ExecutionTimeout time.Duration
	MaxAttempts      int
	Expiry           time.Duration
	ExpirySweep      time.Duration
	OfflineDefer     time.Duration
}

func (o *QueueOptions) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = 15 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Expiry <= 0 {
		o.Expiry = 5 * time.Minute
	}
	if o.ExpirySweep <= 0 {
		o.ExpirySweep = 30 * time.Second
	}
	if o.OfflineDefer <= 0 {
		o.OfflineDefer = 5 * time.Second
	}
}

// ResultNotifier is told about every terminal instruction.
type ResultNotifier interface {
	NotifyResult(in *domain.CopyInstruction)
}

// ExecutionQueue drains the durable instruction store through execution
// adapters. Workers share nothing but the store.
type ExecutionQueue struct {
	store    domain.InstructionRepository
	accounts domain.AccountRepository
	adapters domain.AdapterResolver
	reporter domain.ExecutionReporter
	notifier ResultNotifier
	opts     QueueOptions
	logger   *zap.Logger
	now      func() time.Time
}

func NewExecutionQueue(
	store domain.InstructionRepository,
	accounts domain.AccountRepository,
	adapters domain.AdapterResolver,
	reporter domain.ExecutionReporter,
	opts QueueOptions,
	logger *zap.Logger,
) *ExecutionQueue {
	opts.withDefaults()
	return &ExecutionQueue{
		store:    store,
		accounts: accounts,
		adapters: adapters,
		reporter: reporter,
		opts:     opts,
		logger:   logger.Named("queue"),
		now:      time.Now,
	}
}

// SetNotifier wires the copy_result callback. Must be called before Run.
func (q *ExecutionQueue) SetNotifier(n ResultNotifier) {
	q.notifier = n
}

func (q *ExecutionQueue) Enqueue(ctx context.Context, in *domain.CopyInstruction) (string, error) {
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = q.opts.MaxAttempts
	}
	return q.store.EnqueueInstruction(ctx, in)
}

// Reschedule makes an account's deferred instructions due now. Called when a
// slave comes online.
func (q *ExecutionQueue) Reschedule(ctx context.Context, accountID string) (int, error) {
	return q.store.RescheduleForAccount(ctx, accountID, q.now())
}

func (q *ExecutionQueue) Stats(ctx context.Context) (map[domain.InstructionStatus]int, error) {
	return q.store.QueueStats(ctx)
}

// Run starts the worker pool and the expiry sweeper and blocks until ctx is
// cancelled.
func (q *ExecutionQueue) Run(ctx context.Context) error {
	q.logger.Info("Starting execution queue",
		zap.Int("workers", q.opts.Workers),
		zap.Int("batch_size", q.opts.BatchSize),
		zap.Duration("poll_interval", q.opts.PollInterval),
	)
	if _, err := q.RecoverStale(ctx); err != nil {
		q.logger.Error("Failed to recover abandoned instructions", zap.Error(err))
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			q.workerLoop(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		q.expiryLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (q *ExecutionQueue) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Keep draining while batches come back full.
		for ctx.Err() == nil {
			n, err := q.ProcessBatch(ctx)
			if err != nil {
				q.logger.Error("Failed to claim instructions", zap.Int("worker", worker), zap.Error(err))
				break
			}
			if n < q.opts.BatchSize {
				break
			}
		}
	}
}

func (q *ExecutionQueue) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(q.opts.ExpirySweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RecoverStale(ctx); err != nil {
				q.logger.Error("Failed to recover abandoned instructions", zap.Error(err))
			}
			if _, err := q.ExpireStale(ctx); err != nil {
				q.logger.Error("Failed to expire instructions", zap.Error(err))
			}
		}
	}
}

// ExpireStale marks pending instructions older than the expiry as expired.
func (q *ExecutionQueue) ExpireStale(ctx context.Context) (int, error) {
	n, err := q.store.ExpirePending(ctx, q.now().Add(-q.opts.Expiry))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("Expired undelivered instructions", zap.Int("count", n))
	}
	return n, nil
}

// claimGrace pads the longest time a live worker can hold a claim.
const claimGrace = 30 * time.Second

// RecoverStale returns instructions stuck in processing longer than any live
// worker could hold them, as left behind by a crash or a lost status write.
// A batch runs sequentially, so the bound scales with the batch size.
func (q *ExecutionQueue) RecoverStale(ctx context.Context) (int, error) {
	held := time.Duration(q.opts.BatchSize) * (q.opts.ExecutionTimeout + statusWriteTimeout)
	cutoff := q.now().Add(-(held + claimGrace))
	n, err := q.store.RecoverStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("Recovered abandoned instructions", zap.Int("count", n))
	}
	return n, nil
}

// ProcessBatch claims one batch of due instructions and executes them in
// order. It returns the number claimed.
func (q *ExecutionQueue) ProcessBatch(ctx context.Context) (int, error) {
	batch, err := q.store.ClaimNextBatch(ctx, q.opts.BatchSize, q.now())
	if err != nil {
		return 0, err
	}
	for _, in := range batch {
		q.process(ctx, in)
	}
	return len(batch), nil
}

func (q *ExecutionQueue) process(ctx context.Context, in *domain.CopyInstruction) {
	start := q.now()
	res, err := q.execute(ctx, in)
	latency := q.now().Sub(start).Milliseconds()

	log := q.logger.With(
		zap.String("instruction_id", in.ID),
		zap.String("mapping_id", in.MappingID),
		zap.String("action", string(in.Action)),
	)

	succeeded := err == nil && res != nil && res.Success

	if !succeeded && ctx.Err() != nil {
		// Shutdown interrupted the call; hand the row back untouched.
		q.transition(ctx, in, domain.StatusPending, domain.StatusUpdate{
			Attempts:     in.Attempts,
			ScheduledAt:  q.now(),
			ErrorMessage: in.ErrorMessage,
		}, log)
		return
	}

	if errors.Is(err, domain.ErrNoSession) {
		// Offline slave: wait without spending an attempt.
		q.transition(ctx, in, domain.StatusPending, domain.StatusUpdate{
			Attempts:     in.Attempts,
			ScheduledAt:  q.now().Add(q.opts.OfflineDefer),
			ErrorMessage: domain.ErrNoSession.Message,
		}, log)
		return
	}

	if succeeded {
		in.ResultTradeID = res.PlatformTradeID
		in.ExecutedPrice = res.ActualPrice
		in.SlippagePoints = res.SlippagePoints
		in.LatencyMs = latency
		in.ErrorMessage = ""
		log.Info("Instruction completed", zap.Int64("latency_ms", latency), zap.String("result_trade_id", res.PlatformTradeID))
		q.transition(ctx, in, domain.StatusCompleted, domain.StatusUpdate{
			Attempts:       in.Attempts,
			ResultTradeID:  res.PlatformTradeID,
			ExecutedPrice:  res.ActualPrice,
			SlippagePoints: res.SlippagePoints,
			LatencyMs:      latency,
		}, log)
		return
	}

	reason := failureReason(res, err)
	in.Attempts++
	in.LatencyMs = latency
	in.ErrorMessage = reason

	if in.Attempts >= in.MaxAttempts {
		log.Error("Instruction failed permanently",
			zap.Int("attempt", in.Attempts),
			zap.String("code", string(domain.ErrExecutionFailure)),
			zap.String("error", reason),
		)
		q.transition(ctx, in, domain.StatusFailed, domain.StatusUpdate{
			Attempts:     in.Attempts,
			ErrorMessage: reason,
			LatencyMs:    latency,
		}, log)
		return
	}

	delay := domain.Backoff(in.Attempts)
	log.Warn("Instruction attempt failed, retrying",
		zap.Int("attempt", in.Attempts),
		zap.Duration("backoff", delay),
		zap.String("error", reason),
	)
	q.transition(ctx, in, domain.StatusPending, domain.StatusUpdate{
		Attempts:     in.Attempts,
		ScheduledAt:  q.now().Add(delay),
		ErrorMessage: reason,
		LatencyMs:    latency,
	}, log)
}

// execute resolves the adapter for the target account and runs it under the
// execution timeout. A result arriving after the timeout is dropped.
func (q *ExecutionQueue) execute(ctx context.Context, in *domain.CopyInstruction) (*domain.ExecutionResult, error) {
	account, err := q.accounts.GetAccount(ctx, in.TargetAccountID)
	if err != nil {
		return nil, fmt.Errorf("load target account: %w", err)
	}
	if account == nil {
		return nil, domain.NewError(domain.ErrAccountNotFound, "target account "+in.TargetAccountID+" not found")
	}
	adapter, err := q.adapters.Resolve(account.PlatformCode)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, q.opts.ExecutionTimeout)
	defer cancel()

	type outcome struct {
		res *domain.ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	job := *in
	go func() {
		res, err := adapter.Execute(execCtx, &job)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-execCtx.Done():
		return nil, domain.NewError(domain.ErrExecutionFailure, "adapter timed out").Wrap(execCtx.Err())
	}
}

func (q *ExecutionQueue) transition(ctx context.Context, in *domain.CopyInstruction, status domain.InstructionStatus, u domain.StatusUpdate, log *zap.Logger) {
	// The row must be settled even if the worker is shutting down.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err := q.store.UpdateInstructionStatus(writeCtx, in.ID, status, u); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			log.Warn("Instruction no longer processing, result discarded", zap.String("status", string(status)))
			return
		}
		log.Error("Failed to update instruction status", zap.String("status", string(status)), zap.Error(err))
		return
	}
	in.Status = status

	if !status.Terminal() {
		return
	}
	if q.reporter != nil {
		if err := q.reporter.Report(writeCtx, in); err != nil {
			log.Warn("Failed to publish execution report", zap.Error(err))
		}
	}
	if q.notifier != nil {
		q.notifier.NotifyResult(in)
	}
}

func failureReason(res *domain.ExecutionResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res == nil {
		return "adapter returned no result"
	}
	if res.ErrorMessage != "" {
		return res.ErrorMessage
	}
	return "execution rejected"
}
