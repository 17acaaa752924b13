package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/localhands/internal/billing"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// BillingApplier reconciles one decoded billing event.
type BillingApplier interface {
	Apply(ctx context.Context, event billing.Event) (billing.Result, error)
}

type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	billing BillingApplier
	logger  *zap.Logger
}

func NewWorker(redisURL, queue string, concurrency int, applier BillingApplier, logger *zap.Logger) (*Worker, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	if applier == nil {
		return nil, fmt.Errorf("billing applier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opt, err := redisClientOpt(redisURL)
	if err != nil {
		return nil, err
	}

	if queue == "" {
		queue = defaultQueue
	}

	if concurrency < 1 {
		concurrency = defaultConcurrency
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
		Logger: newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:  server,
		mux:     mux,
		billing: applier,
		logger:  logger,
	}

	mux.HandleFunc(TaskBillingEvent, w.handleBillingEvent)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.logger.Error("scheduler worker stopped", zap.Error(err))
	}
}

func (w *Worker) handleBillingEvent(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseBillingEventPayload(task)
	if err != nil {
		return fmt.Errorf("decode billing task: %v: %w", err, asynq.SkipRetry)
	}

	event, err := billing.DecodeEvent(payload.Body)
	switch {
	case errors.Is(err, billing.ErrIgnoredEvent):
		return nil
	case err != nil:
		w.logger.Warn("billing task discarded", zap.String("event_id", payload.EventID), zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	result, err := w.billing.Apply(ctx, event)
	if errors.Is(err, billing.ErrUnknownPlanProduct) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	w.logger.Debug("billing task applied", zap.String("event_id", payload.EventID), zap.String("result", string(result)))
	return nil
}

// asynqLogger routes the worker's internal logs into zap.
type asynqLogger struct {
	sugar *zap.SugaredLogger
}

func newAsynqLogger(logger *zap.Logger) asynqLogger {
	return asynqLogger{sugar: logger.Named("asynq").Sugar()}
}

func (l asynqLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l asynqLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l asynqLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l asynqLogger) Error(args ...interface{}) { l.sugar.Error(args...) }
func (l asynqLogger) Fatal(args ...interface{}) { l.sugar.Fatal(args...) }
