package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cenkalti/backoff"

	"github.com/simplesurance/forksyncd/internal/fserr"
	"github.com/simplesurance/forksyncd/internal/logfields"
)

const (
	defMaxRetryTimeout        = 2 * time.Hour
	defBackoffInitialInterval = 5 * time.Second
)

// Retryer executes a function repeatedly until it was successful or a
// cancel condition happened.
type Retryer struct {
	logger                     *zap.Logger
	maxRetryTimeout            time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		maxRetryTimeout:            defMaxRetryTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that
// does not wrap fserr.RetryableError or the execution was aborted via
// the context.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	startTime := time.Now()
	endTime := startTime.Add(r.maxRetryTimeout)

	retryTimeout := time.NewTimer(r.maxRetryTimeout)
	defer retryTimeout.Stop()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"stage execution cancelled",
				logfields.Event("stage_execution_cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			logger.Debug(
				"running stage",
				logfields.Event("stage_running"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			err := fn(ctx)
			if err != nil {
				var retryError *fserr.RetryableError

				logger = logger.With(zap.Error(err))

				if errors.Is(err, context.Canceled) {
					logger.Info(
						"stage cancelled",
						logfields.Event("stage_cancelled"),
					)

					return err
				}

				if errors.As(err, &retryError) {
					logger = logger.With(
						zap.Duration("age", bo.GetElapsedTime()),
						zap.Duration("retry_timeout", r.maxRetryTimeout),
					)

					if retryError.After.After(endTime) {
						logger.Error(
							"stage failed, next possible retry time is after timeout expiration",
							logfields.Event("stage_failed"),
							zap.Time("earliest_allowed_retry", retryError.After),
						)

						return err
					}

					var retryIn time.Duration

					if retryError.After.IsZero() {
						retryIn = bo.NextBackOff()
					} else {
						retryIn = time.Until(retryError.After)
					}

					retryTimer.Reset(retryIn)
					logger.Warn(
						"stage failed, retry scheduled",
						logfields.Event("stage_retry_scheduled"),
						zap.Duration("retry_in", retryIn),
					)

					continue
				}

				logger.Error(
					"stage failed, not retryable",
					logfields.Event("stage_failed"),
				)

				return err
			}

			logger.Debug(
				"stage executed successfully",
				logfields.Event("stage_executed_successfully"),
			)

			return nil

		case <-retryTimeout.C:
			logger.Warn(
				"giving up retrying stage execution, retry timeout expired",
				logfields.Event("stage_retry_timeout"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			return errors.New("retry timeout expired")

		case <-r.shutdownChan:
			logger.Info(
				"pipeline terminating, stage not executed",
				logfields.Event("stage_execution_cancelled_pipeline_terminated"),
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
