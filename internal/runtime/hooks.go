package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
)

// MetadataAttempt counts handler invocations of one delivery, retries
// included.
const MetadataAttempt = "gpsflow_attempt"

// JobContext describes one handler invocation.
type JobContext struct {
	HandlerName string
	Topic       string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// RetryCount is zero on the first attempt.
	RetryCount int
	// Final is set in OnJobError when no retry follows the failure, either
	// because the error is not retryable or because retries are exhausted.
	Final bool
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks; hooks from other run after those from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every handler attempt. Register it
// inside the retry middleware to observe each retry. The service's retry
// budget decides when a failure is final.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if hooks.empty() {
				return nil, nil
			}
			maxRetries := 0
			if s != nil && s.Conf != nil {
				maxRetries = s.Conf.RetryMaxRetries
			}
			return jobHooksMiddleware(hooks, maxRetries), nil
		},
	}
}

func jobHooksMiddleware(hooks JobHooks, maxRetries int) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			attempt, _ := strconv.Atoi(msg.Metadata.Get(MetadataAttempt))
			msg.Metadata.Set(MetadataAttempt, strconv.Itoa(attempt+1))

			ctx := msg.Context()
			jobCtx := JobContext{
				HandlerName: message.HandlerNameFromCtx(ctx),
				Topic:       message.SubscribeTopicFromCtx(ctx),
				MessageUUID: msg.UUID,
				Metadata:    msg.Metadata,
				Context:     ctx,
				StartedAt:   time.Now(),
				RetryCount:  attempt,
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				jobCtx.Final = !errspkg.IsRetryable(err) || attempt >= maxRetries
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}

			return msgs, err
		}
	}
}

// LoggingHooks logs job lifecycle events. Starts and completions are logged
// at debug level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"retry_count":  ctx.RetryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Job completed", loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"retry_count":  ctx.RetryCount,
				"kind":         errspkg.KindLabel(err),
				"retryable":    errspkg.IsRetryable(err),
				"final":        ctx.Final,
			})
		},
	}
}

// AlertingHooks calls alertFunc for failures that will not be retried,
// including transient failures that used up every retry.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: func(ctx JobContext, err error) {
			if ctx.Final || !errspkg.IsRetryable(err) {
				alertFunc(ctx, err)
			}
		},
	}
}
