// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"context"

	"github.com/rs/zerolog"
)

// EventSourceLogger provides domain-specific logging methods for the
// pollers and dispatchers that bridge a producer (queue, bucket, bus,
// pub/sub topic) to function invocations.
type EventSourceLogger struct {
	logger zerolog.Logger
}

// NewEventSourceLogger returns a logger tagged with the given source
// name (e.g. the logical ID of the queue or event bus being wired).
func NewEventSourceLogger(source string) *EventSourceLogger {
	return &EventSourceLogger{logger: With().Str("component", "eventsource").Str("source", source).Logger()}
}

func (e *EventSourceLogger) WithFields(fields map[string]interface{}) *EventSourceLogger {
	ctx := e.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &EventSourceLogger{logger: ctx.Logger()}
}

func (e *EventSourceLogger) Debug(msg string, fields ...interface{}) {
	addFieldPairs(e.logger.Debug(), fields).Msg(msg)
}

func (e *EventSourceLogger) Info(msg string, fields ...interface{}) {
	addFieldPairs(e.logger.Info(), fields).Msg(msg)
}

func (e *EventSourceLogger) Warn(msg string, fields ...interface{}) {
	addFieldPairs(e.logger.Warn(), fields).Msg(msg)
}

func (e *EventSourceLogger) Error(msg string, fields ...interface{}) {
	addFieldPairs(e.logger.Error(), fields).Msg(msg)
}

func (e *EventSourceLogger) loggerWithContext(ctx context.Context) zerolog.Logger {
	logCtx := e.logger.With()
	if id := CorrelationIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("correlation_id", id)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("request_id", id)
	}
	return logCtx.Logger()
}

func (e *EventSourceLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l := e.loggerWithContext(ctx)
	addFieldPairs(l.Info(), fields).Msg(msg)
}

// LogRecordReceived logs a single record pulled or pushed from a producer.
func (e *EventSourceLogger) LogRecordReceived(ctx context.Context, recordID string) {
	e.InfoContext(ctx, "record received", "record_id", recordID)
}

// LogInvocationSucceeded logs a successful function invocation triggered
// by this event source.
func (e *EventSourceLogger) LogInvocationSucceeded(ctx context.Context, recordID string, durationMs int64) {
	e.InfoContext(ctx, "invocation succeeded", "record_id", recordID, "duration_ms", durationMs)
}

// LogInvocationFailed logs a failed invocation, before the caller decides
// whether to retry, redeliver, or route to a dead-letter queue.
func (e *EventSourceLogger) LogInvocationFailed(ctx context.Context, recordID string, err error) {
	l := e.loggerWithContext(ctx)
	l.Error().Str("record_id", recordID).Err(err).Msg("invocation failed")
}

// LogDeadLettered logs a record routed to a dead-letter queue after
// exhausting its receive-count budget.
func (e *EventSourceLogger) LogDeadLettered(ctx context.Context, recordID string, receiveCount int, err error) {
	l := e.loggerWithContext(ctx)
	l.Warn().
		Str("record_id", recordID).
		Int("receive_count", receiveCount).
		Err(err).
		Msg("record dead-lettered")
}

// LogBatchFlush logs a batch of records acknowledged together.
func (e *EventSourceLogger) LogBatchFlush(ctx context.Context, count int, durationMs int64) {
	e.InfoContext(ctx, "batch flushed", "record_count", count, "duration_ms", durationMs)
}

// LogPollerStarted logs a poller beginning its pull loop against a queue.
func (e *EventSourceLogger) LogPollerStarted(queue string) {
	e.Info("poller started", "queue", queue)
}

// LogPollerStopped logs a poller's pull loop exiting.
func (e *EventSourceLogger) LogPollerStopped(queue string) {
	e.Info("poller stopped", "queue", queue)
}

// LogHandlerRegistered logs a push-based dispatcher registering a
// selector-matched handler.
func (e *EventSourceLogger) LogHandlerRegistered(producer, function string) {
	e.Info("handler registered", "producer", producer, "function", function)
}
