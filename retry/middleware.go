package retry

import (
	"context"
	"log/slog"
	"time"
)

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain wraps h so that mws[0] runs first.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Logging logs every handler call with its retry count and duration.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, d Delivery) error {
			start := time.Now()

			logger.Debug("processing message",
				"messageId", d.Metadata.MessageId,
				"routingKey", d.Metadata.RoutingKey,
				"retryCount", d.RetryCount,
			)

			err := next.Handle(ctx, d)
			if err != nil {
				logger.Error("message processing failed",
					"messageId", d.Metadata.MessageId,
					"retryCount", d.RetryCount,
					"duration", time.Since(start),
					"error", err,
				)
				return err
			}

			logger.Debug("message processed",
				"messageId", d.Metadata.MessageId,
				"retryCount", d.RetryCount,
				"duration", time.Since(start),
			)
			return nil
		})
	}
}

// GiveUpFunc is told about a message that is accepted despite failing.
type GiveUpFunc func(ctx context.Context, d Delivery, err error)

// GiveUpAfter bounds the retry path: once a delivery's RetryCount reaches
// maxRetries, a failing handler no longer rejects it. onGiveUp, if set, sees
// the message first, typically to park it elsewhere. The delivery is then
// accepted and leaves the topology.
//
// Since RetryCount reads 1, 1, 2, 3, ... over successive deliveries, a
// maxRetries of n >= 2 allows n retries (n+1 handler calls) and a
// maxRetries of 1 gives up on the first failure.
func GiveUpAfter(maxRetries int64, onGiveUp GiveUpFunc) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, d Delivery) error {
			err := next.Handle(ctx, d)
			if err == nil || d.RetryCount < maxRetries {
				return err
			}
			if onGiveUp != nil {
				onGiveUp(ctx, d, err)
			}
			return nil
		})
	}
}
