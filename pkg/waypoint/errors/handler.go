package errors

import (
	"context"
	"log/slog"
)

// Handler runs operations under one retry policy and logs what happens to
// them: a warning per retried failure and an error on exhaustion.
type Handler struct {
	retry  RetryConfig
	logger *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRetryConfig sets the policy. Default: StorageRetry.
func WithRetryConfig(cfg RetryConfig) HandlerOption {
	return func(h *Handler) {
		h.retry = cfg
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{retry: StorageRetry, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RetryConfig returns the handler's policy.
func (h *Handler) RetryConfig() RetryConfig {
	return h.retry
}

// Execute runs fn under the handler's policy.
func (h *Handler) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return Execute(ctx, h, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}).Err
}

// Execute runs fn under h's policy and returns its value. The final error,
// if any, carries op.
func Execute[T any](ctx context.Context, h *Handler, op string, fn func(ctx context.Context) (T, error)) RetryResult[T] {
	cfg := h.retry
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}

	var attempt int
	cfg.RetryableFunc = func(err error) bool {
		if !retryable(err) {
			return false
		}
		if attempt < max(cfg.MaxAttempts, 1) {
			h.logger.WarnContext(ctx, "retrying operation",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return true
	}

	res := WithRetryContext(ctx, cfg, func(ctx context.Context) (T, error) {
		attempt++
		return fn(ctx)
	})
	if res.Err == nil {
		return res
	}

	if catErr, ok := res.Err.(*CategorizedError); ok && catErr.Op == "" {
		catErr.Op = op
	}
	h.logger.ErrorContext(ctx, "operation failed",
		slog.String("operation", op),
		slog.Int("attempts", res.Attempts),
		slog.String("category", Categorize(res.Err).String()),
		slog.String("error", res.Err.Error()),
	)
	return res
}
