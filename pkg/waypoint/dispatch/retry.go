package dispatch

import (
	"context"
	"errors"
	"log/slog"

	wperrors "github.com/randalmurphal/waypoint/pkg/waypoint/errors"
)

// retrying wraps a Dispatcher with a fixed-delay retry policy.
type retrying struct {
	next    Dispatcher
	handler *wperrors.Handler
}

// WithRetry wraps d so failed Dispatch calls are retried under p. When the
// budget runs out the result is a *DispatchError. Cancel is passed through
// once.
func WithRetry(d Dispatcher, p Policy, logger *slog.Logger) Dispatcher {
	p = p.withDefaults()
	cfg := wperrors.FixedDelay(p.MaxRetries, p.Delay)
	cfg.RetryableFunc = retryableDispatchError

	opts := []wperrors.HandlerOption{wperrors.WithRetryConfig(cfg)}
	if logger != nil {
		opts = append(opts, wperrors.WithLogger(logger))
	}
	return &retrying{next: d, handler: wperrors.NewHandler(opts...)}
}

func (r *retrying) Dispatch(ctx context.Context, step Step) (Handle, error) {
	res := wperrors.Execute(ctx, r.handler, "dispatch."+string(step.Agent), func(ctx context.Context) (Handle, error) {
		return r.next.Dispatch(ctx, step)
	})
	if res.Err != nil {
		return "", &DispatchError{
			SessionID: step.SessionID,
			Agent:     step.Agent,
			Attempts:  res.Attempts,
			Err:       unwrapCategorized(res.Err),
		}
	}
	return res.Value, nil
}

func (r *retrying) Cancel(ctx context.Context, h Handle) error {
	return r.next.Cancel(ctx, h)
}

// retryableDispatchError retries everything except caller cancellation, a
// closed or misconfigured dispatcher, and HTTP statuses the executor will
// keep refusing.
func retryableDispatchError(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrDispatcherClosed), errors.Is(err, ErrNoExecutor):
		return false
	}
	var httpErr *wperrors.HTTPError
	if errors.As(err, &httpErr) {
		return wperrors.IsRetryable(httpErr)
	}
	return true
}

func unwrapCategorized(err error) error {
	var catErr *wperrors.CategorizedError
	if errors.As(err, &catErr) && catErr.Err != nil {
		return catErr.Err
	}
	return err
}
