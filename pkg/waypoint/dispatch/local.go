package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	wperrors "github.com/randalmurphal/waypoint/pkg/waypoint/errors"
	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// Executor runs one stage in process. A returned error triggers
// redelivery; success means the executor has reported (or will report)
// the outcome through the stage callbacks.
type Executor func(ctx context.Context, step Step) error

// LocalConfig configures a LocalDispatcher.
type LocalConfig struct {
	// Workers bounds concurrent executions. Default: 4
	Workers int

	// QueueSize is the number of steps that may wait for a worker.
	// Dispatch blocks while the queue is full. Default: 64
	QueueSize int

	// Policy bounds redelivery of failed executions.
	Policy Policy

	// Logger receives execution failures.
	Logger *slog.Logger

	// OnExhausted is called with a *DispatchError when a step fails every
	// attempt. It is not called for cancelled steps.
	OnExhausted func(step Step, err error)

	// Now stamps handles. Default: time.Now
	Now func() time.Time
}

// DefaultLocalConfig provides reasonable defaults.
var DefaultLocalConfig = LocalConfig{
	Workers:   4,
	QueueSize: 64,
	Policy:    DefaultPolicy,
}

type job struct {
	handle Handle
	step   Step
	ctx    context.Context
}

// LocalDispatcher is an in-process at-least-once queue drained by a fixed
// pool of workers.
type LocalDispatcher struct {
	cfg LocalConfig

	mu        sync.Mutex
	executors map[session.AgentType]Executor
	inflight  map[Handle]context.CancelFunc
	closed    bool

	queue chan job
	ctx   context.Context
	stop  context.CancelFunc
	g     *errgroup.Group
}

// Compile-time interface check.
var _ Dispatcher = (*LocalDispatcher)(nil)

// NewLocalDispatcher creates the dispatcher and starts its workers.
// Zero-valued fields of cfg take their DefaultLocalConfig values.
func NewLocalDispatcher(cfg LocalConfig) *LocalDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultLocalConfig.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultLocalConfig.QueueSize
	}
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, stop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	d := &LocalDispatcher{
		cfg:       cfg,
		executors: make(map[session.AgentType]Executor),
		inflight:  make(map[Handle]context.CancelFunc),
		queue:     make(chan job, cfg.QueueSize),
		ctx:       gctx,
		stop:      stop,
		g:         g,
	}
	for i := 0; i < cfg.Workers; i++ {
		g.Go(d.work)
	}
	return d
}

// Register sets the executor for an agent, replacing any previous one.
func (d *LocalDispatcher) Register(agent session.AgentType, exec Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[agent] = exec
}

// Dispatch queues the step. It blocks while the queue is full, until ctx
// ends.
func (d *LocalDispatcher) Dispatch(ctx context.Context, step Step) (Handle, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrDispatcherClosed
	}
	if _, ok := d.executors[step.Agent]; !ok {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNoExecutor, step.Agent)
	}
	h := NewHandle(d.cfg.Now())
	stepCtx, cancel := context.WithCancel(d.ctx)
	d.inflight[h] = cancel
	d.mu.Unlock()

	select {
	case d.queue <- job{handle: h, step: step, ctx: stepCtx}:
		return h, nil
	case <-ctx.Done():
		d.finish(h)
		return "", ctx.Err()
	case <-d.ctx.Done():
		d.finish(h)
		return "", ErrDispatcherClosed
	}
}

// Cancel stops a queued or running step. The executor sees its context
// cancelled; a queued step is skipped.
func (d *LocalDispatcher) Cancel(_ context.Context, h Handle) error {
	d.finish(h)
	return nil
}

// Pending returns the number of queued or running steps.
func (d *LocalDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close stops the workers, cancels every pending step, and waits for
// running executors to return. Closing twice is a no-op.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stop()
	err := d.g.Wait()

	d.mu.Lock()
	for h, cancel := range d.inflight {
		cancel()
		delete(d.inflight, h)
	}
	d.mu.Unlock()
	return err
}

func (d *LocalDispatcher) work() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case j := <-d.queue:
			d.run(j)
		}
	}
}

func (d *LocalDispatcher) run(j job) {
	defer d.finish(j.handle)
	if j.ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	exec := d.executors[j.step.Agent]
	d.mu.Unlock()

	cfg := wperrors.FixedDelay(d.cfg.Policy.MaxRetries, d.cfg.Policy.Delay)
	cfg.RetryableFunc = func(error) bool {
		return j.ctx.Err() == nil
	}
	res := wperrors.WithRetryContext(j.ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, invoke(ctx, exec, j.step)
	})
	if res.Err == nil || j.ctx.Err() != nil {
		return
	}

	err := &DispatchError{
		SessionID: j.step.SessionID,
		Agent:     j.step.Agent,
		Attempts:  res.Attempts,
		Err:       unwrapCategorized(res.Err),
	}
	observability.LogDispatchError(d.cfg.Logger, j.step.SessionID, string(j.step.Agent), "execute", err)
	if d.cfg.OnExhausted != nil {
		d.cfg.OnExhausted(j.step, err)
	}
}

// invoke runs exec, turning a panic into an error.
func invoke(ctx context.Context, exec Executor, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	if exec == nil {
		return errors.New("executor removed")
	}
	return exec(ctx, step)
}

func (d *LocalDispatcher) finish(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.inflight[h]; ok {
		cancel()
		delete(d.inflight, h)
	}
}
