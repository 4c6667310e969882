package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// Step pairs a strategy with its own time budget.
type Step struct {
	Strategy Strategy
	Timeout  time.Duration
}

// Timeouts are the per-strategy budgets. They are not cumulative.
type Timeouts struct {
	Download     time.Duration
	Callback     time.Duration
	Interception time.Duration
}

// DefaultTimeouts mirrors the budgets the portal needs in practice.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Download:     30 * time.Second,
		Callback:     30 * time.Second,
		Interception: 60 * time.Second,
	}
}

// Coordinator runs strategies in order and returns the first capture.
type Coordinator struct {
	steps  []Step
	sink   Sink
	logger *zap.Logger
	now    func() time.Time

	// sem serializes requests: the browsing session behind the strategies
	// cannot serve two exports at once.
	sem chan struct{}
}

func NewCoordinator(logger *zap.Logger, sink Sink, steps ...Step) *Coordinator {
	return &Coordinator{
		steps:  steps,
		sink:   sink,
		logger: logger.Named("coordinator"),
		now:    time.Now,
		sem:    make(chan struct{}, 1),
	}
}

// NewPortalCoordinator wires the three standard strategies against one portal.
func NewPortalCoordinator(portal Portal, sink Sink, timeouts Timeouts, sigs []Signature, logger *zap.Logger) *Coordinator {
	trigger := NewTrigger(portal, logger)
	return NewCoordinator(logger, sink,
		Step{Strategy: NewDownloadEventStrategy(portal, trigger, logger), Timeout: timeouts.Download},
		Step{Strategy: NewFrameworkCallbackStrategy(portal, trigger, logger), Timeout: timeouts.Callback},
		Step{Strategy: NewResponseInterceptionStrategy(portal, trigger, sigs, true, logger), Timeout: timeouts.Interception},
	)
}

// Export captures the file for req and writes it to req.OutputPath().
// Apart from the caller's own cancellation, the only errors returned are
// *ExhaustedError and *IOError.
func (c *Coordinator) Export(ctx context.Context, req ExportRequest) (CaptureResult, error) {
	if err := c.acquire(ctx); err != nil {
		return CaptureResult{RequestID: req.ID(), Err: err}, err
	}
	defer c.release()

	res, err := c.capture(ctx, req)
	if err != nil {
		return res, err
	}

	log := c.logger.With(zap.String("request_id", req.ID()), zap.String("path", req.OutputPath()))
	if err := c.sink.Write(req.OutputPath(), res.Data); err != nil {
		c.record(&res, StatePersistFailed, "")
		res.Err = err
		log.Error("Persisting capture failed.", zap.Error(err))
		return res, err
	}
	c.record(&res, StatePersisted, "")
	log.Info("Export persisted.", zap.String("source", string(res.Source)), zap.Int("bytes", len(res.Data)))
	return res, nil
}

// Capture runs the strategies without persisting anything.
func (c *Coordinator) Capture(ctx context.Context, req ExportRequest) (CaptureResult, error) {
	if err := c.acquire(ctx); err != nil {
		return CaptureResult{RequestID: req.ID(), Err: err}, err
	}
	defer c.release()
	return c.capture(ctx, req)
}

func (c *Coordinator) capture(ctx context.Context, req ExportRequest) (CaptureResult, error) {
	log := c.logger.With(zap.String("request_id", req.ID()), zap.String("trigger", req.TriggerID()))
	res := CaptureResult{RequestID: req.ID()}
	tr := &tracer{c: c, res: &res}
	defer tr.close()
	tr.record(StateIdle, "")
	ctx = withFiredHook(ctx, tr.fired)

	for _, step := range c.steps {
		if ctx.Err() != nil {
			break
		}
		name := step.Strategy.Name()
		tr.observe(name)
		log.Debug("Observing.", zap.String("strategy", string(name)), zap.Duration("budget", step.Timeout))

		outcome := c.run(ctx, step, req)
		res.Outcomes = append(res.Outcomes, outcome)

		if outcome.Kind == Matched {
			res.Data = outcome.Data
			res.Source = name
			res.MIME = mimetype.Detect(outcome.Data).String()
			tr.record(StateCaptured, name)
			log.Info("Export captured.",
				zap.String("strategy", string(name)),
				zap.Int("bytes", len(outcome.Data)),
				zap.String("mime", res.MIME),
				zap.Duration("elapsed", outcome.Elapsed))
			return res, nil
		}
		log.Warn("Strategy failed.",
			zap.String("strategy", string(name)),
			zap.String("outcome", outcome.Kind.String()),
			zap.Duration("elapsed", outcome.Elapsed),
			zap.Error(outcome.Err))
	}

	tr.record(StateExhausted, "")
	exhausted := &ExhaustedError{RequestID: req.ID(), Outcomes: res.Outcomes, Cause: ctx.Err()}
	res.Err = exhausted
	log.Error("All capture strategies failed.", zap.Error(exhausted))
	return res, exhausted
}

type stepResult struct {
	data []byte
	err  error
}

// run executes one strategy under its own deadline. A strategy that ignores its
// context is abandoned when the deadline passes so it cannot eat the next budget.
func (c *Coordinator) run(parent context.Context, step Step, req ExportRequest) StrategyOutcome {
	ctx, cancel := context.WithTimeout(parent, step.Timeout)
	defer cancel()

	start := c.now()
	done := make(chan stepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepResult{err: fmt.Errorf("strategy panicked: %v", r)}
			}
		}()
		data, err := step.Strategy.Capture(ctx, req)
		done <- stepResult{data: data, err: err}
	}()

	var r stepResult
	select {
	case r = <-done:
	case <-ctx.Done():
		// Give a well-behaved strategy the chance to report its own timeout cause.
		select {
		case r = <-done:
		case <-time.After(10 * time.Millisecond):
			r = stepResult{err: timeoutError(ctx, nil)}
			c.logger.Warn("Strategy ignored its deadline and was abandoned; it may still touch the session.",
				zap.String("request_id", req.ID()),
				zap.String("strategy", string(step.Strategy.Name())),
				zap.Duration("budget", step.Timeout))
		}
	}
	return classify(step.Strategy.Name(), r.data, r.err, c.now().Sub(start))
}

func classify(name Source, data []byte, err error, elapsed time.Duration) StrategyOutcome {
	o := StrategyOutcome{Strategy: name, Elapsed: elapsed}
	switch {
	case err == nil && len(data) > 0:
		o.Kind = Matched
		o.Data = data
	case err == nil:
		o.Kind = Errored
		o.Err = ErrEmptyCapture
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		o.Kind = TimedOut
		o.Err = err
	default:
		o.Kind = Errored
		o.Err = err
	}
	return o
}

func (c *Coordinator) record(res *CaptureResult, s State, strategy Source) {
	res.Trace = append(res.Trace, Transition{State: s, Strategy: strategy, At: c.now()})
}

// tracer writes the trace of one capture. The trigger reports through fired
// from strategy goroutines, so every write goes through mu. Once closed, late
// reports from abandoned strategies are dropped.
type tracer struct {
	c   *Coordinator
	res *CaptureResult

	mu        sync.Mutex
	observing Source
	triggered bool
	closed    bool
}

func (t *tracer) record(s State, strategy Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.c.record(t.res, s, strategy)
	}
}

func (t *tracer) observe(strategy Source) {
	t.mu.Lock()
	t.observing = strategy
	t.mu.Unlock()
	t.record(StateObserving, strategy)
}

// fired records Triggered the first time the export action is dispatched,
// attributed to the strategy that dispatched it.
func (t *tracer) fired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.triggered {
		return
	}
	t.triggered = true
	t.c.record(t.res, StateTriggered, t.observing)
}

func (t *tracer) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() { <-c.sem }
