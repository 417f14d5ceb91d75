// Package inmem is the default Engine adapter: every workflow runs as a
// goroutine, activities run inline, and signal channels are plain buffered
// Go channels. It does not survive process restart; brain/engine/temporal
// is the durable alternative. Grounded on the teacher's
// runtime/agent/engine/inmem adapter (goroutine-per-workflow, reflection-
// based result assignment).
package inmem

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/brainyard/brainrun/brain/engine"
	"github.com/brainyard/brainrun/brain/telemetry"
)

// Engine is the in-memory engine.Engine implementation.
type Engine struct {
	mu         sync.Mutex
	workflows  map[string]engine.WorkflowDefinition
	activities map[string]engine.ActivityDefinition
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l telemetry.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *Engine) { e.tracer = t } }

// New constructs an empty in-memory Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		tracer:     telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RegisterWorkflow(def engine.WorkflowDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Name] = def
}

func (e *Engine) RegisterActivity(def engine.ActivityDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[def.Name] = def
}

// handle is both the engine.WorkflowHandle and the completion tracker for
// one workflow execution.
type handle struct {
	id     string
	done   chan struct{}
	result any
	err    error
	wctx   *workflowContext
}

func (h *handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) Signal(ctx context.Context, name string, value any) error {
	h.wctx.signalChannel(name).deliver(value)
	return nil
}

func (h *handle) Cancel(ctx context.Context) error {
	h.wctx.cancel()
	return nil
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	def, ok := e.workflows[req.Name]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem: unknown workflow %q", req.Name)
	}

	wfCtx, cancel := context.WithCancel(ctx)
	wctx := &workflowContext{
		ctx:        wfCtx,
		cancel:     cancel,
		engine:     e,
		workflowID: req.ID,
		runID:      req.ID,
		signals:    make(map[string]*signalChannel),
		logger:     e.logger,
		metrics:    e.metrics,
		tracer:     e.tracer,
	}
	h := &handle{id: req.ID, done: make(chan struct{}), wctx: wctx}

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("inmem: workflow %q panicked: %v", req.Name, r)
			}
		}()
		h.result, h.err = def.Handler(wctx, req.Input)
	}()

	return h, nil
}

// workflowContext is the in-memory engine.WorkflowContext.
type workflowContext struct {
	ctx        context.Context
	cancel     context.CancelFunc
	engine     *Engine
	workflowID string
	runID      string

	sigMu   sync.Mutex
	signals map[string]*signalChannel

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

func (w *workflowContext) Context() context.Context { return w.ctx }
func (w *workflowContext) WorkflowID() string       { return w.workflowID }
func (w *workflowContext) RunID() string            { return w.runID }
func (w *workflowContext) Logger() telemetry.Logger   { return w.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.tracer }
func (w *workflowContext) Now() time.Time             { return time.Now() }

func (w *workflowContext) signalChannel(name string) *signalChannel {
	w.sigMu.Lock()
	defer w.sigMu.Unlock()
	ch, ok := w.signals[name]
	if !ok {
		ch = newSignalChannel()
		w.signals[name] = ch
	}
	return ch
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return w.signalChannel(name)
}

func (w *workflowContext) ExecuteActivity(name string, input any, opts engine.ActivityOptions, result any) error {
	w.engine.mu.Lock()
	def, ok := w.engine.activities[name]
	w.engine.mu.Unlock()
	if !ok {
		return fmt.Errorf("inmem: unknown activity %q", name)
	}
	ctx := w.ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	out, err := runWithRetry(ctx, opts.RetryPolicy, func() (any, error) { return def.Handler(ctx, input) })
	if err != nil {
		return err
	}
	return assignResult(out, result)
}

func (w *workflowContext) ExecuteActivityAsync(name string, input any, opts engine.ActivityOptions) engine.Future {
	f := &future{ready: make(chan struct{})}
	go func() {
		defer close(f.ready)
		var out any
		err := w.ExecuteActivity(name, input, opts, &out)
		f.result, f.err = out, err
	}()
	return f
}

func runWithRetry(ctx context.Context, policy engine.RetryPolicy, fn func() (any, error)) (any, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := policy.InitialInterval
	var lastErr error
	for i := 0; i < attempts; i++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if policy.BackoffCoefficient > 1 {
				interval = time.Duration(float64(interval) * policy.BackoffCoefficient)
			}
		}
	}
	return nil, lastErr
}

// future is the in-memory engine.Future.
type future struct {
	ready  chan struct{}
	result any
	err    error
}

func (f *future) Get(result any) error {
	<-f.ready
	if f.err != nil {
		return f.err
	}
	return assignResult(f.result, result)
}

func (f *future) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// assignResult copies src into the value dst points to via reflection,
// matching the teacher's inmem adapter. A nil dst is a valid "discard the
// result" call.
func assignResult(src any, dst any) error {
	if dst == nil || src == nil {
		return nil
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("inmem: result destination must be a non-nil pointer")
	}
	sv := reflect.ValueOf(src)
	elem := dv.Elem()
	if !sv.Type().AssignableTo(elem.Type()) {
		if elem.Kind() == reflect.Interface {
			elem.Set(sv)
			return nil
		}
		return fmt.Errorf("inmem: cannot assign %s into %s", sv.Type(), elem.Type())
	}
	elem.Set(sv)
	return nil
}

// signalChannel is the in-memory engine.SignalChannel: a buffered channel
// bounded at 256 pending values, matching the teacher's lazily-created
// per-name channel.
type signalChannel struct {
	mu   sync.Mutex
	ch   chan any
}

func newSignalChannel() *signalChannel {
	return &signalChannel{ch: make(chan any, 256)}
}

func (s *signalChannel) deliver(value any) {
	select {
	case s.ch <- value:
	default:
		// Channel full: drop the oldest pending value to make room,
		// in arrival order and without regard to signal priority.
		select {
		case <-s.ch:
		default:
		}
		s.ch <- value
	}
}

func (s *signalChannel) Receive(ctx context.Context) (any, bool) {
	select {
	case v := <-s.ch:
		return v, true
	case <-ctx.Done():
		return nil, false
	}
}

func (s *signalChannel) ReceiveAsync() (any, bool) {
	select {
	case v := <-s.ch:
		return v, true
	default:
		return nil, false
	}
}
