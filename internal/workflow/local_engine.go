package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Func is the body of a workflow executed by the local engine.
type Func func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error)

// Workflow pairs a synchronous setup phase with the workflow body.
// Setup runs on the starter's goroutine before StartWorkflow returns,
// so query handlers registered there answer queries issued right after
// the start.
type Workflow interface {
	Setup(run *Run, payload map[string]any)
	Execute(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error)
}

type registration struct {
	setup func(run *Run, payload map[string]any)
	body  Func
}

// Run is the in-flight state of one workflow execution. Workflow bodies
// expose progress through named query handlers.
type Run struct {
	id string

	mu      sync.RWMutex
	queries map[string]func() map[string]any

	done   chan struct{}
	result map[string]any
	err    error
	cancel context.CancelFunc
}

// ID returns the workflow id of the run.
func (r *Run) ID() string { return r.id }

// SetQueryHandler registers a handler answering QueryWorkflow calls for
// the given query name.
func (r *Run) SetQueryHandler(name string, fn func() map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[name] = fn
}

func (r *Run) query(name string) (map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.queries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("query %q is not registered", name)
	}
	return fn(), nil
}

// LocalEngine executes registered workflow bodies in-process, one
// goroutine per run. Starts are idempotent on the workflow id.
type LocalEngine struct {
	logger *slog.Logger

	mu        sync.Mutex
	workflows map[string]registration
	runs      map[string]*Run
	wg        sync.WaitGroup
}

var _ Gateway = (*LocalEngine)(nil)

// NewLocalEngine creates an engine with no registered workflows.
func NewLocalEngine(logger *slog.Logger) *LocalEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalEngine{
		logger:    logger,
		workflows: map[string]registration{},
		runs:      map[string]*Run{},
	}
}

// Register binds a workflow name to its body. Registration happens at
// startup, before any message is consumed.
func (e *LocalEngine) Register(name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = registration{body: fn}
}

// RegisterWorkflow binds a workflow with a setup phase. The setup runs
// before StartWorkflow returns, which makes query handlers visible to
// a query issued immediately after the start.
func (e *LocalEngine) RegisterWorkflow(name string, wf Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = registration{setup: wf.Setup, body: wf.Execute}
}

// StartWorkflow launches the named workflow under the given id. A
// second start with the same id returns success without a new run.
func (e *LocalEngine) StartWorkflow(ctx context.Context, name, id, taskQueue string, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.runs[id]; exists {
		e.logger.Debug("workflow already started", "workflow_id", id)
		return nil
	}

	reg, ok := e.workflows[name]
	if !ok {
		return &EngineError{Op: "start", WorkflowID: id, Err: fmt.Errorf("workflow %q is not registered", name)}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &Run{
		id:      id,
		queries: map[string]func() map[string]any{},
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	if reg.setup != nil {
		reg.setup(run, payload)
	}
	e.runs[id] = run

	e.logger.Info("starting workflow", "workflow_id", id, "workflow", name, "task_queue", taskQueue)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		result, err := reg.body(runCtx, run, payload)

		run.mu.Lock()
		run.result, run.err = result, err
		run.mu.Unlock()
		close(run.done)

		if err != nil {
			e.logger.Error("workflow failed", "workflow_id", id, "error", err)
		} else {
			e.logger.Info("workflow completed", "workflow_id", id)
		}
	}()
	return nil
}

func (e *LocalEngine) getRun(id string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[id]
	return run, ok
}

// QueryWorkflow answers a named query of a running or finished workflow.
func (e *LocalEngine) QueryWorkflow(ctx context.Context, id, queryName string) (map[string]any, error) {
	run, ok := e.getRun(id)
	if !ok {
		return nil, &EngineError{Op: "query", WorkflowID: id, Err: errors.New("workflow not found")}
	}
	result, err := run.query(queryName)
	if err != nil {
		return nil, &EngineError{Op: "query", WorkflowID: id, Err: err}
	}
	return result, nil
}

// WaitResult blocks until the workflow finishes or ctx expires.
func (e *LocalEngine) WaitResult(ctx context.Context, id string) (map[string]any, error) {
	run, ok := e.getRun(id)
	if !ok {
		return nil, &EngineError{Op: "wait", WorkflowID: id, Err: errors.New("workflow not found")}
	}

	select {
	case <-ctx.Done():
		return nil, &EngineError{Op: "wait", WorkflowID: id, Err: ctx.Err()}
	case <-run.done:
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	if run.err != nil {
		return nil, &EngineError{Op: "wait", WorkflowID: id, Err: run.err}
	}
	return run.result, nil
}

// Shutdown cancels every running workflow and waits for them to exit.
func (e *LocalEngine) Shutdown() {
	e.mu.Lock()
	for _, run := range e.runs {
		run.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
