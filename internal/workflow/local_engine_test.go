package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndWaitResult(t *testing.T) {
	engine := NewLocalEngine(nil)
	engine.Register("echo", func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		return map[string]any{"echo": payload["value"]}, nil
	})

	ctx := context.Background()
	require.NoError(t, engine.StartWorkflow(ctx, "echo", "wf-1", "q", map[string]any{"value": "hi"}))

	result, err := engine.WaitResult(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", result["echo"])
}

func TestStartIsIdempotentOnWorkflowID(t *testing.T) {
	engine := NewLocalEngine(nil)
	var starts atomic.Int32
	block := make(chan struct{})
	engine.Register("slow", func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		starts.Add(1)
		<-block
		return map[string]any{}, nil
	})

	ctx := context.Background()
	require.NoError(t, engine.StartWorkflow(ctx, "slow", "wf-2", "q", nil))
	require.NoError(t, engine.StartWorkflow(ctx, "slow", "wf-2", "q", nil))
	close(block)

	_, err := engine.WaitResult(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), starts.Load())
}

func TestStartUnregisteredWorkflow(t *testing.T) {
	engine := NewLocalEngine(nil)

	err := engine.StartWorkflow(context.Background(), "missing", "wf-3", "q", nil)
	require.Error(t, err)

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr))
	assert.Equal(t, "start", engineErr.Op)
	assert.Equal(t, "wf-3", engineErr.WorkflowID)
}

func TestQueryWorkflow(t *testing.T) {
	engine := NewLocalEngine(nil)
	ready := make(chan struct{})
	block := make(chan struct{})
	engine.Register("queried", func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		run.SetQueryHandler("progress", func() map[string]any {
			return map[string]any{"stage": "ingest"}
		})
		close(ready)
		<-block
		return map[string]any{}, nil
	})

	ctx := context.Background()
	require.NoError(t, engine.StartWorkflow(ctx, "queried", "wf-4", "q", nil))
	<-ready

	progress, err := engine.QueryWorkflow(ctx, "wf-4", "progress")
	require.NoError(t, err)
	assert.Equal(t, "ingest", progress["stage"])

	_, err = engine.QueryWorkflow(ctx, "wf-4", "unknown")
	require.Error(t, err)

	close(block)
	_, err = engine.WaitResult(ctx, "wf-4")
	require.NoError(t, err)
}

type stagedWorkflow struct {
	release chan struct{}
}

func (w *stagedWorkflow) Setup(run *Run, payload map[string]any) {
	run.SetQueryHandler("progress", func() map[string]any {
		return map[string]any{"stage": "init"}
	})
}

func (w *stagedWorkflow) Execute(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
	<-w.release
	return map[string]any{}, nil
}

func TestQueryRightAfterStart(t *testing.T) {
	engine := NewLocalEngine(nil)
	wf := &stagedWorkflow{release: make(chan struct{})}
	engine.RegisterWorkflow("staged", wf)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		id := "wf-staged-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, engine.StartWorkflow(ctx, "staged", id, "q", nil))

		progress, err := engine.QueryWorkflow(ctx, id, "progress")
		require.NoError(t, err)
		assert.Equal(t, "init", progress["stage"])
	}
	close(wf.release)
	engine.Shutdown()
}

func TestQueryUnknownWorkflow(t *testing.T) {
	engine := NewLocalEngine(nil)

	_, err := engine.QueryWorkflow(context.Background(), "nope", "progress")
	require.Error(t, err)
}

func TestWaitResultPropagatesWorkflowError(t *testing.T) {
	engine := NewLocalEngine(nil)
	boom := errors.New("stage exploded")
	engine.Register("failing", func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		return nil, boom
	})

	ctx := context.Background()
	require.NoError(t, engine.StartWorkflow(ctx, "failing", "wf-5", "q", nil))

	_, err := engine.WaitResult(ctx, "wf-5")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestWaitResultHonorsContext(t *testing.T) {
	engine := NewLocalEngine(nil)
	block := make(chan struct{})
	defer close(block)
	engine.Register("stuck", func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})

	require.NoError(t, engine.StartWorkflow(context.Background(), "stuck", "wf-6", "q", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := engine.WaitResult(ctx, "wf-6")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
