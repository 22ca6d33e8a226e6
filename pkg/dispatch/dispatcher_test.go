package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/browser/browsertest"
	"github.com/entrhq/monkey/pkg/dispatch"
	"github.com/entrhq/monkey/pkg/sandbox"
	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

type runnerFunc func(ctx context.Context, def tool.Definition, input any) sandbox.Outcome

func (f runnerFunc) Run(ctx context.Context, def tool.Definition, input any) sandbox.Outcome {
	return f(ctx, def, input)
}

type resolver map[string]*dispatch.Dispatcher

func (r resolver) Dispatcher(id string) (*dispatch.Dispatcher, error) {
	d, ok := r[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "server %q not found", id)
	}
	if d == nil {
		return nil, types.Errorf(types.KindServerUnavailable, "server %q is not running", id)
	}
	return d, nil
}

func (r resolver) ToolList(id string) (dispatch.ToolList, error) {
	d, err := r.Dispatcher(id)
	if err != nil {
		return dispatch.ToolList{}, err
	}
	return d.ListTools(), nil
}

func echoTool() tool.Definition {
	return tool.Definition{
		Name:         "echo",
		Description:  "Echoes its input",
		Language:     tool.LanguageJavaScript,
		Source:       "return args.input;",
		InputSchema:  []tool.Parameter{{Name: "input", Type: tool.TypeString, Required: true}},
		OutputSchema: tool.OutputSchema{Type: tool.TypeString},
	}
}

func newTools(t *testing.T, defs ...tool.Definition) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry(1000)
	for _, d := range defs {
		_, err := reg.Add(d)
		require.NoError(t, err)
	}
	return reg
}

func succeed(value any) sandbox.Outcome {
	return sandbox.Outcome{Status: sandbox.StatusSuccess, Value: value, SessionHealthy: true}
}

func TestEchoScenario(t *testing.T) {
	launcher := browsertest.NewLauncher()
	launcher.Configure = func(d *browsertest.Driver) {
		d.EvaluateFunc = func(_ string, arg any) (any, error) {
			return arg.(map[string]any)["input"], nil
		}
	}
	pool := browser.NewPool(launcher, browser.PoolOptions{MaxSessions: 1, CloseTimeout: time.Second})
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	d := dispatch.New("s1", newTools(t, echoTool()), sandbox.New(pool),
		dispatch.WithMetrics(dispatch.MustNewMetrics(prometheus.NewRegistry())))
	router := dispatch.NewRouter(resolver{"s1": d})

	resp := router.Dispatch(context.Background(), dispatch.Request{
		ServerID:  "s1",
		ToolName:  "echo",
		Input:     "hi",
		RequestID: "r1",
	})

	require.True(t, resp.OK(), "response: %+v", resp)
	assert.Equal(t, dispatch.Response{RequestID: "r1", Result: "hi"}, resp)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestId":"r1","result":"hi"}`, string(raw))

	recs := d.History().List(0)
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].RequestID)
	assert.Equal(t, sandbox.StatusSuccess, recs[0].Status)
	assert.True(t, recs[0].Done())
	assert.Equal(t, 1, recs[0].ToolVersion)
	assert.Equal(t, uint64(1), pool.Stats().Releases)
}

func TestUnknownToolTouchesNothing(t *testing.T) {
	launcher := browsertest.NewLauncher()
	pool := browser.NewPool(launcher, browser.PoolOptions{MaxSessions: 1, CloseTimeout: time.Second})
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	d := dispatch.New("s1", newTools(t, echoTool()), sandbox.New(pool))

	resp := d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "nope", RequestID: "r2"})

	require.NotNil(t, resp.Error)
	assert.Equal(t, "r2", resp.RequestID)
	assert.Equal(t, types.KindNotFound, resp.Error.Kind)
	assert.Equal(t, 0, launcher.Launched())
	assert.Equal(t, 0, d.History().Len())

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestId":"r2","error":{"kind":"NotFound","message":"tool \"nope\" not found on server s1"}}`, string(raw))
}

func TestRouterResolution(t *testing.T) {
	router := dispatch.NewRouter(resolver{"stopped": nil})

	resp := router.Dispatch(context.Background(), dispatch.Request{ServerID: "missing", ToolName: "echo", RequestID: "a"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.KindNotFound, resp.Error.Kind)
	assert.Equal(t, "a", resp.RequestID)

	resp = router.Dispatch(context.Background(), dispatch.Request{ServerID: "stopped", ToolName: "echo"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.KindServerUnavailable, resp.Error.Kind)
	assert.NotEmpty(t, resp.RequestID)

	resp = router.Dispatch(context.Background(), dispatch.Request{ToolName: "echo"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.KindValidation, resp.Error.Kind)

	_, err := router.ListTools("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestListTools(t *testing.T) {
	d := dispatch.New("s1", newTools(t, echoTool()), runnerFunc(nil))

	list := d.ListTools()
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)
	assert.Equal(t, "Echoes its input", list.Tools[0].Description)
	assert.Equal(t, tool.TypeString, list.Tools[0].OutputSchema.Type)
	require.Len(t, list.Tools[0].InputSchema, 1)
	assert.Equal(t, "input", list.Tools[0].InputSchema[0].Name)
}

func TestGeneratesRequestID(t *testing.T) {
	d := dispatch.New("s1", newTools(t, echoTool()), runnerFunc(func(context.Context, tool.Definition, any) sandbox.Outcome {
		return succeed("ok")
	}))

	resp := d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: "x"})
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "ok", resp.Result)
}

func waitQueued(t *testing.T, d *dispatch.Dispatcher, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return d.Stats().Queued == n }, 2*time.Second, time.Millisecond)
}

func TestRequestsQueueInArrivalOrder(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []any
	d := dispatch.New("s1", newTools(t, echoTool()), runnerFunc(func(_ context.Context, _ tool.Definition, input any) sandbox.Outcome {
		mu.Lock()
		order = append(order, input)
		mu.Unlock()
		<-release
		return succeed(input)
	}), dispatch.WithConcurrency(1))

	var wg sync.WaitGroup
	responses := make([]dispatch.Response, 5)
	inputs := []string{"a", "b", "c", "d", "e"}
	for i, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: in})
		}()
		if i == 0 {
			require.Eventually(t, func() bool { return d.Stats().InFlight == 1 }, 2*time.Second, time.Millisecond)
		} else {
			waitQueued(t, d, int64(i))
		}
	}

	assert.Equal(t, int64(1), d.Stats().InFlight)
	close(release)
	wg.Wait()

	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, order)
	for i, resp := range responses {
		assert.Equal(t, inputs[i], resp.Result)
	}
}

func TestCloseFailsQueuedAndCancelsRunning(t *testing.T) {
	started := make(chan struct{})
	d := dispatch.New("s1", newTools(t, echoTool()), runnerFunc(func(ctx context.Context, _ tool.Definition, _ any) sandbox.Outcome {
		close(started)
		<-ctx.Done()
		return sandbox.Outcome{Status: sandbox.StatusCancelled, Error: types.Errorf(types.KindCancelled, "cancelled")}
	}), dispatch.WithConcurrency(1))

	running := make(chan dispatch.Response, 1)
	go func() {
		running <- d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: "a"})
	}()
	<-started

	queued := make(chan dispatch.Response, 1)
	go func() {
		queued <- d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: "b"})
	}()
	waitQueued(t, d, 1)

	grace := 50 * time.Millisecond
	start := time.Now()
	require.NoError(t, d.Close(context.Background(), grace))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, time.Second)

	q := <-queued
	require.NotNil(t, q.Error)
	assert.Equal(t, types.KindServerUnavailable, q.Error.Kind)

	r := <-running
	require.NotNil(t, r.Error)
	assert.Equal(t, types.KindCancelled, r.Error.Kind)

	after := d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: "c"})
	require.NotNil(t, after.Error)
	assert.Equal(t, types.KindServerUnavailable, after.Error.Kind)

	stats := d.Stats()
	assert.True(t, stats.Closed)
	assert.Zero(t, stats.InFlight)
	assert.Zero(t, stats.Queued)

	recs := d.History().List(0)
	require.Len(t, recs, 2, "the queued request is recorded; the one after close is not")
	byInput := map[any]dispatch.ExecutionRecord{}
	for _, rec := range recs {
		assert.True(t, rec.Done())
		assert.Equal(t, sandbox.StatusCancelled, rec.Status)
		byInput[rec.Input] = rec
	}
	require.NotNil(t, byInput["b"].Error)
	assert.Equal(t, types.KindServerUnavailable, byInput["b"].Error.Kind)
	assert.Zero(t, byInput["b"].Attempts, "it never ran")
}

func TestQueuedRequestCancelledByCallerIsRecorded(t *testing.T) {
	release := make(chan struct{})
	d := dispatch.New("s1", newTools(t, echoTool()), runnerFunc(func(_ context.Context, _ tool.Definition, input any) sandbox.Outcome {
		<-release
		return succeed(input)
	}), dispatch.WithConcurrency(1))
	defer close(release)

	go d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: "a"})
	require.Eventually(t, func() bool { return d.Stats().InFlight == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan dispatch.Response, 1)
	go func() {
		queued <- d.Dispatch(ctx, dispatch.Request{ServerID: "s1", ToolName: "echo", Input: "b", RequestID: "rb"})
	}()
	waitQueued(t, d, 1)
	cancel()

	resp := <-queued
	require.NotNil(t, resp.Error)

	var rec dispatch.ExecutionRecord
	for _, r := range d.History().List(0) {
		if r.RequestID == "rb" {
			rec = r
		}
	}
	require.Equal(t, "rb", rec.RequestID)
	assert.True(t, rec.Done())
	assert.Equal(t, sandbox.StatusCancelled, rec.Status)
	assert.Equal(t, resp.Error.Kind, rec.Error.Kind)
}

func TestCloseLetsRunningFinishWithinGrace(t *testing.T) {
	started := make(chan struct{})
	d := dispatch.New("s1", newTools(t, echoTool()), runnerFunc(func(ctx context.Context, _ tool.Definition, input any) sandbox.Outcome {
		close(started)
		select {
		case <-time.After(20 * time.Millisecond):
			return succeed(input)
		case <-ctx.Done():
			return sandbox.Outcome{Status: sandbox.StatusCancelled, Error: types.Errorf(types.KindCancelled, "cancelled")}
		}
	}))

	done := make(chan dispatch.Response, 1)
	go func() {
		done <- d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: "a"})
	}()
	<-started

	require.NoError(t, d.Close(context.Background(), time.Second))
	resp := <-done
	require.True(t, resp.OK(), "response: %+v", resp)
	assert.Equal(t, "a", resp.Result)
}

func TestHistoryEvictsOldest(t *testing.T) {
	history := dispatch.NewHistory(2)
	d := dispatch.New("s1", newTools(t, echoTool()), runnerFunc(func(_ context.Context, _ tool.Definition, input any) sandbox.Outcome {
		return succeed(input)
	}), dispatch.WithHistory(history))

	for _, id := range []string{"r1", "r2", "r3"} {
		resp := d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: id, RequestID: id})
		require.True(t, resp.OK())
	}

	recs := history.List(0)
	require.Len(t, recs, 2)
	assert.Equal(t, "r3", recs[0].RequestID)
	assert.Equal(t, "r2", recs[1].RequestID)

	assert.Len(t, history.List(1), 1)
	_, ok := history.Get(recs[0].ID)
	assert.True(t, ok)
}

func TestPublishesExecutionEvents(t *testing.T) {
	var mu sync.Mutex
	var events []types.Event
	d := dispatch.New("s1", newTools(t, echoTool()), runnerFunc(func(context.Context, tool.Definition, any) sandbox.Outcome {
		return sandbox.Outcome{Status: sandbox.StatusError, Error: types.Errorf(types.KindExecution, "boom")}
	}), dispatch.WithEvents(func(e types.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	resp := d.Dispatch(context.Background(), dispatch.Request{ServerID: "s1", ToolName: "echo", Input: "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.KindExecution, resp.Error.Kind)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, types.EventExecutionStarted, events[0].Type)
	assert.Equal(t, types.EventExecutionFinished, events[1].Type)
	assert.Equal(t, "s1", events[1].ServerID)
	assert.Equal(t, "error", events[1].Data["status"])
}
