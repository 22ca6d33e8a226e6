package admin_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/monkey/pkg/admin"
	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/browser/browsertest"
	"github.com/entrhq/monkey/pkg/dispatch"
	"github.com/entrhq/monkey/pkg/sandbox"
	"github.com/entrhq/monkey/pkg/server"
	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

type engineFunc func(ctx context.Context, inv sandbox.Invocation) (sandbox.Result, error)

func (f engineFunc) Execute(ctx context.Context, inv sandbox.Invocation) (sandbox.Result, error) {
	return f(ctx, inv)
}

type fixture struct {
	srv  *httptest.Server
	reg  *server.Registry
	pool *browser.Pool
}

func newFixture(t *testing.T, wrap func(admin.Registry) admin.Registry) *fixture {
	t.Helper()
	promReg := prometheus.NewRegistry()
	pool := browser.NewPool(browsertest.NewLauncher(), browser.PoolOptions{
		MaxSessions:    2,
		AcquireTimeout: 2 * time.Second,
		CloseTimeout:   time.Second,
	}, browser.WithMetrics(browser.MustNewMetrics(promReg)))
	sb := sandbox.New(pool, sandbox.WithEngine(tool.LanguageJavaScript, engineFunc(
		func(_ context.Context, inv sandbox.Invocation) (sandbox.Result, error) {
			return sandbox.Result{Value: inv.Args["input"]}, nil
		})))
	reg := server.NewRegistry(sb, server.WithSessionCap(2), server.WithStopGrace(time.Second))

	var r admin.Registry = reg
	if wrap != nil {
		r = wrap(reg)
	}
	api := admin.New(r, admin.WithPool(pool), admin.WithGatherer(promReg))
	f := &fixture{srv: httptest.NewServer(api), reg: reg, pool: pool}
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		_ = pool.Shutdown(ctx)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeInto[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func assertError(t *testing.T, status int, data []byte, wantStatus int, wantKind types.Kind) {
	t.Helper()
	assert.Equal(t, wantStatus, status, string(data))
	e := decodeInto[types.Error](t, data)
	assert.Equal(t, wantKind, e.Kind)
	assert.NotEmpty(t, e.Message)
}

const echoTool = `{"name":"echo","language":"javascript","source":"return args.input;",
	"inputSchema":[{"name":"input","type":"string","required":true}],
	"outputSchema":{"type":"string"}}`

func TestServerLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	status, data := f.do(t, http.MethodPost, "/api/servers", `{"name":"My Shop","tools":[]}`)
	require.Equal(t, http.StatusCreated, status, string(data))
	rec := decodeInto[server.Record](t, data)
	assert.Equal(t, "My-Shop", rec.ID)
	assert.Equal(t, server.StateCreated, rec.State)

	status, data = f.do(t, http.MethodPost, "/api/servers", `{"id":"My-Shop","tools":[]}`)
	assertError(t, status, data, http.StatusConflict, types.KindConflict)

	status, data = f.do(t, http.MethodPost, "/api/servers/My-Shop/start", "")
	assertError(t, status, data, http.StatusBadRequest, types.KindValidation)

	status, data = f.do(t, http.MethodPost, "/api/servers/My-Shop/tools", echoTool)
	require.Equal(t, http.StatusCreated, status, string(data))
	added := decodeInto[tool.Definition](t, data)
	assert.Equal(t, 1, added.Version)

	status, data = f.do(t, http.MethodPost, "/api/servers/My-Shop/start", "")
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, server.StateRunning, decodeInto[server.Record](t, data).State)

	status, data = f.do(t, http.MethodPost, "/api/servers/My-Shop/reset", "")
	assertError(t, status, data, http.StatusConflict, types.KindConflict)

	status, data = f.do(t, http.MethodGet, "/api/servers/My-Shop/tools", "")
	require.Equal(t, http.StatusOK, status)
	list := decodeInto[dispatch.ToolList](t, data)
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)

	status, data = f.do(t, http.MethodPost, "/api/servers/My-Shop/stop", "")
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, server.StateStopped, decodeInto[server.Record](t, data).State)

	status, data = f.do(t, http.MethodPost, "/api/servers/My-Shop/reset", "")
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, server.StateCreated, decodeInto[server.Record](t, data).State)

	status, data = f.do(t, http.MethodGet, "/api/servers", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeInto[[]server.Record](t, data), 1)

	status, _ = f.do(t, http.MethodDelete, "/api/servers/My-Shop", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, data = f.do(t, http.MethodGet, "/api/servers/My-Shop", "")
	assertError(t, status, data, http.StatusNotFound, types.KindNotFound)
}

func TestDispatchAndHistory(t *testing.T) {
	f := newFixture(t, nil)
	status, data := f.do(t, http.MethodPost, "/api/servers?start=true", `{"id":"s1","tools":[`+echoTool+`]}`)
	require.Equal(t, http.StatusCreated, status, string(data))
	require.Equal(t, server.StateRunning, decodeInto[server.Record](t, data).State)

	status, data = f.do(t, http.MethodPost, "/api/dispatch", `{"serverId":"s1","toolName":"echo","input":{"input":"hi"},"requestId":"r1"}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"requestId":"r1","result":"hi"}`, string(data))

	status, data = f.do(t, http.MethodPost, "/api/dispatch", `{"serverId":"s1","toolName":"missing","input":{},"requestId":"r2"}`)
	require.Equal(t, http.StatusOK, status)
	resp := decodeInto[dispatch.Response](t, data)
	assert.Equal(t, "r2", resp.RequestID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.KindNotFound, resp.Error.Kind)
	assert.Equal(t, 0, f.pool.Stats().Leased)

	status, data = f.do(t, http.MethodPost, "/api/dispatch", `{"serverId":`)
	assert.Equal(t, http.StatusBadRequest, status)
	resp = decodeInto[dispatch.Response](t, data)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.KindValidation, resp.Error.Kind)

	status, _ = f.do(t, http.MethodPost, "/api/dispatch", `{"serverId":"s1","toolName":"echo","input":{"input":"again"},"requestId":"r3"}`)
	require.Equal(t, http.StatusOK, status)

	status, data = f.do(t, http.MethodGet, "/api/servers/s1/history?limit=1", "")
	require.Equal(t, http.StatusOK, status)
	recs := decodeInto[[]dispatch.ExecutionRecord](t, data)
	require.Len(t, recs, 1)
	assert.Equal(t, "r3", recs[0].RequestID, "newest first")

	status, data = f.do(t, http.MethodGet, "/api/servers/s1/history", "")
	require.Equal(t, http.StatusOK, status)
	recs = decodeInto[[]dispatch.ExecutionRecord](t, data)
	require.Len(t, recs, 2, "unknown tools never reach the history")
	first := recs[1]
	assert.Equal(t, "hi", first.Value)

	status, data = f.do(t, http.MethodGet, "/api/servers/s1/history/"+first.ID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "r1", decodeInto[dispatch.ExecutionRecord](t, data).RequestID)

	status, data = f.do(t, http.MethodGet, "/api/servers/s1/history?limit=many", "")
	assertError(t, status, data, http.StatusBadRequest, types.KindValidation)
}

func TestDispatchToStoppedServer(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.do(t, http.MethodPost, "/api/servers", `{"id":"s1","tools":[`+echoTool+`]}`)
	require.Equal(t, http.StatusCreated, status)

	status, data := f.do(t, http.MethodPost, "/api/dispatch", `{"serverId":"s1","toolName":"echo","input":{"input":"hi"}}`)
	require.Equal(t, http.StatusOK, status)
	resp := decodeInto[dispatch.Response](t, data)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.KindServerUnavailable, resp.Error.Kind)
	assert.NotEmpty(t, resp.RequestID, "a request id is assigned when none is given")
}

func TestToolEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.do(t, http.MethodPost, "/api/servers", `{"id":"s1","tools":[`+echoTool+`]}`)
	require.Equal(t, http.StatusCreated, status)

	replacement := strings.Replace(echoTool, `"return args.input;"`, `"return args.input + '!';"`, 1)
	status, data := f.do(t, http.MethodPut, "/api/servers/s1/tools/echo", replacement)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, 2, decodeInto[tool.Definition](t, data).Version)

	status, data = f.do(t, http.MethodPut, "/api/servers/s1/tools/other", replacement)
	assertError(t, status, data, http.StatusBadRequest, types.KindValidation)

	status, data = f.do(t, http.MethodPost, "/api/servers/s1/tools", `{"name":"x","language":"javascript","source":"1","surprise":true}`)
	assertError(t, status, data, http.StatusBadRequest, types.KindValidation)

	status, data = f.do(t, http.MethodPost, "/api/servers/s1/tools", echoTool)
	assertError(t, status, data, http.StatusConflict, types.KindConflict)

	status, _ = f.do(t, http.MethodDelete, "/api/servers/s1/tools/echo", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, data = f.do(t, http.MethodDelete, "/api/servers/s1/tools/echo", "")
	assertError(t, status, data, http.StatusNotFound, types.KindNotFound)

	status, data = f.do(t, http.MethodDelete, "/api/servers/nope/tools/echo", "")
	assertError(t, status, data, http.StatusNotFound, types.KindNotFound)
}

func TestRoutingErrorsAreTyped(t *testing.T) {
	f := newFixture(t, nil)

	status, data := f.do(t, http.MethodGet, "/api/nothing", "")
	assertError(t, status, data, http.StatusNotFound, types.KindNotFound)

	status, data = f.do(t, http.MethodPatch, "/api/servers", "")
	assertError(t, status, data, http.StatusMethodNotAllowed, types.KindValidation)

	status, data = f.do(t, http.MethodPost, "/api/servers", `{"id":"s1","tools":[],"colour":"red"}`)
	assertError(t, status, data, http.StatusBadRequest, types.KindValidation)
}

type panickingRegistry struct {
	*server.Registry
}

func (panickingRegistry) List() []server.Record {
	panic("boom")
}

func TestPanicsBecomeExecutionErrors(t *testing.T) {
	f := newFixture(t, func(r admin.Registry) admin.Registry {
		return panickingRegistry{r.(*server.Registry)}
	})

	status, data := f.do(t, http.MethodGet, "/api/servers", "")
	assertError(t, status, data, http.StatusInternalServerError, types.KindExecution)
	assert.Contains(t, string(data), "boom")

	status, _ = f.do(t, http.MethodGet, "/api/pool", "")
	assert.Equal(t, http.StatusOK, status, "the API keeps serving")
}

func TestHealthPoolAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.do(t, http.MethodPost, "/api/servers", `{"id":"s1","tools":[]}`)
	require.Equal(t, http.StatusCreated, status)

	status, data := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, status)
	var health struct {
		Status  string         `json:"status"`
		Servers map[string]int `json:"servers"`
		Pool    *browser.PoolStats
	}
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Servers["created"])
	require.NotNil(t, health.Pool)
	assert.Equal(t, 2, health.Pool.MaxSessions)

	status, data = f.do(t, http.MethodGet, "/api/pool", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), `"sessions":[]`)

	status, data = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), "monkey_browser_pool_leases_total")
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events?server=s2"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	for _, id := range []string{"s1", "s2"} {
		status, _ := f.do(t, http.MethodPost, "/api/servers", `{"id":"`+id+`","tools":[`+echoTool+`]}`)
		require.Equal(t, http.StatusCreated, status)
	}
	status, _ := f.do(t, http.MethodPost, "/api/servers/s2/start", "")
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var seen []types.EventType
	for len(seen) < 3 {
		var e types.Event
		require.NoError(t, conn.ReadJSON(&e))
		assert.Equal(t, "s2", e.ServerID, "events of other servers are filtered out")
		seen = append(seen, e.Type)
	}
	assert.Equal(t, []types.EventType{
		types.EventServerCreated,
		types.EventServerStateChanged,
		types.EventServerStateChanged,
	}, seen)
}
