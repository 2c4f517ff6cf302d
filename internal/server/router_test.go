package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pmwatch/internal/history"
	"github.com/loykin/pmwatch/internal/history/sqlite"
	"github.com/loykin/pmwatch/internal/retention"
	"github.com/loykin/pmwatch/internal/stream"
	"github.com/loykin/pmwatch/internal/supervisor"
	"github.com/loykin/pmwatch/internal/supervisor/memory"
)

type env struct {
	h     http.Handler
	sup   *memory.Supervisor
	store *sqlite.Store
	dir   string
}

func setupRouter(t *testing.T, base string) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()
	sup := memory.New(
		supervisor.Snapshot{
			ID: 0, Name: "api", Status: supervisor.StatusOnline, Managed: true,
			OutLogPath: filepath.Join(dir, "api-out.log"),
			ErrLogPath: filepath.Join(dir, "api-error.log"),
		},
		supervisor.Snapshot{ID: 1, Name: "nolog", Status: supervisor.StatusStopped, Managed: true},
		supervisor.Snapshot{ID: 2, Name: "pm2-logrotate", Status: supervisor.StatusOnline},
	)
	q := history.NewQuery(st, sup, 0)
	logs := stream.NewLogs(sup, nil, 0)
	streams := stream.NewBroadcaster(q, logs, stream.Config{MetricsInterval: 20 * time.Millisecond})
	t.Cleanup(streams.Shutdown)

	r := NewRouter(Options{
		Query:    q,
		Logs:     logs,
		Streams:  streams,
		Sweeper:  retention.New(st, retention.Config{Horizon: time.Hour}),
		BasePath: base,
	})
	return &env{h: r.Handler(), sup: sup, store: st, dir: dir}
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	e := setupRouter(t, "/api/")
	rec := doReq(t, e.h, http.MethodGet, "/api/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestAppsListsManagedOnly(t *testing.T) {
	e := setupRouter(t, "/api")
	rec := doReq(t, e.h, http.MethodGet, "/api/apps")
	require.Equal(t, http.StatusOK, rec.Code)
	apps := decode[[]supervisor.Snapshot](t, rec)
	require.Len(t, apps, 2)
	assert.Equal(t, "api", apps[0].Name)
	assert.Equal(t, "nolog", apps[1].Name)
}

func TestAppsSupervisorUnavailable(t *testing.T) {
	e := setupRouter(t, "")
	e.sup.Fail(fmt.Errorf("%w: pm2 not running", supervisor.ErrUnavailable))
	rec := doReq(t, e.h, http.MethodGet, "/apps")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, stream.CodeSupervisorUnavailable, decode[errorResp](t, rec).Error)

	e.sup.Fail(errors.New("boom"))
	rec = doReq(t, e.h, http.MethodGet, "/apps")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[errorResp](t, rec)
	assert.Equal(t, stream.CodeInternal, body.Error)
	assert.Equal(t, "boom", body.Details)
}

func TestAppDetailRange(t *testing.T) {
	e := setupRouter(t, "/api")
	now := time.Now()
	ctx := context.Background()
	require.NoError(t, e.store.Append(ctx, []history.Sample{
		{TS: history.Millis(now.Add(-2 * time.Hour)), PMID: 0, Name: "api"},
		{TS: history.Millis(now.Add(-time.Minute)), PMID: 0, Name: "api", CPU: supervisor.Float(3)},
	}))

	rec := doReq(t, e.h, http.MethodGet, "/api/apps/api")
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[history.Detail](t, rec)
	assert.Equal(t, "api", d.Snapshot.Name)
	require.Len(t, d.Series, 1, "default window is the last ten minutes")
	assert.Equal(t, 3.0, *d.Series[0].CPU)

	since := now.Add(-3 * time.Hour).UnixMilli()
	rec = doReq(t, e.h, http.MethodGet, fmt.Sprintf("/api/apps/api?since=%d&until=%d", since, now.UnixMilli()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[history.Detail](t, rec).Series, 2)

	// by pm_id as well as by name
	rec = doReq(t, e.h, http.MethodGet, "/api/apps/0")
	require.Equal(t, http.StatusOK, rec.Code)

	// no samples yet is an empty array, not null
	rec = doReq(t, e.h, http.MethodGet, "/api/apps/nolog")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"series":[]`)
}

func TestAppDetailErrors(t *testing.T) {
	e := setupRouter(t, "/api")
	rec := doReq(t, e.h, http.MethodGet, "/api/apps/ghost")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"app_not_found"}`, rec.Body.String())

	for _, q := range []string{"since=abc", "until=-5", "since=200&until=100"} {
		rec = doReq(t, e.h, http.MethodGet, "/api/apps/api?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, stream.CodeBadRequest, decode[errorResp](t, rec).Error, q)
	}
}

func TestLogs(t *testing.T) {
	e := setupRouter(t, "/api")
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "api-out.log"),
		[]byte("one\n\n\x1b[31mtwo\x1b[0m\nthree\n"), 0o644))

	rec := doReq(t, e.h, http.MethodGet, "/api/apps/api/logs?lines=2")
	require.Equal(t, http.StatusOK, rec.Code)
	msg := decode[stream.LogsMessage](t, rec)
	assert.Equal(t, `<span class="ansi-red">two</span>`+"\nthree", msg.InfoLogs)
	assert.Equal(t, "", msg.ErrorLogs)
	assert.Contains(t, rec.Body.String(), `"infoLogs":"<span`, "markup is not html-escaped in JSON")

	rec = doReq(t, e.h, http.MethodGet, "/api/apps/api/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one\n<span class=\"ansi-red\">two</span>\nthree", decode[stream.LogsMessage](t, rec).InfoLogs)
}

func TestLogsErrors(t *testing.T) {
	e := setupRouter(t, "/api")
	cases := []struct {
		path string
		code int
		err  string
	}{
		{"/api/apps/ghost/logs", http.StatusNotFound, stream.CodeAppNotFound},
		{"/api/apps/nolog/logs", http.StatusBadRequest, stream.CodeNoLogPaths},
		{"/api/apps/api/logs?lines=0", http.StatusBadRequest, stream.CodeBadRequest},
		{"/api/apps/api/logs?lines=x", http.StatusBadRequest, stream.CodeBadRequest},
	}
	for _, tc := range cases {
		rec := doReq(t, e.h, http.MethodGet, tc.path)
		assert.Equal(t, tc.code, rec.Code, tc.path)
		assert.Equal(t, tc.err, decode[errorResp](t, rec).Error, tc.path)
	}
}

func TestSweep(t *testing.T) {
	e := setupRouter(t, "/api")
	now := time.Now()
	require.NoError(t, e.store.Append(context.Background(), []history.Sample{
		{TS: history.Millis(now.Add(-3 * time.Hour)), PMID: 0},
		{TS: history.Millis(now.Add(-2 * time.Hour)), PMID: 0},
		{TS: history.Millis(now), PMID: 0},
	}))
	rec := doReq(t, e.h, http.MethodPost, "/api/history/sweep")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":2}`, rec.Body.String())

	rec = doReq(t, e.h, http.MethodGet, "/api/history/sweep")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func TestMetricsStream(t *testing.T) {
	e := setupRouter(t, "/api")
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/apps/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(resp.Body)
	for i := 0; i < 2; i++ {
		ev := readEvent(t, r)
		require.True(t, strings.HasPrefix(ev, "data:"), ev)
		var d history.Detail
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(ev), "data:")), &d))
		assert.Equal(t, "api", d.Snapshot.Name)
	}
}

func TestStreamsTerminalErrors(t *testing.T) {
	e := setupRouter(t, "/api")
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	cases := map[string]string{
		"/api/apps/ghost/stream":      `data:{"error":"app_not_found"}` + "\n\n",
		"/api/apps/ghost/logs/stream": ": connected\n\n" + `data:{"error":"app_not_found"}` + "\n\n",
		"/api/apps/nolog/logs/stream": ": connected\n\n" + `data:{"error":"no_log_paths"}` + "\n\n",
	}
	for path, want := range cases {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, want, string(body), path)
	}
}

func TestLogsStreamLive(t *testing.T) {
	e := setupRouter(t, "")
	out := filepath.Join(e.dir, "api-out.log")
	require.NoError(t, os.WriteFile(out, []byte("boot\n"), 0o644))

	srv := httptest.NewServer(e.h)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/apps/api/logs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, ": connected\n", readEvent(t, r))
	assert.Equal(t, `data:{"infoLogs":"boot","errorLogs":""}`+"\n", readEvent(t, r))

	f, err := os.OpenFile(out, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ready\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, `data:{"infoLogs":"boot\nready","errorLogs":""}`+"\n", readEvent(t, r))
}
