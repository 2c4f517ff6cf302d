package provisr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pmwatch/internal/supervisor"
)

func fakeDaemon(t *testing.T, sts []status) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" || r.URL.Query().Get("wildcard") != "*" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sts)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestListMapsStatus(t *testing.T) {
	started := time.UnixMilli(1700000000000).UTC()
	srv := fakeDaemon(t, []status{
		{Name: "web-1", Running: true, PID: 99, StartedAt: started, State: "running"},
		{Name: "job", State: "stopped"},
		{Name: ""},
	})
	c := New(Config{
		URL:    srv.URL + "/api",
		LogDir: "/var/log/provisr",
		Stats: func(ctx context.Context, pid int) (*float64, *float64) {
			assert.Equal(t, 99, pid)
			return supervisor.Float(12.5), supervisor.Float(1024)
		},
	})

	list, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	web := list[0]
	assert.Equal(t, ID("web-1"), web.ID)
	assert.Equal(t, supervisor.StatusOnline, web.Status)
	assert.InDelta(t, 12.5, *web.CPU, 1e-9)
	assert.InDelta(t, 1024, *web.Memory, 1e-9)
	assert.Equal(t, started.UnixMilli(), *web.StartedAt)
	assert.Equal(t, filepath.Join("/var/log/provisr", "web-1.stdout.log"), web.OutLogPath)
	assert.Equal(t, filepath.Join("/var/log/provisr", "web-1.stderr.log"), web.ErrLogPath)
	assert.True(t, web.Managed)

	job := list[1]
	assert.Equal(t, supervisor.StatusStopped, job.Status)
	assert.Nil(t, job.CPU, "stopped processes carry no usage")
	assert.Nil(t, job.StartedAt)
}

func TestIDStable(t *testing.T) {
	assert.Equal(t, ID("api"), ID("api"))
	assert.NotEqual(t, ID("api"), ID("worker"))
	assert.GreaterOrEqual(t, ID("anything"), 0)
}

func TestListUnreachable(t *testing.T) {
	srv := fakeDaemon(t, nil)
	url := srv.URL
	srv.Close()
	c := New(Config{URL: url, Timeout: time.Second})
	_, err := c.List(context.Background())
	assert.True(t, errors.Is(err, supervisor.ErrUnavailable), "got %v", err)
}

func TestDialerThroughConn(t *testing.T) {
	srv := fakeDaemon(t, []status{{Name: "api", Running: true, State: "running"}})
	conn := supervisor.NewConn(Dialer(Config{
		URL:   srv.URL + "/api",
		Stats: func(context.Context, int) (*float64, *float64) { return nil, nil },
	}), nil)
	defer func() { _ = conn.Close() }()

	s, err := conn.Describe(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, "api", s.Name)
	assert.True(t, conn.Connected())
}
