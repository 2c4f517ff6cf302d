package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	ObservePoll(true, 0.01, 3)
	ObservePoll(false, 0.02, 0)
	IncSinkFailure()
	ObserveSweep(true, 42)
	AddSessions("logs", 1)
	IncMessage("metrics")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"pmwatch_poll_ticks_total":              false,
		"pmwatch_poll_duration_seconds":         false,
		"pmwatch_history_samples_written_total": false,
		"pmwatch_history_sink_failures_total":   false,
		"pmwatch_retention_sweeps_total":        false,
		"pmwatch_retention_removed_total":       false,
		"pmwatch_stream_sessions":               false,
		"pmwatch_stream_messages_total":         false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	ObserveSweep(true, 1)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "pmwatch_retention_sweeps_total") {
		t.Fatalf("metrics output missing sweeps_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			AddSessions("metrics", 1)
			IncMessage("metrics")
			AddSessions("metrics", -1)
		}()
	}
	wg.Wait()
	// Ensure gather succeeds under race detector
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	ObservePoll(true, 1, 1)
	IncSinkFailure()
	ObserveSweep(false, 0)
	AddSessions("logs", 1)
	IncMessage("logs")
}

func TestSessionGaugeSpansRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// opened before the collectors are registered, closed after
	AddSessions("early", 1)
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(streamSessions.WithLabelValues("early")); got != 1 {
		t.Fatalf("open sessions = %v, want 1", got)
	}
	AddSessions("early", -1)
	if got := testutil.ToFloat64(streamSessions.WithLabelValues("early")); got != 0 {
		t.Fatalf("open sessions = %v, want 0", got)
	}
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
