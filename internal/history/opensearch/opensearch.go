package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/pmwatch/internal/history"
)

// Sink exports sample batches to OpenSearch via the _bulk HTTP endpoint.
// Each batch becomes one request: baseURL + "/_bulk" with an index action
// per sample.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

type action struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
}

func (s *Sink) Send(ctx context.Context, samples []history.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, smp := range samples {
		var a action
		a.Index.Index = s.index
		// Deterministic id makes a retried batch idempotent.
		a.Index.ID = fmt.Sprintf("%d-%d", smp.PMID, smp.TS.UnixMilli())
		if err := enc.Encode(a); err != nil {
			return err
		}
		if err := enc.Encode(smp); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/_bulk", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	var br bulkResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&br); err == nil && br.Errors {
		return fmt.Errorf("opensearch bulk reported item errors")
	}
	return nil
}
