package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEmptyDSN is returned by store constructors given a blank DSN.
var ErrEmptyDSN = errors.New("empty DSN")

// Sample is one resource-usage observation of a managed process. Identity is
// (PMID, TS); TS has millisecond precision and is serialized as unix ms.
type Sample struct {
	TS     time.Time
	PMID   int
	Name   string
	Status string
	CPU    *float64
	Memory *float64
	Uptime *int64 // process start, unix ms
}

type sampleJSON struct {
	TS     int64    `json:"ts"`
	PMID   int      `json:"pm_id"`
	Name   *string  `json:"name"`
	Status *string  `json:"status"`
	CPU    *float64 `json:"cpu"`
	Memory *float64 `json:"memory"`
	Uptime *int64   `json:"uptime"`
}

func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleJSON{
		TS:     s.TS.UnixMilli(),
		PMID:   s.PMID,
		Name:   nullString(s.Name),
		Status: nullString(s.Status),
		CPU:    s.CPU,
		Memory: s.Memory,
		Uptime: s.Uptime,
	})
}

func (s *Sample) UnmarshalJSON(b []byte) error {
	var v sampleJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = Sample{TS: time.UnixMilli(v.TS).UTC(), PMID: v.PMID, CPU: v.CPU, Memory: v.Memory, Uptime: v.Uptime}
	if v.Name != nil {
		s.Name = *v.Name
	}
	if v.Status != nil {
		s.Status = *v.Status
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Series is a list of samples ordered ascending by TS. A nil Series
// serializes as an empty array.
type Series []Sample

func (s Series) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Sample(s))
}

// Store is the durable time-series store for samples.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append writes all samples in one transaction; either all become
	// visible or none do. An empty batch is a no-op.
	Append(ctx context.Context, samples []Sample) error
	// Range returns samples for pmID with from <= ts <= to, ascending.
	// A zero from or to leaves that side unbounded. A negative pmID
	// yields an empty series.
	Range(ctx context.Context, pmID int, from, to time.Time) (Series, error)
	// Prune deletes samples with ts strictly before cutoff and returns
	// the number removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Sink is a destination that receives each committed batch of samples,
// such as an analytics index. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, samples []Sample) error
}

// CutoffMillis is the unix ms form of a prune cutoff: rows with ts below it
// are older than before. A sub-millisecond remainder rounds up, so a sample
// stored at the truncated millisecond is still removed when it is older
// than before.
func CutoffMillis(before time.Time) int64 {
	ms := before.UnixMilli()
	if time.UnixMilli(ms).Before(before) {
		ms++
	}
	return ms
}

// Millis truncates t to millisecond precision in UTC.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
