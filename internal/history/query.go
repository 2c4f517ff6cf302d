package history

import (
	"context"
	"time"

	"github.com/loykin/pmwatch/internal/supervisor"
)

// DefaultWindow is the look-back used when no range is requested.
const DefaultWindow = 10 * time.Minute

// Detail pairs the current supervisor view of a process with its history.
type Detail struct {
	Snapshot supervisor.Snapshot `json:"snapshot"`
	Series   Series              `json:"series"`
}

// Query is the read path over a Store combined with live supervisor state.
type Query struct {
	store  Store
	sup    supervisor.Supervisor
	window time.Duration
	now    func() time.Time
}

// NewQuery returns a Query. window <= 0 selects DefaultWindow.
func NewQuery(store Store, sup supervisor.Supervisor, window time.Duration) *Query {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Query{store: store, sup: sup, window: window, now: time.Now}
}

// Window is the default look-back.
func (q *Query) Window() time.Duration { return q.window }

// Series returns stored samples for pmID within [from, to], ascending.
func (q *Query) Series(ctx context.Context, pmID int, from, to time.Time) (Series, error) {
	return q.store.Range(ctx, pmID, from, to)
}

// Detail resolves name through the supervisor and returns its snapshot with
// samples in [from, to]. A zero from defaults to to minus the window and a
// zero to defaults to now. Unknown names yield supervisor.ErrNotFound.
func (q *Query) Detail(ctx context.Context, name string, from, to time.Time) (Detail, error) {
	snap, err := q.sup.Describe(ctx, name)
	if err != nil {
		return Detail{}, err
	}
	if to.IsZero() {
		to = q.now()
	}
	if from.IsZero() {
		from = to.Add(-q.window)
	}
	series, err := q.store.Range(ctx, snap.ID, from, to)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Snapshot: snap, Series: series}, nil
}

// Recent is Detail over the trailing window ending now.
func (q *Query) Recent(ctx context.Context, name string) (Detail, error) {
	return q.Detail(ctx, name, time.Time{}, time.Time{})
}

// Apps lists managed processes.
func (q *Query) Apps(ctx context.Context) ([]supervisor.Snapshot, error) {
	list, err := q.sup.List(ctx)
	if err != nil {
		return nil, err
	}
	return supervisor.Managed(list), nil
}
