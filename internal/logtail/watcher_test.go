package logtail

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDebouncer(250*time.Millisecond, time.Second)

	deadline, ok := d.Trigger(t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(250*time.Millisecond), deadline, "first change waits only for settle")

	_, ok = d.Trigger(t0.Add(100 * time.Millisecond))
	assert.False(t, ok, "changes while pending collapse")
	assert.True(t, d.Pending())

	assert.True(t, d.Fire(t0.Add(250*time.Millisecond)))
	assert.False(t, d.Pending())
	assert.False(t, d.Fire(t0.Add(260*time.Millisecond)), "fire when idle is a no-op")

	sent := t0.Add(300 * time.Millisecond)
	d.Sent(sent)

	deadline, ok = d.Trigger(t0.Add(400 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, sent.Add(time.Second), deadline, "spacing from last delivery wins")

	d.Fire(deadline)
	deadline, ok = d.Trigger(t0.Add(5 * time.Second))
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Second+250*time.Millisecond), deadline)
}

func TestDebouncerSpacesChangesDuringDelivery(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDebouncer(20*time.Millisecond, time.Second)

	fired, _ := d.Trigger(t0)
	require.True(t, d.Fire(fired))

	// the payload for the first flush is still being written
	deadline, ok := d.Trigger(fired.Add(5 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, fired.Add(time.Second), deadline)

	d.Sent(fired.Add(80 * time.Millisecond))
	assert.Equal(t, fired.Add(time.Second), d.Deadline(), "a pending deadline is not moved")
}

func TestDebouncerSentMonotonic(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDebouncer(0, time.Second)
	d.Sent(t0.Add(time.Second))
	d.Sent(t0)
	deadline, _ := d.Trigger(t0)
	assert.Equal(t, t0.Add(2*time.Second), deadline)
}

func waitReady(w *Watcher, d time.Duration) bool {
	select {
	case <-w.Ready():
		return true
	case <-time.After(d):
		return false
	}
}

func appendTo(t *testing.T, p, s string) {
	t.Helper()
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestWatcherSignalsOnTargetChange(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app-out.log")
	errLog := filepath.Join(dir, "app-error.log")
	appendTo(t, out, "start\n")

	w, err := Watch([]string{out, errLog}, Config{Settle: 20 * time.Millisecond, MinInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	appendTo(t, out, "one\n")
	appendTo(t, out, "two\n")
	require.True(t, waitReady(w, 2*time.Second), "write to watched file signals")
	w.MarkSent(time.Now())

	// a file created after the watch started is still seen
	appendTo(t, errLog, "boom\n")
	require.True(t, waitReady(w, 2*time.Second), "creation of watched file signals")
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app-out.log")
	appendTo(t, out, "")

	w, err := Watch([]string{out, ""}, Config{Settle: 10 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	appendTo(t, filepath.Join(dir, "other.log"), "noise\n")
	assert.False(t, waitReady(w, 300*time.Millisecond))
}

func TestWatcherCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app-out.log")
	w, err := Watch([]string{out}, Config{Settle: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	appendTo(t, out, "late\n")
	assert.False(t, waitReady(w, 200*time.Millisecond), "no signal after close")
}

func TestWatchErrors(t *testing.T) {
	_, err := Watch(nil, Config{})
	assert.Error(t, err)
	_, err = Watch([]string{"", ""}, Config{})
	assert.Error(t, err)
	_, err = Watch([]string{filepath.Join(t.TempDir(), "missing", "dir", "a.log")}, Config{})
	assert.Error(t, err)
}
