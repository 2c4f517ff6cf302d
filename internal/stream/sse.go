package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
)

// Sender is the outgoing side of one stream.
type Sender interface {
	// Data sends v as one JSON message.
	Data(v any) error
	// Comment sends a comment line that clients ignore.
	Comment(text string) error
}

// Writer frames messages as server-sent events. After the first failed
// write every later message fails with the same error.
type Writer struct {
	w     *errWriter
	flush func()
}

// errWriter keeps the first write error, which sse.Encode does not return.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// NewWriter sets the event-stream headers on w. Headers are not written
// until the first message.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw := &Writer{w: &errWriter{w: w}, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		sw.flush = f.Flush
	}
	return sw
}

func (w *Writer) Data(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := sse.Encode(w.w, sse.Event{Data: bytes.TrimSuffix(buf.Bytes(), []byte("\n"))}); err != nil {
		return err
	}
	if w.w.err != nil {
		return fmt.Errorf("write event: %w", w.w.err)
	}
	w.flush()
	return nil
}

func (w *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return err
	}
	w.flush()
	return nil
}
