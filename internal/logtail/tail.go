// Package logtail reads the end of process log files and reports when they
// change, coalescing bursts of writes into paced notifications.
package logtail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// DefaultLines is the number of trailing lines served when a caller does not
// ask for a specific amount.
const DefaultLines = 300

const chunkSize = 32 << 10

// Tail returns at most n trailing lines of the file at path, without the
// final newline. An empty path or a missing file yields "".
func Tail(path string, n int) (string, error) {
	if path == "" || n <= 0 {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat log %s: %w", path, err)
	}
	pos := info.Size()
	if pos == 0 {
		return "", nil
	}

	var buf []byte
	chunk := make([]byte, chunkSize)
	for pos > 0 && bytes.Count(bytes.TrimSuffix(buf, []byte("\n")), []byte("\n")) < n {
		sz := int64(chunkSize)
		if pos < sz {
			sz = pos
		}
		pos -= sz
		if _, err := f.ReadAt(chunk[:sz], pos); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read log %s: %w", path, err)
		}
		buf = append(append(make([]byte, 0, int(sz)+len(buf)), chunk[:sz]...), buf...)
	}
	return lastLines(buf, n), nil
}

func lastLines(buf []byte, n int) string {
	b := bytes.TrimSuffix(buf, []byte("\n"))
	i := len(b)
	for c := 0; c < n; c++ {
		j := bytes.LastIndexByte(b[:i], '\n')
		if j < 0 {
			return string(b)
		}
		i = j
	}
	return string(b[i+1:])
}
