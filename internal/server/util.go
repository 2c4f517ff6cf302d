package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pmwatch/internal/stream"
	"github.com/loykin/pmwatch/internal/supervisor"
)

// maxLines caps the tail length a client may request.
const maxLines = 10000

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// parseMillis reads an optional unix-millisecond query parameter. Absent
// or empty values yield the zero time.
func parseMillis(c *gin.Context, key string) (time.Time, error) {
	s := strings.TrimSpace(c.Query(key))
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("%s must be unix milliseconds", key)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// parseLines reads the optional lines parameter; 0 means the default.
func parseLines(c *gin.Context) (int, error) {
	s := strings.TrimSpace(c.Query("lines"))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("lines must be a positive integer")
	}
	if n > maxLines {
		n = maxLines
	}
	return n, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	enc := json.NewEncoder(c.Writer)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

type errorResp struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError maps err onto a status and error code.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: stream.CodeAppNotFound})
	case errors.Is(err, stream.ErrNoLogPaths):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: stream.CodeNoLogPaths})
	case errors.Is(err, supervisor.ErrUnavailable):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: stream.CodeSupervisorUnavailable, Details: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: stream.CodeInternal, Details: err.Error()})
	}
}

func badRequest(c *gin.Context, err error) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: stream.CodeBadRequest, Details: err.Error()})
}
