package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with a pmwatch server
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger

	onStreamError func(*APIError)
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification

	// OnStreamError receives error messages that do not end a watch, such
	// as internal_error while the supervisor restarts. Defaults to a
	// warning on Logger.
	OnStreamError func(*APIError)
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const defaultBaseURL = "http://127.0.0.1:8090/api"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// InsecureConfig returns insecure client configuration (skip TLS verification)
func InsecureConfig() Config {
	return Config{
		BaseURL:  "https://127.0.0.1:8090/api",
		Timeout:  10 * time.Second,
		Insecure: true,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("API error %d: %s: %s", e.Status, e.Code, e.Details)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Code)
}

// IsNotFound reports whether err is an app_not_found response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "app_not_found"
}

// endsStream reports whether a stream error message is the last message
// the server sends on that stream.
func endsStream(code string) bool {
	return code == "app_not_found" || code == "no_log_paths"
}

// New creates a new pmwatch API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	onStreamError := config.OnStreamError
	if onStreamError == nil {
		logger := config.Logger
		onStreamError = func(e *APIError) {
			logger.Warn("stream reported an error", "error", e.Code, "details", e.Details)
		}
	}

	return &Client{
		baseURL:       strings.TrimRight(config.BaseURL, "/"),
		logger:        config.Logger,
		onStreamError: onStreamError,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		// streams end when ctx does
		stream: &http.Client{Transport: transport},
	}
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.getJSON(ctx, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	return true
}

// Apps lists managed processes.
func (c *Client) Apps(ctx context.Context) ([]App, error) {
	var apps []App
	if err := c.getJSON(ctx, "/apps", nil, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// App returns a process and its samples in [since, until]. Zero times use
// the server defaults.
func (c *Client) App(ctx context.Context, name string, since, until time.Time) (Detail, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if !until.IsZero() {
		q.Set("until", strconv.FormatInt(until.UnixMilli(), 10))
	}
	var d Detail
	err := c.getJSON(ctx, "/apps/"+url.PathEscape(name), q, &d)
	return d, err
}

// Logs returns the last lines of both log files; lines <= 0 uses the
// server default.
func (c *Client) Logs(ctx context.Context, name string, lines int) (Logs, error) {
	q := url.Values{}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	var l Logs
	err := c.getJSON(ctx, "/apps/"+url.PathEscape(name)+"/logs", q, &l)
	return l, err
}

// Sweep runs retention on the server and returns the number of samples removed.
func (c *Client) Sweep(ctx context.Context) (int64, error) {
	var out sweepResponse
	if err := c.doJSON(ctx, http.MethodPost, "/history/sweep", nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// WatchApp calls fn with each metrics message until ctx is done, fn returns
// an error, or the server ends the stream. app_not_found and no_log_paths
// end the watch as *APIError; other error messages go to OnStreamError and
// the watch continues.
func (c *Client) WatchApp(ctx context.Context, name string, fn func(Detail) error) error {
	return c.watch(ctx, "/apps/"+url.PathEscape(name)+"/stream", func(data []byte) error {
		var d Detail
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		return fn(d)
	})
}

// WatchLogs is WatchApp for the log stream.
func (c *Client) WatchLogs(ctx context.Context, name string, fn func(Logs) error) error {
	return c.watch(ctx, "/apps/"+url.PathEscape(name)+"/logs/stream", func(data []byte) error {
		var l Logs
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		return fn(l)
	})
}

func (c *Client) watch(ctx context.Context, path string, fn func([]byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	r := bufio.NewReader(resp.Body)
	var data bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			return err
		}
		line = bytes.TrimRight(line, "\r\n")
		switch {
		case len(line) == 0:
			if data.Len() == 0 {
				continue
			}
			msg := append([]byte(nil), data.Bytes()...)
			data.Reset()
			if apiErr := streamError(msg); apiErr != nil {
				if endsStream(apiErr.Code) {
					return apiErr
				}
				c.onStreamError(apiErr)
				continue
			}
			if err := fn(msg); err != nil {
				return err
			}
		case line[0] == ':':
			// comment
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
}

func streamError(msg []byte) *APIError {
	if !bytes.HasPrefix(msg, []byte(`{"error"`)) {
		return nil
	}
	var e ErrorResponse
	if err := json.Unmarshal(msg, &e); err != nil || e.Error == "" {
		return nil
	}
	return &APIError{Status: http.StatusOK, Code: e.Error, Details: e.Details}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// doJSON performs a request and decodes a 200 body into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns an error response into *APIError.
func (c *Client) decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	} else {
		apiErr.Code, apiErr.Details = body.Error, body.Details
	}
	c.logger.Debug("API request failed", "error", apiErr.Code, "status", resp.StatusCode)
	return apiErr
}
