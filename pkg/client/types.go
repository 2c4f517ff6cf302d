package client

// App is a managed process as reported by the supervisor.
type App struct {
	ID         int      `json:"pm_id"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	CPU        *float64 `json:"cpu"`
	Memory     *float64 `json:"memory"`
	StartedAt  *int64   `json:"pm_uptime,omitempty"`
	OutLogPath string   `json:"pm_out_log_path,omitempty"`
	ErrLogPath string   `json:"pm_err_log_path,omitempty"`
	ExecPath   string   `json:"pm_exec_path,omitempty"`
	Cwd        string   `json:"pm_cwd,omitempty"`
}

// Sample is one stored observation; TS and Uptime are unix ms.
type Sample struct {
	TS     int64    `json:"ts"`
	PMID   int      `json:"pm_id"`
	Name   *string  `json:"name"`
	Status *string  `json:"status"`
	CPU    *float64 `json:"cpu"`
	Memory *float64 `json:"memory"`
	Uptime *int64   `json:"uptime"`
}

// Detail is an app with its history over the requested range.
type Detail struct {
	Snapshot App      `json:"snapshot"`
	Series   []Sample `json:"series"`
}

// Logs holds the rendered tails of both log files.
type Logs struct {
	InfoLogs  string `json:"infoLogs"`
	ErrorLogs string `json:"errorLogs"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type sweepResponse struct {
	Removed int64 `json:"removed"`
}
