package main

import "time"

const defaultAPITimeout = 10 * time.Second

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags holds the remote server connection
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

// AppFlags holds flags for the app command
type AppFlags struct {
	Name   string
	Since  time.Duration
	Until  time.Duration
	Follow bool
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	Name   string
	Lines  int
	Follow bool
}

// PruneFlags holds flags for the prune command
type PruneFlags struct {
	OlderThan time.Duration
}
