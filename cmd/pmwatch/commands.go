package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/pmwatch/pkg/client"
)

type command struct {
	ctx context.Context
	out io.Writer
	api *client.Client
}

func newCommand(cmd *cobra.Command, f APIFlags) *command {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return &command{ctx: ctx, out: cmd.OutOrStdout(), api: newAPIClient(f, cmd.ErrOrStderr())}
}

func newAPIClient(f APIFlags, errOut io.Writer) *client.Client {
	cfg := client.DefaultConfig()
	cfg.OnStreamError = func(e *client.APIError) {
		_, _ = fmt.Fprintf(errOut, "stream: %s\n", e.Error())
	}
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	cfg.Insecure = f.Insecure
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	return client.New(cfg)
}

// Apps prints the managed process list
func (c *command) Apps() error {
	apps, err := c.api.Apps(c.ctx)
	if err != nil {
		return err
	}
	return c.printJSON(apps)
}

// App prints a process with its history, or streams it with Follow
func (c *command) App(f AppFlags) error {
	if f.Name == "" {
		return errors.New("process name is required")
	}
	if f.Follow {
		return c.api.WatchApp(c.ctx, f.Name, func(d client.Detail) error {
			return c.printLine(d)
		})
	}
	var since, until time.Time
	now := time.Now()
	if f.Since > 0 {
		since = now.Add(-f.Since)
	}
	if f.Until > 0 {
		until = now.Add(-f.Until)
	}
	if !since.IsZero() && !until.IsZero() && since.After(until) {
		return fmt.Errorf("--since %s is later than --until %s", f.Since, f.Until)
	}
	d, err := c.api.App(c.ctx, f.Name, since, until)
	if err != nil {
		return err
	}
	return c.printJSON(d)
}

// Logs prints the rendered tails, or streams them with Follow
func (c *command) Logs(f LogsFlags) error {
	if f.Name == "" {
		return errors.New("process name is required")
	}
	if f.Lines < 0 {
		return errors.New("--lines must not be negative")
	}
	if f.Follow {
		return c.api.WatchLogs(c.ctx, f.Name, func(l client.Logs) error {
			return c.printLine(l)
		})
	}
	l, err := c.api.Logs(c.ctx, f.Name, f.Lines)
	if err != nil {
		return err
	}
	return c.printJSON(l)
}

// Sweep asks the server to apply retention
func (c *command) Sweep() error {
	n, err := c.api.Sweep(c.ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "removed %d samples\n", n)
	return err
}

func (c *command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printLine writes one compact JSON document per line for streamed output.
func (c *command) printLine(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
