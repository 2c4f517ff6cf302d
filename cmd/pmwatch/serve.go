package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/pmwatch"
	"github.com/loykin/pmwatch/internal/config"
	"github.com/loykin/pmwatch/internal/logger"
	"github.com/loykin/pmwatch/internal/server"
	itls "github.com/loykin/pmwatch/internal/tls"
)

const shutdownTimeout = 10 * time.Second

// runServe loads the config, starts the monitor and serves until ctx is
// cancelled or SIGINT/SIGTERM arrives. ready, when set, receives the bound
// API address.
func runServe(ctx context.Context, configPath string, console io.Writer, ready func(addr string)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, logCloser, err := logger.New(console, cfg.Logger())
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	mon, err := pmwatch.New(*cfg, pmwatch.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := mon.Close(); err != nil {
			log.Warn("monitor close", "error", err)
		}
	}()

	tlsCfg, err := itls.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("setup TLS: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	api := server.NewServer(cfg.Server.Listen, mon.Handler(), tlsCfg)

	var metricsSrv *http.Server
	var metricsLn net.Listener
	if cfg.Metrics.Enabled {
		if err := pmwatch.RegisterMetricsDefault(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("register metrics: %w", err)
		}
		if metricsLn, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen %s: %w", cfg.Metrics.Listen, err)
		}
		metricsSrv = server.NewMetricsServer(cfg.Metrics.Listen)
	}

	if err := mon.Start(ctx); err != nil {
		_ = ln.Close()
		if metricsLn != nil {
			_ = metricsLn.Close()
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		protocol := "HTTP"
		var err error
		if tlsCfg != nil {
			protocol = "HTTPS"
		}
		log.Info("starting pmwatch server", "protocol", protocol, "addr", ln.Addr().String(), "base_path", cfg.Server.BasePath)
		if tlsCfg != nil {
			err = api.ServeTLS(ln, "", "")
		} else {
			err = api.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if metricsSrv != nil {
		g.Go(func() error {
			log.Info("serving metrics", "addr", metricsLn.Addr().String())
			if err := metricsSrv.Serve(metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		mon.EndStreams()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := api.Shutdown(sctx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(sctx))
		}
		return err
	})

	if ready != nil {
		ready(ln.Addr().String())
	}
	return g.Wait()
}
