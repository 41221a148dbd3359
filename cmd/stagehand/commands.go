package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ovren/stagehand/internal/config"
	"github.com/ovren/stagehand/internal/env"
	"github.com/ovren/stagehand/internal/gate"
	"github.com/ovren/stagehand/internal/history"
	"github.com/ovren/stagehand/internal/history/factory"
	"github.com/ovren/stagehand/internal/logger"
	"github.com/ovren/stagehand/internal/metrics"
	"github.com/ovren/stagehand/internal/server"
	"github.com/ovren/stagehand/internal/service"
	"github.com/ovren/stagehand/internal/supervisor"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file required, use --config=stack.toml")
	}
	return config.Load(path)
}

func runUp(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, !cfg.NoColor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("failed to register metrics", "err", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := metrics.Serve(cfg.Metrics.Listen); err != nil {
					slog.Error("metrics server error", "err", err)
				}
			}()
		}
	}

	// All external dependencies must resolve ready before anything spawns.
	if err := gate.AwaitAll(ctx, cfg.Externals); err != nil {
		slog.Error("startup aborted", "err", err)
		return err
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
		}
	}

	var sink history.Sink
	if cfg.History != nil {
		s, err := factory.New(*cfg.History)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		if s != nil {
			sink = s
			defer func() { _ = s.Close() }()
		}
	}

	e := env.New()
	e.SetGlobal(cfg.GlobalEnv)

	sup, err := supervisor.New(supervisor.Options{
		Specs:       cfg.Specs,
		Env:         e,
		GracePeriod: cfg.GracePeriod,
		Sink:        sink,
	})
	if err != nil {
		return err
	}

	if cfg.Server != nil && cfg.Server.Listen != "" {
		srv := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, sup)
		defer func() { _ = srv.Close() }()
		slog.Info("status API listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath)
	}

	return sup.Run(ctx)
}

func runPlan(configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sup, err := supervisor.New(supervisor.Options{Specs: cfg.Specs})
	if err != nil {
		return err
	}
	for _, name := range sup.Plan() {
		_, _ = fmt.Fprintln(out, name)
	}
	return nil
}

func runCheck(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, !cfg.NoColor)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := gate.AwaitAll(ctx, cfg.Externals); err != nil {
		return err
	}
	slog.Info("all external dependencies ready", "count", len(cfg.Externals))
	return nil
}

func runStatus(flags StatusFlags, out io.Writer) error {
	client := &http.Client{Timeout: flags.APITimeout}
	url := flags.APIUrl + "/status"
	if flags.Name != "" {
		url += "?name=" + flags.Name
	}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("cannot reach supervisor API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supervisor API %s: %s", resp.Status, string(body))
	}
	if flags.Name != "" {
		var st service.Status
		if err := json.Unmarshal(body, &st); err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	}
	var sts []service.Status
	if err := json.Unmarshal(body, &sts); err != nil {
		return err
	}
	for _, st := range sts {
		printStatus(out, st)
	}
	return nil
}

func printStatus(out io.Writer, st service.Status) {
	_, _ = fmt.Fprintf(out, "%-20s %-10s pid=%-8d restarts=%d\n", st.Name, st.State, st.PID, st.Restarts)
}
