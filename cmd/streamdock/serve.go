package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/streamdock/streamdock/internal/logging"
	"github.com/streamdock/streamdock/internal/server/config"
	"github.com/streamdock/streamdock/server"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default: <data-dir>/config.yaml)")
	addr := fs.String("addr", "", "listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if cfg.LogLevel != "" {
		lvl, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		logging.SetLevel(lvl)
	}

	logging.PrintBanner("serve", version, cfg.Addr)
	logging.PrintAccessURL(cfg.Addr)

	s, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return s.Serve(ctx)
}

// loadConfig resolves the config file path and loads the layered
// configuration. With no explicit path, <data-dir>/config.yaml is
// consulted; a missing file just means defaults plus environment.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		// The data dir isn't known before loading, so probe with the
		// default location first.
		base, err := config.Load("")
		if err != nil {
			return nil, err
		}
		path = filepath.Join(base.DataDir, "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	slog.Debug("config loaded", "path", path, "addr", cfg.Addr, "data_dir", cfg.DataDir)
	return cfg, nil
}
