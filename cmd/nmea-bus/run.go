package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"nmea-bus/internal/config"
	"nmea-bus/internal/transport"
)

func runBus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := setupLogging(cfg.Log, debug); err != nil {
		return err
	}
	resolved := configPath
	if abs, err := filepath.Abs(configPath); err == nil {
		resolved = abs
	}

	rt, err := newBusRuntime(cfg, resolved)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("nmea-bus starting config=%s", resolved)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	if cfg.Web.Enable {
		log.Infof("web ui on %s", cfg.Web.Listen)
	}

	<-ctx.Done()
	log.Infof("nmea-bus stopping")
	return rt.Stop()
}

func runPorts(cmd *cobra.Command, _ []string) error {
	ports, err := transport.Ports()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}
