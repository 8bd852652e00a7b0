//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func setupSignalHandlers(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGHUP:
					// Config changes are picked up by the config watcher;
					// SIGHUP just notes that a reload was requested.
					logger.Info("reload signal received; config watcher will pick up changes")
				default:
					logger.Info("shutdown signal received", "signal", sig)
					cancel()
					return
				}
			}
		}
	}()
}
