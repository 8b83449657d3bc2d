// Command renderd runs the rendergrid render-job service: it loads a config
// snapshot, starts the PDF and screenshot schedulers, and serves the HTTP
// adapter until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/kestrelrender/rendergrid"
	"github.com/kestrelrender/rendergrid/internal/config"
	"github.com/kestrelrender/rendergrid/internal/httpapi"
	"github.com/kestrelrender/rendergrid/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	level := "info"
	if flags.verbose {
		level = "debug"
	}
	logger := logging.New(logging.Config{Level: level, Format: "console"}, os.Stdout)

	if flags.doctor {
		return runDoctor(logger, flags.configPath)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		logger.Error("loading config", slog.Any("error", err))
		return exitConfigError
	}

	svc, err := rendergrid.NewService(cfg, rendergrid.WithLogger(logger))
	if err != nil {
		logger.Error("starting service", slog.Any("error", err))
		return exitStartupError
	}

	router := httpapi.NewRouter(svc, logger)
	srv := &http.Server{
		Addr:    flags.listenAddr,
		Handler: router,
	}

	ctx, cancel := notifyShutdown(context.Background())
	defer cancel()

	go func() {
		logger.Info("listening", slog.String("addr", flags.listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
		svc.Close()
		return exitShutdownError
	}

	if err := svc.Close(); err != nil {
		logger.Error("service shutdown", slog.Any("error", err))
		return exitShutdownError
	}

	logger.Info("shutdown complete")
	return exitOK
}
