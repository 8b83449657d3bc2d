package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kestrelrender/rendergrid/internal/config"
	"github.com/kestrelrender/rendergrid/internal/fileutil"
)

// candidateBrowserBinaries are checked, in order, when CHROMEDP_BROWSER_BIN
// is not set. launchAllocator only honours CHROMEDP_BROWSER_BIN and
// otherwise leaves the lookup to chromedp's exec allocator, which does not
// use this list.
var candidateBrowserBinaries = []string{
	"google-chrome", "google-chrome-stable", "chromium", "chromium-browser",
}

// runDoctor probes configuration validity, output-dir writability, and
// browser availability before the service is asked to serve traffic.
func runDoctor(logger *slog.Logger, configPath string) int {
	logger.Info("running startup diagnostics")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config check failed", slog.Any("error", err))
		return exitDoctorFailed
	}
	logger.Info("config ok", slog.Int("browser.maxConcurrent", cfg.Browser.MaxConcurrent))

	if ok, err := probeOutputDir(cfg.Storage.OutputDir); !ok {
		logger.Error("output dir check failed", slog.Any("error", err))
		return exitDoctorFailed
	}
	logger.Info("output dir writable", slog.String("dir", cfg.Storage.OutputDir))

	if bin, ok := probeBrowserBinary(); ok {
		logger.Info("browser binary found", slog.String("bin", bin))
	} else {
		logger.Warn("no local browser binary found; set CHROMEDP_BROWSER_BIN or install Chrome/Chromium before serving traffic")
	}

	logger.Info("all checks passed")
	return exitOK
}

// probeOutputDir creates cfg.Storage.OutputDir if missing and confirms a
// file can be written and removed inside it.
func probeOutputDir(dir string) (bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating output dir: %w", err)
	}

	probe := filepath.Join(dir, ".rendergrid-doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false, fmt.Errorf("writing probe file: %w", err)
	}
	defer os.Remove(probe)

	if !fileutil.FileExists(probe) {
		return false, fmt.Errorf("probe file did not persist in %s", dir)
	}
	return true, nil
}

// probeBrowserBinary reports the first resolvable candidate, honoring
// CHROMEDP_BROWSER_BIN the same way launchAllocator does.
func probeBrowserBinary() (string, bool) {
	if bin := os.Getenv("CHROMEDP_BROWSER_BIN"); bin != "" {
		if fileutil.FileExists(bin) {
			return bin, true
		}
		return "", false
	}
	for _, name := range candidateBrowserBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}
