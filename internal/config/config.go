// Package config loads the rendergrid configuration snapshot: a YAML file
// on disk, overlaid with RENDERGRID_* environment variables. It is a thin
// adapter around rendergrid.Config — the core package owns validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelrender/rendergrid"
	"github.com/kestrelrender/rendergrid/internal/yamlutil"
)

// snapshot is the on-disk/YAML shape of rendergrid.Config: §6's config
// snapshot fields (browser.*, pdf.*, queue.*, storage.*) plus
// storage.snapshotPath.
type snapshot struct {
	Browser struct {
		MaxConcurrent   int    `yaml:"maxConcurrent"`
		DefaultTimeout  int    `yaml:"defaultTimeout"`
		DefaultViewport struct {
			Width  int `yaml:"width"`
			Height int `yaml:"height"`
		} `yaml:"defaultViewport"`
		LaunchOptions struct {
			Headless bool     `yaml:"headless"`
			Args     []string `yaml:"args"`
		} `yaml:"launchOptions"`
	} `yaml:"browser"`
	PDF struct {
		DefaultFormat string `yaml:"defaultFormat"`
		DefaultMargin struct {
			Top    string `yaml:"top"`
			Right  string `yaml:"right"`
			Bottom string `yaml:"bottom"`
			Left   string `yaml:"left"`
		} `yaml:"defaultMargin"`
		PrintBackground bool `yaml:"printBackground"`
	} `yaml:"pdf"`
	Queue struct {
		MaxSize           int `yaml:"maxSize"`
		ProcessingTimeout int `yaml:"processingTimeout"`
		RetryAttempts     int `yaml:"retryAttempts"`
		RetryDelay        int `yaml:"retryDelay"`
	} `yaml:"queue"`
	Storage struct {
		OutputDir         string `yaml:"outputDir"`
		SnapshotPath      string `yaml:"snapshotPath"`
		CleanupAfterHours int    `yaml:"cleanupAfterHours"`
	} `yaml:"storage"`
}

func defaultSnapshot() snapshot {
	d := rendergrid.DefaultConfig()
	var s snapshot
	s.Browser.MaxConcurrent = d.Browser.MaxConcurrent
	s.Browser.DefaultTimeout = d.Browser.DefaultTimeoutMS
	s.Browser.DefaultViewport.Width = d.Browser.ViewportWidth
	s.Browser.DefaultViewport.Height = d.Browser.ViewportHeight
	s.Browser.LaunchOptions.Headless = d.Browser.LaunchOptions.Headless
	s.Browser.LaunchOptions.Args = d.Browser.LaunchOptions.Args
	s.PDF.DefaultFormat = d.PDF.DefaultFormat
	s.PDF.PrintBackground = d.PDF.PrintBackground
	s.Queue.MaxSize = d.Queue.MaxSize
	s.Queue.ProcessingTimeout = int(d.Queue.ProcessingTimeout.Milliseconds())
	s.Queue.RetryAttempts = d.Queue.RetryAttempts
	s.Queue.RetryDelay = int(d.Queue.RetryDelay.Milliseconds())
	s.Storage.OutputDir = d.Storage.OutputDir
	s.Storage.SnapshotPath = d.Storage.SnapshotPath
	s.Storage.CleanupAfterHours = d.Storage.CleanupAfterHours
	return s
}

// Load reads path (if non-empty) and overlays it onto the neutral default,
// then overlays RENDERGRID_* environment variables, and finally hands the
// result to rendergrid.Config.Validate.
func Load(path string) (rendergrid.Config, error) {
	s := defaultSnapshot()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			if os.IsNotExist(err) {
				return rendergrid.Config{}, fmt.Errorf("config file not found: %s", path)
			}
			return rendergrid.Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yamlutil.UnmarshalStrict(data, &s); err != nil {
			return rendergrid.Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := overrideWithEnv(&s); err != nil {
		return rendergrid.Config{}, err
	}

	cfg := toRendergridConfig(s)
	if err := cfg.Validate(); err != nil {
		return rendergrid.Config{}, err
	}
	return cfg, nil
}

func toRendergridConfig(s snapshot) rendergrid.Config {
	return rendergrid.Config{
		Browser: rendergrid.BrowserConfig{
			MaxConcurrent:    s.Browser.MaxConcurrent,
			DefaultTimeoutMS: s.Browser.DefaultTimeout,
			ViewportWidth:    s.Browser.DefaultViewport.Width,
			ViewportHeight:   s.Browser.DefaultViewport.Height,
			LaunchOptions: rendergrid.LaunchOptions{
				Headless: s.Browser.LaunchOptions.Headless,
				Args:     s.Browser.LaunchOptions.Args,
			},
		},
		PDF: rendergrid.PDFDefaults{
			DefaultFormat: s.PDF.DefaultFormat,
			DefaultMargin: rendergrid.PDFMargin{
				Top: s.PDF.DefaultMargin.Top, Right: s.PDF.DefaultMargin.Right,
				Bottom: s.PDF.DefaultMargin.Bottom, Left: s.PDF.DefaultMargin.Left,
			},
			PrintBackground: s.PDF.PrintBackground,
		},
		Queue: rendergrid.QueueConfig{
			MaxSize:           s.Queue.MaxSize,
			ProcessingTimeout: msToDuration(s.Queue.ProcessingTimeout),
			RetryAttempts:     s.Queue.RetryAttempts,
			RetryDelay:        msToDuration(s.Queue.RetryDelay),
		},
		Storage: rendergrid.StorageConfig{
			OutputDir:         s.Storage.OutputDir,
			SnapshotPath:      s.Storage.SnapshotPath,
			CleanupAfterHours: s.Storage.CleanupAfterHours,
		},
	}
}

// overrideWithEnv applies RENDERGRID_* environment overrides on top of the
// file-or-default snapshot, adapted from the env-override table idiom: each
// entry names its variable and how to parse/apply it, so a malformed value
// reports which variable was at fault.
func overrideWithEnv(s *snapshot) error {
	overrides := []struct {
		env   string
		apply func(string) error
	}{
		{"RENDERGRID_BROWSER_MAX_CONCURRENT", intSetter(&s.Browser.MaxConcurrent)},
		{"RENDERGRID_BROWSER_DEFAULT_TIMEOUT", intSetter(&s.Browser.DefaultTimeout)},
		{"RENDERGRID_BROWSER_HEADLESS", boolSetter(&s.Browser.LaunchOptions.Headless)},
		{"RENDERGRID_PDF_DEFAULT_FORMAT", stringSetter(&s.PDF.DefaultFormat)},
		{"RENDERGRID_PDF_PRINT_BACKGROUND", boolSetter(&s.PDF.PrintBackground)},
		{"RENDERGRID_QUEUE_MAX_SIZE", intSetter(&s.Queue.MaxSize)},
		{"RENDERGRID_QUEUE_PROCESSING_TIMEOUT", intSetter(&s.Queue.ProcessingTimeout)},
		{"RENDERGRID_QUEUE_RETRY_ATTEMPTS", intSetter(&s.Queue.RetryAttempts)},
		{"RENDERGRID_QUEUE_RETRY_DELAY", intSetter(&s.Queue.RetryDelay)},
		{"RENDERGRID_STORAGE_OUTPUT_DIR", stringSetter(&s.Storage.OutputDir)},
		{"RENDERGRID_STORAGE_SNAPSHOT_PATH", stringSetter(&s.Storage.SnapshotPath)},
		{"RENDERGRID_STORAGE_CLEANUP_AFTER_HOURS", intSetter(&s.Storage.CleanupAfterHours)},
	}

	for _, o := range overrides {
		if val, ok := os.LookupEnv(o.env); ok {
			if err := o.apply(val); err != nil {
				return fmt.Errorf("invalid %s: %w", o.env, err)
			}
		}
	}
	return nil
}

func intSetter(dst *int) func(string) error {
	return func(val string) error {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	}
}

func boolSetter(dst *bool) func(string) error {
	return func(val string) error {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	}
}

func stringSetter(dst *string) func(string) error {
	return func(val string) error {
		*dst = strings.TrimSpace(val)
		return nil
	}
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
