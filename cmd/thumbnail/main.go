// Command thumbnail renders memento thumbnails from the command line. With no
// flags it captures URIM into THUMBNAIL_OUTPUTFILE; -batch reads a YAML job
// list and renders every entry through the shared capture service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ghodss/yaml"
	"golang.org/x/sync/errgroup"

	"github.com/oduwsdl/MementoEmbed/cmd/config"
	"github.com/oduwsdl/MementoEmbed/lib/logger"
	"github.com/oduwsdl/MementoEmbed/lib/thumbcache"
	"github.com/oduwsdl/MementoEmbed/lib/thumbnail"
)

// Job is one entry of a batch file.
type Job struct {
	thumbnail.Request
	// RemoveBanner overrides THUMBNAIL_REMOVE_BANNERS when present.
	RemoveBanner *bool  `json:"remove_banner,omitempty"`
	Output       string `json:"output"`
}

// request fills every field the job leaves unset from defaults.
func (j Job) request(defaults thumbnail.Request) thumbnail.Request {
	req := j.Request
	if req.UserAgent == "" {
		req.UserAgent = defaults.UserAgent
	}
	if req.ViewportWidth == 0 {
		req.ViewportWidth = defaults.ViewportWidth
	}
	if req.ViewportHeight == 0 {
		req.ViewportHeight = defaults.ViewportHeight
	}
	req.RemoveBanner = defaults.RemoveBanner
	if j.RemoveBanner != nil {
		req.RemoveBanner = *j.RemoveBanner
	}
	return req
}

// Batch is the -batch file layout:
//
//	jobs:
//	  - urim: https://web.archive.org/web/20180812223303/https://www.cnn.com/
//	    output: cnn.png
//	    remove_banner: true
type Batch struct {
	Jobs []Job `json:"jobs"`
}

func main() {
	batchPath := flag.String("batch", "", "YAML file listing captures to run")
	envFile := flag.String("env-file", ".env", "optional file of environment variables")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load env file", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger := logger.New(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, slogger)

	if err := run(ctx, cfg, *batchPath); err != nil {
		slogger.Error("thumbnail capture failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, batchPath string) error {
	log := logger.FromContext(ctx)

	var jobs []Job
	if batchPath != "" {
		b, err := loadBatch(batchPath)
		if err != nil {
			return err
		}
		jobs = b.Jobs
	} else {
		if cfg.URIM == "" || cfg.OutputFile == "" {
			return fmt.Errorf("URIM and THUMBNAIL_OUTPUTFILE are required")
		}
		jobs = []Job{{Request: cfg.Request(), Output: cfg.OutputFile}}
	}
	if len(jobs) == 0 {
		log.Info("nothing to capture")
		return nil
	}

	if err := os.MkdirAll(cfg.WorkingFolder, 0o755); err != nil {
		return fmt.Errorf("create working folder: %w", err)
	}
	ledger, err := thumbcache.Open(cfg.CacheDB, cfg.Expiration.D())
	if err != nil {
		return err
	}
	defer ledger.Close()

	browserOpts, err := cfg.BrowserOptions()
	if err != nil {
		return err
	}
	browser, err := thumbnail.OpenBrowser(ctx, browserOpts, log)
	if err != nil {
		return err
	}
	defer browser.Close()

	svc, err := thumbnail.NewService(cfg.ServiceConfig(), browser, ledger, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	defaults := cfg.Request()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrent)
	for _, job := range jobs {
		g.Go(func() error {
			return capture(gctx, svc, job.request(defaults), job.Output)
		})
	}
	return g.Wait()
}

func capture(ctx context.Context, svc *thumbnail.Service, req thumbnail.Request, output string) error {
	res, err := svc.Capture(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", req.URIM, err)
	}
	if output != "" {
		if dir := filepath.Dir(output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if err := os.WriteFile(output, res.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", output, err)
		}
	}
	logger.FromContext(ctx).Info("thumbnail written",
		"urim", req.URIM,
		"output", output,
		"outcome", res.Outcome,
		"cached", res.Cached,
	)
	return nil
}

func loadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, j := range b.Jobs {
		if j.URIM == "" {
			return nil, fmt.Errorf("parse %s: job %d has no urim", path, i)
		}
	}
	return &b, nil
}
