// Package thumbnail renders memento thumbnails: it loads a URI-M in a
// headless browser, waits for the network to go idle and stores a PNG
// screenshot in a working folder.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nrednav/cuid2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/oduwsdl/MementoEmbed/lib/logger"
	"github.com/oduwsdl/MementoEmbed/lib/netidle"
	"github.com/oduwsdl/MementoEmbed/lib/thumbcache"
)

const MaxTimeout = 300 * time.Second

// maxScreenshotReserve is the most of the capture timeout held back from the
// idle wait for the screenshot and the file write.
const maxScreenshotReserve = 10 * time.Second

var (
	ErrDisabled        = errors.New("the thumbnail service has been disabled by the system administrator")
	ErrFolderNotFound  = errors.New("thumbnail folder not found")
	ErrTimeout         = errors.New("thumbnail generation timed out")
	ErrInvalidViewport = errors.New("invalid viewport")
	ErrInvalidURIM     = errors.New("invalid URI-M")
)

// Ledger records which captures exist on disk.
type Ledger interface {
	Get(ctx context.Context, key string) (thumbcache.Entry, bool, error)
	Put(ctx context.Context, e thumbcache.Entry) error
	Expired(ctx context.Context, now time.Time) ([]thumbcache.Entry, error)
	Prune(ctx context.Context, now time.Time) (int64, error)
}

type Config struct {
	Enabled       bool
	WorkingFolder string
	// UserAgent is used when a request does not carry its own.
	UserAgent         string
	NavigationTimeout time.Duration
	// Timeout bounds a whole capture, from queueing to the file write.
	Timeout       time.Duration
	MaxConcurrent int
	Idle          netidle.Options
}

func (c Config) Validate() error {
	if c.WorkingFolder == "" {
		return fmt.Errorf("working folder is required")
	}
	if c.Timeout <= 0 || c.Timeout > MaxTimeout {
		return fmt.Errorf("timeout must be in (0, %s], got %s", MaxTimeout, c.Timeout)
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation timeout must be positive")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent captures must be at least 1")
	}
	return c.Idle.Validate()
}

// Result is a rendered thumbnail.
type Result struct {
	Key     string
	Path    string
	URIM    string
	Data    []byte
	Outcome string
	Cached  bool
	Stats   netidle.Stats
}

type Service struct {
	cfg     Config
	browser Browser
	ledger  Ledger
	logger  *slog.Logger

	sem    *semaphore.Weighted
	flight singleflight.Group

	base   context.Context
	cancel context.CancelFunc
}

// NewService builds a capture service. ledger may be nil, in which case a
// file already present in the working folder counts as a cache hit.
func NewService(cfg Config, browser Browser, ledger Ledger, log *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if browser == nil {
		return nil, errors.New("browser is required")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Idle.Logger == nil {
		cfg.Idle.Logger = log
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		browser: browser,
		ledger:  ledger,
		logger:  log,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		base:    base,
		cancel:  cancel,
	}, nil
}

// Capture returns the thumbnail for req, rendering it unless a fresh copy is
// cached. Concurrent requests for the same output share one render; a caller
// that gives up does not cancel the render for the others.
func (s *Service) Capture(ctx context.Context, req Request) (*Result, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	req = req.WithDefaults()
	if req.UserAgent == "" {
		req.UserAgent = s.cfg.UserAgent
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if fi, err := os.Stat(s.cfg.WorkingFolder); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, s.cfg.WorkingFolder)
	}

	key := CacheKey(req)
	if res, ok := s.cached(ctx, key); ok {
		return res, nil
	}

	ch := s.flight.DoChan(key, func() (any, error) {
		return s.render(req, key)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) path(key string) string {
	return filepath.Join(s.cfg.WorkingFolder, key+".png")
}

func (s *Service) cached(ctx context.Context, key string) (*Result, bool) {
	log := logger.FromContext(ctx)
	path := s.path(key)
	res := &Result{Key: key, Path: path, Cached: true}

	if s.ledger != nil {
		e, ok, err := s.ledger.Get(ctx, key)
		if err != nil {
			log.Warn("[thumbnail] cache lookup failed", "key", key, "err", err)
			return nil, false
		}
		if !ok {
			return nil, false
		}
		res.Path, res.URIM, res.Outcome = e.Path, e.URIM, e.Outcome
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("[thumbnail] cached file unreadable", "path", res.Path, "err", err)
		}
		return nil, false
	}
	res.Data = data
	log.Debug("[thumbnail] cache hit", "key", key, "path", res.Path)
	return res, true
}

func (s *Service) render(req Request, key string) (*Result, error) {
	target := ThumbnailURIM(req.URIM, req.RemoveBanner)

	ctx, cancel := context.WithTimeout(logger.AddToContext(s.base, s.logger), s.cfg.Timeout)
	defer cancel()
	ctx = logger.With(ctx, "capture_id", uuid.New().String(), "urim", target)
	log := logger.FromContext(ctx)

	res, err := s.renderLocked(ctx, req, key, target)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Error("[thumbnail] capture timed out", "timeout", s.cfg.Timeout, "err", err)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, s.cfg.Timeout)
		}
		log.Error("[thumbnail] capture failed", "err", err)
		return nil, err
	}
	return res, nil
}

func (s *Service) renderLocked(ctx context.Context, req Request, key, target string) (*Result, error) {
	log := logger.FromContext(ctx)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	start := time.Now()
	log.Info("[thumbnail] capture started", "width", req.ViewportWidth, "height", req.ViewportHeight)

	page, err := s.browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := page.Close(closeCtx); err != nil {
			log.Warn("[thumbnail] failed to close page", "err", err)
		}
	}()

	if err := page.SetUserAgent(ctx, req.UserAgent); err != nil {
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := page.SetViewport(ctx, req.ViewportWidth, req.ViewportHeight); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if err := page.Navigate(ctx, target, s.cfg.NavigationTimeout); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}

	run, err := netidle.Detect(ctx, page.Requests(), s.idleOptions(ctx))
	if err != nil {
		return nil, err
	}
	<-run.Done()
	outcome := run.Outcome()
	if outcome == netidle.OutcomeCanceled {
		return nil, fmt.Errorf("wait for network idle: %w", ctx.Err())
	}

	data, err := page.CaptureScreenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	path := s.path(key)
	if err := writeFileAtomic(path, data); err != nil {
		return nil, err
	}

	if s.ledger != nil {
		err := s.ledger.Put(ctx, thumbcache.Entry{
			Key:       key,
			URIM:      target,
			Path:      path,
			Outcome:   outcome.String(),
			Size:      int64(len(data)),
			CreatedAt: time.Now(),
		})
		if err != nil {
			log.Warn("[thumbnail] failed to record capture", "key", key, "err", err)
		}
	}

	stats := run.Stats()
	log.Info("[thumbnail] capture finished",
		"outcome", outcome.String(),
		"bytes", len(data),
		"requests", stats.Started,
		"elapsed", time.Since(start),
	)
	return &Result{
		Key:     key,
		Path:    path,
		URIM:    target,
		Data:    data,
		Outcome: outcome.String(),
		Stats:   stats,
	}, nil
}

// idleOptions shortens the hard deadline so that it fires while the capture
// timeout still leaves room for the screenshot. A busy page then ends with a
// deadline outcome and a best-effort capture instead of ErrTimeout.
func (s *Service) idleOptions(ctx context.Context) netidle.Options {
	opts := s.cfg.Idle
	deadline, ok := ctx.Deadline()
	if !ok {
		return opts
	}
	reserve := min(s.cfg.Timeout/10, maxScreenshotReserve)
	budget := time.Until(deadline) - reserve
	if budget < opts.HardDeadline {
		opts.HardDeadline = max(budget, time.Millisecond)
		logger.FromContext(ctx).Debug("[thumbnail] idle deadline capped by capture timeout", "hard_deadline", opts.HardDeadline)
	}
	return opts
}

// Prune removes captures whose ledger entries expired at now and returns how
// many entries went.
func (s *Service) Prune(ctx context.Context, now time.Time) (int64, error) {
	if s.ledger == nil {
		return 0, nil
	}
	expired, err := s.ledger.Expired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("[thumbnail] failed to remove expired capture", "path", e.Path, "err", err)
		}
	}
	return s.ledger.Prune(ctx, now)
}

// Close aborts in-flight captures.
func (s *Service) Close() {
	s.cancel()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+cuid2.Generate()+".png")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write thumbnail: %w", err)
	}
	return nil
}
