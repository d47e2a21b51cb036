package chromium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oduwsdl/MementoEmbed/lib/chromiumflags"
)

var devtoolsListeningRegexp = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// ErrExited is returned by Launch when the browser quits before announcing
// its DevTools endpoint.
var ErrExited = errors.New("chromium exited before devtools was ready")

// LaunchOptions configures a locally started browser.
type LaunchOptions struct {
	// Path is the Chromium binary. Bare names are looked up in PATH.
	Path string
	// Flags are appended after the capture defaults and override them per switch.
	Flags []string
	// UserDataDir is used as the profile directory. A temporary one is created
	// and removed on Close when empty.
	UserDataDir string
	// StartTimeout bounds how long Launch waits for the DevTools line.
	StartTimeout time.Duration
}

// Process is a running browser started by Launch.
type Process struct {
	cmd         *exec.Cmd
	wsURL       string
	userDataDir string
	removeDir   bool
	logger      *slog.Logger

	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
}

// Args builds the command line for a capture browser. The debugging port and
// profile directory are always set by the launcher.
func Args(flags []string, userDataDir string) []string {
	user := chromiumflags.Without(flags, "--remote-debugging-port", "--remote-debugging-pipe", "--user-data-dir")
	return chromiumflags.Merge(
		chromiumflags.CaptureDefaults(),
		user,
		[]string{
			"--remote-debugging-port=0",
			"--user-data-dir=" + userDataDir,
			"about:blank",
		},
	)
}

// Launch starts Chromium and blocks until it prints its DevTools websocket URL.
func Launch(ctx context.Context, opts LaunchOptions, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	bin := opts.Path
	if bin == "" {
		bin = "chromium"
	}
	if !strings.ContainsRune(bin, os.PathSeparator) {
		p, err := exec.LookPath(bin)
		if err != nil {
			return nil, fmt.Errorf("chromium binary not found: %w", err)
		}
		bin = p
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &Process{logger: logger, userDataDir: opts.UserDataDir, exited: make(chan struct{})}
	if p.userDataDir == "" {
		dir, err := os.MkdirTemp("", "thumbnail-chromium-")
		if err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		p.userDataDir = dir
		p.removeDir = true
	}

	args := Args(opts.Flags, p.userDataDir)
	p.cmd = exec.Command(bin, args...)
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		p.cleanupDir()
		return nil, err
	}
	logger.Info("[chromium] starting", "path", bin, "args", strings.Join(args, " "))
	if err := p.cmd.Start(); err != nil {
		p.cleanupDir()
		return nil, fmt.Errorf("start chromium: %w", err)
	}

	found := make(chan string, 1)
	go p.scan(stderr, found)
	go func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case url := <-found:
		p.wsURL = url
		logger.Info("[chromium] devtools ready", "url", url, "pid", p.cmd.Process.Pid)
		return p, nil
	case <-p.exited:
		p.cleanupDir()
		if p.waitErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrExited, p.waitErr)
		}
		return nil, ErrExited
	case <-timer.C:
		_ = p.Close()
		return nil, fmt.Errorf("devtools endpoint not announced within %s", timeout)
	case <-ctx.Done():
		_ = p.Close()
		return nil, ctx.Err()
	}
}

// scan forwards browser stderr to the logger and reports the first DevTools
// URL. It keeps draining so the browser never blocks on a full pipe.
func (p *Process) scan(r io.Reader, found chan<- string) {
	scanner := bufio.NewScanner(r)
	reported := false
	for scanner.Scan() {
		line := scanner.Text()
		if !reported {
			if url, ok := ParseDevToolsURL(line); ok {
				found <- url
				reported = true
				continue
			}
		}
		p.logger.Debug("[chromium] " + line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug("[chromium] stderr scanner error", "err", err)
	}
}

// ParseDevToolsURL extracts the websocket URL from a "DevTools listening on" line.
func ParseDevToolsURL(line string) (string, bool) {
	if m := devtoolsListeningRegexp.FindStringSubmatch(line); len(m) == 2 {
		return m[1], true
	}
	return "", false
}

// WebSocketURL is the browser-level DevTools endpoint.
func (p *Process) WebSocketURL() string { return p.wsURL }

// Exited is closed once the browser process has terminated.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Close kills the browser, waits for it and removes a temporary profile.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.exited:
		case <-time.After(10 * time.Second):
			p.logger.Warn("[chromium] process did not exit after kill")
		}
		p.cleanupDir()
	})
	return nil
}

func (p *Process) cleanupDir() {
	if p.removeDir && p.userDataDir != "" {
		if err := os.RemoveAll(p.userDataDir); err != nil {
			p.logger.Warn("[chromium] failed to remove profile dir", "dir", p.userDataDir, "err", err)
		}
	}
}
