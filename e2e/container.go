package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// HeadlessShellImage is a minimal headless Chromium that serves DevTools on 9222.
	HeadlessShellImage = "chromedp/headless-shell:latest"

	devtoolsPort = nat.Port("9222/tcp")
)

// BrowserContainer runs a headless browser in Docker for end to end captures.
type BrowserContainer struct {
	Name    string
	Image   string
	CDPPort int // dynamically allocated host port -> container 9222
	ctr     testcontainers.Container
}

// NewBrowserContainer creates a container placeholder; Start launches it.
func NewBrowserContainer(tb testing.TB, image string) *BrowserContainer {
	tb.Helper()
	if image == "" {
		image = HeadlessShellImage
	}
	return &BrowserContainer{Image: image}
}

// Start runs the container and waits until /json/version answers.
func (c *BrowserContainer) Start(ctx context.Context) error {
	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts(string(devtoolsPort)),
		testcontainers.WithTmpfs(map[string]string{"/dev/shm": "size=512m,mode=1777"}),
		// pages served by the test process are reached through the host gateway
		testcontainers.WithHostConfigModifier(func(hc *container.HostConfig) {
			hc.ExtraHosts = append(hc.ExtraHosts, "host.docker.internal:host-gateway")
		}),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/json/version").
				WithPort(devtoolsPort).
				WithStartupTimeout(2 * time.Minute),
		),
	}

	ctr, err := testcontainers.Run(ctx, c.Image, opts...)
	if err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	c.ctr = ctr

	if inspect, err := ctr.Inspect(ctx); err == nil {
		c.Name = inspect.Name
	}

	port, err := ctr.MappedPort(ctx, devtoolsPort)
	if err != nil {
		return fmt.Errorf("failed to get CDP port: %w", err)
	}
	c.CDPPort = port.Int()
	return nil
}

// Stop stops and removes the container.
func (c *BrowserContainer) Stop() error {
	if c.ctr == nil {
		return nil
	}
	return testcontainers.TerminateContainer(c.ctr)
}

// DevToolsEndpoint is the HTTP base the capture service discovers the browser from.
func (c *BrowserContainer) DevToolsEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.CDPPort)
}
