package config

import (
	"github.com/oduwsdl/MementoEmbed/lib/chromium"
	"github.com/oduwsdl/MementoEmbed/lib/chromiumflags"
	"github.com/oduwsdl/MementoEmbed/lib/netidle"
	"github.com/oduwsdl/MementoEmbed/lib/thumbnail"
)

// ServiceConfig maps the environment onto the capture service settings.
func (c *Config) ServiceConfig() thumbnail.Config {
	return thumbnail.Config{
		Enabled:           bool(c.Enabled),
		WorkingFolder:     c.WorkingFolder,
		UserAgent:         c.UserAgent,
		NavigationTimeout: c.NavigationTimeout.D(),
		Timeout:           c.Timeout.D(),
		MaxConcurrent:     c.MaxConcurrent,
		Idle: netidle.Options{
			IdleThreshold: c.MaxInflight,
			QuietWindow:   c.QuietWindow.D(),
			HardDeadline:  c.HardDeadline.D(),
		},
	}
}

// BrowserOptions resolves how to reach a browser, merging CHROMIUM_FLAGS with
// the optional flags file (file entries win).
func (c *Config) BrowserOptions() (thumbnail.BrowserOptions, error) {
	fileFlags, err := chromiumflags.ReadOptionalFlagFile(c.ChromiumFlagFile)
	if err != nil {
		return thumbnail.BrowserOptions{}, err
	}
	return thumbnail.BrowserOptions{
		Endpoint: c.DevToolsEndpoint,
		Launch: chromium.LaunchOptions{
			Path:  c.ChromiumPath,
			Flags: chromiumflags.Merge(chromiumflags.ParseFlags(c.ChromiumFlags), fileFlags),
		},
	}, nil
}

// Request builds the single capture described by URIM and the viewport settings.
func (c *Config) Request() thumbnail.Request {
	return thumbnail.Request{
		URIM:           c.URIM,
		ViewportWidth:  c.ViewportWidth,
		ViewportHeight: c.ViewportHeight,
		UserAgent:      c.UserAgent,
		RemoveBanner:   bool(c.RemoveBanners),
	}
}
