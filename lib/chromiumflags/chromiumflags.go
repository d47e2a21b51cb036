package chromiumflags

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"
)

// FlagsFile is the structured JSON representation of an optional flags overlay.
//
// Example on disk:
// { "flags": ["--foo", "--bar=1"] }
type FlagsFile struct {
	Flags []string `json:"flags"`
}

// CaptureDefaults are the flags every capture browser starts with. They mirror
// what the thumbnail script used to pass to puppeteer (headless, no sandbox,
// certificate errors ignored) plus the usual noise reduction for screenshots.
func CaptureDefaults() []string {
	return []string{
		"--headless=new",
		"--no-sandbox",
		"--ignore-certificate-errors",
		"--hide-scrollbars",
		"--mute-audio",
		"--disable-gpu",
		"--disable-dev-shm-usage",
		"--no-first-run",
		"--no-default-browser-check",
		"--password-store=basic",
	}
}

// ParseFlags splits a space-delimited string of Chromium flags into tokens.
// Tokens are expected in the form --flag or --flag=value. Quotes are not supported.
func ParseFlags(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return []string{}
	}
	return strings.Fields(input)
}

// flagName returns the switch a token sets, without its value.
func flagName(tok string) string {
	name, _, _ := strings.Cut(tok, "=")
	return name
}

// Merge layers flag lists on top of each other. A later layer overrides the
// value of a switch set by an earlier one; the switch keeps the position of
// its first occurrence. Empty tokens are dropped.
func Merge(layers ...[]string) []string {
	values := map[string]string{}
	var order []string
	for _, layer := range layers {
		for _, tok := range layer {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			name := flagName(tok)
			if _, ok := values[name]; !ok {
				order = append(order, name)
			}
			values[name] = tok
		}
	}
	return lo.Map(order, func(name string, _ int) string { return values[name] })
}

// Without drops every token that sets one of the given switches.
func Without(tokens []string, names ...string) []string {
	return lo.Reject(tokens, func(tok string, _ int) bool {
		return lo.Contains(names, flagName(tok))
	})
}

// ReadOptionalFlagFile returns the flags array from the JSON file at path.
// An empty path or a missing file yields nil and a nil error.
func ReadOptionalFlagFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	b := strings.TrimSpace(string(content))
	if b == "" {
		return nil, nil
	}

	var jf FlagsFile
	if err := json.Unmarshal([]byte(b), &jf); err != nil {
		return nil, err
	}
	if jf.Flags == nil {
		return nil, errors.New("flags file missing 'flags' array")
	}
	return lo.FilterMap(jf.Flags, func(tok string, _ int) (string, bool) {
		t := strings.TrimSpace(tok)
		return t, t != ""
	}), nil
}
