package thumbnail

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	DefaultViewportWidth  = 1024
	DefaultViewportHeight = 768

	MaxViewportWidth  = 5120
	MaxViewportHeight = 2880
)

// waybackTimestamp matches the 14 digit datetime path segment of a
// Wayback-style memento URI.
var waybackTimestamp = regexp.MustCompile(`(/[0-9]{14})/`)

// Request describes one thumbnail capture.
type Request struct {
	URIM           string `json:"urim"`
	ViewportWidth  int    `json:"viewport_width,omitempty"`
	ViewportHeight int    `json:"viewport_height,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	RemoveBanner   bool   `json:"remove_banner,omitempty"`
}

// WithDefaults fills a zero viewport with the default dimensions.
func (r Request) WithDefaults() Request {
	if r.ViewportWidth == 0 {
		r.ViewportWidth = DefaultViewportWidth
	}
	if r.ViewportHeight == 0 {
		r.ViewportHeight = DefaultViewportHeight
	}
	return r
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.URIM) == "" {
		return fmt.Errorf("%w: empty URI-M", ErrInvalidURIM)
	}
	u, err := url.Parse(r.URIM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURIM, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURIM, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURIM)
	}
	if r.ViewportWidth < 1 || r.ViewportWidth > MaxViewportWidth {
		return fmt.Errorf("%w: width %d outside 1..%d", ErrInvalidViewport, r.ViewportWidth, MaxViewportWidth)
	}
	if r.ViewportHeight < 1 || r.ViewportHeight > MaxViewportHeight {
		return fmt.Errorf("%w: height %d outside 1..%d", ErrInvalidViewport, r.ViewportHeight, MaxViewportHeight)
	}
	return nil
}

// ThumbnailURIM returns the URI to load for a capture. With removeBanner set,
// Wayback-style mementos are switched to their iframe replay mode (if_), which
// omits the archive banner.
func ThumbnailURIM(urim string, removeBanner bool) string {
	if !removeBanner {
		return urim
	}
	return waybackTimestamp.ReplaceAllString(urim, "${1}if_/")
}

// CacheKey identifies the rendered output of a request.
func CacheKey(r Request) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		strconv.Itoa(r.ViewportWidth),
		strconv.Itoa(r.ViewportHeight),
		strconv.FormatBool(r.RemoveBanner),
		ThumbnailURIM(r.URIM, r.RemoveBanner),
	}, "/")))
	return hex.EncodeToString(h.Sum(nil))
}
