package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oduwsdl/MementoEmbed/lib/logger"
	"github.com/oduwsdl/MementoEmbed/lib/thumbnail"
)

const disabledMessage = "The thumbnail service has been disabled by the system administrator"

// Capturer renders thumbnails.
type Capturer interface {
	Capture(ctx context.Context, req thumbnail.Request) (*thumbnail.Result, error)
}

type ApiService struct {
	capturer Capturer
	// defaults fills what a caller does not ask for through Prefer.
	defaults thumbnail.Request
	timeout  int
	health   func() error
}

// New builds the HTTP surface. timeoutSeconds is only used in error messages;
// health reports whether captures can currently run.
func New(capturer Capturer, defaults thumbnail.Request, timeoutSeconds int, health func() error) *ApiService {
	if health == nil {
		health = func() error { return nil }
	}
	return &ApiService{capturer: capturer, defaults: defaults, timeout: timeoutSeconds, health: health}
}

func (s *ApiService) Routes(r chi.Router) {
	r.Get("/healthz", s.Healthz)
	r.Get("/services/product/thumbnail/*", s.Thumbnail)
}

// Thumbnail serves (GET /services/product/thumbnail/{urim})
func (s *ApiService) Thumbnail(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	urim := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		urim += "?" + r.URL.RawQuery
	}

	req := s.defaults
	req.URIM = urim
	applied, err := applyPreferences(&req, r.Header.Values("Prefer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	res, err := s.capturer.Capture(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, thumbnail.ErrDisabled):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(disabledMessage))
		return
	case errors.Is(err, thumbnail.ErrInvalidViewport), errors.Is(err, thumbnail.ErrInvalidURIM):
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	case errors.Is(err, thumbnail.ErrTimeout):
		log.Error("thumbnail timed out", "urim", urim, "err", err)
		writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("a thumbnail failed to generate in %d seconds", s.timeout), err.Error())
		return
	case errors.Is(err, thumbnail.ErrFolderNotFound):
		log.Error("thumbnail folder missing", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		log.Debug("client went away", "urim", urim)
		return
	default:
		log.Error("thumbnail generation failed", "urim", urim, "err", err)
		writeError(w, http.StatusInternalServerError, "thumbnail generation failed", err.Error())
		return
	}

	if len(applied) > 0 {
		w.Header().Set("Preference-Applied", strings.Join(applied, ","))
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set("X-Thumbnail-Outcome", res.Outcome)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (s *ApiService) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.health(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// applyPreferences reads RFC 7240 style preferences such as
// "viewport_width=1280, remove_banner=yes" into req and returns the ones used.
func applyPreferences(req *thumbnail.Request, headers []string) ([]string, error) {
	var applied []string
	for _, h := range headers {
		for _, pref := range strings.Split(h, ",") {
			name, value, _ := strings.Cut(strings.TrimSpace(pref), "=")
			name = strings.ToLower(strings.TrimSpace(name))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			switch name {
			case "viewport_width", "viewport_height":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("%w: %s must be an integer", thumbnail.ErrInvalidViewport, name)
				}
				if name == "viewport_width" {
					req.ViewportWidth = n
				} else {
					req.ViewportHeight = n
				}
			case "remove_banner":
				switch strings.ToLower(value) {
				case "yes", "true", "1":
					req.RemoveBanner = true
				case "no", "false", "0":
					req.RemoveBanner = false
				default:
					return nil, fmt.Errorf("remove_banner must be yes or no")
				}
			default:
				continue
			}
			applied = append(applied, name+"="+value)
		}
	}
	return applied, nil
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	body := map[string]string{"error": msg}
	if details != "" {
		body["error details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
