// Package proxy forwards authorized requests to the upstream API using the
// real upstream key recovered from the request's token claim.
package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/model"
)

// Config controls the dispatcher.
type Config struct {
	// BaseURL is the upstream API root, e.g. https://api.openai.com/v1.
	BaseURL string
	// Organization, when set, is sent as the OpenAI-Organization header.
	Organization string
	// Timeout bounds each upstream call. Zero means 30s.
	Timeout time.Duration
}

// Dispatcher is the pass-through HTTP client for the upstream API. It is
// deliberately thin: the broker's correctness lives in the token lifecycle,
// not here.
type Dispatcher struct {
	base   *url.URL
	org    string
	client *http.Client
	logger *slog.Logger
}

// New validates the upstream base URL and builds a Dispatcher.
func New(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		base:   base,
		org:    cfg.Organization,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// Forward relays the inbound request to upstreamPath on the upstream API,
// authenticated with upstreamKey. The upstream status and body are relayed
// verbatim; a transport-level failure becomes a 502 so callers can tell
// "upstream failed" apart from the broker's own errors.
func (d *Dispatcher) Forward(w http.ResponseWriter, r *http.Request, upstreamKey, upstreamPath string) {
	target := *d.base
	target.Path = strings.TrimRight(target.Path, "/") + upstreamPath
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		d.gatewayError(w, err)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("Authorization", "Bearer "+upstreamKey)
	if d.org != "" {
		req.Header.Set("OpenAI-Organization", d.org)
	}
	req.ContentLength = r.ContentLength

	resp, err := d.client.Do(req)
	if err != nil {
		d.gatewayError(w, err)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		d.logger.Warn("relay upstream body", "error", err)
	}
}

func (d *Dispatcher) gatewayError(w http.ResponseWriter, err error) {
	// Transport detail goes to the log, never to the caller.
	d.logger.Error("upstream dispatch failed", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(model.Envelope{
		Status:  http.StatusBadGateway,
		Message: model.MsgGatewayError,
	})
}
