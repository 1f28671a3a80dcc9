// Package telemetry reports an anonymous hourly heartbeat so operators can
// see aggregate keygate usage. No token values, upstream keys, or request
// contents ever leave the process.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	captureEndpoint = "https://us.i.posthog.com/capture/"
	flushInterval   = 1 * time.Hour
	httpTimeout     = 3 * time.Second
)

// captureAPIKey is injected at build time via -ldflags. An empty key
// disables telemetry entirely.
var captureAPIKey = ""

// SettingsStore is the slice of the token store the tracker needs to persist
// its anonymous instance ID and read the enabled/disabled setting.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Properties is the heartbeat payload.
type Properties struct {
	Version        string  `json:"version"`
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	StorageDriver  string  `json:"storage_driver"`
	ActiveTokens   int     `json:"active_tokens"`
	ArchivedTokens int     `json:"archived_tokens"`
	UptimeHrs      float64 `json:"uptime_hours"`
}

// BaseProperties pre-fills the build/runtime fields.
func BaseProperties(version, driver string) Properties {
	return Properties{
		Version:       version,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		StorageDriver: driver,
	}
}

// PropertiesFunc is called on each flush to gather current state.
type PropertiesFunc func() Properties

// Tracker manages the anonymous heartbeat loop.
type Tracker struct {
	instanceID string
	propsFn    PropertiesFunc
	client     *http.Client
	startedAt  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker, resolving (or generating) the instance ID from the
// settings store. Returns nil when telemetry is disabled: no build-time key,
// KEYGATE_TELEMETRY=0/false/off/no, or the telemetry.enabled setting.
func New(ctx context.Context, store SettingsStore, propsFn PropertiesFunc) *Tracker {
	if captureAPIKey == "" {
		return nil
	}
	switch strings.ToLower(os.Getenv("KEYGATE_TELEMETRY")) {
	case "0", "false", "off", "no":
		return nil
	}
	if store != nil {
		val, err := store.GetSetting(ctx, "telemetry.enabled")
		if err == nil && (val == "false" || val == "0") {
			return nil
		}
	}

	return &Tracker{
		instanceID: resolveInstanceID(ctx, store),
		propsFn:    propsFn,
		client:     &http.Client{Timeout: httpTimeout},
		startedAt:  time.Now(),
	}
}

// Start begins the background heartbeat loop: one event immediately, then
// one per hour. Non-blocking; safe on a nil Tracker.
func (t *Tracker) Start() {
	if t == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		t.flush()

		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.flush()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the loop and sends a final event. Safe on a nil Tracker.
func (t *Tracker) Shutdown() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.flush()
}

func (t *Tracker) flush() {
	props := t.propsFn()
	props.UptimeHrs = time.Since(t.startedAt).Hours()
	t.capture("broker_heartbeat", props)
}

func (t *Tracker) capture(event string, props Properties) {
	payload := map[string]any{
		"api_key":     captureAPIKey,
		"event":       event,
		"distinct_id": t.instanceID,
		"properties":  props,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequest("POST", captureEndpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return // network failures are expected, fail silently
	}
	resp.Body.Close()
}

// resolveInstanceID loads or generates the persistent anonymous instance ID.
func resolveInstanceID(ctx context.Context, store SettingsStore) string {
	if store != nil {
		id, err := store.GetSetting(ctx, "instance_id")
		if err == nil && id != "" {
			return id
		}
	}

	id := uuid.New().String()
	if store != nil {
		_ = store.SetSetting(ctx, "instance_id", id)
	}
	return id
}

// PrintNotice prints the first-run telemetry notice to stderr.
func PrintNotice() {
	fmt.Fprintln(os.Stderr,
		"Anonymous usage stats are enabled to help improve Keygate.")
	fmt.Fprintln(os.Stderr,
		"Disable with: KEYGATE_TELEMETRY=0")
	fmt.Fprintln(os.Stderr)
}
