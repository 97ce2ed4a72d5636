// Package apicompat checks the HTTP contract of a running zone monitor.
// Tests skip unless the server at ZM_BASE_URL (default localhost:8080) answers.
package apicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultRequestTimeout = 2 * time.Second
)

type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	baseURL := os.Getenv("ZM_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/health") {
		t.Skipf("zone monitor not reachable at %s (set ZM_BASE_URL to run)", baseURL)
	}

	return &apiClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *apiClient) do(t *testing.T, method, path string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *apiClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, nil)
}

func (c *apiClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *apiClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return c.do(t, http.MethodPost, path, bytes.NewReader(data))
}

// readSSEEvent returns the first complete event on url.
func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			// Keepalive comments are not events.
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if strings.HasPrefix(event, ":") {
					continue
				}
				return event, resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

// field asserts the JSON type of value and returns it.
func field[T any](t *testing.T, value any, name string) T {
	t.Helper()
	v, ok := value.(T)
	if !ok {
		var zero T
		t.Fatalf("expected %s to be %T, got %T", name, zero, value)
	}
	return v
}

func assertCrossing(t *testing.T, payload map[string]any, path string) {
	t.Helper()
	field[string](t, payload["id"], path+".id")
	field[float64](t, payload["track_id"], path+".track_id")
	field[string](t, payload["class_name"], path+".class_name")
	field[float64](t, payload["count"], path+".count")
	field[float64](t, payload["frame_number"], path+".frame_number")
	field[float64](t, payload["timestamp"], path+".timestamp")
}

func assertResultPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	field[string](t, payload["session_id"], "session_id")
	field[float64](t, payload["frame_number"], "frame_number")
	field[float64](t, payload["timestamp"], "timestamp")
	field[float64](t, payload["processing_ms"], "processing_ms")
	field[map[string]any](t, payload["counts"], "counts")

	for i, raw := range field[[]any](t, payload["tracks"], "tracks") {
		path := fmt.Sprintf("tracks[%d]", i)
		track := field[map[string]any](t, raw, path)
		field[float64](t, track["track_id"], path+".track_id")
		field[string](t, track["class_name"], path+".class_name")
		membership := field[string](t, track["membership"], path+".membership")
		if membership != "inside" && membership != "outside" && membership != "unknown" {
			t.Fatalf("%s.membership = %q", path, membership)
		}
		bbox := field[map[string]any](t, track["bbox"], path+".bbox")
		for _, k := range []string{"x", "y", "w", "h"} {
			field[float64](t, bbox[k], path+".bbox."+k)
		}
	}
	for i, raw := range field[[]any](t, payload["regions"], "regions") {
		path := fmt.Sprintf("regions[%d]", i)
		region := field[map[string]any](t, raw, path)
		ratio := field[float64](t, region["overstep_ratio"], path+".overstep_ratio")
		if ratio < 0 || ratio > 1 {
			t.Fatalf("%s.overstep_ratio = %v", path, ratio)
		}
		severity := field[string](t, region["severity"], path+".severity")
		if severity != "normal" && severity != "warning" && severity != "critical" {
			t.Fatalf("%s.severity = %q", path, severity)
		}
	}
	for i, raw := range field[[]any](t, payload["crossings"], "crossings") {
		path := fmt.Sprintf("crossings[%d]", i)
		assertCrossing(t, field[map[string]any](t, raw, path), path)
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	monitor := field[map[string]any](t, payload["monitor"], "monitor")
	field[float64](t, monitor["frames_processed"], "monitor.frames_processed")
	field[float64](t, monitor["current_fps"], "monitor.current_fps")
	field[float64](t, monitor["inference_errors"], "monitor.inference_errors")
	field[float64](t, monitor["total_crossings"], "monitor.total_crossings")

	st := field[map[string]any](t, payload["stream"], "stream")
	state := field[string](t, st["state"], "stream.state")
	switch state {
	case "disconnected", "connecting", "connected", "failed":
	default:
		t.Fatalf("stream.state = %q", state)
	}
	field[float64](t, st["reconnects"], "stream.reconnects")
	field[float64](t, st["read_failures"], "stream.read_failures")

	field[float64](t, payload["timestamp"], "timestamp")

	if payload["latest_result"] != nil {
		assertResultPayload(t, field[map[string]any](t, payload["latest_result"], "latest_result"))
	}
	for i, raw := range field[[]any](t, payload["crossing_history"], "crossing_history") {
		path := fmt.Sprintf("crossing_history[%d]", i)
		assertCrossing(t, field[map[string]any](t, raw, path), path)
	}
}
