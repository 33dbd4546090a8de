package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/care/rheed/internal/config"
	"github.com/care/rheed/internal/control"
	"github.com/care/rheed/internal/emitter"
	"github.com/care/rheed/internal/recorder"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "test-lab",
		Camera: config.CameraConfig{
			Driver: "mock",
			Width:  32,
			Height: 24,
			FPS:    100,
		},
		Recording: config.RecordingConfig{
			SavePath:      t.TempDir(),
			QueueCapacity: 50,
		},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

// startMonitor runs a monitor until the test ends
func startMonitor(t *testing.T) (*Monitor, *httptest.Server) {
	t.Helper()
	m, err := newMonitor(testConfig(t), Backends{})
	if err != nil {
		t.Fatalf("newMonitor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	waitFor(t, time.Second, func() bool {
		_, err := m.runContext()
		return err == nil
	})

	srv := httptest.NewServer(m.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := m.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return m, srv
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func command(t *testing.T, srv *httptest.Server, body string) control.Response {
	t.Helper()
	res, err := http.Post(srv.URL+"/command", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /command: %v", err)
	}
	defer res.Body.Close()

	var resp control.Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func mustSucceed(t *testing.T, resp control.Response) control.Response {
	t.Helper()
	if resp.Status != "success" {
		t.Fatalf("%s failed: %s", resp.CommandAck, resp.Error)
	}
	return resp
}

func TestCaptureAndAnalysis(t *testing.T) {
	m, srv := startMonitor(t)

	mustSucceed(t, command(t, srv, `{"command":"start_capture"}`))
	waitFor(t, 2*time.Second, func() bool { return m.analysis.Stats().Processed > 0 })

	resp := mustSucceed(t, command(t, srv, `{"command":"set_roi","params":{"x":-4,"y":0,"w":20,"h":40}}`))
	roi := resp.Data["roi"].(map[string]interface{})
	if roi["x"].(float64) != 0 || roi["w"].(float64) != 16 || roi["h"].(float64) != 24 {
		t.Errorf("clamped roi = %v, want x=0 w=16 h=24", roi)
	}

	waitFor(t, 3*time.Second, func() bool { return m.analysis.Stats().Samples >= 20 })

	resp = mustSucceed(t, command(t, srv, `{"command":"analyze"}`))
	result := resp.Data["result"].(map[string]interface{})
	if result["samples"].(float64) < 2 {
		t.Errorf("analysis used %v samples", result["samples"])
	}
	if resp.Data["text"].(string) == "" {
		t.Error("analysis text is empty")
	}

	resp = mustSucceed(t, command(t, srv, `{"command":"get_series"}`))
	if resp.Data["count"].(float64) < 20 {
		t.Errorf("series count = %v", resp.Data["count"])
	}

	path := filepath.Join(t.TempDir(), "series.csv")
	resp = mustSucceed(t, command(t, srv, `{"command":"export_series","params":{"path":"`+filepath.ToSlash(path)+`"}}`))
	if _, err := os.Stat(path); err != nil {
		t.Errorf("exported series missing: %v", err)
	}

	mustSucceed(t, command(t, srv, `{"command":"clear_series"}`))
	mustSucceed(t, command(t, srv, `{"command":"stop_capture"}`))

	status := mustSucceed(t, command(t, srv, `{"command":"get_status"}`))
	src := status.Data["source"].(map[string]interface{})
	if src["state"] != "idle" {
		t.Errorf("source state after stop = %v, want idle", src["state"])
	}
}

func TestCameraSettingsCommands(t *testing.T) {
	m, srv := startMonitor(t)

	// No camera bound yet
	if resp := command(t, srv, `{"command":"get_camera_settings"}`); resp.Status != "error" {
		t.Errorf("get_camera_settings without a camera = %+v", resp)
	}

	mustSucceed(t, command(t, srv, `{"command":"select_device","params":{"index":0}}`))
	resp := mustSucceed(t, command(t, srv, `{"command":"get_camera_settings"}`))
	format := resp.Data["pixel_format"].(map[string]interface{})
	if format["value"] != "Mono8" {
		t.Errorf("pixel format = %v, want Mono8", format["value"])
	}

	mustSucceed(t, command(t, srv, `{"command":"set_exposure","params":{"us":5000}}`))
	if resp := command(t, srv, `{"command":"set_exposure","params":{"us":1}}`); resp.Status != "error" {
		t.Error("exposure below range accepted")
	}
	mustSucceed(t, command(t, srv, `{"command":"set_pixel_format","params":{"format":"Mono12"}}`))

	mustSucceed(t, command(t, srv, `{"command":"start_capture"}`))
	waitFor(t, 2*time.Second, func() bool {
		f, ok := m.mailbox.Latest()
		return ok && f.Format == "Mono12"
	})

	resp = mustSucceed(t, command(t, srv, `{"command":"get_camera_settings"}`))
	exposure := resp.Data["exposure_us"].(map[string]interface{})
	if exposure["value"].(float64) != 5000 {
		t.Errorf("exposure = %v, want 5000", exposure["value"])
	}

	resp = mustSucceed(t, command(t, srv, `{"command":"list_devices"}`))
	if devices := resp.Data["devices"].([]interface{}); len(devices) != 1 {
		t.Errorf("devices = %v", devices)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	m, srv := startMonitor(t)

	if resp := command(t, srv, `{"command":"start_recording","params":{"furnace_id":"F1","status":"growing"}}`); resp.Status != "error" {
		t.Fatal("recording started without an acquiring source")
	}

	mustSucceed(t, command(t, srv, `{"command":"start_capture"}`))
	waitFor(t, 2*time.Second, func() bool { _, ok := m.mailbox.Latest(); return ok })

	resp := mustSucceed(t, command(t, srv, `{"command":"start_recording","params":{"furnace_id":"F1","status":"growing","material":"GaAs"}}`))
	path := resp.Data["path"].(string)
	if want := filepath.Join(m.cfg.Recording.SavePath, "F1", "growth_GaAs.avi"); path != want {
		t.Errorf("recording path = %q, want %q", path, want)
	}
	if resp.Data["profile"] != string(recorder.ProfileCompatibility) {
		t.Errorf("profile = %v", resp.Data["profile"])
	}

	waitFor(t, 2*time.Second, func() bool {
		s := m.recorder.Active()
		return s != nil && s.Stats().Written >= 10
	})

	resp = mustSucceed(t, command(t, srv, `{"command":"stop_recording"}`))
	if resp.Data["frames_written"].(float64) < 10 {
		t.Errorf("frames_written = %v", resp.Data["frames_written"])
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("recording file missing: %v", err)
	}
	side, err := recorder.ReadSidecar(recorder.SidecarPath(path))
	if err != nil {
		t.Fatalf("ReadSidecar() error = %v", err)
	}
	if side.FurnaceID != "F1" || side.Material != "GaAs" {
		t.Errorf("sidecar = %+v", side)
	}

	if resp := command(t, srv, `{"command":"stop_recording"}`); resp.Status != "error" {
		t.Error("stop_recording without a session succeeded")
	}
}

// Stopping the source that feeds a recording finishes the recording
func TestRecordingEndsWithSource(t *testing.T) {
	m, srv := startMonitor(t)

	mustSucceed(t, command(t, srv, `{"command":"start_capture"}`))
	waitFor(t, 2*time.Second, func() bool { _, ok := m.mailbox.Latest(); return ok })
	mustSucceed(t, command(t, srv, `{"command":"start_recording","params":{"furnace_id":"F2","label":"calibration"}}`))

	mustSucceed(t, command(t, srv, `{"command":"stop_capture"}`))
	waitFor(t, 3*time.Second, func() bool { return m.recorder.Active() == nil })

	if sinks := m.frameBus.Stats().SinksCount; sinks != 1 {
		t.Errorf("sinks after recording ended = %d, want only analysis", sinks)
	}
	if _, err := os.Stat(filepath.Join(m.cfg.Recording.SavePath, "F2", "calibration.avi.yaml")); err != nil {
		t.Errorf("sidecar missing: %v", err)
	}
}

// A recording error names its session; one from a session that was already
// replaced leaves the current recording running.
func TestStaleRecordingErrorIgnored(t *testing.T) {
	m, srv := startMonitor(t)

	mustSucceed(t, command(t, srv, `{"command":"start_capture"}`))
	waitFor(t, 2*time.Second, func() bool { _, ok := m.mailbox.Latest(); return ok })
	resp := mustSucceed(t, command(t, srv, `{"command":"start_recording","params":{"furnace_id":"F4","status":"growing"}}`))
	current := resp.Data["session_id"].(string)

	m.handleEvent(statusEvent{Event: eventRecordingError, SessionID: "an-earlier-session", Error: "encoder failed"})
	s := m.recorder.Active()
	if s == nil || s.SessionID() != current {
		t.Fatalf("stale recording error stopped session %s", current)
	}

	m.handleEvent(statusEvent{Event: eventRecordingError, SessionID: current, Error: "encoder failed"})
	if m.recorder.Active() != nil {
		t.Error("recording error of the active session did not stop it")
	}
	m.mu.RLock()
	feeding := m.recSource
	m.mu.RUnlock()
	if feeding != "" {
		t.Errorf("recSource = %q after stop, want empty", feeding)
	}
}

// The recording source is claimed before the session starts and released
// when the start fails.
func TestRecordingSourceClaim(t *testing.T) {
	m, srv := startMonitor(t)

	mustSucceed(t, command(t, srv, `{"command":"start_capture"}`))
	waitFor(t, 2*time.Second, func() bool { _, ok := m.mailbox.Latest(); return ok })
	srcID := m.sources.Active().ID()

	recSource := func() string {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.recSource
	}

	if resp := command(t, srv, `{"command":"start_recording","params":{"furnace_id":"..","status":"growing"}}`); resp.Status != "error" {
		t.Fatal("recording started with an unusable furnace id")
	}
	if got := recSource(); got != "" {
		t.Errorf("recSource after failed start = %q, want empty", got)
	}

	mustSucceed(t, command(t, srv, `{"command":"start_recording","params":{"furnace_id":"F5","status":"growing"}}`))
	if got := recSource(); got != srcID {
		t.Errorf("recSource = %q, want %q", got, srcID)
	}
	if resp := command(t, srv, `{"command":"start_recording","params":{"furnace_id":"F5","status":"growing"}}`); resp.Status != "error" {
		t.Error("second recording started")
	}
	if got := recSource(); got != srcID {
		t.Errorf("recSource after rejected start = %q, want %q", got, srcID)
	}

	mustSucceed(t, command(t, srv, `{"command":"stop_recording"}`))
	if got := recSource(); got != "" {
		t.Errorf("recSource after stop = %q, want empty", got)
	}
}

func TestSampleFeed(t *testing.T) {
	m, srv := startMonitor(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/samples"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return m.samples.Clients() == 1 })

	mustSucceed(t, command(t, srv, `{"command":"start_capture"}`))
	mustSucceed(t, command(t, srv, `{"command":"set_roi","params":{"x":0,"y":0,"w":8,"h":8}}`))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", kind)
	}
	batch, err := emitter.DecodeBatch(data)
	if err != nil {
		t.Fatalf("DecodeBatch() error = %v", err)
	}
	if batch.Instance != "test-lab" || len(batch.Samples) == 0 {
		t.Errorf("batch = %+v", batch)
	}
	for i := 1; i < len(batch.Samples); i++ {
		if batch.Samples[i].T <= batch.Samples[i-1].T {
			t.Fatalf("sample times not increasing at %d", i)
		}
	}
}

func TestHTTPEndpoints(t *testing.T) {
	m, srv := startMonitor(t)

	get := func(path string) (int, string) {
		t.Helper()
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		return res.StatusCode, string(body)
	}

	if code, _ := get("/health"); code != http.StatusOK {
		t.Errorf("/health = %d", code)
	}
	if code, _ := get("/preview.jpg"); code != http.StatusServiceUnavailable {
		t.Errorf("/preview.jpg before capture = %d, want 503", code)
	}

	mustSucceed(t, command(t, srv, `{"command":"start_capture"}`))
	waitFor(t, 2*time.Second, func() bool { _, ok := m.preview.Latest(); return ok })

	code, body := get("/preview.jpg")
	if code != http.StatusOK || !bytes.HasPrefix([]byte(body), []byte{0xFF, 0xD8}) {
		t.Errorf("/preview.jpg = %d, not a JPEG", code)
	}

	code, body = get("/readiness")
	if code != http.StatusOK {
		t.Errorf("/readiness = %d", code)
	}
	var health HealthStatus
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || !health.Acquiring || health.MQTTEnabled {
		t.Errorf("health = %+v", health)
	}

	_, body = get("/metrics")
	for _, name := range []string{"rheed_source_frames_total", "rheed_analysis_frames_processed_total", `sink="analysis"`} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics missing %s", name)
		}
	}

	if code, _ := get("/command"); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /command = %d", code)
	}
	res, err := http.Post(srv.URL+"/command", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("bad JSON = %d, want 400", res.StatusCode)
	}

	snap := t.TempDir()
	resp := mustSucceed(t, command(t, srv, `{"command":"save_snapshot","params":{"dir":"`+filepath.ToSlash(snap)+`"}}`))
	if _, err := os.Stat(resp.Data["path"].(string)); err != nil {
		t.Errorf("snapshot missing: %v", err)
	}
}

func TestUnavailableDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Camera.Driver = "aravis"
	if _, err := newMonitor(cfg, Backends{}); err == nil {
		t.Fatal("newMonitor() with an unavailable driver succeeded")
	}
}
