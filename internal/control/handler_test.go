package control

import (
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/care/rheed/internal/config"
	"github.com/care/rheed/internal/recorder"
)

func parse(t *testing.T, s string) Command {
	t.Helper()
	var cmd Command
	if err := json.Unmarshal([]byte(s), &cmd); err != nil {
		t.Fatal(err)
	}
	return cmd
}

func TestDispatchParams(t *testing.T) {
	var (
		gotIndex  = -1
		gotROI    [4]int
		gotT0     *float64
		gotReq    recorder.Request
		gotFormat string
	)
	h := NewHandler(&config.Config{}, nil, CommandCallbacks{
		OnSelectDevice: func(index int) error { gotIndex = index; return nil },
		OnSetROI: func(x, y, w, h int) (map[string]interface{}, error) {
			gotROI = [4]int{x, y, w, h}
			return map[string]interface{}{"roi": gotROI}, nil
		},
		OnAnalyze: func(t0, t1 *float64) (map[string]interface{}, error) {
			gotT0 = t0
			return map[string]interface{}{"ok": true}, nil
		},
		OnStartRecording: func(req recorder.Request) (map[string]interface{}, error) {
			gotReq = req
			return nil, nil
		},
		OnSetPixelFormat: func(format string) error { gotFormat = format; return nil },
	})

	tests := []struct {
		name   string
		cmd    string
		status string
		check  func() bool
	}{
		{"select device", `{"command":"select_device","params":{"index":2}}`, "success",
			func() bool { return gotIndex == 2 }},
		{"select device fraction", `{"command":"select_device","params":{"index":1.5}}`, "error", nil},
		{"set roi", `{"command":"set_roi","params":{"x":10,"y":20,"w":30,"h":40}}`, "success",
			func() bool { return gotROI == [4]int{10, 20, 30, 40} }},
		{"set roi missing h", `{"command":"set_roi","params":{"x":10,"y":20,"w":30}}`, "error", nil},
		{"analyze auto", `{"command":"analyze"}`, "success",
			func() bool { return gotT0 == nil }},
		{"analyze range", `{"command":"analyze","params":{"t0":1,"t1":3.5}}`, "success",
			func() bool { return gotT0 != nil && *gotT0 == 1 }},
		{"analyze half range", `{"command":"analyze","params":{"t0":1}}`, "error", nil},
		{"start recording", `{"command":"start_recording","params":{"furnace_id":"F2","status":"growing","material":"GaN","profile":"quality"}}`, "success",
			func() bool {
				return gotReq.FurnaceID == "F2" && gotReq.Material == "GaN" && gotReq.Profile == recorder.ProfileQuality
			}},
		{"start recording bad profile", `{"command":"start_recording","params":{"furnace_id":"F2","status":"growing","profile":"raw"}}`, "error", nil},
		{"start recording no status", `{"command":"start_recording","params":{"furnace_id":"F2"}}`, "error", nil},
		{"pixel format", `{"command":"set_pixel_format","params":{"format":"YUV422Packed"}}`, "success",
			func() bool { return gotFormat == "YUV422Packed" }},
		{"not implemented", `{"command":"stop_capture"}`, "error", nil},
		{"unknown", `{"command":"reboot"}`, "error", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Dispatch(parse(t, tt.cmd))
			if resp.Status != tt.status {
				t.Fatalf("Status = %q (%s), want %q", resp.Status, resp.Error, tt.status)
			}
			if tt.check != nil && !tt.check() {
				t.Error("callback did not receive the expected parameters")
			}
		})
	}
}

func TestDispatchCallbackError(t *testing.T) {
	h := NewHandler(&config.Config{}, nil, CommandCallbacks{
		OnStartCapture: func() error { return errors.New("device busy") },
	})
	resp := h.Dispatch(Command{ID: "42", Command: "start_capture"})
	if resp.Status != "error" || resp.Error != "device busy" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ID != "42" || resp.CommandAck != "start_capture" {
		t.Errorf("response not correlated: %+v", resp)
	}
}

func TestDispatchShutdownIsDeferred(t *testing.T) {
	called := false
	h := NewHandler(&config.Config{}, nil, CommandCallbacks{
		OnShutdown: func() error { called = true; return nil },
	})
	resp := h.Dispatch(Command{Command: "shutdown"})
	if resp.Status != "success" {
		t.Fatalf("resp = %+v", resp)
	}
	if called {
		t.Error("Dispatch ran the shutdown callback itself")
	}
	if !strings.Contains(resp.Data["message"].(string), "shutdown") {
		t.Errorf("Data = %v", resp.Data)
	}
}

func TestExecuteRunsShutdownAfterResponse(t *testing.T) {
	var called atomic.Bool
	h := NewHandler(&config.Config{}, nil, CommandCallbacks{
		OnShutdown: func() error { called.Store(true); return nil },
	})

	resp := h.Execute(Command{ID: "s1", Command: "shutdown"})
	if resp.Status != "success" || resp.Timestamp == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if called.Load() {
		t.Fatal("shutdown ran before the response was returned")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !called.Load() {
		if time.Now().After(deadline) {
			t.Fatal("shutdown callback never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSaveSnapshotDirIsOptional(t *testing.T) {
	dirs := []string{}
	h := NewHandler(&config.Config{}, nil, CommandCallbacks{
		OnSaveSnapshot: func(dir string) (map[string]interface{}, error) {
			dirs = append(dirs, dir)
			return map[string]interface{}{"path": dir + "/frame.jpg"}, nil
		},
	})
	h.Dispatch(Command{Command: "save_snapshot"})
	h.Dispatch(parse(t, `{"command":"save_snapshot","params":{"dir":"/tmp/snaps"}}`))
	if len(dirs) != 2 || dirs[0] != "" || dirs[1] != "/tmp/snaps" {
		t.Errorf("dirs = %q", dirs)
	}
}
