package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/rheed/internal/config"
	"github.com/care/rheed/internal/recorder"
)

// Command represents a control plane command
type Command struct {
	ID      string                 `json:"id,omitempty"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	ID         string                 `json:"id,omitempty"`
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command
	stopOnce sync.Once

	callbacks CommandCallbacks
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus func() map[string]interface{}
	OnShutdown  func() error

	// Sources
	OnListDevices  func() (map[string]interface{}, error)
	OnSelectDevice func(index int) error
	OnStartCapture func() error
	OnStopCapture  func() error
	OnOpenFile     func(path string) error
	OnPause        func() error
	OnResume       func() error
	OnSetFPS       func(fps float64) error

	// Camera parameters
	OnGetCameraSettings func() (map[string]interface{}, error)
	OnSetExposure       func(us float64) error
	OnSetPixelFormat    func(format string) error

	// Analysis
	OnSetROI       func(x, y, w, h int) (map[string]interface{}, error)
	OnClearROI     func() error
	OnClearSeries  func() error
	OnAnalyze      func(t0, t1 *float64) (map[string]interface{}, error)
	OnGetSeries    func() map[string]interface{}
	OnExportSeries func(path string) (map[string]interface{}, error)

	// Preview
	OnSaveSnapshot func(dir string) (map[string]interface{}, error)

	// Recording
	OnStartRecording func(req recorder.Request) (map[string]interface{}, error)
	OnStopRecording  func() (map[string]interface{}, error)
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		close(h.commands)
		slog.Info("control plane handler stopped")
	})
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command, "id", cmd.ID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands executes commands one at a time, in arrival order
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.Execute(cmd))
		}
	}
}

// Execute dispatches a command and, for an accepted shutdown, schedules the
// shutdown callback so the response can go out first.
func (h *Handler) Execute(cmd Command) Response {
	resp := h.Dispatch(cmd)
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	if cmd.Command == "shutdown" && resp.Status == "success" {
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}()
	}
	return resp
}

// Dispatch executes a command and returns its response. The shutdown
// command is acknowledged here and carried out by the caller.
func (h *Handler) Dispatch(cmd Command) Response {
	resp := Response{ID: cmd.ID, CommandAck: cmd.Command}
	cb := h.callbacks

	// run fills the response from a callback result
	run := func(name string, ok bool, fn func() (map[string]interface{}, error)) {
		if !ok {
			resp.Status = "error"
			resp.Error = name + " not implemented"
			return
		}
		data, err := fn()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			return
		}
		resp.Status = "success"
		resp.Data = data
	}
	// do adapts callbacks that only return an error
	do := func(fn func() error, data map[string]interface{}) func() (map[string]interface{}, error) {
		return func() (map[string]interface{}, error) {
			if err := fn(); err != nil {
				return nil, err
			}
			return data, nil
		}
	}

	switch cmd.Command {
	case "get_status":
		run(cmd.Command, cb.OnGetStatus != nil, func() (map[string]interface{}, error) {
			return cb.OnGetStatus(), nil
		})

	case "list_devices":
		run(cmd.Command, cb.OnListDevices != nil, cb.OnListDevices)

	case "select_device":
		index, err := intParam(cmd.Params, "index")
		if err != nil {
			return paramError(resp, err)
		}
		run(cmd.Command, cb.OnSelectDevice != nil, do(func() error { return cb.OnSelectDevice(index) },
			map[string]interface{}{"device_index": index, "message": "device selected"}))

	case "start_capture":
		run(cmd.Command, cb.OnStartCapture != nil, do(cb.OnStartCapture,
			map[string]interface{}{"acquiring": true}))

	case "stop_capture":
		run(cmd.Command, cb.OnStopCapture != nil, do(cb.OnStopCapture,
			map[string]interface{}{"acquiring": false}))

	case "open_file":
		path, err := stringParam(cmd.Params, "path")
		if err != nil {
			return paramError(resp, err)
		}
		run(cmd.Command, cb.OnOpenFile != nil, do(func() error { return cb.OnOpenFile(path) },
			map[string]interface{}{"path": path, "message": "playback started"}))

	case "pause":
		run(cmd.Command, cb.OnPause != nil, do(cb.OnPause,
			map[string]interface{}{"paused": true}))

	case "resume":
		run(cmd.Command, cb.OnResume != nil, do(cb.OnResume,
			map[string]interface{}{"paused": false}))

	case "set_fps":
		fps, err := floatParam(cmd.Params, "fps")
		if err != nil {
			return paramError(resp, err)
		}
		run(cmd.Command, cb.OnSetFPS != nil, do(func() error { return cb.OnSetFPS(fps) },
			map[string]interface{}{"fps": fps}))

	case "get_camera_settings":
		run(cmd.Command, cb.OnGetCameraSettings != nil, cb.OnGetCameraSettings)

	case "set_exposure":
		us, err := floatParam(cmd.Params, "us")
		if err != nil {
			return paramError(resp, err)
		}
		run(cmd.Command, cb.OnSetExposure != nil, do(func() error { return cb.OnSetExposure(us) },
			map[string]interface{}{"exposure_us": us}))

	case "set_pixel_format":
		format, err := stringParam(cmd.Params, "format")
		if err != nil {
			return paramError(resp, err)
		}
		run(cmd.Command, cb.OnSetPixelFormat != nil, do(func() error { return cb.OnSetPixelFormat(format) },
			map[string]interface{}{
				"pixel_format": format,
				"message":      "pixel format applies on next capture start",
			}))

	case "set_roi":
		var rect [4]int
		for i, key := range []string{"x", "y", "w", "h"} {
			v, err := intParam(cmd.Params, key)
			if err != nil {
				return paramError(resp, err)
			}
			rect[i] = v
		}
		run(cmd.Command, cb.OnSetROI != nil, func() (map[string]interface{}, error) {
			return cb.OnSetROI(rect[0], rect[1], rect[2], rect[3])
		})

	case "clear_roi":
		run(cmd.Command, cb.OnClearROI != nil, do(cb.OnClearROI,
			map[string]interface{}{"roi_cleared": true}))

	case "clear_series":
		run(cmd.Command, cb.OnClearSeries != nil, do(cb.OnClearSeries,
			map[string]interface{}{"series_cleared": true}))

	case "analyze":
		t0, ok0 := optionalFloat(cmd.Params, "t0")
		t1, ok1 := optionalFloat(cmd.Params, "t1")
		if ok0 != ok1 {
			return paramError(resp, fmt.Errorf("'t0' and 't1' must be given together"))
		}
		var p0, p1 *float64
		if ok0 {
			p0, p1 = &t0, &t1
		}
		run(cmd.Command, cb.OnAnalyze != nil, func() (map[string]interface{}, error) {
			return cb.OnAnalyze(p0, p1)
		})

	case "get_series":
		run(cmd.Command, cb.OnGetSeries != nil, func() (map[string]interface{}, error) {
			return cb.OnGetSeries(), nil
		})

	case "export_series":
		path, err := stringParam(cmd.Params, "path")
		if err != nil {
			return paramError(resp, err)
		}
		run(cmd.Command, cb.OnExportSeries != nil, func() (map[string]interface{}, error) {
			return cb.OnExportSeries(path)
		})

	case "save_snapshot":
		dir, _ := cmd.Params["dir"].(string)
		run(cmd.Command, cb.OnSaveSnapshot != nil, func() (map[string]interface{}, error) {
			return cb.OnSaveSnapshot(dir)
		})

	case "start_recording":
		req, err := recordingRequest(cmd.Params)
		if err != nil {
			return paramError(resp, err)
		}
		run(cmd.Command, cb.OnStartRecording != nil, func() (map[string]interface{}, error) {
			return cb.OnStartRecording(req)
		})

	case "stop_recording":
		run(cmd.Command, cb.OnStopRecording != nil, cb.OnStopRecording)

	case "shutdown":
		if cb.OnShutdown == nil {
			resp.Status = "error"
			resp.Error = "shutdown not implemented"
			break
		}
		slog.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

// sendResponse publishes a response on the status topic
func (h *Handler) sendResponse(resp Response) {
	if resp.Timestamp == "" {
		resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Status + "/response"
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func paramError(resp Response, err error) Response {
	resp.Status = "error"
	resp.Error = err.Error()
	return resp
}

func floatParam(params map[string]interface{}, key string) (float64, error) {
	v, ok := params[key].(float64)
	if !ok {
		return 0, fmt.Errorf("missing or invalid '%s' parameter (expected number)", key)
	}
	return v, nil
}

func intParam(params map[string]interface{}, key string) (int, error) {
	v, err := floatParam(params, key)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("invalid '%s' parameter (expected integer, got %v)", key, v)
	}
	return int(v), nil
}

func optionalFloat(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key].(float64)
	return v, ok
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing or invalid '%s' parameter (expected string)", key)
	}
	return v, nil
}

func recordingRequest(params map[string]interface{}) (recorder.Request, error) {
	furnace, err := stringParam(params, "furnace_id")
	if err != nil {
		return recorder.Request{}, err
	}
	req := recorder.Request{FurnaceID: furnace}
	req.Status, _ = params["status"].(string)
	req.Substrate, _ = params["substrate"].(string)
	req.Material, _ = params["material"].(string)
	req.Label, _ = params["label"].(string)
	if p, ok := params["profile"].(string); ok {
		profile, err := recorder.ParseProfile(p)
		if err != nil {
			return recorder.Request{}, err
		}
		req.Profile = profile
	}
	if req.Status == "" && req.Label == "" {
		return recorder.Request{}, fmt.Errorf("missing 'status' or 'label' parameter")
	}
	return req, nil
}
