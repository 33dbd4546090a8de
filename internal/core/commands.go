package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/care/rheed/internal/analysis"
	"github.com/care/rheed/internal/control"
	"github.com/care/rheed/internal/recorder"
	"github.com/care/rheed/internal/source"
	"github.com/care/rheed/internal/types"
)

// callbacks binds control commands to the monitor
func (m *Monitor) callbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus: m.getStatus,
		OnShutdown:  m.shutdownViaControl,

		OnListDevices:  m.listDevices,
		OnSelectDevice: m.sources.SelectDevice,
		OnStartCapture: m.startCapture,
		OnStopCapture:  m.sources.StopCapture,
		OnOpenFile:     m.openFile,
		OnPause:        m.sources.Pause,
		OnResume:       m.sources.Resume,
		OnSetFPS:       m.sources.SetFPS,

		OnGetCameraSettings: m.getCameraSettings,
		OnSetExposure:       m.setExposure,
		OnSetPixelFormat:    m.setPixelFormat,

		OnSetROI:       m.setROI,
		OnClearROI:     m.clearROI,
		OnClearSeries:  m.clearSeries,
		OnAnalyze:      m.analyze,
		OnGetSeries:    m.getSeries,
		OnExportSeries: m.exportSeries,

		OnSaveSnapshot: m.saveSnapshot,

		OnStartRecording: m.startRecording,
		OnStopRecording: func() (map[string]interface{}, error) {
			st, err := m.stopRecording("requested")
			if err != nil && st.ID == "" {
				return nil, err
			}
			return recordingData(st), err
		},
	}
}

// getStatus returns the current service status
func (m *Monitor) getStatus() map[string]interface{} {
	m.mu.RLock()
	started, running := m.started, m.isRunning
	m.mu.RUnlock()

	busStats := m.frameBus.Stats()
	mbStats := m.mailbox.Stats()
	emitterStats := m.emitter.Stats()

	status := map[string]interface{}{
		"instance_id": m.cfg.InstanceID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"source":      m.sources.Status(),
		"framebus": map[string]interface{}{
			"sinks_count":        busStats.SinksCount,
			"frames_distributed": busStats.FramesDistributed,
			"dropped_by_sink":    busStats.DroppedBySink,
		},
		"mailbox":  mbStats,
		"analysis": m.analysis.Stats(),
		"preview":  m.preview.Stats(),
		"emitter":  emitterStats,
		"config": map[string]interface{}{
			"driver":        m.cfg.Camera.Driver,
			"camera_fps":    m.cfg.Camera.FPS,
			"preview_fps":   m.cfg.Display.PreviewFPS,
			"profile":       m.cfg.Recording.Profile,
			"mjpeg_quality": m.cfg.Recording.MJPEGQuality,
			"save_path":     m.cfg.Recording.SavePath,
			"mqtt_broker":   m.cfg.MQTT.Broker,
		},
	}

	if s := m.recorder.Active(); s != nil {
		status["recording"] = s.Stats()
	}
	return status
}

// shutdownViaControl ends Run; main then runs the shutdown sequence
func (m *Monitor) shutdownViaControl() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.isRunning {
		return fmt.Errorf("service not running")
	}
	if m.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	m.cancelCtx()
	return nil
}

// runContext is the context sources acquire under. Sources outlive the
// command that started them.
func (m *Monitor) runContext() (context.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.runCtx == nil || m.runCtx.Err() != nil {
		return nil, fmt.Errorf("service not running")
	}
	return m.runCtx, nil
}

func (m *Monitor) startCapture() error {
	ctx, err := m.runContext()
	if err != nil {
		return err
	}
	return m.sources.StartCapture(ctx)
}

func (m *Monitor) openFile(path string) error {
	ctx, err := m.runContext()
	if err != nil {
		return err
	}
	return m.sources.OpenFile(ctx, path)
}

func (m *Monitor) listDevices() (map[string]interface{}, error) {
	devices, err := m.sources.Devices()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"devices":  devices,
		"selected": m.sources.Status().DeviceIndex,
	}, nil
}

func (m *Monitor) getCameraSettings() (map[string]interface{}, error) {
	cam, err := m.sources.Camera()
	if err != nil {
		return nil, err
	}
	exposure, err := cam.Exposure()
	if err != nil {
		return nil, err
	}
	format, err := cam.PixelFormat()
	if err != nil {
		return nil, err
	}

	expValue, err := exposure.Value()
	if err != nil {
		return nil, fmt.Errorf("read exposure: %w", err)
	}
	expMin, expMax := exposure.Range()
	formatValue, err := format.Value()
	if err != nil {
		return nil, fmt.Errorf("read pixel format: %w", err)
	}

	return map[string]interface{}{
		"exposure_us": map[string]interface{}{
			"value": expValue,
			"min":   expMin,
			"max":   expMax,
		},
		"pixel_format": map[string]interface{}{
			"value":   formatValue,
			"entries": format.Entries(),
		},
		"fps": m.sources.FPS(),
	}, nil
}

func (m *Monitor) setExposure(us float64) error {
	cam, err := m.sources.Camera()
	if err != nil {
		return err
	}
	node, err := cam.Exposure()
	if err != nil {
		return err
	}
	if err := node.SetValue(us); err != nil {
		return err
	}
	slog.Info("exposure updated", "source_id", cam.ID(), "exposure_us", us)
	return nil
}

func (m *Monitor) setPixelFormat(format string) error {
	cam, err := m.sources.Camera()
	if err != nil {
		return err
	}
	node, err := cam.PixelFormat()
	if err != nil {
		return err
	}
	if err := node.SetValue(format); err != nil {
		return err
	}
	slog.Info("pixel format updated, applies on next start",
		"source_id", cam.ID(),
		"pixel_format", format,
		"state", cam.State(),
	)
	return nil
}

func (m *Monitor) setROI(x, y, w, h int) (map[string]interface{}, error) {
	roi, err := m.analysis.SetROI(types.ROI{X: x, Y: y, Width: w, Height: h})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"roi": roi}, nil
}

func (m *Monitor) clearROI() error {
	m.analysis.ClearROI()
	slog.Info("analysis roi cleared")
	return nil
}

func (m *Monitor) clearSeries() error {
	m.analysis.Clear()
	slog.Info("analysis series cleared")
	return nil
}

// analyze runs the periodicity analysis and publishes the result
func (m *Monitor) analyze(t0, t1 *float64) (map[string]interface{}, error) {
	var rng *analysis.Range
	if t0 != nil && t1 != nil {
		rng = &analysis.Range{T0: *t0, T1: *t1}
	}
	res := m.analysis.Analyze(rng)

	if m.cfg.MQTT.Broker != "" {
		if err := m.emitter.PublishAnalysis(res); err != nil {
			slog.Warn("failed to publish analysis result", "error", err)
		}
	}

	return map[string]interface{}{
		"result": res,
		"text":   res.Text(),
	}, nil
}

func (m *Monitor) getSeries() map[string]interface{} {
	series := m.analysis.Series()
	return map[string]interface{}{
		"samples": series,
		"count":   len(series),
		"roi":     m.analysis.ROI(),
	}
}

func (m *Monitor) exportSeries(path string) (map[string]interface{}, error) {
	n, err := m.analysis.ExportSeries(path)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path, "samples": n}, nil
}

// saveSnapshot writes the newest preview frame; dir defaults to the
// recordings directory
func (m *Monitor) saveSnapshot(dir string) (map[string]interface{}, error) {
	if dir == "" {
		dir = filepath.Join(m.cfg.Recording.SavePath, "snapshots")
	}
	path, err := m.preview.Save(dir)
	if err != nil {
		return nil, err
	}
	slog.Info("snapshot saved", "path", path)
	return map[string]interface{}{"path": path}, nil
}

// startRecording records the active source. The session size and format
// come from the newest frame the source delivered.
func (m *Monitor) startRecording(req recorder.Request) (map[string]interface{}, error) {
	src := m.sources.Active()
	if src == nil || src.State() != source.StateAcquiring {
		return nil, errors.New("no source is acquiring")
	}
	frame, ok := m.mailbox.Latest()
	if !ok || frame.SourceID != src.ID() {
		return nil, fmt.Errorf("no frame received yet from source %s", src.ID())
	}

	fps := src.TargetFPS()
	if fps <= 0 {
		fps = float64(m.cfg.Camera.FPS)
	}
	info := recorder.SourceInfo{
		Camera: src.Kind() == source.KindCamera && frame.Raw != nil,
		Format: frame.Format,
		FPS:    fps,
		Size:   frame.Size(),
	}

	// recSource is claimed before the session exists so a source ending
	// while the session starts is seen by watchEvents
	m.mu.Lock()
	if m.recSource != "" {
		m.mu.Unlock()
		return nil, recorder.ErrAlreadyRecording
	}
	m.recSource = src.ID()
	m.mu.Unlock()

	session, err := m.recorder.Start(req, info)
	if err != nil {
		m.mu.Lock()
		m.recSource = ""
		m.mu.Unlock()
		return nil, err
	}
	m.frameBus.Register(session)

	if state := src.State(); state != source.StateAcquiring {
		m.stopSession(session.SessionID(), "source "+state.String())
		return nil, fmt.Errorf("source %s stopped while the recording started", src.ID())
	}

	st := session.Stats()
	slog.Info("recording started",
		"session_id", st.ID,
		"path", st.Path,
		"profile", st.Profile,
		"source_id", src.ID(),
		"size", fmt.Sprintf("%dx%d", st.Size.Width, st.Size.Height),
		"fps", st.FPS,
	)
	m.emit(statusEvent{
		Event:     eventRecordingStarted,
		SourceID:  src.ID(),
		SessionID: st.ID,
		Kind:      string(src.Kind()),
		Recording: &st,
	})
	return recordingData(st), nil
}

// stopRecording ends the active session. The returned stats are valid
// whenever a session was active, even if it ended with an error.
func (m *Monitor) stopRecording(reason string) (recorder.SessionStats, error) {
	return m.stopSession("", reason)
}

// stopSession ends the active session if its id is sessionID; an empty id
// matches any session
func (m *Monitor) stopSession(sessionID, reason string) (recorder.SessionStats, error) {
	session := m.recorder.Active()
	if session == nil || (sessionID != "" && session.SessionID() != sessionID) {
		return recorder.SessionStats{}, recorder.ErrNotRecording
	}
	m.frameBus.Unregister(session.ID())

	st, err := m.recorder.StopSession(session.SessionID())
	if errors.Is(err, recorder.ErrNotRecording) {
		// Stopped concurrently by another path
		return recorder.SessionStats{}, err
	}

	m.mu.Lock()
	sourceID := m.recSource
	m.recSource = ""
	m.mu.Unlock()

	m.emit(statusEvent{
		Event:     eventRecordingStopped,
		SourceID:  sourceID,
		SessionID: st.ID,
		Reason:    reason,
		Recording: &st,
	})
	return st, err
}

func recordingData(st recorder.SessionStats) map[string]interface{} {
	data := map[string]interface{}{
		"session_id":     st.ID,
		"path":           st.Path,
		"profile":        st.Profile,
		"fps":            st.FPS,
		"size":           st.Size,
		"frames_written": st.Written,
		"frames_dropped": st.Dropped,
	}
	if st.Error != "" {
		data["error"] = st.Error
	}
	return data
}
