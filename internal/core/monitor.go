package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/care/rheed/internal/analysis"
	"github.com/care/rheed/internal/config"
	"github.com/care/rheed/internal/control"
	"github.com/care/rheed/internal/discovery"
	"github.com/care/rheed/internal/emitter"
	"github.com/care/rheed/internal/framebus"
	"github.com/care/rheed/internal/mailbox"
	"github.com/care/rheed/internal/preview"
	"github.com/care/rheed/internal/recorder"
	"github.com/care/rheed/internal/source"
	"github.com/care/rheed/internal/types"
)

// mockSignalHz is the oscillation of the synthetic camera, close to the
// layer period of a slow growth
const mockSignalHz = 0.5

// Backends supplies the implementations that bind native libraries. The
// daemon wires GStreamer and OpenCV here; tests leave them nil.
type Backends struct {
	// CameraDriver builds the driver for camera.driver values other than "mock"
	CameraDriver func(cfg config.CameraConfig) (source.CameraDriver, error)
	// OpenVideo opens recorded files for playback
	OpenVideo source.VideoOpener
	// OpenQuality opens the lossless writer of the quality profile
	OpenQuality recorder.Opener
}

// Monitor is the main service orchestrator
type Monitor struct {
	cfg *config.Config

	// Core components
	sources  *source.Manager
	mailbox  *mailbox.Mailbox
	frameBus *framebus.Bus
	analysis *analysis.Engine
	recorder *recorder.Recorder
	preview  *preview.Poller

	// Outputs
	emitter    *emitter.MQTTEmitter
	batcher    *emitter.Batcher
	samples    *sampleHub
	commands   *control.Handler // serves /command; MQTT gets its own handler
	mqttCtl    *control.Handler
	advertiser *discovery.Advertiser
	server     *http.Server
	events     chan statusEvent

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	recSource string // source feeding the active recording
	runCtx    context.Context
	cancelCtx context.CancelFunc
}

// NewMonitor loads the configuration and creates the service
func NewMonitor(configPath string, backends Backends) (*Monitor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"driver", cfg.Camera.Driver,
	)
	return newMonitor(cfg, backends)
}

func newMonitor(cfg *config.Config, backends Backends) (*Monitor, error) {
	driver, err := newCameraDriver(cfg.Camera, backends)
	if err != nil {
		return nil, fmt.Errorf("failed to create camera driver: %w", err)
	}

	m := &Monitor{
		cfg:      cfg,
		mailbox:  mailbox.New(),
		frameBus: framebus.New(),
		emitter:  emitter.NewMQTTEmitter(cfg),
		samples:  newSampleHub(),
		events:   make(chan statusEvent, 64),
	}

	m.analysis = analysis.NewEngine(analysis.Config{
		WindowS:     cfg.Analysis.WindowS,
		Components:  cfg.Analysis.Components,
		InboxFrames: cfg.Analysis.InboxFrames,
	})
	m.frameBus.Register(m.analysis)

	m.batcher = emitter.NewBatcher(cfg.InstanceID, 0, 0, m.flushSamples)
	m.analysis.Subscribe(m.batcher.Add)

	m.recorder = recorder.New(recorder.Config{
		SaveDir:        cfg.Recording.SavePath,
		DefaultProfile: recorder.Profile(cfg.Recording.Profile),
		MJPEGQuality:   cfg.Recording.MJPEGQuality,
		QueueCapacity:  cfg.Recording.QueueCapacity,
		JoinTimeout:    time.Duration(cfg.Recording.JoinTimeoutMS) * time.Millisecond,
		OpenQuality:    backends.OpenQuality,
		OnError:        m.onRecordingError,
	})

	m.preview = preview.NewPoller(m.mailbox, cfg.Display.PreviewFPS, cfg.Display.SnapshotQuality)

	m.sources = source.NewManager(source.ManagerConfig{
		Driver:       driver,
		Opener:       backends.OpenVideo,
		DeviceIndex:  cfg.Camera.DeviceIndex,
		FPS:          float64(cfg.Camera.FPS),
		FetchTimeout: time.Duration(cfg.Camera.FetchTimeoutMS) * time.Millisecond,
		Output:       m.deliver,
		OnError:      m.onSourceError,
		OnState:      m.onSourceState,
	})

	m.commands = control.NewHandler(cfg, nil, m.callbacks())

	if cfg.Discovery.Enabled {
		m.advertiser = discovery.NewAdvertiser(discovery.Config{
			ServiceName: cfg.Discovery.ServiceName,
			Port:        cfg.HTTP.Port,
			InstanceID:  cfg.InstanceID,
		})
	}

	return m, nil
}

// newCameraDriver selects the camera driver named in the configuration
func newCameraDriver(cam config.CameraConfig, backends Backends) (source.CameraDriver, error) {
	if cam.Driver == "mock" {
		devices := make([]source.DeviceInfo, 0, len(cam.Devices))
		for i, d := range cam.Devices {
			devices = append(devices, source.DeviceInfo{
				Index:  i,
				Name:   d.Name,
				Vendor: d.Vendor,
				Model:  d.Model,
				Serial: d.Serial,
			})
		}
		return source.NewMockDriver(source.MockConfig{
			Devices:     devices,
			Width:       cam.Width,
			Height:      cam.Height,
			FPS:         float64(cam.FPS),
			Format:      types.PixelFormat(cam.PixelFormat),
			Formats:     cam.PixelFormats,
			ExposureMin: cam.ExposureMinUS,
			ExposureMax: cam.ExposureMaxUS,
			ExposureUS:  cam.ExposureUS,
			SignalHz:    mockSignalHz,
		}), nil
	}

	if backends.CameraDriver == nil {
		return nil, fmt.Errorf("camera driver %q is not available in this build", cam.Driver)
	}
	return backends.CameraDriver(cam)
}

// Run starts the service and blocks until the context is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	m.isRunning = true
	m.started = time.Now()

	// Cancellable so the shutdown command can end Run
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.runCtx = ctx
	m.cancelCtx = cancel
	m.mu.Unlock()

	slog.Info("rheed monitor starting",
		"instance_id", m.cfg.InstanceID,
		"driver", m.cfg.Camera.Driver,
		"device_index", m.cfg.Camera.DeviceIndex,
	)

	if m.cfg.MQTT.Broker != "" {
		if err := m.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		ctl := control.NewHandler(m.cfg, m.emitter.Client, m.callbacks())
		if err := ctl.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		m.mu.Lock()
		m.mqttCtl = ctl
		m.mu.Unlock()
	} else {
		slog.Info("mqtt disabled, no broker configured")
	}

	if m.advertiser != nil {
		if err := m.advertiser.Advertise(); err != nil {
			slog.Warn("mdns advertisement failed", "error", err)
		}
	}

	m.wg.Add(4)
	go func() {
		defer m.wg.Done()
		m.batcher.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.preview.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.frameBus.RunStatsLogger(ctx.Done(), 10*time.Second)
	}()
	go func() {
		defer m.wg.Done()
		m.watchEvents(ctx)
	}()

	slog.Info("rheed monitor running",
		"mqtt", m.cfg.MQTT.Broker != "",
		"discovery", m.advertiser != nil,
	)

	<-ctx.Done()

	slog.Info("rheed monitor run loop exiting")
	return nil
}

// Shutdown performs graceful shutdown of all components
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	ctl, cancel, server := m.mqttCtl, m.cancelCtx, m.server
	m.mu.Unlock()

	slog.Info("shutting down rheed monitor")

	// Shutdown sequence (order matters):
	// 1. No more commands
	if ctl != nil {
		if err := ctl.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Finish the recording while frames can still drain into it
	if m.recorder.Active() != nil {
		if _, err := m.stopRecording("shutdown"); err != nil {
			slog.Error("failed to stop recording", "error", err)
		}
	}

	// 3. Drain the active source back to Idle
	slog.Info("stopping frame source")
	m.sources.Close()

	// 4. Wait for goroutines to finish, bounded by ctx
	if cancel != nil {
		cancel()
	}
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("goroutines did not finish before shutdown timeout")
	}

	m.analysis.Stop()
	m.samples.Close()

	if m.advertiser != nil {
		if err := m.advertiser.Stop(); err != nil {
			slog.Warn("failed to stop mdns advertisement", "error", err)
		}
	}

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			slog.Warn("health server shutdown failed", "error", err)
		}
	}

	// 5. Disconnect MQTT last so the final status goes out
	if err := m.emitter.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}

	m.mu.Lock()
	uptime := time.Since(m.started)
	m.isRunning = false
	m.mu.Unlock()

	slog.Info("rheed monitor shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (m *Monitor) ShutdownTimeout() time.Duration {
	timeout := time.Duration(m.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// deliver publishes a frame of the active source to the mailbox and the
// frame bus. It runs on the source goroutine.
func (m *Monitor) deliver(f types.Frame) {
	m.mailbox.Put(f)
	m.frameBus.Distribute(f)
}

// onSourceState may run with the source manager locked, so it only posts to
// the analysis engine and queues a status event.
func (m *Monitor) onSourceState(src *source.Source, st source.State) {
	switch st {
	case source.StateAcquiring:
		m.analysis.SourceStarted(src.ID())
	case source.StateIdle, source.StateError:
		m.analysis.SourceStopped(src.ID())
	}

	m.emit(statusEvent{
		Event:    eventSourceState,
		SourceID: src.ID(),
		Kind:     string(src.Kind()),
		State:    st.String(),
	})
}

func (m *Monitor) onSourceError(src *source.Source, err error) {
	m.emit(statusEvent{
		Event:    eventSourceError,
		SourceID: src.ID(),
		Kind:     string(src.Kind()),
		Error:    err.Error(),
	})
}

// onRecordingError runs on the encoder goroutine when a session fails
func (m *Monitor) onRecordingError(sessionID string, err error) {
	m.emit(statusEvent{Event: eventRecordingError, SessionID: sessionID, Error: err.Error()})
}

// flushSamples sends a sample batch to the MQTT broker and websocket clients
func (m *Monitor) flushSamples(batch emitter.SampleBatch) {
	m.samples.Broadcast(batch)

	if m.cfg.MQTT.Broker == "" {
		return
	}
	if err := m.emitter.PublishSamples(batch); err != nil {
		slog.Debug("sample batch not published", "batch", batch.Batch, "error", err)
	}
}
