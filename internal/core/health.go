package core

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/care/rheed/internal/control"
	"github.com/care/rheed/internal/source"
)

// HealthStatus represents the health state of the monitor
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	SourceKind    string `json:"source_kind,omitempty"`
	SourceState   string `json:"source_state"`
	Acquiring     bool   `json:"acquiring"`
	Recording     bool   `json:"recording"`
	MQTTEnabled   bool   `json:"mqtt_enabled"`
	MQTTConnected bool   `json:"mqtt_connected"`
	SampleClients int    `json:"sample_clients"`
}

// HealthCheck returns the current health status of the service
func (m *Monitor) HealthCheck() HealthStatus {
	m.mu.RLock()
	running, started := m.isRunning, m.started
	m.mu.RUnlock()

	src := m.sources.Status()
	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(started).Seconds()),
		SourceKind:    string(src.Kind),
		SourceState:   src.State,
		Acquiring:     src.State == source.StateAcquiring.String(),
		Recording:     m.recorder.Active() != nil,
		MQTTEnabled:   m.cfg.MQTT.Broker != "",
		MQTTConnected: m.emitter.Stats().Connected,
		SampleClients: m.samples.Clients(),
	}

	// An idle source is a normal state; a halted one or a lost broker is not
	switch {
	case !running:
		status.Status = "unhealthy"
	case src.State == source.StateError.String():
		status.Status = "degraded"
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health. It returns 200 while the process is alive.
func (m *Monitor) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness
func (m *Monitor) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := m.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// MetricsHandler handles /metrics in the Prometheus text format
func (m *Monitor) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()

	inst := strconv.Quote(m.cfg.InstanceID)
	metric := func(name string, value interface{}) {
		fmt.Fprintf(w, "rheed_%s{instance=%s} %v\n", name, inst, value)
	}

	src := m.sources.Status()
	bus := m.frameBus.Stats()
	mb := m.mailbox.Stats()
	an := m.analysis.Stats()
	pv := m.preview.Stats()
	em := m.emitter.Stats()

	metric("uptime_seconds", int64(time.Since(started).Seconds()))
	metric("source_frames_total", src.Stats.FrameCount)
	metric("source_fps", src.Stats.FPSReal)
	metric("source_fetch_timeouts_total", src.Stats.Timeouts)
	metric("source_decode_failures_total", src.Stats.DecodeFails)
	metric("framebus_frames_distributed_total", bus.FramesDistributed)
	metric("mailbox_overwritten_total", mb.Overwritten)
	metric("analysis_frames_processed_total", an.Processed)
	metric("analysis_frames_dropped_total", an.Dropped)
	metric("analysis_samples", an.Samples)
	metric("sample_batches_dropped_total", m.batcher.Dropped())
	metric("sample_feed_dropped_total", m.samples.Dropped())
	metric("preview_encoded_total", pv.Encoded)
	metric("mqtt_errors_total", em.Errors)

	sinks := make([]string, 0, len(bus.DroppedBySink))
	for id := range bus.DroppedBySink {
		sinks = append(sinks, id)
	}
	sort.Strings(sinks)
	for _, id := range sinks {
		fmt.Fprintf(w, "rheed_framebus_dropped_total{instance=%s,sink=%q} %d\n", inst, id, bus.DroppedBySink[id])
	}

	if s := m.recorder.Active(); s != nil {
		st := s.Stats()
		metric("recording_frames_written_total", st.Written)
		metric("recording_frames_dropped_total", st.Dropped)
		metric("recording_queue_depth", st.QueueDepth)
		metric("recording_queue_max_depth", st.MaxDepth)
	}
}

// CommandHandler handles POST /command with the control plane JSON envelope
func (m *Monitor) CommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd control.Command
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, control.Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}

	slog.Info("http command received", "command", cmd.Command, "id", cmd.ID)

	resp := m.commands.Execute(cmd)
	code := http.StatusOK
	if resp.Status != "success" {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// routes returns the HTTP handler of the monitor
func (m *Monitor) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.LivenessHandler)
	mux.HandleFunc("/readiness", m.ReadinessHandler)
	mux.HandleFunc("/metrics", m.MetricsHandler)
	mux.HandleFunc("/command", m.CommandHandler)
	mux.Handle("/preview.jpg", m.preview)
	mux.Handle("/ws/samples", m.samples)
	return mux
}

// StartHealthServer starts the HTTP server on the configured port. It does
// not block.
func (m *Monitor) StartHealthServer() error {
	addr := fmt.Sprintf(":%d", m.cfg.HTTP.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     m.routes(),
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: /ws/samples connections are long lived
		IdleTimeout: 60 * time.Second,
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	slog.Info("starting http server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/command", "/preview.jpg", "/ws/samples"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()
	return nil
}
