package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/care/rheed/internal/recorder"
	"github.com/care/rheed/internal/source"
)

const (
	eventSourceState      = "source_state"
	eventSourceError      = "source_error"
	eventRecordingStarted = "recording_started"
	eventRecordingStopped = "recording_stopped"
	eventRecordingError   = "recording_error"
)

// statusEvent is published on the status topic
type statusEvent struct {
	Instance  string                 `json:"instance_id"`
	Event     string                 `json:"event"`
	SourceID  string                 `json:"source_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	State     string                 `json:"state,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Recording *recorder.SessionStats `json:"recording,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// emit queues a status event without blocking
func (m *Monitor) emit(ev statusEvent) {
	ev.Instance = m.cfg.InstanceID
	ev.Timestamp = time.Now().UTC()

	select {
	case m.events <- ev:
	default:
		slog.Warn("status event queue full, event dropped", "event", ev.Event, "source_id", ev.SourceID)
	}
}

// watchEvents reacts to lifecycle events and publishes them. It never calls
// into the source manager, whose lock may be held by the event's producer.
func (m *Monitor) watchEvents(ctx context.Context) {
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-ctx.Done():
			// Publish what the shutdown sequence produced
			for {
				select {
				case ev := <-m.events:
					m.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) handleEvent(ev statusEvent) {
	switch ev.Event {
	case eventSourceState:
		if ev.State != source.StateIdle.String() && ev.State != source.StateError.String() {
			break
		}
		m.mu.RLock()
		feeding := m.recSource != "" && m.recSource == ev.SourceID
		m.mu.RUnlock()
		if feeding {
			if _, err := m.stopRecording("source " + ev.State); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
				slog.Warn("recording stop after source end failed", "error", err)
			}
		}

	case eventRecordingError:
		// A failed session accepts no frames; finish it so the sidecar is
		// written. The session may already be stopped and replaced.
		if _, err := m.stopSession(ev.SessionID, "encoder error"); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
			slog.Warn("recording stop after encoder error failed", "session_id", ev.SessionID, "error", err)
		}
	}

	m.publishStatus(ev)
}

func (m *Monitor) publishStatus(ev statusEvent) {
	slog.Debug("status event", "event", ev.Event, "source_id", ev.SourceID, "state", ev.State)

	if m.cfg.MQTT.Broker == "" {
		return
	}
	if err := m.emitter.PublishStatus(ev); err != nil {
		slog.Warn("failed to publish status", "event", ev.Event, "error", err)
	}
}
