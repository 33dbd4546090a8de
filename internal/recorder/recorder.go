// Package recorder writes frames to video containers on a dedicated encoder
// goroutine behind a bounded, drop-newest queue.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/care/rheed/internal/types"
	"gopkg.in/yaml.v3"
)

// ErrAlreadyRecording is returned when a session is already active
var ErrAlreadyRecording = errors.New("recording already in progress")

// Config configures a Recorder
type Config struct {
	SaveDir        string
	DefaultProfile Profile
	MJPEGQuality   int
	QueueCapacity  int
	JoinTimeout    time.Duration

	// OpenQuality opens the lossless 2vuy writer. Without it, quality
	// requests fall back to the compatibility profile.
	OpenQuality Opener
	// OpenCompatibility opens the Motion JPEG writer; OpenMJPEG when nil
	OpenCompatibility Opener

	// OnError receives the id of a session that failed and its error
	OnError func(sessionID string, err error)
}

// SourceInfo describes the frames a session will receive
type SourceInfo struct {
	Camera bool
	Format types.PixelFormat
	FPS    float64
	Size   types.Size
}

// Sidecar is the metadata document written next to every recording
type Sidecar struct {
	SessionID string        `yaml:"session_id"`
	File      string        `yaml:"file"`
	FurnaceID string        `yaml:"furnace_id"`
	Status    string        `yaml:"status,omitempty"`
	Substrate string        `yaml:"substrate,omitempty"`
	Material  string        `yaml:"material,omitempty"`
	Label     string        `yaml:"label,omitempty"`
	Profile   Profile       `yaml:"profile"`
	Codec     string        `yaml:"codec"`
	Format    string        `yaml:"pixel_format,omitempty"`
	FPS       float64       `yaml:"fps"`
	Width     int           `yaml:"width"`
	Height    int           `yaml:"height"`
	StartedAt time.Time     `yaml:"started_at"`
	StoppedAt time.Time     `yaml:"stopped_at"`
	Duration  time.Duration `yaml:"duration"`
	Written   uint64        `yaml:"frames_written"`
	Dropped   uint64        `yaml:"frames_dropped"`
	Error     string        `yaml:"error,omitempty"`
}

// Recorder owns at most one recording session at a time
type Recorder struct {
	cfg Config

	mu      sync.Mutex
	active  *Session
	request Request
	source  SourceInfo
}

// New creates a recorder
func New(cfg Config) *Recorder {
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = ProfileCompatibility
	}
	if cfg.MJPEGQuality <= 0 {
		cfg.MJPEGQuality = 95
	}
	if cfg.OpenCompatibility == nil {
		cfg.OpenCompatibility = OpenMJPEG
	}
	return &Recorder{cfg: cfg}
}

// Start resolves the profile and a unique output path and starts a session
func (r *Recorder) Start(req Request, src SourceInfo) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrAlreadyRecording
	}

	furnace := sanitize(req.FurnaceID)
	if furnace == "" {
		return nil, errors.New("furnace id is required")
	}
	if r.cfg.SaveDir == "" {
		return nil, errors.New("recording save path is not configured")
	}
	stem, err := req.FileStem()
	if err != nil {
		return nil, err
	}

	requested := req.Profile
	if requested == "" {
		requested = r.cfg.DefaultProfile
	}
	profile := ResolveProfile(requested, src.Camera, src.Format)
	open := r.cfg.OpenCompatibility
	if profile == ProfileQuality {
		if r.cfg.OpenQuality == nil {
			slog.Warn("lossless writer unavailable, recording in compatibility mode")
			profile = ProfileCompatibility
		} else {
			open = r.cfg.OpenQuality
		}
	}
	if profile != requested {
		slog.Info("recording profile resolved",
			"requested", requested,
			"profile", profile,
			"pixel_format", src.Format,
		)
	}

	dir := filepath.Join(r.cfg.SaveDir, furnace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	path, err := UniquePath(filepath.Join(dir, stem), profile.Ext())
	if err != nil {
		return nil, err
	}

	s, err := Start(SessionConfig{
		Path:        path,
		FPS:         src.FPS,
		Size:        src.Size,
		Profile:     profile,
		Quality:     r.cfg.MJPEGQuality,
		Capacity:    r.cfg.QueueCapacity,
		JoinTimeout: r.cfg.JoinTimeout,
		Open:        open,
		OnError:     r.cfg.OnError,
	})
	if err != nil {
		return nil, err
	}

	req.Profile = profile
	r.active = s
	r.request = req
	r.source = src
	return s, nil
}

// Stop ends the active session and writes its sidecar
func (r *Recorder) Stop() (SessionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return SessionStats{}, ErrNotRecording
	}
	return r.stopLocked()
}

// StopSession ends the active session only if it is the session id
func (r *Recorder) StopSession(id string) (SessionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil || r.active.SessionID() != id {
		return SessionStats{}, ErrNotRecording
	}
	return r.stopLocked()
}

func (r *Recorder) stopLocked() (SessionStats, error) {
	s := r.active
	r.active = nil

	stopErr := s.Stop()
	stats := s.Stats()

	if err := r.writeSidecar(stats); err != nil {
		slog.Warn("recording sidecar not written", "path", stats.Path, "error", err)
	}
	return stats, stopErr
}

// Active returns the active session, or nil
func (r *Recorder) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SidecarPath returns the metadata path for a recording file
func SidecarPath(path string) string {
	return path + ".yaml"
}

func (r *Recorder) writeSidecar(st SessionStats) error {
	doc := Sidecar{
		SessionID: st.ID,
		File:      filepath.Base(st.Path),
		FurnaceID: r.request.FurnaceID,
		Status:    r.request.Status,
		Substrate: r.request.Substrate,
		Material:  r.request.Material,
		Label:     r.request.Label,
		Profile:   st.Profile,
		Codec:     st.Profile.Codec(),
		Format:    strings.TrimSpace(string(r.source.Format)),
		FPS:       st.FPS,
		Width:     st.Size.Width,
		Height:    st.Size.Height,
		StartedAt: st.StartedAt,
		StoppedAt: st.StartedAt.Add(st.Duration),
		Duration:  st.Duration,
		Written:   st.Written,
		Dropped:   st.Dropped,
		Error:     st.Error,
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	return os.WriteFile(SidecarPath(st.Path), data, 0o644)
}

// ReadSidecar loads the metadata document of a recording
func ReadSidecar(path string) (Sidecar, error) {
	var doc Sidecar
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	return doc, nil
}
