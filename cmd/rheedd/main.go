package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/care/rheed/internal/aravis"
	"github.com/care/rheed/internal/config"
	"github.com/care/rheed/internal/core"
	"github.com/care/rheed/internal/cvio"
	"github.com/care/rheed/internal/discovery"
	"github.com/care/rheed/internal/gstrec"
	"github.com/care/rheed/internal/source"
	"github.com/care/rheed/internal/types"
)

const defaultConfigPath = "config/rheed.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	discover := flag.Duration("discover", 0, "Browse the network for running instances for the given duration and exit")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if *discover > 0 {
		os.Exit(browse(*discover))
	}

	slog.Info("starting rheed monitor",
		"config", *configPath,
		"debug", *debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	monitor, err := core.NewMonitor(*configPath, core.Backends{
		CameraDriver: newAravisDriver,
		OpenVideo:    cvio.OpenVideo,
		OpenQuality:  gstrec.Open,
	})
	if err != nil {
		slog.Error("failed to create monitor", "error", err)
		os.Exit(1)
	}

	if err := monitor.StartHealthServer(); err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- monitor.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			slog.Error("monitor error", "error", err)
		} else {
			slog.Info("monitor stopped (via shutdown command)")
		}
	}

	shutdownTimeout := monitor.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := monitor.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("rheed monitor stopped successfully")
}

// newAravisDriver builds the GenICam driver from the camera section
func newAravisDriver(cam config.CameraConfig) (source.CameraDriver, error) {
	devices := make([]aravis.Device, 0, len(cam.Devices))
	for _, d := range cam.Devices {
		devices = append(devices, aravis.Device{
			Name:   d.Name,
			Serial: d.Serial,
			Vendor: d.Vendor,
			Model:  d.Model,
		})
	}
	return aravis.NewDriver(aravis.Config{
		Devices:       devices,
		Width:         cam.Width,
		Height:        cam.Height,
		PixelFormat:   types.PixelFormat(cam.PixelFormat),
		PixelFormats:  cam.PixelFormats,
		ExposureUS:    cam.ExposureUS,
		ExposureMinUS: cam.ExposureMinUS,
		ExposureMaxUS: cam.ExposureMaxUS,
	})
}

// browse prints the instances answering on the local network as JSON lines
func browse(timeout time.Duration) int {
	instances, err := discovery.Browse(timeout)
	if err != nil {
		slog.Error("discovery failed", "error", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	for _, inst := range instances {
		enc.Encode(inst)
	}
	slog.Info("discovery finished", "instances", len(instances))
	return 0
}
