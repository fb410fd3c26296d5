package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"

	"linentrack/station/storage"
)

// program implements service.Interface
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("LinenTrack Station service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	runStation(p.ctx, "")
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("LinenTrack Station service stopped")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("LinenTrack Station service stopped with timeout")
		}
	}

	return nil
}

// getServiceConfig returns the station's service definition. The working
// directory is the same per-OS data directory the station resolves at
// runtime, so the service and interactive modes share one cache.
func getServiceConfig() *service.Config {
	workingDir, err := storage.GetDataDir("LinenTrack")
	if err != nil {
		workingDir = ""
	}

	return &service.Config{
		Name:             "LinenTrackStation",
		DisplayName:      "LinenTrack Station",
		Description:      "Caches the linen inventory locally for offline RFID lookups and synchronizes scans with the central service.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			// Windows
			"StartType": "automatic",
			"OnFailure": "restart",
			// systemd
			"Restart":    "on-failure",
			"RestartSec": 5,
			// launchd
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// setupServiceDirectories creates the data and log directories before the
// service is installed, so first start does not race directory creation.
func setupServiceDirectories() error {
	dataDir, err := storage.GetDataDir("LinenTrack")
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(dataDir, "logs"), 0755)
}
