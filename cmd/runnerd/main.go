// runnerd is the vkrun device runner: it enrolls against the control plane,
// provisions managed worktrees, and executes dispatched typed operations
// under process supervision.
//
// Exit codes:
//
//	0  clean shutdown
//	64 fatal configuration error
//	65 unsafe managed root
//	69 device not enrolled (or revoked)
//	70 internal error
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/config"
	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/runner/client"
	"github.com/vkrun/vkrun/internal/runner/dispatch"
	"github.com/vkrun/vkrun/internal/runner/lease"
	"github.com/vkrun/vkrun/internal/runner/orchestrator"
	"github.com/vkrun/vkrun/internal/runner/snapshot"
	"github.com/vkrun/vkrun/internal/runner/supervisor"
	"github.com/vkrun/vkrun/internal/runner/worktree"
	"github.com/vkrun/vkrun/internal/tracing"
)

const (
	exitOK          = 0
	exitConfig      = 64
	exitUnsafeRoot  = 65
	exitNotEnrolled = 69
	exitInternal    = 70
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitConfig)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if cfg.Tracing.Enabled {
		tracing.Init("vkrun-runnerd", cfg.Tracing.Endpoint)
	}

	os.Exit(run(cfg, log))
}

func run(cfg *config.Config, log *logger.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Runner.DeviceID == "" {
		log.Error("runner.deviceId is required")
		return exitConfig
	}

	root, err := worktree.ManagedRoot(cfg.Runner.ManagedRootOverride)
	if err != nil {
		log.Error("failed to resolve managed root", zap.Error(err))
		return exitConfig
	}
	worktrees, err := worktree.NewManager(root, log)
	if err != nil {
		if errors.Is(err, worktree.ErrUnsafePath) {
			log.Error("managed root failed the safety check", zap.Error(err))
			return exitUnsafeRoot
		}
		log.Error("failed to init worktree manager", zap.Error(err))
		return exitInternal
	}

	api := client.NewHTTPClient(cfg.Runner.ControlPlaneURL)

	// Refuse to serve unless this device is enrolled and unrevoked.
	device, err := api.GetDevice(ctx, cfg.Runner.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Error("device is not enrolled", zap.String("device_id", cfg.Runner.DeviceID))
			return exitNotEnrolled
		}
		log.Error("failed to check enrollment", zap.Error(err))
		return exitInternal
	}
	if device.RevokedAt != nil {
		log.Error("device enrollment is revoked", zap.String("device_id", cfg.Runner.DeviceID))
		return exitNotEnrolled
	}

	sup := supervisor.New(cfg.Supervisor.GracefulStopDuration(), cfg.Supervisor.LogRingBytes, log)
	snapshots := snapshot.NewService(api, worktrees, log)
	leases := lease.NewManager(api, cfg.Runner.DeviceID, cfg.Lease.HeartbeatDuration(), log)

	orch := orchestrator.New(api, worktrees, sup, snapshots, leases, nil,
		orchestrator.Config{DeviceID: cfg.Runner.DeviceID}, log)

	validator := dispatch.NewValidator(api, cfg.Runner.DeviceID, cfg.Runner.NonceCacheSize)
	dc := dispatch.NewClient(cfg.Runner.ControlPlaneURL, cfg.Runner.DeviceID, validator, orch, log)
	orch.SetUplink(dc)

	if err := orch.RecoverStartup(ctx); err != nil {
		log.Error("startup recovery failed", zap.Error(err))
		return exitInternal
	}

	log.Info("runner ready",
		zap.String("device_id", cfg.Runner.DeviceID),
		zap.String("managed_root", worktrees.Root()),
		zap.String("control_plane", cfg.Runner.ControlPlaneURL))
	dc.Run(ctx)
	log.Info("runner shutting down")
	return exitOK
}
