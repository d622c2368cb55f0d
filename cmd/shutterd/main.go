// Command shutterd runs the capture session against the camera daemon and
// serves commands queued by the shutter CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/utils/clock"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/camws"
	"github.com/tiroq/shutter/internal/config"
	"github.com/tiroq/shutter/internal/diaglog"
	"github.com/tiroq/shutter/internal/hwlock"
	"github.com/tiroq/shutter/internal/media"
	"github.com/tiroq/shutter/internal/permission"
	"github.com/tiroq/shutter/internal/recorder"
	"github.com/tiroq/shutter/internal/remotecam"
	"github.com/tiroq/shutter/internal/session"
	"github.com/tiroq/shutter/internal/validation"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	configPath := pflag.String("config", config.DefaultPath(), "path to the YAML config file")
	envFile := pflag.String("env-file", ".env", "dotenv file with SHUTTER_* overrides")
	exportDiag := pflag.Bool("export-diag", false, "write a diagnostic bundle to the current directory and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	diaglog.Version = Version
	if *exportDiag {
		os.Exit(runExportDiag(diagLogPath(cfg)))
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func diagLogPath(cfg *config.Config) string {
	if cfg.DiagLogPath != "" {
		return cfg.DiagLogPath
	}
	return filepath.Join(cfg.StateDir, "shutter-debug.log")
}

// lockPath keeps the camera lock next to the other state files so the CLI
// finds it through --state-dir.
func lockPath(cfg *config.Config) string {
	return hwlock.PathIn(cfg.StateDir, "shutterd")
}

func runExportDiag(logPath string) int {
	path, n, err := diaglog.Export(logPath, ".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hint: run with %s=true to enable logging\n", diaglog.EnvDebug)
			return 1
		}
		return 2
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return 0
}

func run(cfg *config.Config) error {
	outLog, errLog, err := initLogging(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	outLog.Println("===========================================")
	outLog.Println("Starting shutterd v" + Version + "...")
	outLog.Printf("PID: %d", os.Getpid())
	outLog.Println("===========================================")

	lockPath := lockPath(cfg)
	lock, err := hwlock.Acquire(lockPath, "shutterd")
	if err != nil {
		if holder, ok := hwlock.Read(lockPath); ok {
			errLog.Printf("Camera held by %s (PID %d) since %s", holder.Owner, holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		}
		return fmt.Errorf("acquire camera lock %s: %w", lockPath, err)
	}
	defer func() {
		outLog.Println("Releasing camera lock...")
		if err := lock.Release(); err != nil {
			errLog.Printf("Warning: failed to release camera lock: %v", err)
		}
	}()

	logger, err := diaglog.New(diagLogPath(cfg))
	if err != nil {
		errLog.Printf("[STARTUP] WARNING: could not open diagnostic log: %v (continuing)", err)
		logger = diaglog.NewNoOp()
	}
	defer func() { _ = logger.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Camera daemon link.
	outLog.Printf("[STARTUP] Connecting to camera daemon at %s...", cfg.Daemon.URL)
	client := camws.NewClient(cfg.Daemon.URL, cfg.Daemon.Password)
	client.SetLogger(logger)
	client.SetRequestTimeout(cfg.RequestTimeout())
	client.SetReconnectDelay(cfg.ReconnectDelay())
	if err := client.Start(); err != nil {
		errLog.Printf("[STARTUP] Camera daemon unavailable: %v (retrying in background)", err)
	}
	defer func() {
		outLog.Println("[SHUTDOWN] Disconnecting from camera daemon...")
		client.Disconnect()
	}()
	checkDaemon(ctx, client, cfg.ConnectTimeout(), outLog.Printf, errLog.Printf)

	// Media catalog and store.
	if err := os.MkdirAll(filepath.Dir(cfg.Media.IndexPath), 0755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	index, err := media.OpenIndex(cfg.Media.IndexPath)
	if err != nil {
		return fmt.Errorf("open media index: %w", err)
	}
	defer index.Close()
	store := media.NewStore(cfg.Media.Root, index, clock.RealClock{}, logger)

	rec := recorder.New(client, logger)
	ctrl, gate := newController(cfg, client, rec, store, logger)
	d := newDaemon(ctrl, gate, client, cfg.StateDir, cancel)
	d.logger = logger
	d.outLog = outLog
	d.errLog = errLog
	wire(ctx, d, ctrl, gate, client)

	statusCtx, stopStatus := context.WithCancel(context.Background())
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		d.writeStatusLoop(statusCtx)
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = ctrl.Run(ctx)
	}()

	if cfg.Session.StartVisible {
		ctrl.SetVisible(true)
	}

	go d.watchCommands(ctx)

	outLog.Println("[RUNNING] shutterd is running")
	<-ctx.Done()

	outLog.Println("===========================================")
	outLog.Printf("[SHUTDOWN] Shutting down at %s", time.Now().Format(time.RFC3339))
	<-runDone
	rec.Wait()
	stopStatus()
	<-statusDone
	outLog.Println("[SHUTDOWN] Shutdown complete")
	return nil
}

// newController builds the capture session over the daemon-backed camera.
func newController(cfg *config.Config, client *camws.Client, rec *recorder.Recorder, resolver camera.Resolver, logger *diaglog.Logger) (*session.Controller, *permission.Static) {
	gate := permission.NewStatic(cfg.GrantedPermissions()...)
	ctrl := session.New(session.Deps{
		Provider: remotecam.New(client, rec, logger),
		Resolver: resolver,
		Gate:     gate,
		Clock:    clock.RealClock{},
		Logger:   logger,
	}, session.Config{
		Selector:      cfg.Selector(),
		Mode:          cfg.Mode(),
		Folder:        cfg.Media.AppFolder,
		FocusTTL:      cfg.FocusTTL(),
		FlashDuration: cfg.FlashDuration(),
	})
	return ctrl, gate
}

// wire connects controller, gate and daemon link to d. After a lost daemon
// session the controller rebinds once the link is back.
func wire(ctx context.Context, d *daemon, ctrl *session.Controller, gate *permission.Static, client *camws.Client) {
	ctrl.OnChange(d.publish)
	gate.OnChange(ctrl.SyncPermission)
	client.OnDisconnected(func() {
		d.errLog.Println("[EVENT] Camera daemon disconnected - will attempt reconnection")
		d.publish(ctrl.Snapshot())
		go func() {
			if err := client.Ready(ctx); err != nil {
				return
			}
			d.outLog.Println("[EVENT] Camera daemon reconnected - rebinding")
			ctrl.Rebind()
		}()
	})
}

// checkDaemon waits for the daemon session and logs its compatibility.
func checkDaemon(ctx context.Context, client *camws.Client, timeout time.Duration, infof, errorf func(string, ...interface{})) {
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ready(readyCtx); err != nil {
		errorf("[STARTUP] Camera daemon not ready after %s: %v (continuing)", timeout, err)
		return
	}

	info, err := client.GetVersion(readyCtx)
	if err != nil {
		errorf("[STARTUP] GetVersion failed: %v", err)
		return
	}
	infof("[STARTUP] Connected to camera daemon %s (rpc %d, cameras %v)", info.DaemonVersion, info.RPCVersion, info.Cameras)

	health := validation.CheckDaemonHealth(info.DaemonVersion, info.RPCVersion, info.Cameras)
	infof("[STARTUP] Daemon health: %s", health.Message)
	for _, w := range health.Warnings {
		errorf("[STARTUP] WARNING: %s", w)
	}
	if !health.OK {
		errorf("[STARTUP] WARNING: camera daemon compatibility check found issues:")
		for _, issue := range health.Issues {
			errorf("  - %s", issue)
		}
		errorf("Suggested fixes:")
		for _, fix := range health.Fixes {
			errorf("  - %s", fix)
		}
		errorf("Continuing anyway, but capture may not work properly.")
	}
}
