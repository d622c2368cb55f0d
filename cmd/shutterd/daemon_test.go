package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/camera/camtest"
	"github.com/tiroq/shutter/internal/camws"
	"github.com/tiroq/shutter/internal/config"
	"github.com/tiroq/shutter/internal/ipc"
	"github.com/tiroq/shutter/internal/permission"
	"github.com/tiroq/shutter/internal/session"
	"github.com/tiroq/shutter/testutil"
)

type fakeConn struct{ state camws.ConnectionState }

func (f fakeConn) State() camws.ConnectionState { return f.state }

type harness struct {
	d        *daemon
	ctrl     *session.Controller
	gate     *permission.Static
	provider *camtest.Provider
	dir      string
	errs     *testutil.LogCapture
	quit     context.Context
}

func newHarness(t *testing.T, conn connection) *harness {
	t.Helper()
	h := &harness{
		gate:     permission.NewStatic(),
		provider: camtest.NewProvider(),
		dir:      t.TempDir(),
		errs:     testutil.NewLogCapture(),
	}
	h.ctrl = session.New(session.Deps{
		Provider: h.provider,
		Resolver: &camtest.Resolver{},
		Gate:     h.gate,
		Clock:    clocktesting.NewFakeClock(time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)),
	}, session.Config{Selector: camera.Back, Mode: camera.ModePhoto, Folder: "shutter"})

	quit, cancelQuit := context.WithCancel(context.Background())
	h.quit = quit
	h.d = newDaemon(h.ctrl, h.gate, conn, h.dir, cancelQuit)
	h.d.errLog = h.errs.Logger("ERROR: ")
	h.ctrl.OnChange(h.d.publish)
	h.gate.OnChange(h.ctrl.SyncPermission)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		cancelQuit()
	})
	return h
}

func (h *harness) queue(t *testing.T, line string) {
	t.Helper()
	cmd, err := ipc.ParseCommand(line)
	require.NoError(t, err)
	require.NoError(t, ipc.WriteCommand(h.dir, cmd))
}

// status flushes pending snapshots and reads the status file back.
func (h *harness) status(t *testing.T) *ipc.StatusSnapshot {
	t.Helper()
	h.d.flushStatus()
	st, err := ipc.ReadStatus(h.dir)
	require.NoError(t, err)
	return st
}

func TestQueuedCommandsBindCamera(t *testing.T) {
	h := newHarness(t, fakeConn{camws.ConnectionState{Status: "connected", DaemonVersion: "1.4.0"}})

	h.queue(t, "show")
	h.queue(t, "grant camera")
	h.d.drainCommands()

	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Bound }, time.Second, 5*time.Millisecond)

	st := h.status(t)
	assert.True(t, st.Visible)
	assert.True(t, st.PermissionGranted)
	assert.Equal(t, "back", st.Selector)
	assert.Equal(t, "photo", st.Mode)
	assert.NotEmpty(t, st.PreviewID)
	assert.Equal(t, "grant camera", st.LastAction)
	assert.Empty(t, st.LastError)
	assert.True(t, st.DaemonConnected)
	assert.Equal(t, "1.4.0", st.DaemonVersion)

	_, err := os.Stat(ipc.CommandPath(h.dir))
	assert.True(t, os.IsNotExist(err), "queue should be consumed")
}

func TestTapPublishesFocusRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.d.handleCommand(ipc.Command{Name: ipc.CmdShow})
	h.d.handleCommand(ipc.Command{Name: ipc.CmdGrant, Args: []string{"camera"}})
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Bound }, time.Second, 5*time.Millisecond)

	h.d.handleCommand(ipc.Command{Name: ipc.CmdViewport, Args: []string{"400", "800"}})
	h.d.handleCommand(ipc.Command{Name: ipc.CmdTap, Args: []string{"100", "200"}})

	st := h.status(t)
	require.NotNil(t, st.Focus)
	assert.Equal(t, 100.0, st.Focus.X)
	assert.Equal(t, 200.0, st.Focus.Y)
	assert.Equal(t, "pending", st.Focus.Result)
	assert.NotEmpty(t, st.Focus.ID)
	assert.False(t, st.DaemonConnected)

	require.Eventually(t, func() bool {
		b := h.provider.Live()
		return b != nil && len(b.Control.FocusPoints()) == 1
	}, time.Second, 5*time.Millisecond)
	pt := h.provider.Live().Control.FocusPoints()[0]
	assert.InDelta(t, 0.25, pt.X, 1e-9)
	assert.InDelta(t, 0.25, pt.Y, 1e-9)
}

func TestModeAndSwitchCommands(t *testing.T) {
	h := newHarness(t, nil)

	h.d.handleCommand(ipc.Command{Name: ipc.CmdMode, Args: []string{"video"}})
	h.d.handleCommand(ipc.Command{Name: ipc.CmdSwitch})

	st := h.status(t)
	assert.Equal(t, "video", st.Mode)
	assert.Equal(t, "front", st.Selector)
	assert.Equal(t, "switch", st.LastAction)
}

func TestRevokeUnbinds(t *testing.T) {
	h := newHarness(t, nil)
	h.d.handleCommand(ipc.Command{Name: ipc.CmdShow})
	h.d.handleCommand(ipc.Command{Name: ipc.CmdGrant, Args: []string{"camera"}})
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Bound }, time.Second, 5*time.Millisecond)

	h.d.handleCommand(ipc.Command{Name: ipc.CmdRevoke, Args: []string{"camera"}})
	require.Eventually(t, func() bool {
		s := h.ctrl.Snapshot()
		return !s.Bound && !s.PermissionGranted
	}, time.Second, 5*time.Millisecond)
}

func TestGrantsArePublished(t *testing.T) {
	h := newHarness(t, nil)

	h.d.handleCommand(ipc.Command{Name: ipc.CmdGrant, Args: []string{"read_media", "camera"}})
	assert.Equal(t, []string{"camera", "read_media"}, h.status(t).Permissions)

	h.d.handleCommand(ipc.Command{Name: ipc.CmdRevoke, Args: []string{"read_media"}})
	st := h.status(t)
	assert.Equal(t, []string{"camera"}, st.Permissions)
	assert.Equal(t, "revoke read_media", st.LastAction)
}

func TestLockLivesInStateDir(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	assert.Equal(t, filepath.Join(cfg.StateDir, "shutterd.lock"), lockPath(cfg))
}

func TestInvalidCommandsRecordLastError(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, os.WriteFile(ipc.CommandPath(h.dir), []byte("bogus 1\nshow\n"), 0644))
	h.d.drainCommands()

	st := h.status(t)
	assert.True(t, st.Visible, "valid lines still run")
	assert.Equal(t, "show", st.LastAction)
	assert.True(t, h.errs.Contains("Rejected command"))

	h.d.handleCommand(ipc.Command{Name: ipc.CmdGrant, Args: []string{"microphone"}})
	st = h.status(t)
	assert.Contains(t, st.LastError, "unknown permission")
	assert.False(t, h.gate.IsGranted(permission.Camera))
}

func TestQuitCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.d.handleCommand(ipc.Command{Name: ipc.CmdQuit})

	select {
	case <-h.quit.Done():
	case <-time.After(time.Second):
		t.Fatal("quit did not cancel the daemon")
	}
}

func TestWatcherPicksUpCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queued before start: drained on startup.
	h.queue(t, "mode video")
	go h.d.watchCommands(ctx)

	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Mode == camera.ModeVideo
	}, 3*time.Second, 10*time.Millisecond)

	h.queue(t, "show")
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Visible
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRotateLogIfNeeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shutterd.out.log")

	require.NoError(t, rotateLogIfNeeded(path, 10), "missing log is fine")

	require.NoError(t, os.WriteFile(path, []byte("short"), 0644))
	require.NoError(t, rotateLogIfNeeded(path, 10))
	_, err := os.Stat(path + ".old")
	assert.True(t, os.IsNotExist(err), "small log rotated")

	require.NoError(t, os.WriteFile(path, []byte("well over ten bytes"), 0644))
	require.NoError(t, rotateLogIfNeeded(path, 10))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(path + ".old")
	require.NoError(t, err)
	assert.Equal(t, "well over ten bytes", string(data))
}

func TestInitLoggingCreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	outLog, errLog, err := initLogging(dir)
	require.NoError(t, err)

	outLog.Println("hello")
	errLog.Println("boom")

	out, err := os.ReadFile(filepath.Join(dir, "shutterd.out.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "[shutterd] ")
	assert.Contains(t, string(out), "hello")

	errs, err := os.ReadFile(filepath.Join(dir, "shutterd.err.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errs), "ERROR: boom")
}
