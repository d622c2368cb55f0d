package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/tiroq/shutter/internal/camera/camtest"
	"github.com/tiroq/shutter/internal/camws"
	"github.com/tiroq/shutter/internal/config"
	"github.com/tiroq/shutter/internal/gallery"
	"github.com/tiroq/shutter/internal/ipc"
	"github.com/tiroq/shutter/internal/media"
	"github.com/tiroq/shutter/internal/recorder"
	"github.com/tiroq/shutter/internal/session"
	"github.com/tiroq/shutter/testutil"
)

type stack struct {
	mock   *testutil.MockCameraDaemon
	client *camws.Client
	ctrl   *session.Controller
	d      *daemon
	store  *media.Store
	cfg    *config.Config
}

// startStack wires the daemon the way run does, against a mock camera daemon.
func startStack(t *testing.T) *stack {
	t.Helper()
	root := t.TempDir()

	mock := testutil.NewMockCameraDaemon()
	require.NoError(t, mock.Start())
	t.Cleanup(func() { _ = mock.Stop() })
	mock.SetPicture(camtest.JPEGBytes)
	mock.SetRecordingChunks(camtest.MP4Bytes[:16], camtest.MP4Bytes[16:])

	cfg := config.Default()
	cfg.Daemon.URL = mock.URL()
	cfg.Daemon.ReconnectDelayMs = 100
	cfg.Media.Root = root
	cfg.Media.IndexPath = filepath.Join(root, "media.db")
	cfg.StateDir = filepath.Join(root, "state")
	cfg.Permissions = []string{"camera", "record_audio"}
	require.NoError(t, cfg.Validate())

	client := camws.NewClient(cfg.Daemon.URL, "")
	client.SetRequestTimeout(2 * time.Second)
	client.SetReconnectDelay(cfg.ReconnectDelay())
	require.NoError(t, client.Start())
	t.Cleanup(client.Disconnect)

	index, err := media.OpenIndex(cfg.Media.IndexPath)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	store := media.NewStore(cfg.Media.Root, index, clock.RealClock{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rec := recorder.New(client, nil)
	ctrl, gate := newController(cfg, client, rec, store, nil)
	d := newDaemon(ctrl, gate, client, cfg.StateDir, cancel)
	wire(ctx, d, ctrl, gate, client)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
		rec.Wait()
	})

	return &stack{mock: mock, client: client, ctrl: ctrl, d: d, store: store, cfg: cfg}
}

func (s *stack) waitBinding(t *testing.T, selector string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := s.ctrl.Snapshot()
		return snap.Bound && snap.Selector.String() == selector && s.mock.Binding() != ""
	}, 3*time.Second, 10*time.Millisecond, "never bound %s", selector)
}

func (s *stack) entries(t *testing.T, mediaType media.MediaType) []media.Entry {
	t.Helper()
	got, err := s.store.Query(context.Background(), mediaType, s.cfg.Media.AppFolder)
	require.NoError(t, err)
	return got
}

func TestEndToEndPhotoAndVideo(t *testing.T) {
	s := startStack(t)

	s.d.handleCommand(ipc.Command{Name: ipc.CmdShow})
	s.waitBinding(t, "back")

	// Focus round trip through the daemon's FocusCompleted event.
	s.d.handleCommand(ipc.Command{Name: ipc.CmdViewport, Args: []string{"1000", "2000"}})
	s.d.handleCommand(ipc.Command{Name: ipc.CmdTap, Args: []string{"500", "500"}})
	require.Eventually(t, func() bool {
		snap := s.ctrl.Snapshot()
		return snap.HasFocus && snap.Focus.Result == session.FocusSucceeded
	}, 3*time.Second, 10*time.Millisecond)
	reqs := s.mock.RequestsOfType(camws.RequestFocusAndMeter)
	require.Len(t, reqs, 1)
	assert.Equal(t, 0.5, reqs[0].Data["x"])
	assert.Equal(t, 0.25, reqs[0].Data["y"])

	// Photo lands in Pictures/<app> and in the catalog.
	s.d.handleCommand(ipc.Command{Name: ipc.CmdCapture})
	require.Eventually(t, func() bool { return len(s.entries(t, media.Image)) == 1 }, 3*time.Second, 10*time.Millisecond)
	img := s.entries(t, media.Image)[0]
	assert.Equal(t, filepath.Join("Pictures", "shutter"), img.RelativePath)
	data, err := os.ReadFile(img.Path)
	require.NoError(t, err)
	assert.Equal(t, camtest.JPEGBytes, data)

	// Video mode rebinds with the video output.
	s.d.handleCommand(ipc.Command{Name: ipc.CmdMode, Args: []string{"video"}})
	require.Eventually(t, func() bool {
		return len(s.mock.RequestsOfType(camws.RequestBind)) == 2 && s.ctrl.Snapshot().Bound
	}, 3*time.Second, 10*time.Millisecond)
	binds := s.mock.RequestsOfType(camws.RequestBind)
	assert.Equal(t, camws.UseCaseVideo, binds[1].Data["useCase"])

	s.d.handleCommand(ipc.Command{Name: ipc.CmdCapture})
	require.Eventually(t, func() bool { return s.ctrl.Snapshot().RecordingActive }, 3*time.Second, 10*time.Millisecond)

	// Switching is refused while recording.
	s.d.handleCommand(ipc.Command{Name: ipc.CmdSwitch})
	assert.Equal(t, "back", s.ctrl.Snapshot().Selector.String())

	s.d.handleCommand(ipc.Command{Name: ipc.CmdCapture})
	require.Eventually(t, func() bool { return len(s.entries(t, media.Video)) == 1 }, 3*time.Second, 10*time.Millisecond)
	vid := s.entries(t, media.Video)[0]
	assert.Equal(t, filepath.Join("Movies", "shutter"), vid.RelativePath)
	data, err = os.ReadFile(vid.Path)
	require.NoError(t, err)
	assert.Equal(t, camtest.MP4Bytes, data)
	require.Eventually(t, func() bool { return !s.ctrl.Snapshot().RecordingActive }, 3*time.Second, 10*time.Millisecond)

	start := s.mock.RequestsOfType(camws.RequestStartRecording)
	require.Len(t, start, 1)
	assert.Equal(t, true, start[0].Data["withAudio"])

	// Gallery sees both captures and deletes through the store.
	m := gallery.New(s.store, s.cfg.Media.AppFolder, nil, nil)
	require.NoError(t, m.Load(context.Background()))
	require.Len(t, m.Items(), 2)
	require.True(t, m.Remove(context.Background(), img.ID))
	_, err = os.Stat(img.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, s.entries(t, media.Image), 0)

	// Hiding releases the daemon binding.
	s.d.handleCommand(ipc.Command{Name: ipc.CmdHide})
	require.Eventually(t, func() bool { return s.mock.Binding() == "" }, 3*time.Second, 10*time.Millisecond)

	s.d.flushStatus()
	st, err := ipc.ReadStatus(s.cfg.StateDir)
	require.NoError(t, err)
	assert.False(t, st.Visible)
	assert.Equal(t, "video", st.Mode)
	assert.True(t, st.DaemonConnected)
	assert.Equal(t, "hide", st.LastAction)
}

func TestEndToEndRebindsAfterDaemonDrop(t *testing.T) {
	s := startStack(t)

	s.d.handleCommand(ipc.Command{Name: ipc.CmdShow})
	s.waitBinding(t, "back")
	require.Len(t, s.mock.RequestsOfType(camws.RequestBind), 1)

	s.mock.Drop(camws.CloseSessionInvalidated)

	require.Eventually(t, func() bool {
		return s.mock.Identifies() >= 2 && len(s.mock.RequestsOfType(camws.RequestBind)) >= 2 && s.mock.Binding() != ""
	}, 5*time.Second, 20*time.Millisecond, "controller did not rebind after reconnect")
	s.waitBinding(t, "back")
}
