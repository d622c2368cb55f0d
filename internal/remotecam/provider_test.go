package remotecam

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/shutter/internal/binder"
	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/camera/camtest"
	"github.com/tiroq/shutter/internal/camws"
	"github.com/tiroq/shutter/internal/permission"
	"github.com/tiroq/shutter/internal/recorder"
	"github.com/tiroq/shutter/internal/recording"
	"github.com/tiroq/shutter/internal/session"
	"github.com/tiroq/shutter/testutil"
)

func setup(t *testing.T) (*testutil.MockCameraDaemon, *Provider) {
	t.Helper()
	m := testutil.NewMockCameraDaemon()
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	c := camws.NewClient(m.URL(), "")
	c.SetReconnectEnabled(false)
	c.SetRequestTimeout(2 * time.Second)
	require.NoError(t, c.Connect())
	t.Cleanup(c.Disconnect)

	return m, New(c, recorder.New(c, nil), nil)
}

func bind(t *testing.T, p *Provider, uc camera.UseCase) camera.Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Ready(ctx))
	h, err := p.Bind(ctx, camera.BindRequest{Selector: camera.Front, UseCase: uc})
	require.NoError(t, err)
	return h
}

func TestBindChoosesOutput(t *testing.T) {
	m, p := setup(t)

	h := bind(t, p, camera.UseImage)
	assert.NotNil(t, h.Image)
	assert.Nil(t, h.Video)
	assert.Equal(t, camera.Front, h.Preview.Selector)
	assert.Contains(t, h.Preview.ID, "front")
	assert.NotEmpty(t, m.Binding())

	require.NoError(t, p.UnbindAll(context.Background()))
	assert.Empty(t, m.Binding())

	h = bind(t, p, camera.UseVideo)
	assert.Nil(t, h.Image)
	assert.NotNil(t, h.Video)
}

func TestBindWhileHeldIsBusy(t *testing.T) {
	_, p := setup(t)
	bind(t, p, camera.UseImage)

	_, err := p.Bind(context.Background(), camera.BindRequest{Selector: camera.Back})
	require.Error(t, err)
	assert.True(t, errors.Is(err, camera.ErrBusy))
	assert.True(t, errors.Is(err, camera.ErrBinding))
}

func TestFocusResultArrivesAsEvent(t *testing.T) {
	m, p := setup(t)
	h := bind(t, p, camera.UseImage)

	for _, want := range []bool{true, false} {
		m.SetFocusResult(want)
		got := make(chan bool, 1)
		require.NoError(t, h.Control.StartFocusAndMetering(camera.MeteringPoint{X: 0.5, Y: 0.25, Size: 0.15}, func(ok bool) { got <- ok }))
		select {
		case ok := <-got:
			assert.Equal(t, want, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("focus never completed")
		}
	}

	reqs := m.RequestsOfType(camws.RequestFocusAndMeter)
	require.Len(t, reqs, 2)
	assert.Equal(t, 0.25, reqs[0].Data["y"])
}

func TestFocusFailsWhenConnectionDrops(t *testing.T) {
	m, p := setup(t)
	h := bind(t, p, camera.UseImage)
	m.SetFailureMode(testutil.ModeTimeout)

	got := make(chan bool, 2)
	require.NoError(t, h.Control.StartFocusAndMetering(camera.MeteringPoint{X: 0.5, Y: 0.5}, func(ok bool) { got <- ok }))
	require.Eventually(t, func() bool {
		return len(m.RequestsOfType(camws.RequestFocusAndMeter)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.Drop(1001)
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("focus never failed")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got, 0, "done called more than once")
}

func (p *Provider) pendingFocuses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.focuses)
}

func TestFocusWithoutResultExpires(t *testing.T) {
	m, p := setup(t)
	p.timeout = 100 * time.Millisecond
	h := bind(t, p, camera.UseImage)
	// Acknowledged, but no FocusCompleted event follows.
	m.QueueResponse(camws.RequestFocusAndMeter, map[string]interface{}{})

	got := make(chan bool, 2)
	require.NoError(t, h.Control.StartFocusAndMetering(camera.MeteringPoint{X: 0.5, Y: 0.5}, func(ok bool) { got <- ok }))
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("focus never expired")
	}
	assert.Equal(t, 0, p.pendingFocuses())
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, got, 0, "done called more than once")
}

func TestZoomLastValueWins(t *testing.T) {
	m, p := setup(t)
	h := bind(t, p, camera.UseImage)

	for _, z := range []float64{0.1, 0.2, 0.3, 0.4} {
		require.NoError(t, h.Control.SetLinearZoom(z))
	}
	require.Eventually(t, func() bool {
		reqs := m.RequestsOfType(camws.RequestSetLinearZoom)
		return len(reqs) > 0 && reqs[len(reqs)-1].Data["zoom"] == 0.4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTakePictureWritesSink(t *testing.T) {
	m, p := setup(t)
	m.SetPicture(camtest.JPEGBytes)
	h := bind(t, p, camera.UseImage)

	sink := &camtest.MemorySink{}
	done := make(chan error, 1)
	h.Image.TakePicture(sink, func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("picture never completed")
	}
	assert.True(t, sink.Committed())
	assert.Equal(t, camtest.JPEGBytes, sink.Bytes())
}

func TestTakePictureFailureAbortsSink(t *testing.T) {
	_, p := setup(t)
	h := bind(t, p, camera.UseImage)
	require.NoError(t, p.UnbindAll(context.Background()))

	sink := &camtest.MemorySink{}
	done := make(chan error, 1)
	h.Image.TakePicture(sink, func(err error) { done <- err })

	select {
	case err := <-done:
		var reqErr *camws.RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, 404, reqErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("picture never completed")
	}
	assert.True(t, sink.Aborted())
}

func TestRecordingStreamsIntoSink(t *testing.T) {
	m, p := setup(t)
	m.SetRecordingChunks(camtest.MP4Bytes[:8], camtest.MP4Bytes[8:])
	h := bind(t, p, camera.UseVideo)

	sink := &camtest.MemorySink{}
	events := make(chan camera.RecordEvent, 8)
	rec, err := h.Video.StartRecording(sink, true, func(ev camera.RecordEvent) { events <- ev })
	require.NoError(t, err)

	next := func() camera.RecordEvent {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no recording event")
		}
		return camera.RecordEvent{}
	}
	assert.Equal(t, camera.EventStart, next().Kind)

	starts := m.RequestsOfType(camws.RequestStartRecording)
	require.Len(t, starts, 1)
	assert.Equal(t, true, starts[0].Data["withAudio"])
	id, _ := starts[0].Data["recordingId"].(string)
	require.NoError(t, m.EmitStatus(id, 1200))
	status := next()
	assert.Equal(t, camera.EventStatus, status.Kind)
	assert.Equal(t, 1200*time.Millisecond, status.RecordedDuration)

	require.NoError(t, rec.Stop())
	fin := next()
	assert.Equal(t, camera.EventFinalize, fin.Kind)
	assert.NoError(t, fin.Err)
	assert.True(t, sink.Committed())
	assert.Equal(t, camtest.MP4Bytes, sink.Bytes())
}

func TestBinderOverDaemon(t *testing.T) {
	m, p := setup(t)
	b := binder.New(p, nil)

	first, err := b.Bind(context.Background(), camera.Back, camera.ModePhoto)
	require.NoError(t, err)
	second, err := b.Bind(context.Background(), camera.Front, camera.ModeVideo)
	require.NoError(t, err)

	assert.False(t, first.Valid())
	assert.True(t, second.Valid())
	assert.Contains(t, second.Preview().ID, "front")

	b.Close()
	assert.Empty(t, m.Binding())
}

// A daemon that stops answering must not hold up the controller loop.
func TestSlowDaemonDoesNotBlockController(t *testing.T) {
	m, p := setup(t)
	ctrl := session.New(session.Deps{
		Provider: p,
		Resolver: &camtest.Resolver{},
		Gate:     permission.NewStatic(permission.VideoSet()...),
	}, session.Config{Selector: camera.Back, Mode: camera.ModeVideo, Folder: "shutter"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ctrl.SetVisible(true)
	require.Eventually(t, func() bool { return ctrl.Snapshot().Bound }, 2*time.Second, 10*time.Millisecond)
	ctrl.OnCapture()
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Recording == recording.Recording
	}, 2*time.Second, 10*time.Millisecond)

	m.SetFailureMode(testutil.ModeTimeout)

	steps := []struct {
		name string
		op   func()
	}{
		{"stop", ctrl.OnCapture},
		{"tap", func() { ctrl.OnTap(1, 1) }},
		{"pinch", func() { ctrl.OnPinch(1.2) }},
		{"hide", func() { ctrl.SetVisible(false) }},
	}
	for _, s := range steps {
		began := time.Now()
		s.op()
		assert.Less(t, time.Since(began), 500*time.Millisecond, "%s waited on the daemon", s.name)
	}
	assert.False(t, ctrl.Snapshot().RecordingActive)
}
