package photo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/tiroq/shutter/internal/binder"
	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/camera/camtest"
)

var epoch = time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

func TestDestination(t *testing.T) {
	d := Destination(1710000000123, "shutter")
	assert.Equal(t, "JPEG_1710000000123.jpg", d.DisplayName)
	assert.Equal(t, "image/jpeg", d.MIMEType)
	assert.Equal(t, "Pictures/shutter", d.Category)
}

func TestTakePhotoWritesToResolvedSink(t *testing.T) {
	p := camtest.NewProvider()
	lease, err := binder.New(p, nil).Bind(context.Background(), camera.Back, camera.ModePhoto)
	require.NoError(t, err)
	defer lease.Release()

	res := &camtest.Resolver{}
	s := New(res, clocktesting.NewFakePassiveClock(epoch), "shutter", nil)

	assert.True(t, s.TakePhoto(lease))

	sinks := res.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, Destination(epoch.UnixMilli(), "shutter"), sinks[0].Dest)
	assert.True(t, sinks[0].Committed())
	assert.Equal(t, 1, p.Last().Image.Shots())
}

func TestTakePhotoWithoutImageOutputIsNoOp(t *testing.T) {
	p := camtest.NewProvider()
	lease, err := binder.New(p, nil).Bind(context.Background(), camera.Back, camera.ModeVideo)
	require.NoError(t, err)
	defer lease.Release()

	res := &camtest.Resolver{}
	s := New(res, clocktesting.NewFakePassiveClock(epoch), "shutter", nil)

	assert.False(t, s.TakePhoto(lease))
	assert.False(t, s.TakePhoto(nil))
	assert.Empty(t, res.Sinks())
}

func TestTakePhotoAfterReleaseIsNoOp(t *testing.T) {
	p := camtest.NewProvider()
	lease, err := binder.New(p, nil).Bind(context.Background(), camera.Back, camera.ModePhoto)
	require.NoError(t, err)
	lease.Release()

	res := &camtest.Resolver{}
	s := New(res, clocktesting.NewFakePassiveClock(epoch), "shutter", nil)

	assert.False(t, s.TakePhoto(lease))
	assert.Equal(t, 0, p.Last().Image.Shots())
}

func TestTakePhotoFailuresAreSilent(t *testing.T) {
	p := camtest.NewProvider()
	lease, err := binder.New(p, nil).Bind(context.Background(), camera.Back, camera.ModePhoto)
	require.NoError(t, err)
	defer lease.Release()

	res := &camtest.Resolver{}
	s := New(res, clocktesting.NewFakePassiveClock(epoch), "shutter", nil)

	p.Last().Image.FailWith(errors.New("disk full"))
	assert.True(t, s.TakePhoto(lease), "capture is started even if the write later fails")
	assert.True(t, res.Sinks()[0].Aborted())

	res.FailWith(errors.New("storage unavailable"))
	assert.False(t, s.TakePhoto(lease))
}
