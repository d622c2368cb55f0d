// Package remotecam is a camera.Provider backed by the camera daemon.
package remotecam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/camws"
	"github.com/tiroq/shutter/internal/diaglog"
	"github.com/tiroq/shutter/internal/recorder"
)

// Provider binds cameras on the daemon. Commands issued through a Handle are
// sent asynchronously so callers on the session loop never wait on the
// network.
type Provider struct {
	client   *camws.Client
	recorder *recorder.Recorder
	logger   *diaglog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	focuses map[string]*pendingFocus
}

// pendingFocus is a focus run waiting for its FocusCompleted event. The
// timer fails it if the event never arrives.
type pendingFocus struct {
	done  func(bool)
	timer *time.Timer
}

// New creates a provider and subscribes it to focus events.
func New(client *camws.Client, rec *recorder.Recorder, logger *diaglog.Logger) *Provider {
	p := &Provider{
		client:   client,
		recorder: rec,
		logger:   logger,
		timeout:  recorder.DefaultRequestTimeout,
		focuses:  make(map[string]*pendingFocus),
	}
	client.OnEvent(p.handleEvent)
	client.OnDisconnected(p.failFocuses)
	return p
}

// Ready waits for the daemon session.
func (p *Provider) Ready(ctx context.Context) error {
	if err := p.client.Ready(ctx); err != nil {
		return fmt.Errorf("%w: %w", camera.ErrBinding, err)
	}
	return nil
}

// Bind binds sel with the use case's output.
func (p *Provider) Bind(ctx context.Context, req camera.BindRequest) (camera.Handle, error) {
	useCase := camws.UseCaseImage
	if req.UseCase == camera.UseVideo {
		useCase = camws.UseCaseVideo
	}
	b, err := p.client.Bind(ctx, req.Selector.String(), useCase)
	if err != nil {
		var reqErr *camws.RequestError
		if errors.As(err, &reqErr) && reqErr.Code == camws.CodeCameraBusy {
			return camera.Handle{}, fmt.Errorf("%w: %s", camera.ErrBusy, reqErr.Comment)
		}
		return camera.Handle{}, err
	}

	h := camera.Handle{
		Preview: camera.Preview{ID: b.PreviewID, Selector: req.Selector},
		Control: &control{p: p, bindingID: b.BindingID},
	}
	if req.UseCase == camera.UseVideo {
		h.Video = p.recorder.ForBinding(b.BindingID)
	} else {
		h.Image = &imageCapture{p: p, bindingID: b.BindingID}
	}
	return h, nil
}

// UnbindAll releases the daemon binding.
func (p *Provider) UnbindAll(ctx context.Context) error {
	return p.client.UnbindAll(ctx)
}

func (p *Provider) handleEvent(ev camws.Event) {
	if ev.EventType != camws.EventFocusCompleted {
		return
	}
	var data camws.FocusEventData
	if err := json.Unmarshal(ev.EventData, &data); err != nil {
		return
	}
	if done := p.takeFocus(data.FocusID); done != nil {
		done(data.Success)
	}
}

func (p *Provider) takeFocus(id string) func(bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.focuses[id]
	if !ok {
		return nil
	}
	delete(p.focuses, id)
	if f.timer != nil {
		f.timer.Stop()
	}
	return f.done
}

// failFocuses completes every outstanding focus run as failed.
func (p *Provider) failFocuses() {
	p.mu.Lock()
	pending := p.focuses
	p.focuses = make(map[string]*pendingFocus)
	p.mu.Unlock()
	for _, f := range pending {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.done(false)
	}
}

func (p *Provider) logFailure(reason string, err error) {
	p.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCamWS,
		Event:     diaglog.EventCommandFailed,
		Reason:    reason,
		Payload:   map[string]interface{}{"error": err.Error()},
	})
}

type control struct {
	p         *Provider
	bindingID string

	mu          sync.Mutex
	zoom        float64
	zoomPending bool
	zoomRunning bool
}

func (c *control) StartFocusAndMetering(pt camera.MeteringPoint, done func(bool)) error {
	id := uuid.NewString()
	c.p.mu.Lock()
	c.p.focuses[id] = &pendingFocus{
		done: done,
		timer: time.AfterFunc(c.p.timeout, func() {
			if done := c.p.takeFocus(id); done != nil {
				c.p.logFailure("focus", fmt.Errorf("no result for focus %s within %s", id, c.p.timeout))
				done(false)
			}
		}),
	}
	c.p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.p.timeout)
		defer cancel()
		if err := c.p.client.FocusAndMeter(ctx, c.bindingID, id, pt.X, pt.Y, pt.Size); err != nil {
			c.p.logFailure("focus", err)
			if done := c.p.takeFocus(id); done != nil {
				done(false)
			}
		}
	}()
	return nil
}

// SetLinearZoom coalesces: one sender per binding forwards the latest value
// until no newer one is pending.
func (c *control) SetLinearZoom(zoom float64) error {
	c.mu.Lock()
	c.zoom = zoom
	c.zoomPending = true
	if c.zoomRunning {
		c.mu.Unlock()
		return nil
	}
	c.zoomRunning = true
	c.mu.Unlock()

	go c.sendZoom()
	return nil
}

func (c *control) sendZoom() {
	for {
		c.mu.Lock()
		if !c.zoomPending {
			c.zoomRunning = false
			c.mu.Unlock()
			return
		}
		zoom := c.zoom
		c.zoomPending = false
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.p.timeout)
		if err := c.p.client.SetLinearZoom(ctx, c.bindingID, zoom); err != nil {
			c.p.logFailure("zoom", err)
		}
		cancel()
	}
}

type imageCapture struct {
	p         *Provider
	bindingID string
}

func (i *imageCapture) TakePicture(sink camera.Sink, done func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), i.p.timeout)
		defer cancel()
		data, err := i.p.client.TakePicture(ctx, i.bindingID)
		if err != nil {
			_ = sink.Abort()
			done(fmt.Errorf("take picture: %w", err))
			return
		}
		if _, err := sink.Write(data); err != nil {
			_ = sink.Abort()
			done(fmt.Errorf("write picture: %w", err))
			return
		}
		done(sink.Commit(0))
	}()
}
