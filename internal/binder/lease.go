package binder

import (
	"context"
	"sync"

	"github.com/tiroq/shutter/internal/camera"
)

// Lease is exclusive ownership of one binding. Hardware commands go through
// WithHandle; once the lease is invalidated every later call is refused and
// invalidation waits for commands already in flight.
type Lease struct {
	binder   *Binder
	gen      uint64
	selector camera.Selector
	mode     camera.Mode
	preview  camera.Preview
	cancel   context.CancelFunc
	done     chan struct{}
	released chan struct{}

	mu     sync.RWMutex
	handle camera.Handle
	valid  bool

	invalidateOnce sync.Once
	releaseOnce    sync.Once
}

func newLease(b *Binder, gen uint64, sel camera.Selector, mode camera.Mode, h camera.Handle, cancel context.CancelFunc) *Lease {
	return &Lease{
		binder:   b,
		gen:      gen,
		selector: sel,
		mode:     mode,
		preview:  h.Preview,
		cancel:   cancel,
		done:     make(chan struct{}),
		released: make(chan struct{}),
		handle:   h,
		valid:    true,
	}
}

// Generation is the bind sequence number that produced this lease.
func (l *Lease) Generation() uint64 { return l.gen }

// Selector is the camera this lease is bound to.
func (l *Lease) Selector() camera.Selector { return l.selector }

// Mode is the screen mode this lease was bound for.
func (l *Lease) Mode() camera.Mode { return l.mode }

// Preview identifies the preview stream. It stays readable after release.
func (l *Lease) Preview() camera.Preview { return l.preview }

// Done is closed when the lease is invalidated.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Valid reports whether commands are still accepted.
func (l *Lease) Valid() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.valid
}

// WithHandle runs fn with the bound handle. It returns camera.ErrReleased
// without calling fn if the lease has been invalidated.
func (l *Lease) WithHandle(fn func(h camera.Handle) error) error {
	if l == nil {
		return camera.ErrReleased
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.valid {
		return camera.ErrReleased
	}
	return fn(l.handle)
}

// Released is closed once the hardware held by this lease has been freed or
// taken over by a newer binding.
func (l *Lease) Released() <-chan struct{} { return l.released }

// Release invalidates the lease at once and frees the hardware in the
// background if no newer binding has taken it over. Safe to call any number
// of times.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.releaseOnce.Do(func() {
		l.invalidate()
		l.binder.detach(l)
		l.binder.releasing.Add(1)
		go l.binder.release(l)
	})
}

func (l *Lease) invalidate() {
	l.invalidateOnce.Do(func() {
		l.mu.Lock()
		l.valid = false
		l.handle = camera.Handle{}
		l.mu.Unlock()
		close(l.done)
		l.cancel()
	})
}

// watch releases the lease when its scope ends.
func (l *Lease) watch(ctx context.Context) {
	<-ctx.Done()
	l.Release()
}
