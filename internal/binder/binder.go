// Package binder binds a preview plus one capture output to the lifetime of
// a screen. Each successful bind yields a Lease; at most one lease per Binder
// is valid at any instant and a lease is always invalidated before its
// successor becomes reachable.
package binder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/diaglog"
)

// Binder owns the binding for one screen.
type Binder struct {
	provider camera.Provider
	logger   *diaglog.Logger

	mu         sync.Mutex
	gen        uint64
	current    *Lease
	pending    context.CancelFunc
	pendingGen uint64

	// opMu serialises UnbindAll+Bind sequences against each other and
	// against lease release, so provider calls never interleave.
	opMu sync.Mutex
	held uint64 // generation holding the hardware, guarded by opMu

	releasing sync.WaitGroup
}

// New creates a Binder over provider. logger may be nil.
func New(provider camera.Provider, logger *diaglog.Logger) *Binder {
	return &Binder{provider: provider, logger: logger}
}

// Bind invalidates the current lease, waits for the provider, releases the
// hardware and binds sel with the output required by mode. The returned lease
// is released automatically when scope ends.
//
// A Bind started later supersedes this one: the earlier call then returns an
// error wrapping camera.ErrSuperseded and leaves nothing bound.
func (b *Binder) Bind(scope context.Context, sel camera.Selector, mode camera.Mode) (*Lease, error) {
	return b.Begin(scope, sel, mode).Wait()
}

// Request is a bind that has been ordered but not yet completed.
type Request struct {
	b      *Binder
	gen    uint64
	sel    camera.Selector
	mode   camera.Mode
	ctx    context.Context
	cancel context.CancelFunc
}

// Begin performs the synchronous half of Bind: it supersedes any pending
// request and invalidates the current lease before returning. Requests are
// ordered by their Begin calls, so the caller can run Wait on another
// goroutine without losing last-request-wins.
func (b *Binder) Begin(scope context.Context, sel camera.Selector, mode camera.Mode) *Request {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	if b.pending != nil {
		b.pending()
	}
	old := b.current
	b.current = nil
	ctx, cancel := context.WithCancel(scope)
	b.pending = cancel
	b.pendingGen = gen
	b.mu.Unlock()

	if old != nil {
		old.invalidate()
	}

	b.emit(diaglog.EventBindRequested, gen, map[string]interface{}{
		"selector": sel.String(),
		"mode":     string(mode),
	})
	return &Request{b: b, gen: gen, sel: sel, mode: mode, ctx: ctx, cancel: cancel}
}

// Wait blocks until the provider is ready and the hardware is bound, or the
// request fails or is superseded.
func (r *Request) Wait() (*Lease, error) {
	b, gen, ctx, cancel := r.b, r.gen, r.ctx, r.cancel

	if err := b.provider.Ready(ctx); err != nil {
		return nil, b.abort(gen, cancel, err)
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	if !b.isLatest(gen) {
		return nil, b.abort(gen, cancel, camera.ErrSuperseded)
	}
	if err := b.provider.UnbindAll(ctx); err != nil {
		return nil, b.abort(gen, cancel, err)
	}
	b.held = 0
	h, err := b.provider.Bind(ctx, camera.BindRequest{Selector: r.sel, UseCase: camera.UseCaseFor(r.mode)})
	if err != nil {
		return nil, b.abort(gen, cancel, err)
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		// A newer request is waiting on opMu; leave the hardware free for it.
		_ = b.provider.UnbindAll(context.WithoutCancel(ctx))
		return nil, b.abort(gen, cancel, camera.ErrSuperseded)
	}
	b.held = gen
	lease := newLease(b, gen, r.sel, r.mode, h, cancel)
	b.current = lease
	if b.pendingGen == gen {
		b.pending = nil
	}
	b.mu.Unlock()

	go lease.watch(ctx)

	b.emit(diaglog.EventBindReady, gen, map[string]interface{}{
		"selector":   r.sel.String(),
		"preview_id": h.Preview.ID,
	})
	return lease, nil
}

// Current returns the valid lease, or nil.
func (b *Binder) Current() *Lease {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Close releases the current lease, cancels any pending bind and waits until
// every released lease has freed the hardware.
func (b *Binder) Close() {
	b.mu.Lock()
	b.gen++
	if b.pending != nil {
		b.pending()
		b.pending = nil
	}
	cur := b.current
	b.mu.Unlock()
	if cur != nil {
		cur.Release()
	}
	b.releasing.Wait()
}

func (b *Binder) isLatest(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen == gen
}

// abort cancels the bind context and classifies err.
func (b *Binder) abort(gen uint64, cancel context.CancelFunc, err error) error {
	cancel()
	b.mu.Lock()
	superseded := b.gen != gen
	if b.pendingGen == gen {
		b.pending = nil
	}
	b.mu.Unlock()

	if superseded || errors.Is(err, camera.ErrSuperseded) {
		b.emit(diaglog.EventBindSuperseded, gen, nil)
		if errors.Is(err, camera.ErrSuperseded) {
			return err
		}
		return fmt.Errorf("%w: %w", camera.ErrSuperseded, err)
	}
	b.emit(diaglog.EventBindFailed, gen, map[string]interface{}{"error": err.Error()})
	if errors.Is(err, camera.ErrBinding) {
		return err
	}
	return fmt.Errorf("%w: %w", camera.ErrBinding, err)
}

// detach forgets l as the current lease.
func (b *Binder) detach(l *Lease) {
	b.mu.Lock()
	if b.current == l {
		b.current = nil
	}
	b.mu.Unlock()
}

// release frees the hardware of an invalidated lease. It runs once per lease
// on its own goroutine and queues behind any bind in progress.
func (b *Binder) release(l *Lease) {
	defer b.releasing.Done()
	defer close(l.released)

	b.opMu.Lock()
	defer b.opMu.Unlock()
	// A newer bind already released the hardware before taking it over.
	if b.held == l.gen {
		b.held = 0
		if err := b.provider.UnbindAll(context.Background()); err != nil {
			b.emit(diaglog.EventCommandFailed, l.gen, map[string]interface{}{"op": "unbind", "error": err.Error()})
		}
	}
	b.emit(diaglog.EventLeaseReleased, l.gen, nil)
}

func (b *Binder) emit(event string, gen uint64, payload map[string]interface{}) {
	b.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBinder,
		Event:     event,
		SessionID: fmt.Sprintf("bind-%d", gen),
		Payload:   payload,
	})
}
