package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/camws"
	"github.com/tiroq/shutter/internal/diaglog"
)

// Recorder routes daemon recording events to the recordings it started.
type Recorder struct {
	backend Backend
	logger  *diaglog.Logger
	timeout time.Duration

	mu       sync.Mutex
	active   map[string]*activeRecording
	inflight sync.WaitGroup
}

// New creates a recorder and subscribes it to backend events.
func New(backend Backend, logger *diaglog.Logger) *Recorder {
	r := &Recorder{
		backend: backend,
		logger:  logger,
		timeout: DefaultRequestTimeout,
		active:  make(map[string]*activeRecording),
	}
	backend.OnEvent(r.handleEvent)
	backend.OnDisconnected(r.handleDisconnect)
	return r
}

// ForBinding returns the video output of one daemon binding.
func (r *Recorder) ForBinding(bindingID string) camera.VideoCapture {
	return &videoCapture{r: r, bindingID: bindingID}
}

// State returns the recorder summary.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	n := len(r.active)
	r.mu.Unlock()
	return RecorderState{
		Connected:   r.backend.IsConnected(),
		BackendName: "camd",
		Active:      n,
	}
}

type videoCapture struct {
	r         *Recorder
	bindingID string
}

// StartRecording registers the recording and sends the start request in the
// background. A request that fails is reported as a Finalize event carrying
// the error, so the caller never waits on the daemon.
func (v *videoCapture) StartRecording(sink camera.Sink, withAudio bool, onEvent func(camera.RecordEvent)) (camera.Recording, error) {
	r := v.r
	rec := &activeRecording{r: r, id: uuid.NewString(), sink: sink, onEvent: onEvent, started: make(chan struct{})}

	// Registered before the request so events racing the response are routed.
	r.mu.Lock()
	r.active[rec.id] = rec
	r.mu.Unlock()

	r.goRequest(func() {
		defer close(rec.started)
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.backend.StartRecording(ctx, v.bindingID, rec.id, withAudio); err != nil {
			rec.startErr = err
			if r.take(rec.id) != nil {
				rec.finalize(0, fmt.Errorf("start recording: %w", err))
			}
			return
		}
		r.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentRecording,
			Event:     diaglog.EventRecordingStart,
			SessionID: rec.id,
			Payload:   map[string]interface{}{"binding_id": v.bindingID, "with_audio": withAudio},
		})
	})
	return rec, nil
}

// goRequest runs fn on its own goroutine and tracks it for Wait.
func (r *Recorder) goRequest(fn func()) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		fn()
	}()
}

// Wait blocks until every daemon request issued so far has returned.
func (r *Recorder) Wait() {
	r.inflight.Wait()
}

// take removes and returns the recording with id.
func (r *Recorder) take(id string) *activeRecording {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[id]
	if !ok {
		return nil
	}
	delete(r.active, id)
	return rec
}

func (r *Recorder) lookup(id string) *activeRecording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

// handleEvent runs on the camws reader goroutine.
func (r *Recorder) handleEvent(ev camws.Event) {
	switch ev.EventType {
	case camws.EventRecordStarted, camws.EventRecordStatus, camws.EventRecordChunk, camws.EventRecordFinalized:
	default:
		return
	}

	var data camws.RecordEventData
	if err := json.Unmarshal(ev.EventData, &data); err != nil {
		r.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentRecording,
			Event:     diaglog.EventCommandFailed,
			Reason:    "bad_event",
			Payload:   map[string]interface{}{"event_type": ev.EventType, "error": err.Error()},
		})
		return
	}
	d := time.Duration(data.DurationMs) * time.Millisecond

	switch ev.EventType {
	case camws.EventRecordStarted:
		if rec := r.lookup(data.RecordingID); rec != nil {
			rec.onEvent(camera.RecordEvent{Kind: camera.EventStart})
		}

	case camws.EventRecordStatus:
		if rec := r.lookup(data.RecordingID); rec != nil {
			rec.onEvent(camera.RecordEvent{Kind: camera.EventStatus, RecordedDuration: d})
		}

	case camws.EventRecordChunk:
		if rec := r.lookup(data.RecordingID); rec != nil {
			rec.write(data.Data)
		}

	case camws.EventRecordFinalized:
		rec := r.take(data.RecordingID)
		if rec == nil {
			return
		}
		var err error
		if data.Error != "" {
			err = fmt.Errorf("daemon: %s", data.Error)
		}
		rec.finalize(d, err)
	}
}

// handleDisconnect finalizes every live recording with ErrConnectionLost.
func (r *Recorder) handleDisconnect() {
	r.mu.Lock()
	recs := make([]*activeRecording, 0, len(r.active))
	for id, rec := range r.active {
		recs = append(recs, rec)
		delete(r.active, id)
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec.finalize(0, camws.ErrConnectionLost)
	}
}

// activeRecording is the camera.Recording handle of one daemon recording.
type activeRecording struct {
	r       *Recorder
	id      string
	sink    camera.Sink
	onEvent func(camera.RecordEvent)

	// started is closed once the start request returned; startErr is set
	// before that and read only after it.
	started  chan struct{}
	startErr error

	mu       sync.Mutex
	writeErr error
	written  int64
}

func (a *activeRecording) write(p []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeErr != nil {
		return
	}
	n, err := a.sink.Write(p)
	a.written += int64(n)
	a.writeErr = err
}

// finalize commits or aborts the sink and reports the outcome. It runs once,
// after the recording left the active map.
func (a *activeRecording) finalize(d time.Duration, err error) {
	a.mu.Lock()
	if err == nil && a.writeErr != nil {
		err = fmt.Errorf("write chunk: %w", a.writeErr)
	}
	written := a.written
	a.mu.Unlock()

	if err != nil {
		_ = a.sink.Abort()
	} else if cerr := a.sink.Commit(d); cerr != nil {
		err = fmt.Errorf("commit: %w", cerr)
	}

	a.r.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentRecording,
		Event:     diaglog.EventRecordingEvent,
		SessionID: a.id,
		Reason:    "finalize",
		Payload:   map[string]interface{}{"duration_ms": d.Milliseconds(), "bytes": written, "ok": err == nil},
	})
	a.onEvent(camera.RecordEvent{Kind: camera.EventFinalize, RecordedDuration: d, Err: err})
}

// Stop asks the daemon to stop once the start request has returned. The
// outcome arrives as a Finalize event; a failed request is only logged.
func (a *activeRecording) Stop() error {
	a.r.goRequest(func() {
		<-a.started
		if a.startErr != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.r.timeout)
		defer cancel()
		if err := a.r.backend.StopRecording(ctx, a.id); err != nil {
			a.logFailure("stop", err)
		}
	})
	return nil
}

// Close drops a recording that has not finalized yet; the partial file is
// discarded and no Finalize event is delivered. It is a no-op afterwards.
func (a *activeRecording) Close() error {
	if a.r.take(a.id) == nil {
		return nil
	}
	_ = a.sink.Abort()
	a.r.goRequest(func() {
		<-a.started
		if a.startErr != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.r.timeout)
		defer cancel()
		if err := a.r.backend.CloseRecording(ctx, a.id); err != nil {
			a.logFailure("close", err)
		}
	})
	return nil
}

func (a *activeRecording) logFailure(op string, err error) {
	a.r.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentRecording,
		Event:     diaglog.EventCommandFailed,
		SessionID: a.id,
		Reason:    op,
		Payload:   map[string]interface{}{"error": err.Error()},
	})
}
