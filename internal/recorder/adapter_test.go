package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/camera/camtest"
	"github.com/tiroq/shutter/internal/camws"
)

// fakeBackend records calls and lets tests inject daemon events.
type fakeBackend struct {
	mu           sync.Mutex
	started      []string
	stopped      []string
	closed       []string
	startErr     error
	onEvent      func(camws.Event)
	onDisconnect func()
}

func (f *fakeBackend) StartRecording(_ context.Context, bindingID, recordingID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, recordingID)
	return nil
}

func (f *fakeBackend) StopRecording(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeBackend) CloseRecording(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeBackend) OnEvent(h func(camws.Event)) { f.onEvent = h }
func (f *fakeBackend) OnDisconnected(h func())     { f.onDisconnect = h }
func (f *fakeBackend) IsConnected() bool           { return true }

func (f *fakeBackend) emit(t *testing.T, eventType string, data camws.RecordEventData) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	f.onEvent(camws.Event{EventType: eventType, EventData: raw})
}

type eventLog struct {
	mu     sync.Mutex
	events []camera.RecordEvent
}

func (l *eventLog) add(ev camera.RecordEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []camera.RecordEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]camera.RecordEventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) last() camera.RecordEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func start(t *testing.T) (*fakeBackend, *Recorder, *camtest.MemorySink, *eventLog, camera.Recording, string) {
	t.Helper()
	b := &fakeBackend{}
	r := New(b, nil)
	sink := &camtest.MemorySink{}
	log := &eventLog{}
	rec, err := r.ForBinding("binding-1").StartRecording(sink, true, log.add)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	r.Wait()
	if len(b.started) != 1 {
		t.Fatalf("started = %v, want one recording", b.started)
	}
	return b, r, sink, log, rec, b.started[0]
}

func TestRecordingLifecycleCommitsChunks(t *testing.T) {
	b, r, sink, log, rec, id := start(t)

	b.emit(t, camws.EventRecordStarted, camws.RecordEventData{RecordingID: id})
	b.emit(t, camws.EventRecordStatus, camws.RecordEventData{RecordingID: id, DurationMs: 1500})
	b.emit(t, camws.EventRecordChunk, camws.RecordEventData{RecordingID: id, Data: []byte("abc")})
	b.emit(t, camws.EventRecordChunk, camws.RecordEventData{RecordingID: id, Data: []byte("def")})

	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	r.Wait()
	if len(b.stopped) != 1 || b.stopped[0] != id {
		t.Errorf("stopped = %v, want [%s]", b.stopped, id)
	}
	if got := r.State().Active; got != 1 {
		t.Errorf("Active before finalize = %d, want 1", got)
	}

	b.emit(t, camws.EventRecordFinalized, camws.RecordEventData{RecordingID: id, DurationMs: 2000})

	want := []camera.RecordEventKind{camera.EventStart, camera.EventStatus, camera.EventFinalize}
	got := log.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
	fin := log.last()
	if fin.Err != nil {
		t.Errorf("finalize error = %v, want nil", fin.Err)
	}
	if fin.RecordedDuration != 2*time.Second {
		t.Errorf("finalize duration = %v, want 2s", fin.RecordedDuration)
	}
	if !sink.Committed() || string(sink.Bytes()) != "abcdef" || sink.Duration() != 2*time.Second {
		t.Errorf("sink committed=%v data=%q duration=%v", sink.Committed(), sink.Bytes(), sink.Duration())
	}
	if got := r.State().Active; got != 0 {
		t.Errorf("Active after finalize = %d, want 0", got)
	}
}

func TestFinalizeErrorAbortsSink(t *testing.T) {
	b, _, sink, log, _, id := start(t)

	b.emit(t, camws.EventRecordFinalized, camws.RecordEventData{RecordingID: id, Error: "encoder stalled"})

	fin := log.last()
	if fin.Kind != camera.EventFinalize || fin.Err == nil {
		t.Fatalf("last event = %+v, want finalize with error", fin)
	}
	if !sink.Aborted() || sink.Committed() {
		t.Errorf("sink aborted=%v committed=%v, want aborted only", sink.Aborted(), sink.Committed())
	}
}

func TestEventsForOtherRecordingsAreIgnored(t *testing.T) {
	b, _, sink, log, _, _ := start(t)

	b.emit(t, camws.EventRecordStarted, camws.RecordEventData{RecordingID: "someone-else"})
	b.emit(t, camws.EventRecordChunk, camws.RecordEventData{RecordingID: "someone-else", Data: []byte("x")})
	b.onEvent(camws.Event{EventType: camws.EventFocusCompleted, EventData: json.RawMessage(`{}`)})

	if n := len(log.kinds()); n != 0 {
		t.Errorf("delivered %d events, want 0", n)
	}
	if len(sink.Bytes()) != 0 {
		t.Errorf("sink received %q", sink.Bytes())
	}
}

func TestCloseDropsRecordingOnce(t *testing.T) {
	b, r, sink, log, rec, id := start(t)

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	r.Wait()
	if len(b.closed) != 1 || b.closed[0] != id {
		t.Errorf("closed = %v, want [%s]", b.closed, id)
	}
	if !sink.Aborted() {
		t.Error("sink not aborted")
	}

	b.emit(t, camws.EventRecordFinalized, camws.RecordEventData{RecordingID: id})
	if n := len(log.kinds()); n != 0 {
		t.Errorf("closed recording delivered %d events", n)
	}
}

func TestCloseAfterFinalizeIsNoop(t *testing.T) {
	b, r, _, _, rec, id := start(t)
	b.emit(t, camws.EventRecordFinalized, camws.RecordEventData{RecordingID: id, Error: "disk full"})

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r.Wait()
	if len(b.closed) != 0 {
		t.Errorf("closed = %v, want none after finalize", b.closed)
	}
}

func TestDisconnectFinalizesLiveRecordings(t *testing.T) {
	b, r, sink, log, _, _ := start(t)

	b.onDisconnect()

	fin := log.last()
	if fin.Kind != camera.EventFinalize || !errors.Is(fin.Err, camws.ErrConnectionLost) {
		t.Fatalf("last event = %+v, want finalize with ErrConnectionLost", fin)
	}
	if !sink.Aborted() {
		t.Error("sink not aborted")
	}
	if r.State().Active != 0 {
		t.Error("recording still active after disconnect")
	}
}

func TestStartErrorArrivesAsFinalize(t *testing.T) {
	b := &fakeBackend{startErr: errors.New("no binding")}
	r := New(b, nil)
	sink := &camtest.MemorySink{}
	log := &eventLog{}

	rec, err := r.ForBinding("binding-1").StartRecording(sink, false, log.add)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	r.Wait()

	fin := log.last()
	if fin.Kind != camera.EventFinalize || fin.Err == nil {
		t.Fatalf("last event = %+v, want finalize with start error", fin)
	}
	if !sink.Aborted() {
		t.Error("sink not aborted")
	}
	if r.State().Active != 0 {
		t.Error("failed start left an active recording")
	}

	// Stop and Close after a failed start never reach the daemon.
	_ = rec.Stop()
	_ = rec.Close()
	r.Wait()
	if len(b.stopped) != 0 || len(b.closed) != 0 {
		t.Errorf("stopped=%v closed=%v, want none", b.stopped, b.closed)
	}
	if r.State().BackendName != "camd" {
		t.Errorf("BackendName = %q", r.State().BackendName)
	}
}

// slowBackend holds every request until release is closed.
type slowBackend struct {
	fakeBackend
	release chan struct{}
}

func (s *slowBackend) StartRecording(ctx context.Context, bindingID, id string, audio bool) error {
	<-s.release
	return s.fakeBackend.StartRecording(ctx, bindingID, id, audio)
}

func (s *slowBackend) StopRecording(ctx context.Context, id string) error {
	<-s.release
	return s.fakeBackend.StopRecording(ctx, id)
}

func TestStartAndStopDoNotWaitForDaemon(t *testing.T) {
	b := &slowBackend{release: make(chan struct{})}
	r := New(b, nil)

	returned := make(chan camera.Recording)
	go func() {
		rec, _ := r.ForBinding("binding-1").StartRecording(&camtest.MemorySink{}, true, func(camera.RecordEvent) {})
		_ = rec.Stop()
		returned <- rec
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("StartRecording/Stop blocked on the daemon")
	}

	close(b.release)
	r.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.started) != 1 || len(b.stopped) != 1 || b.started[0] != b.stopped[0] {
		t.Errorf("started=%v stopped=%v, want the same recording started then stopped", b.started, b.stopped)
	}
}
