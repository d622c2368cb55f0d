package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tiroq/shutter/internal/camera"
	"github.com/tiroq/shutter/internal/camws"
	"github.com/tiroq/shutter/internal/diaglog"
	"github.com/tiroq/shutter/internal/ipc"
	"github.com/tiroq/shutter/internal/permission"
	"github.com/tiroq/shutter/internal/recording"
	"github.com/tiroq/shutter/internal/session"
)

// controller is the part of session.Controller the daemon drives.
type controller interface {
	SetVisible(bool)
	SetMode(camera.Mode)
	SetViewport(camera.Viewport)
	SyncPermission()
	OnTap(x, y float64)
	OnPinch(factor float64)
	OnCapture()
	OnSwitchCamera()
	Snapshot() session.Snapshot
}

// connection reports the camera daemon link state for the status file.
type connection interface {
	State() camws.ConnectionState
}

// daemon maps queued commands onto the controller and publishes status.
type daemon struct {
	ctrl   controller
	gate   *permission.Static
	conn   connection
	dir    string
	quit   context.CancelFunc
	logger *diaglog.Logger
	outLog *log.Logger
	errLog *log.Logger

	mu         sync.Mutex
	lastAction string
	lastError  string
	pending    *session.Snapshot
	notify     chan struct{}
}

func newDaemon(ctrl controller, gate *permission.Static, conn connection, dir string, quit context.CancelFunc) *daemon {
	return &daemon{
		ctrl:   ctrl,
		gate:   gate,
		conn:   conn,
		dir:    dir,
		quit:   quit,
		outLog: log.New(io.Discard, "", 0),
		errLog: log.New(io.Discard, "", 0),
		notify: make(chan struct{}, 1),
	}
}

// handleCommand applies one queued command.
func (d *daemon) handleCommand(cmd ipc.Command) {
	d.outLog.Printf("Received command: %s", cmd)

	switch cmd.Name {
	case ipc.CmdTap:
		d.ctrl.OnTap(cmd.Float(0), cmd.Float(1))
	case ipc.CmdPinch:
		d.ctrl.OnPinch(cmd.Float(0))
	case ipc.CmdCapture:
		d.ctrl.OnCapture()
	case ipc.CmdSwitch:
		d.ctrl.OnSwitchCamera()
	case ipc.CmdMode:
		d.ctrl.SetMode(camera.Mode(cmd.Args[0]))
		d.outLog.Printf("Mode changed to %s", cmd.Args[0])
	case ipc.CmdViewport:
		d.ctrl.SetViewport(camera.Viewport{Width: cmd.Float(0), Height: cmd.Float(1)})
	case ipc.CmdShow:
		d.ctrl.SetVisible(true)
	case ipc.CmdHide:
		d.ctrl.SetVisible(false)
	case ipc.CmdGrant, ipc.CmdRevoke:
		perms, err := parsePermissions(cmd.Args)
		if err != nil {
			d.fail(cmd, err)
			return
		}
		// The gate's change listener resyncs the controller.
		if cmd.Name == ipc.CmdGrant {
			d.gate.Grant(perms...)
		} else {
			d.gate.Revoke(perms...)
		}
	case ipc.CmdQuit:
		d.outLog.Println("Quit command received - shutting down")
		d.quit()
	default:
		d.fail(cmd, fmt.Errorf("unknown command"))
		return
	}

	d.mu.Lock()
	d.lastAction = cmd.String()
	d.lastError = ""
	d.mu.Unlock()
	d.publish(d.ctrl.Snapshot())
}

// reject records a queue line that could not be parsed.
func (d *daemon) reject(err error) {
	d.errLog.Printf("Rejected command: %v", err)
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
	d.publish(d.ctrl.Snapshot())
}

func (d *daemon) fail(cmd ipc.Command, err error) {
	d.errLog.Printf("Command %q failed: %v", cmd, err)
	d.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDaemon,
		Event:     diaglog.EventCommandFailed,
		Reason:    string(cmd.Name),
		Payload:   map[string]interface{}{"error": err.Error()},
	})
	d.mu.Lock()
	d.lastAction = cmd.String()
	d.lastError = err.Error()
	d.mu.Unlock()
	d.publish(d.ctrl.Snapshot())
}

func parsePermissions(names []string) ([]permission.Permission, error) {
	perms := make([]permission.Permission, 0, len(names))
	for _, n := range names {
		p, err := permission.Parse(n)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// publish queues s for the status writer. Only the latest snapshot is kept,
// so it is safe to call from the controller goroutine.
func (d *daemon) publish(s session.Snapshot) {
	d.mu.Lock()
	d.pending = &s
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// writeStatusLoop writes queued snapshots until ctx ends, then flushes the
// last one.
func (d *daemon) writeStatusLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.flushStatus()
			return
		case <-d.notify:
			d.flushStatus()
		}
	}
}

func (d *daemon) flushStatus() {
	d.mu.Lock()
	s := d.pending
	d.pending = nil
	d.mu.Unlock()
	if s == nil {
		return
	}
	if err := ipc.WriteStatus(d.dir, d.status(*s)); err != nil {
		d.errLog.Printf("Failed to write status: %v", err)
	}
}

// status maps a controller snapshot onto the status file schema.
func (d *daemon) status(s session.Snapshot) *ipc.StatusSnapshot {
	d.mu.Lock()
	lastAction, lastError := d.lastAction, d.lastError
	d.mu.Unlock()

	st := &ipc.StatusSnapshot{
		Visible:            s.Visible,
		PermissionGranted:  s.PermissionGranted,
		Selector:           s.Selector.String(),
		Mode:               string(s.Mode),
		Bound:              s.Bound,
		PreviewID:          s.PreviewID,
		Zoom:               s.Zoom,
		Flash:              s.Flash,
		Recording:          s.Recording == recording.Recording,
		RecordingActive:    s.RecordingActive,
		RecordedDurationMs: s.RecordedDuration.Milliseconds(),
		LastAction:         lastAction,
		LastError:          lastError,
		Timestamp:          time.Now(),
	}
	if s.HasFocus {
		st.Focus = &ipc.FocusStatus{
			ID:       s.Focus.ID.String(),
			X:        s.Focus.X,
			Y:        s.Focus.Y,
			Result:   s.Focus.Result.String(),
			IssuedAt: s.Focus.IssuedAt,
		}
	}
	if d.gate != nil {
		for _, p := range d.gate.Granted() {
			st.Permissions = append(st.Permissions, string(p))
		}
	}
	if d.conn != nil {
		cs := d.conn.State()
		st.DaemonConnected = cs.Status == "connected"
		st.DaemonVersion = cs.DaemonVersion
	}
	return st
}
