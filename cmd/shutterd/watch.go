package main

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/shutter/internal/ipc"
)

const pollInterval = time.Second

// watchCommands drains the command queue whenever it changes, until ctx
// ends. fsnotify is preferred; a 1s poll covers missed or unavailable
// notifications.
func (d *daemon) watchCommands(ctx context.Context) {
	// Commands queued while the daemon was down run first.
	d.drainCommands()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.errLog.Printf("fsnotify not available, falling back to polling: %v", err)
		d.pollCommands(ctx)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			d.errLog.Printf("Failed to close watcher: %v", err)
		}
	}()

	if err := watcher.Add(d.dir); err != nil {
		d.errLog.Printf("Failed to watch command directory, falling back to polling: %v", err)
		d.pollCommands(ctx)
		return
	}
	d.outLog.Println("Command watcher started (using fsnotify)")

	cmdPath := ipc.CommandPath(d.dir)
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				d.outLog.Println("fsnotify watcher closed, switching to polling")
				d.pollCommands(ctx)
				return
			}
			if event.Name == cmdPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.drainCommands()
			}

		case <-pollTicker.C:
			if _, err := os.Stat(cmdPath); err == nil {
				d.drainCommands()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				d.outLog.Println("fsnotify error channel closed, switching to polling")
				d.pollCommands(ctx)
				return
			}
			d.errLog.Printf("File watcher error: %v", err)
		}
	}
}

// pollCommands is the polling-only fallback.
func (d *daemon) pollCommands(ctx context.Context) {
	d.outLog.Printf("Command watcher started (using polling fallback, %s interval)", pollInterval)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainCommands()
		}
	}
}

// drainCommands runs every queued command in order.
func (d *daemon) drainCommands() {
	cmds, bad, err := ipc.ReadCommands(d.dir)
	if err != nil {
		d.errLog.Printf("Failed to read commands: %v", err)
		return
	}
	for _, e := range bad {
		d.reject(e)
	}
	for _, cmd := range cmds {
		d.handleCommand(cmd)
	}
}
