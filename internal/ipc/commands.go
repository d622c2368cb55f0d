package ipc

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
)

// CommandName is the verb of a command sent from the CLI to the daemon.
type CommandName string

const (
	CmdTap      CommandName = "tap"      // tap <x> <y>: focus at view coordinates
	CmdPinch    CommandName = "pinch"    // pinch <factor>: relative zoom
	CmdCapture  CommandName = "capture"  // photo, or toggle recording in video mode
	CmdSwitch   CommandName = "switch"   // swap front/back camera
	CmdMode     CommandName = "mode"     // mode photo|video
	CmdViewport CommandName = "viewport" // viewport <width> <height>
	CmdShow     CommandName = "show"     // screen becomes visible
	CmdHide     CommandName = "hide"     // screen goes away
	CmdGrant    CommandName = "grant"    // grant <permission>...
	CmdRevoke   CommandName = "revoke"   // revoke <permission>...
	CmdQuit     CommandName = "quit"     // shut the daemon down
)

// Command is one parsed command line.
type Command struct {
	Name CommandName
	Args []string
}

// String renders the command as it is written to the queue.
func (c Command) String() string {
	return strings.TrimSpace(string(c.Name) + " " + strings.Join(c.Args, " "))
}

// Float returns argument i as a number. Arguments of numeric commands are
// validated by ParseCommand.
func (c Command) Float(i int) float64 {
	if i >= len(c.Args) {
		return 0
	}
	v, _ := strconv.ParseFloat(c.Args[i], 64)
	return v
}

// ParseCommand validates one command line.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	cmd := Command{Name: CommandName(strings.ToLower(fields[0])), Args: fields[1:]}

	switch cmd.Name {
	case CmdCapture, CmdSwitch, CmdShow, CmdHide, CmdQuit:
		if len(cmd.Args) != 0 {
			return Command{}, fmt.Errorf("%s takes no arguments", cmd.Name)
		}
	case CmdTap, CmdViewport:
		if err := numericArgs(cmd, 2); err != nil {
			return Command{}, err
		}
	case CmdPinch:
		if err := numericArgs(cmd, 1); err != nil {
			return Command{}, err
		}
	case CmdMode:
		if len(cmd.Args) != 1 || (cmd.Args[0] != "photo" && cmd.Args[0] != "video") {
			return Command{}, fmt.Errorf("mode takes photo or video")
		}
	case CmdGrant, CmdRevoke:
		if len(cmd.Args) == 0 {
			return Command{}, fmt.Errorf("%s needs at least one permission", cmd.Name)
		}
	default:
		return Command{}, fmt.Errorf("unknown command %q", cmd.Name)
	}
	return cmd, nil
}

func numericArgs(cmd Command, n int) error {
	if len(cmd.Args) != n {
		return fmt.Errorf("%s takes %d numeric arguments", cmd.Name, n)
	}
	for _, a := range cmd.Args {
		if _, err := strconv.ParseFloat(a, 64); err != nil {
			return fmt.Errorf("%s: %q is not a number", cmd.Name, a)
		}
	}
	return nil
}

// DefaultDir is where the daemon and the CLI exchange files.
func DefaultDir() string {
	return filepath.Join(xdg.StateHome, "shutter")
}

// CommandPath is the queue file inside dir.
func CommandPath(dir string) string {
	return filepath.Join(dir, "cmd.txt")
}

// WriteCommand appends cmd to the queue in dir.
func WriteCommand(dir string, cmd Command) error {
	if _, err := ParseCommand(cmd.String()); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(CommandPath(dir), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(cmd.String() + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCommands takes every queued command from dir, in order. The queue is
// moved aside before reading so appends racing the read land in a fresh
// file. Invalid lines are skipped and reported in the returned error list.
func ReadCommands(dir string) ([]Command, []error, error) {
	path := CommandPath(dir)
	taken := path + ".processing"

	if err := os.Rename(path, taken); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil // No command pending
		}
		return nil, nil, err
	}
	data, err := os.ReadFile(taken)
	os.Remove(taken)
	if err != nil {
		return nil, nil, err
	}

	var cmds []Command
	var invalid []error
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, invalid, sc.Err()
}
