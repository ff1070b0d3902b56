//go:build !windows

package runner

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// unixPTY is the master side of the pseudo-terminal.
type unixPTY struct {
	master *os.File
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.master.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.master.Write(b) }
func (p *unixPTY) Close() error                { return p.master.Close() }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPTYWithSize launches the command attached to a fresh PTY at the
// requested size. pty.StartWithSize calls cmd.Start itself.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, err
	}
	return &unixPTY{master: master}, nil
}

// terminateProcess asks the process to shut down gracefully.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// waitPTYProcess waits for the PTY child to exit and extracts its exit
// code. Signal deaths map to the shell convention of 128+signal.
func waitPTYProcess(cmd *exec.Cmd, _ PtyHandle) (int, error) {
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 1, err
}
