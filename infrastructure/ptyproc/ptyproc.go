// Package ptyproc spawns a shell under a pseudo-terminal using
// github.com/creack/pty, the library used for exactly this purpose by the
// pack's other_examples/artpar-terminal-tunnel (pty_unix.go/pty_windows.go).
package ptyproc

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	domainsession "github.com/emil45/phantom/domain/session"
)

// Process is a spawned shell plus its PTY master, satisfying
// application.PTY.
type Process struct {
	cmd    *exec.Cmd
	master *os.File
}

// DefaultShell returns $SHELL, falling back to /bin/sh.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// ValidateShell checks requested against /etc/shells when that file
// exists, accepting any absolute path otherwise. This is the hardening
// supplement SPEC_FULL.md adds over the bare `shell?` field in spec.md.
func ValidateShell(requested string) (string, error) {
	if requested == "" {
		return DefaultShell(), nil
	}
	if !strings.HasPrefix(requested, "/") {
		return "", errors.New("ptyproc: shell must be an absolute path")
	}

	f, err := os.Open("/etc/shells")
	if err != nil {
		return requested, nil // no allow-list available, accept any absolute path
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == requested {
			return requested, nil
		}
	}
	return "", errors.New("ptyproc: shell not present in /etc/shells")
}

// Spawn starts shell -l under a PTY of the given size.
func Spawn(shell string, rows, cols int) (*Process, error) {
	rows = domainsession.Clamp(rows)
	cols = domainsession.Clamp(cols)

	cmd := exec.Command(shell, "-l")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, err
	}

	return &Process{cmd: cmd, master: master}, nil
}

func (p *Process) Read(b []byte) (int, error)  { return p.master.Read(b) }
func (p *Process) Write(b []byte) (int, error) { return p.master.Write(b) }

func (p *Process) Close() error {
	_ = p.master.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return nil
}

// Resize clamps and forwards to the PTY master, per spec.md §4.5.
func (p *Process) Resize(cols, rows int) error {
	rows = domainsession.Clamp(rows)
	cols = domainsession.Clamp(cols)
	return pty.Setsize(p.master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Wait blocks until the child exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}
