package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Session is a running child attached to a terminal.
type Session interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Wait reaps the child.
	Wait() error
	// Kill terminates the child.
	Kill() error
	// Close releases the terminal.
	Close() error
}

// Spawner starts ssh.
type Spawner interface {
	Spawn(ctx context.Context, name string, args []string) (Session, error)
}

// PTYSpawner runs the child on a fresh pseudo-terminal so that ssh's
// password and keyboard-interactive prompts are written to it.
type PTYSpawner struct{}

func (PTYSpawner) Spawn(ctx context.Context, name string, args []string) (Session, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", name, err)
	}
	// Keep the prompts on a single line.
	_ = pty.Setsize(f, &pty.Winsize{Rows: 24, Cols: 200})
	return &ptySession{cmd: cmd, pty: f}, nil
}

type ptySession struct {
	cmd *exec.Cmd
	pty *os.File
}

func (s *ptySession) Read(p []byte) (int, error)  { return s.pty.Read(p) }
func (s *ptySession) Write(p []byte) (int, error) { return s.pty.Write(p) }
func (s *ptySession) Wait() error                 { return s.cmd.Wait() }
func (s *ptySession) Close() error                { return s.pty.Close() }

func (s *ptySession) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}
