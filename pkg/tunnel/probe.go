// Package tunnel opens, checks and closes the password+TOTP ssh control-master
// tunnel. The control socket itself is owned by the ssh client; this package
// only drives ssh and asks it about the socket.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultProbeTimeout bounds a single `ssh -O check`.
const DefaultProbeTimeout = 10 * time.Second

// ErrProbeTimeout is returned by Probe.Check when ssh did not answer in time.
// The tunnel is then treated as not open.
var ErrProbeTimeout = errors.New("tunnel check timed out")

// ControlDirError is returned when the control socket directory is missing.
type ControlDirError struct {
	Path string
	Err  error
}

func (e *ControlDirError) Error() string {
	return fmt.Sprintf("control socket folder does not exist (%v); try creating a folder at %s or run install", e.Err, e.Path)
}

func (e *ControlDirError) Unwrap() error { return e.Err }

// Checker reports whether a control-master tunnel is open.
type Checker interface {
	IsOpen(ctx context.Context, dest string, port int) (bool, error)
}

// Probe queries control-master sockets with `ssh -O`.
type Probe struct {
	SSHBinary  string
	ControlDir string
	Timeout    time.Duration
}

// SocketPath is the socket ssh creates for ControlPath <dir>/%r@%h:%p, where
// dest is "user@host".
func (p Probe) SocketPath(dest string, port int) string {
	return filepath.Join(p.ControlDir, fmt.Sprintf("%s:%d", dest, port))
}

// Check runs `ssh -o ControlPath=<socket> -O check`. Exit status 0 means the
// tunnel is open; any other status means it is not. When the check exceeds
// the timeout the result is false and the error wraps ErrProbeTimeout.
func (p Probe) Check(ctx context.Context, dest string, port int) (bool, error) {
	if err := p.checkControlDir(); err != nil {
		return false, err
	}
	socket := p.SocketPath(dest, port)
	log.Debugf("checking ssh tunnel at: %s", socket)

	code, stdout, stderr, err := p.control(ctx, socket, "check")
	log.Debugf("Check tunnel process OUTPUT: %s", stdout)
	log.Debugf("Check tunnel process ERROR: %s", stderr)
	if err != nil {
		if errors.Is(err, ErrProbeTimeout) {
			log.Warnf("Timeout expired. Unable to verify tunnel exists in under %s", p.timeout())
		}
		return false, err
	}
	if code == 0 {
		log.Debug("Tunnel is open")
		return true, nil
	}
	log.Debug("Tunnel is not open")
	return false, nil
}

// IsOpen is Check with a timeout folded into a definitive "not open".
func (p Probe) IsOpen(ctx context.Context, dest string, port int) (bool, error) {
	open, err := p.Check(ctx, dest, port)
	if errors.Is(err, ErrProbeTimeout) {
		return false, nil
	}
	return open, err
}

// Stop asks the control master to exit (`ssh -O exit`).
func (p Probe) Stop(ctx context.Context, dest string, port int) error {
	if err := p.checkControlDir(); err != nil {
		return err
	}
	socket := p.SocketPath(dest, port)
	code, _, stderr, err := p.control(ctx, socket, "exit")
	if err != nil {
		return err
	}
	if code != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", code)
		}
		return fmt.Errorf("no tunnel to stop at %s: %s", socket, msg)
	}
	log.Infof("Closed ssh tunnel for %s", dest)
	return nil
}

func (p Probe) control(ctx context.Context, socket, op string) (code int, stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	bin := p.SSHBinary
	if bin == "" {
		bin = "ssh"
	}
	// ssh needs a destination argument even though the socket decides everything.
	cmd := exec.CommandContext(ctx, bin, "-o", "ControlPath="+socket, "-O", op, "dummy_arg")
	cmd.WaitDelay = time.Second

	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	runErr := cmd.Run()
	stdout, stderr = out.String(), errb.String()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1, stdout, stderr, fmt.Errorf("%w after %s", ErrProbeTimeout, p.timeout())
	}
	if runErr != nil {
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			return ee.ExitCode(), stdout, stderr, nil
		}
		return -1, stdout, stderr, fmt.Errorf("run %s -O %s: %w", bin, op, runErr)
	}
	return 0, stdout, stderr, nil
}

func (p Probe) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultProbeTimeout
}

func (p Probe) checkControlDir() error {
	st, err := os.Stat(p.ControlDir)
	if err != nil {
		return &ControlDirError{Path: p.ControlDir, Err: err}
	}
	if !st.IsDir() {
		return &ControlDirError{Path: p.ControlDir, Err: errors.New("not a directory")}
	}
	return nil
}

// EnsureControlDir creates the control socket directory (0700) when missing.
func EnsureControlDir(path string) (created bool, err error) {
	if st, err := os.Stat(path); err == nil {
		if !st.IsDir() {
			return false, fmt.Errorf("control socket path %s exists and is not a directory", path)
		}
		log.Infof("Controlmasters folder already exists at: %s", path)
		return false, nil
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return false, fmt.Errorf("create control socket folder %s: %w", path, err)
	}
	log.Infof("Created controlmasters folder at: %s", path)
	return true, nil
}
