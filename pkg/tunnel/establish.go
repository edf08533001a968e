package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	log "github.com/sirupsen/logrus"

	"totp-ssh/pkg/secrets"
)

// DefaultStepTimeout bounds each wait for ssh output.
const DefaultStepTimeout = 10 * time.Second

// State is a step of the login conversation.
type State int

const (
	Spawned State = iota
	AwaitPasswordPrompt
	PasswordSent
	AwaitCodePrompt
	CodeSent
	AwaitTerminal
	Success
	PermissionDenied
	Timeout
	UnexpectedEOF
	AlreadyOpen
	Cancelled
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "spawned"
	case AwaitPasswordPrompt:
		return "awaiting password prompt"
	case PasswordSent:
		return "password sent"
	case AwaitCodePrompt:
		return "awaiting verification code prompt"
	case CodeSent:
		return "verification code sent"
	case AwaitTerminal:
		return "awaiting login result"
	case Success:
		return "success"
	case PermissionDenied:
		return "permission denied"
	case Timeout:
		return "timeout"
	case UnexpectedEOF:
		return "unexpected eof"
	case AlreadyOpen:
		return "already open"
	case Cancelled:
		return "cancelled"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

var (
	ErrTimeout          = errors.New("timed out waiting for ssh")
	ErrPermissionDenied = errors.New("permission denied by server")
	ErrUnexpectedEOF    = errors.New("ssh exited before the login finished")
)

// EstablishError is a failed login. State is the terminal state (Timeout,
// PermissionDenied, UnexpectedEOF or Cancelled) and Step the state the conversation was
// in when it failed. Output is what ssh printed; it never holds a secret
// because ssh does not echo them.
type EstablishError struct {
	State  State
	Step   State
	Err    error
	Output string
}

func (e *EstablishError) Error() string {
	return fmt.Sprintf("ssh tunnel: %v (while %s)", e.Err, e.Step)
}

func (e *EstablishError) Unwrap() error { return e.Err }

// Target is the remote end of the tunnel.
type Target struct {
	User string
	Host string
	Port int
}

// Destination is "user@host", the form the control socket is named after.
func (t Target) Destination() string { return t.User + "@" + t.Host }

// Prompts are the patterns recognised in ssh output.
type Prompts struct {
	Password         *regexp.Regexp
	VerificationCode *regexp.Regexp
	PermissionDenied *regexp.Regexp
}

// CompilePrompts compiles the three prompt patterns.
func CompilePrompts(password, code, denied string) (Prompts, error) {
	var p Prompts
	var err error
	if p.Password, err = regexp.Compile(password); err != nil {
		return p, fmt.Errorf("password prompt pattern: %w", err)
	}
	if p.VerificationCode, err = regexp.Compile(code); err != nil {
		return p, fmt.Errorf("verification code prompt pattern: %w", err)
	}
	if p.PermissionDenied, err = regexp.Compile(denied); err != nil {
		return p, fmt.Errorf("permission denied pattern: %w", err)
	}
	return p, nil
}

// CodeFunc produces the one-time code for seed.
type CodeFunc func(seed string) (string, error)

// Establisher opens the control-master tunnel by answering ssh's password
// and verification code prompts.
type Establisher struct {
	Checker     Checker
	Spawner     Spawner
	Prompts     Prompts
	SSHBinary   string
	ControlDir  string
	StepTimeout time.Duration
	// Code defaults to FreshCode.
	Code CodeFunc
}

// Result is a successful (or skipped) establishment.
type Result struct {
	State  State
	Output string
}

// Args is the ssh argument list for t: no user config, no X forwarding, no
// remote command, and a persistent control master under controlDir.
func Args(t Target, controlDir string) []string {
	args := []string{"-F", "none", "-X", "-N"}
	opts := []string{
		"ControlMaster=yes",
		"ControlPath=" + strings.TrimRight(controlDir, "/") + "/%r@%h:%p",
		"ControlPersist=yes",
		"ServerAliveInterval=60",
		"TCPKeepAlive=no",
		"IdentitiesOnly=yes",
		"StrictHostKeyChecking=accept-new",
		"NumberOfPasswordPrompts=1",
	}
	for _, o := range opts {
		args = append(args, "-o", o)
	}
	if t.Port != 0 && t.Port != 22 {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}
	return append(args, t.Destination())
}

// Establish opens the tunnel unless one is already open. The password and
// seed are only ever written to the child's terminal.
func (e *Establisher) Establish(ctx context.Context, t Target, password, seed string) (Result, error) {
	dest := t.Destination()
	open, err := e.Checker.IsOpen(ctx, dest, t.Port)
	if err != nil {
		return Result{}, err
	}
	if open {
		log.Infof("SSH tunnel already exists for %s. Doing nothing", dest)
		return Result{State: AlreadyOpen}, nil
	}

	bin := e.SSHBinary
	if bin == "" {
		bin = "ssh"
	}
	args := Args(t, e.ControlDir)
	log.Debugf("Connecting to ssh with the following command: %s %s", bin, strings.Join(args, " "))

	sess, err := e.spawner().Spawn(ctx, bin, args)
	if err != nil {
		return Result{State: Spawned}, err
	}
	x := newExpecter(sess)
	defer x.close()

	step := AwaitPasswordPrompt
	fail := func(err error) (Result, error) {
		_ = sess.Kill()
		e.reap(sess)
		out := x.output()
		log.Debugf("Output from ssh process:\n\n%s", out)
		ee := &EstablishError{Step: step, Output: out}
		switch {
		case errors.Is(err, errExpectTimeout):
			ee.State, ee.Err = Timeout, ErrTimeout
		case errors.Is(err, io.EOF):
			ee.State, ee.Err = UnexpectedEOF, ErrUnexpectedEOF
		case errors.Is(err, ErrPermissionDenied):
			ee.State, ee.Err = PermissionDenied, ErrPermissionDenied
		case errors.Is(err, context.Canceled):
			ee.State, ee.Err = Cancelled, err
		default:
			ee.State, ee.Err = Timeout, err
		}
		return Result{State: ee.State, Output: out}, ee
	}

	if _, err := x.expect(ctx, e.stepTimeout(), e.Prompts.Password); err != nil {
		return fail(err)
	}
	log.Debug("Entering password")
	if err := send(sess, password); err != nil {
		return fail(err)
	}

	step = AwaitCodePrompt
	if _, err := x.expect(ctx, e.stepTimeout(), e.Prompts.VerificationCode); err != nil {
		return fail(err)
	}
	code, err := e.code()(seed)
	if err != nil {
		return fail(fmt.Errorf("generate verification code: %w", err))
	}
	log.Debug("Entering verification code")
	if err := send(sess, code); err != nil {
		return fail(err)
	}

	// Either ssh backgrounds the master and closes the terminal, or the server
	// refuses. Buffered output is matched before end of stream is reported, so
	// a refusal printed just before exit is never mistaken for success.
	step = AwaitTerminal
	_, err = x.expect(ctx, e.stepTimeout(), e.Prompts.PermissionDenied)
	switch {
	case err == nil:
		return fail(ErrPermissionDenied)
	case errors.Is(err, io.EOF):
		e.reap(sess)
		log.Infof("SSH tunnel opened for %s", dest)
		return Result{State: Success, Output: x.output()}, nil
	default:
		return fail(err)
	}
}

// reap waits for the child, killing it when it does not exit in a step.
func (e *Establisher) reap(sess Session) {
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			log.Debugf("ssh exited: %v", err)
		}
	case <-time.After(e.stepTimeout()):
		_ = sess.Kill()
		<-done
	}
	_ = sess.Close()
}

func (e *Establisher) spawner() Spawner {
	if e.Spawner != nil {
		return e.Spawner
	}
	return PTYSpawner{}
}

func (e *Establisher) code() CodeFunc {
	if e.Code != nil {
		return e.Code
	}
	return FreshCode
}

func (e *Establisher) stepTimeout() time.Duration {
	if e.StepTimeout > 0 {
		return e.StepTimeout
	}
	return DefaultStepTimeout
}

func send(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s+"\r"); err != nil {
		return fmt.Errorf("write to ssh: %w", err)
	}
	return nil
}

// minCodeLife is how long a code must stay valid to be worth sending.
const minCodeLife = 2 * time.Second

// FreshCode returns the current TOTP code for seed. When the current
// 30-second window is about to close it waits for the next one.
func FreshCode(seed string) (string, error) {
	return codeAt(secrets.NormalizeSeed(seed), time.Now(), time.Sleep)
}

func codeAt(seed string, now time.Time, sleep func(time.Duration)) (string, error) {
	const period = 30 * time.Second
	left := period - time.Duration(now.UnixNano()%int64(period))
	if left < minCodeLife {
		sleep(left)
		now = now.Add(left)
	}
	return totp.GenerateCode(seed, now)
}
