package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

const testSeed = "JBSWY3DPEHPK3PXP"

type fakeChecker struct {
	open bool
	err  error
}

func (c fakeChecker) IsOpen(ctx context.Context, dest string, port int) (bool, error) {
	return c.open, c.err
}

// script plays the ssh side of the conversation. Returning ends the child's
// output stream.
type script func(in *bufio.Reader, out io.Writer)

type fakeSession struct {
	out    *io.PipeReader
	in     *io.PipeWriter
	outW   *io.PipeWriter
	inR    *io.PipeReader
	done   chan struct{}
	killed atomic.Bool
}

func (s *fakeSession) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *fakeSession) Write(p []byte) (int, error) { return s.in.Write(p) }
func (s *fakeSession) Wait() error                 { <-s.done; return nil }

func (s *fakeSession) Kill() error {
	s.killed.Store(true)
	s.outW.CloseWithError(io.ErrClosedPipe)
	s.inR.CloseWithError(io.ErrClosedPipe)
	return nil
}

func (s *fakeSession) Close() error {
	s.out.Close()
	s.in.Close()
	return nil
}

type fakeSpawner struct {
	play script

	mu     sync.Mutex
	calls  int
	args   []string
	inputs []string
	sess   *fakeSession
}

func (f *fakeSpawner) Spawn(ctx context.Context, name string, args []string) (Session, error) {
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	s := &fakeSession{out: outR, in: inW, outW: outW, inR: inR, done: make(chan struct{})}

	f.mu.Lock()
	f.calls++
	f.args = args
	f.sess = s
	f.mu.Unlock()

	go func() {
		defer close(s.done)
		defer outW.Close()
		f.play(bufio.NewReader(&recorder{r: inR, f: f}), outW)
	}()
	return s, nil
}

// recorder captures every line the establisher sends.
type recorder struct {
	r   io.Reader
	f   *fakeSpawner
	buf strings.Builder
}

func (r *recorder) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	for _, b := range p[:n] {
		if b == '\r' {
			r.f.mu.Lock()
			r.f.inputs = append(r.f.inputs, r.buf.String())
			r.f.mu.Unlock()
			r.buf.Reset()
			continue
		}
		r.buf.WriteByte(b)
	}
	return n, err
}

func newEstablisher(t *testing.T, sp *fakeSpawner, c Checker) *Establisher {
	t.Helper()
	prompts, err := CompilePrompts(`.+ Password: `, `.+ VerificationCode: `, `.+ Permission denied`)
	if err != nil {
		t.Fatal(err)
	}
	return &Establisher{
		Checker:     c,
		Spawner:     sp,
		Prompts:     prompts,
		ControlDir:  "/home/jdoe/.ssh/controlmasters",
		StepTimeout: 500 * time.Millisecond,
		Code:        func(seed string) (string, error) { return "123456", nil },
	}
}

var target = Target{User: "jdoe", Host: "login.example.org", Port: 22}

func loginScript(after func(out io.Writer)) script {
	return func(in *bufio.Reader, out io.Writer) {
		fmt.Fprint(out, "(jdoe@login.example.org) Password: ")
		if _, err := in.ReadString('\r'); err != nil {
			return
		}
		fmt.Fprint(out, "\r\n(jdoe@login.example.org) VerificationCode: ")
		if _, err := in.ReadString('\r'); err != nil {
			return
		}
		if after != nil {
			after(out)
		}
	}
}

func TestEstablish_Success(t *testing.T) {
	sp := &fakeSpawner{play: loginScript(nil)}
	e := newEstablisher(t, sp, fakeChecker{})

	res, err := e.Establish(context.Background(), target, "correct horse battery", testSeed)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if res.State != Success {
		t.Fatalf("expected Success, got %s", res.State)
	}
	if len(sp.inputs) != 2 || sp.inputs[0] != "correct horse battery" || sp.inputs[1] != "123456" {
		t.Fatalf("expected password then code, got %q", sp.inputs)
	}
	if strings.Contains(res.Output, "correct horse battery") {
		t.Fatalf("output must not contain the password")
	}
	if sp.sess.killed.Load() {
		t.Fatalf("successful child must not be killed")
	}
}

func TestEstablish_PermissionDenied(t *testing.T) {
	sp := &fakeSpawner{play: loginScript(func(out io.Writer) {
		fmt.Fprint(out, "\r\n(jdoe@login.example.org) Permission denied (keyboard-interactive).\r\n")
	})}
	e := newEstablisher(t, sp, fakeChecker{})

	res, err := e.Establish(context.Background(), target, "wrong password", testSeed)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	var ee *EstablishError
	if !errors.As(err, &ee) || ee.State != PermissionDenied || ee.Step != AwaitTerminal {
		t.Fatalf("unexpected error %#v", err)
	}
	if res.State != PermissionDenied {
		t.Fatalf("expected PermissionDenied result, got %s", res.State)
	}
}

func TestEstablish_TimeoutWaitingForCodePrompt(t *testing.T) {
	sp := &fakeSpawner{play: func(in *bufio.Reader, out io.Writer) {
		fmt.Fprint(out, "(jdoe@login.example.org) Password: ")
		_, _ = in.ReadString('\r')
		// Hang until killed.
		_, _ = in.ReadString('\r')
	}}
	e := newEstablisher(t, sp, fakeChecker{})
	e.StepTimeout = 100 * time.Millisecond

	_, err := e.Establish(context.Background(), target, "correct horse battery", testSeed)
	var ee *EstablishError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EstablishError, got %v", err)
	}
	if ee.State != Timeout || ee.Step != AwaitCodePrompt || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout awaiting code prompt, got %s / %s", ee.State, ee.Step)
	}
	if !sp.sess.killed.Load() {
		t.Fatalf("expected child to be killed on timeout")
	}
}

func TestEstablish_TimeoutWaitingForPasswordPrompt(t *testing.T) {
	sp := &fakeSpawner{play: func(in *bufio.Reader, out io.Writer) {
		fmt.Fprint(out, "Warning: Permanently added 'login.example.org' to the list of known hosts.\r\n")
		_, _ = in.ReadString('\r')
	}}
	e := newEstablisher(t, sp, fakeChecker{})
	e.StepTimeout = 100 * time.Millisecond

	_, err := e.Establish(context.Background(), target, "correct horse battery", testSeed)
	var ee *EstablishError
	if !errors.As(err, &ee) || ee.State != Timeout || ee.Step != AwaitPasswordPrompt {
		t.Fatalf("expected timeout awaiting password prompt, got %v", err)
	}
	if len(sp.inputs) != 0 {
		t.Fatalf("nothing may be typed before the password prompt, got %q", sp.inputs)
	}
	if !sp.sess.killed.Load() {
		t.Fatalf("expected child to be killed on timeout")
	}
}

func TestEstablish_CancelledIsNotATimeout(t *testing.T) {
	sp := &fakeSpawner{play: func(in *bufio.Reader, out io.Writer) {
		fmt.Fprint(out, "(jdoe@login.example.org) Password: ")
		_, _ = in.ReadString('\r')
		_, _ = in.ReadString('\r')
	}}
	e := newEstablisher(t, sp, fakeChecker{})
	e.StepTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := e.Establish(ctx, target, "correct horse battery", testSeed)
	var ee *EstablishError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EstablishError, got %v", err)
	}
	if ee.State != Cancelled || ee.Step != AwaitCodePrompt {
		t.Fatalf("expected cancelled awaiting code prompt, got %s / %s", ee.State, ee.Step)
	}
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected context.Canceled and no timeout, got %v", err)
	}
}

func TestEstablish_UnexpectedEOF(t *testing.T) {
	sp := &fakeSpawner{play: func(in *bufio.Reader, out io.Writer) {
		fmt.Fprint(out, "ssh: Could not resolve hostname login.example.org\r\n")
	}}
	e := newEstablisher(t, sp, fakeChecker{})

	_, err := e.Establish(context.Background(), target, "correct horse battery", testSeed)
	var ee *EstablishError
	if !errors.As(err, &ee) || ee.State != UnexpectedEOF || ee.Step != AwaitPasswordPrompt {
		t.Fatalf("expected unexpected EOF awaiting password prompt, got %v", err)
	}
	if !strings.Contains(ee.Output, "Could not resolve hostname") {
		t.Fatalf("expected ssh output in error, got %q", ee.Output)
	}
}

func TestEstablish_AlreadyOpen(t *testing.T) {
	sp := &fakeSpawner{play: loginScript(nil)}
	e := newEstablisher(t, sp, fakeChecker{open: true})

	res, err := e.Establish(context.Background(), target, "correct horse battery", testSeed)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if res.State != AlreadyOpen {
		t.Fatalf("expected AlreadyOpen, got %s", res.State)
	}
	if sp.calls != 0 {
		t.Fatalf("ssh must not be spawned when a tunnel is open")
	}
}

func TestEstablish_CheckerError(t *testing.T) {
	sp := &fakeSpawner{play: loginScript(nil)}
	cerr := &ControlDirError{Path: "/nope", Err: errors.New("missing")}
	e := newEstablisher(t, sp, fakeChecker{err: cerr})

	_, err := e.Establish(context.Background(), target, "correct horse battery", testSeed)
	var ce *ControlDirError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ControlDirError, got %v", err)
	}
	if sp.calls != 0 {
		t.Fatalf("ssh must not be spawned")
	}
}

func TestArgs(t *testing.T) {
	got := strings.Join(Args(target, "/home/jdoe/.ssh/controlmasters/"), " ")
	want := "-F none -X -N" +
		" -o ControlMaster=yes" +
		" -o ControlPath=/home/jdoe/.ssh/controlmasters/%r@%h:%p" +
		" -o ControlPersist=yes" +
		" -o ServerAliveInterval=60" +
		" -o TCPKeepAlive=no" +
		" -o IdentitiesOnly=yes" +
		" -o StrictHostKeyChecking=accept-new" +
		" -o NumberOfPasswordPrompts=1" +
		" jdoe@login.example.org"
	if got != want {
		t.Fatalf("expected\n%s\ngot\n%s", want, got)
	}

	other := Args(Target{User: "u", Host: "h", Port: 2222}, "/c")
	joined := strings.Join(other, " ")
	if !strings.HasSuffix(joined, "-p 2222 u@h") {
		t.Fatalf("expected port flag before destination, got %s", joined)
	}
}

func TestExpect_EarliestMatchWins(t *testing.T) {
	x := newExpecter(strings.NewReader("first Permission denied then Password: "))
	defer x.close()
	pw := regexp.MustCompile(`Password: `)
	denied := regexp.MustCompile(`Permission denied`)

	idx, err := x.expect(context.Background(), time.Second, pw, denied)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Fatalf("expected the earlier denial to win, got pattern %d", idx)
	}
	idx, err = x.expect(context.Background(), time.Second, pw, denied)
	if err != nil || idx != 0 {
		t.Fatalf("expected remaining password prompt, got %d %v", idx, err)
	}
	if _, err := x.expect(context.Background(), time.Second, pw); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestCodeAt_WaitsForFreshWindow(t *testing.T) {
	var slept time.Duration
	sleep := func(d time.Duration) { slept = d }

	now := time.Unix(59, 500_000_000)
	code, err := codeAt(testSeed, now, sleep)
	if err != nil {
		t.Fatal(err)
	}
	if slept != 500*time.Millisecond {
		t.Fatalf("expected to wait for the next window, slept %s", slept)
	}
	want, _ := totp.GenerateCode(testSeed, time.Unix(60, 0))
	if code != want {
		t.Fatalf("expected code of next window %s, got %s", want, code)
	}

	slept = 0
	now = time.Unix(45, 0)
	code, _ = codeAt(testSeed, now, sleep)
	want, _ = totp.GenerateCode(testSeed, now)
	if slept != 0 || code != want {
		t.Fatalf("expected immediate code %s, got %s after %s", want, code, slept)
	}
}
