package tunnel

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetOutput(io.Discard)
}

// fakeSSH writes an executable shell script standing in for ssh. The script
// records its arguments to <dir>/args.
func fakeSSH(t *testing.T, body string) (bin, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "ssh")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > '" + argsFile + "'\n" + body + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func TestProbeCheck_Open(t *testing.T) {
	bin, argsFile := fakeSSH(t, "exit 0")
	p := Probe{SSHBinary: bin, ControlDir: t.TempDir(), Timeout: 5 * time.Second}

	open, err := p.Check(context.Background(), "jdoe@login.example.org", 22)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !open {
		t.Fatalf("expected open tunnel")
	}

	b, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"-o", "ControlPath=" + filepath.Join(p.ControlDir, "jdoe@login.example.org:22"),
		"-O", "check", "dummy_arg",
	}
	got := strings.Split(strings.TrimSpace(string(b)), "\n")
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("expected args %q, got %q", want, got)
	}
}

func TestProbeCheck_NotOpen(t *testing.T) {
	bin, _ := fakeSSH(t, "echo 'Control socket connect: No such file or directory' >&2\nexit 255")
	p := Probe{SSHBinary: bin, ControlDir: t.TempDir(), Timeout: 5 * time.Second}

	open, err := p.Check(context.Background(), "jdoe@h", 22)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if open {
		t.Fatalf("expected closed tunnel")
	}
}

func TestProbeCheck_Timeout(t *testing.T) {
	bin, _ := fakeSSH(t, "exec sleep 5")
	p := Probe{SSHBinary: bin, ControlDir: t.TempDir(), Timeout: 200 * time.Millisecond}

	start := time.Now()
	open, err := p.Check(context.Background(), "jdoe@h", 22)
	if !errors.Is(err, ErrProbeTimeout) {
		t.Fatalf("expected ErrProbeTimeout, got %v", err)
	}
	if open {
		t.Fatalf("timeout must not report an open tunnel")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("check was not bounded by its timeout")
	}

	open, err = p.IsOpen(context.Background(), "jdoe@h", 22)
	if err != nil || open {
		t.Fatalf("expected IsOpen to fold timeout into false, got open=%v err=%v", open, err)
	}
}

func TestProbeCheck_MissingControlDir(t *testing.T) {
	bin, argsFile := fakeSSH(t, "exit 0")
	p := Probe{SSHBinary: bin, ControlDir: filepath.Join(t.TempDir(), "nope")}

	_, err := p.IsOpen(context.Background(), "jdoe@h", 22)
	var ce *ControlDirError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ControlDirError, got %v", err)
	}
	if _, err := os.Stat(argsFile); !os.IsNotExist(err) {
		t.Fatalf("ssh must not run without a control dir")
	}
}

func TestProbeStop(t *testing.T) {
	bin, argsFile := fakeSSH(t, "exit 0")
	p := Probe{SSHBinary: bin, ControlDir: t.TempDir()}
	if err := p.Stop(context.Background(), "jdoe@h", 22); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	b, _ := os.ReadFile(argsFile)
	if !strings.Contains(string(b), "-O\nexit\n") {
		t.Fatalf("expected -O exit, got %q", b)
	}

	bin, _ = fakeSSH(t, "echo 'Control socket connect: No such file or directory' >&2\nexit 255")
	p.SSHBinary = bin
	err := p.Stop(context.Background(), "jdoe@h", 22)
	if err == nil || !strings.Contains(err.Error(), "No such file") {
		t.Fatalf("expected stop failure carrying ssh's message, got %v", err)
	}
}

func TestEnsureControlDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "controlmasters")
	created, err := EnsureControlDir(dir)
	if err != nil || !created {
		t.Fatalf("expected created, got created=%v err=%v", created, err)
	}
	st, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o700 {
		t.Fatalf("expected 0700, got %o", st.Mode().Perm())
	}
	created, err = EnsureControlDir(dir)
	if err != nil || created {
		t.Fatalf("expected existing dir to be kept, got created=%v err=%v", created, err)
	}
}
